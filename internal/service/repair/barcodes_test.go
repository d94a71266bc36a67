package repair

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateBarcode(t *testing.T) {
	tests := []struct {
		productID int64
		variant   int
		want      string
	}{
		{productID: 7, variant: 0, want: "2000000000077"},
		{productID: 7, variant: 1, want: "2100000000074"},
		{productID: 1234567890, variant: 0, want: "2012345678903"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, GenerateBarcode(tt.productID, tt.variant))
	}
	require.Equal(t, 1, ean13CheckDigit("400638133393"))
}

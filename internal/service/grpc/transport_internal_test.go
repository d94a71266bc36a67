package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", domain.NewLineValidationError(0, "quantity", "must be positive"), codes.InvalidArgument},
		{"insufficient stock", &domain.InsufficientStockError{ProductID: 7, Requested: 3, Available: 1}, codes.FailedPrecondition},
		{"guard", fmt.Errorf("deduct: %w", &domain.StockGuardError{ProductID: 7, Requested: 3, Available: 1}), codes.Aborted},
		{"missing tenant", domain.ErrMissingTenant, codes.Internal},
		{"not found", domain.ErrNotFound, codes.NotFound},
		{"duplicate", domain.ErrDuplicate, codes.AlreadyExists},
		{"unauthenticated", domain.ErrUnauthenticated, codes.Unauthenticated},
		{"forbidden", domain.ErrForbidden, codes.PermissionDenied},
		{"points", domain.ErrInsufficientPoints, codes.FailedPrecondition},
		{"unknown", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
}

func TestToStatusHidesInternalDetails(t *testing.T) {
	st, _ := status.FromError(toStatus(errors.New("pq: connection refused to 10.0.0.5")))
	assert.Equal(t, "internal error", st.Message())

	st, _ = status.FromError(toStatus(fmt.Errorf("checkout: %w", context.DeadlineExceeded)))
	assert.Equal(t, codes.DeadlineExceeded, st.Code())

	original := status.Error(codes.Unavailable, "draining")
	assert.Equal(t, original, toStatus(original))
	assert.NoError(t, toStatus(nil))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer abc.def", "abc.def"},
		{"lowercase", "bearer   abc.def ", "abc.def"},
		{"basic", "Basic dXNlcg==", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(authorizationHeader, tt.header))
			assert.Equal(t, tt.want, bearerToken(ctx))
		})
	}
	assert.Empty(t, bearerToken(context.Background()))
}

func TestAuthenticatorDevMode(t *testing.T) {
	_, err := NewAuthenticator("", "")
	require.Error(t, err)

	auth, err := NewAuthenticator("", "org-dev")
	require.NoError(t, err)
	actor, err := auth.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, "org-dev", actor.OrgID)
	assert.True(t, actor.IsAdmin())
}

func TestAuthenticatorClaims(t *testing.T) {
	auth, err := NewAuthenticator("s3cret", "")
	require.NoError(t, err)

	token, err := SignToken("s3cret", domain.Actor{UserID: "u-1", Name: "Mali", OrgID: "org-1", Role: "cashier"}, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(token)
	require.ErrorIs(t, err, domain.ErrUnauthenticated, "expired token")

	token, err = SignToken("s3cret", domain.Actor{UserID: "u-1", Name: "Mali", OrgID: "org-1", Role: "cashier"}, time.Hour)
	require.NoError(t, err)
	actor, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{UserID: "u-1", Name: "Mali", OrgID: "org-1", Role: "cashier"}, actor)

	_, err = auth.Authenticate("not-a-jwt")
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = auth.Authenticate("")
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestInterceptorSkipsForeignServices(t *testing.T) {
	auth, err := NewAuthenticator("s3cret", "")
	require.NoError(t, err)
	interceptor := auth.UnaryInterceptor()

	called := false
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, _ any) (any, error) {
			called = true
			_, ok := domain.ActorFromContext(ctx)
			assert.False(t, ok)
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, called)

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodCheckout)},
		func(context.Context, any) (any, error) {
			t.Fatal("handler must not run without a token")
			return nil, nil
		})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestJSONCodecMoney(t *testing.T) {
	c := jsonCodec{}
	var req CheckoutRequest
	require.NoError(t, c.Unmarshal([]byte(`{"transactionNumber":"TX-1","total":"12.50","items":[{"productId":"7","quantity":1,"unitPrice":12.5,"subtotal":"12.50"}]}`), &req))
	assert.True(t, req.Total.Equal(decimal.RequireFromString("12.50")))
	require.Len(t, req.Items, 1)
	assert.True(t, req.Items[0].UnitPrice.Equal(decimal.RequireFromString("12.5")))
	require.NoError(t, c.Unmarshal(nil, &req))

	out, err := c.Marshal(&RedeemPointsResponse{Value: money(decimal.RequireFromString("3"))})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"value":"3.00"`)
	assert.Equal(t, CodecName, c.Name())
}

func TestJSONCodec_ProductIDAsNumberOrString(t *testing.T) {
	raw := []byte(`{"transactionNumber":"TX-1","total":"200","items":[
		{"productId":7,"quantity":1,"unitPrice":100},
		{"productId":"8","quantity":1,"unitPrice":"100"}
	]}`)

	var req CheckoutRequest
	require.NoError(t, jsonCodec{}.Unmarshal(raw, &req))
	require.Len(t, req.Items, 2)
	assert.Equal(t, ProductRef("7"), req.Items[0].ProductID)
	assert.Equal(t, ProductRef("8"), req.Items[1].ProductID)

	lines := req.toDomain().Items
	assert.Equal(t, "7", lines[0].ProductID)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.NewFromInt(100)))

	var inv GetInventoryRequest
	require.NoError(t, jsonCodec{}.Unmarshal([]byte(`{"productId":42}`), &inv))
	id, err := domain.ParseProductID(string(inv.ProductID))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestJSONCodec_MalformedProductIDIsBadRequest(t *testing.T) {
	for _, value := range []string{`7.5`, `-3`, `true`, `{"id":7}`, `null`} {
		t.Run(value, func(t *testing.T) {
			var req AdjustStockRequest
			require.NoError(t, jsonCodec{}.Unmarshal([]byte(`{"productId":`+value+`,"quantity":1,"type":"in"}`), &req))

			_, err := domain.ParseProductID(string(req.ProductID))
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(err)))
		})
	}
}

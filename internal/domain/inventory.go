package domain

import "time"

// MovementType — тип движения по складу.
type MovementType string

const (
	MovementIn         MovementType = "in"
	MovementOut        MovementType = "out"
	MovementAdjustment MovementType = "adjustment"
)

// Valid сообщает, известен ли тип движения.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementAdjustment:
		return true
	default:
		return false
	}
}

// Inventory — текущий остаток товара. Quantity никогда не бывает отрицательным.
type Inventory struct {
	OrgID        string
	ProductID    int64
	Quantity     int64
	MinThreshold int64
	UpdatedAt    time.Time
}

// StockMovement — неизменяемый факт изменения остатка.
// Для in/out Quantity — применённая дельта, для adjustment — итоговое абсолютное значение.
type StockMovement struct {
	ID        string
	OrgID     string
	ProductID int64
	Type      MovementType
	Quantity  int64
	Reason    string
	ActorID   string
	ActorName string
	CreatedAt time.Time
}

// ReplayMovements восстанавливает остаток из журнала движений в порядке записи.
func ReplayMovements(movements []StockMovement) int64 {
	var quantity int64
	for _, m := range movements {
		switch m.Type {
		case MovementIn:
			quantity += m.Quantity
		case MovementOut:
			quantity -= m.Quantity
		case MovementAdjustment:
			quantity = m.Quantity
		}
	}
	return quantity
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoyaltyType — тип записи в журнале баллов.
type LoyaltyType string

const (
	LoyaltyEarn        LoyaltyType = "earn"
	LoyaltyRedeem      LoyaltyType = "redeem"
	LoyaltyExpire      LoyaltyType = "expire"
	LoyaltyAdminAdjust LoyaltyType = "admin_adjust"
)

// LoyaltyProgram — настройки программы лояльности организации.
// Читаются при каждом начислении/списании, не кэшируются.
type LoyaltyProgram struct {
	OrgID               string
	PointsPerBaht       decimal.Decimal
	PointValue          decimal.Decimal
	PointExpirationDays *int
	MinPointsToRedeem   int64
	IsActive            bool
}

// EffectiveRate возвращает курс начисления; неположительный курс заменяется на 1.
func (p LoyaltyProgram) EffectiveRate() decimal.Decimal {
	if p.PointsPerBaht.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	return p.PointsPerBaht
}

// PointsFor считает баллы за сумму: floor(amount / rate).
func (p LoyaltyProgram) PointsFor(amount decimal.Decimal) int64 {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return amount.Div(p.EffectiveRate()).Floor().IntPart()
}

// Customer — покупатель. LoyaltyPoints — кэш суммы журнала LoyaltyTransaction.
type Customer struct {
	ID            int64
	OrgID         string
	Name          string
	TaxID         string
	LoyaltyPoints int64
	TotalSpent    decimal.Decimal
	VisitCount    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LoyaltyTransaction — запись журнала баллов. Points со знаком.
type LoyaltyTransaction struct {
	ID            string
	OrgID         string
	CustomerID    int64
	Type          LoyaltyType
	Points        int64
	BalanceBefore int64
	BalanceAfter  int64
	TransactionID *int64
	Reason        string
	ActorID       string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

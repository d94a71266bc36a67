package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation — некорректный запрос (productId, quantity и т.п.), исправляется клиентом.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock — остатка не хватает на этапе pre-flight проверки.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNegativeStockGuard — атомарная операция отказала, так как остаток ушёл бы в минус.
	// Отличается от ErrInsufficientStock: сигнализирует о гонке конкурентных продаж.
	ErrNegativeStockGuard = errors.New("negative stock guard violation")
	// ErrMissingTenant — для текущего запроса не удалось определить организацию.
	ErrMissingTenant = errors.New("tenant context is missing")
	// ErrUnauthenticated — запрос без валидного токена.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden — у актора нет роли, нужной для операции.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound возвращается репозиториями, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate — нарушение уникальности (номер транзакции, инвойс на транзакцию, barcode).
	ErrDuplicate = errors.New("duplicate record")
	// ErrInsufficientPoints — баланс баллов клиента ушёл бы в минус.
	ErrInsufficientPoints = errors.New("insufficient loyalty points")
	// ErrLoyaltyInactive — программа лояльности организации выключена или не настроена.
	ErrLoyaltyInactive = errors.New("loyalty program is not active")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// Стабильные коды ошибок для транспорта и логов.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeNegativeStockGuard = "NEGATIVE_STOCK_GUARD"
	CodeMissingTenant      = "MISSING_TENANT"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodePrecondition       = "PRECONDITION_FAILED"
	CodeInternal           = "INTERNAL"
)

// ValidationError описывает отклонённое поле запроса. Line = -1, если ошибка не относится к позиции.
type ValidationError struct {
	Field  string
	Line   int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("validation failed: items[%d].%s: %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError создаёт ошибку валидации поля верхнего уровня.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Line: -1, Reason: reason}
}

// NewLineValidationError создаёт ошибку валидации позиции корзины.
func NewLineValidationError(line int, field, reason string) *ValidationError {
	return &ValidationError{Field: field, Line: line, Reason: reason}
}

// InsufficientStockError — отказ pre-flight проверки с указанием товара и нехватки.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = fmt.Sprintf("product %d", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d, short by %d",
		name, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall возвращает, сколько единиц не хватает.
func (e *InsufficientStockError) Shortfall() int64 { return e.Requested - e.Available }

// StockGuardError — отказ атомарного guarded-декремента.
type StockGuardError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *StockGuardError) Error() string {
	return fmt.Sprintf("negative stock guard: product %d requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockGuardError) Unwrap() error { return ErrNegativeStockGuard }

// ErrorCode сопоставляет ошибку стабильному коду.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeBadRequest
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrInsufficientPoints), errors.Is(err, ErrLoyaltyInactive):
		return CodePrecondition
	case errors.Is(err, ErrNegativeStockGuard):
		return CodeNegativeStockGuard
	case errors.Is(err, ErrMissingTenant):
		return CodeMissingTenant
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicate):
		return CodeConflict
	default:
		return CodeInternal
	}
}

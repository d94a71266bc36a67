package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/possettle/internal/domain"
)

// statusCode сопоставляет стабильный код доменной ошибки коду gRPC.
func statusCode(err error) codes.Code {
	switch domain.ErrorCode(err) {
	case domain.CodeBadRequest:
		return codes.InvalidArgument
	case domain.CodeInsufficientStock, domain.CodePrecondition:
		return codes.FailedPrecondition
	case domain.CodeNegativeStockGuard:
		return codes.Aborted
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeConflict:
		return codes.AlreadyExists
	case domain.CodeUnauthenticated:
		return codes.Unauthenticated
	case domain.CodeForbidden:
		return codes.PermissionDenied
	default:
		// MISSING_TENANT сюда же: запрос прошёл аутентификацию, значит сломана сборка контекста.
		return codes.Internal
	}
}

// toStatus превращает ошибку сервиса в gRPC status. Внутренние ошибки не
// раскрывают детали клиенту.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	code := statusCode(err)
	switch code {
	case codes.Internal:
		if errors.Is(err, domain.ErrMissingTenant) {
			return status.Error(code, domain.ErrMissingTenant.Error())
		}
		return status.Error(code, "internal error")
	default:
		return status.Error(code, err.Error())
	}
}

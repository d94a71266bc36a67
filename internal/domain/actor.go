package domain

import "context"

// Actor — аутентифицированный пользователь текущего запроса.
// Передаётся явно через context, глобального гостевого пользователя нет.
type Actor struct {
	UserID string
	Name   string
	OrgID  string
	Role   string
}

// RoleAdmin — роль оператора, которому доступны ремонт и сверка всей организации.
const RoleAdmin = "admin"

// IsAdmin сообщает, есть ли у актора роль администратора.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type actorKey struct{}

// WithActor кладёт Actor в контекст запроса.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext достаёт Actor из контекста.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// RequireTenant возвращает Actor с непустой организацией или ErrMissingTenant.
func RequireTenant(ctx context.Context) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.OrgID == "" {
		return Actor{}, ErrMissingTenant
	}
	return actor, nil
}

// RequireAdmin возвращает Actor организации с ролью администратора.
func RequireAdmin(ctx context.Context) (Actor, error) {
	actor, err := RequireTenant(ctx)
	if err != nil {
		return Actor{}, err
	}
	if !actor.IsAdmin() {
		return Actor{}, ErrForbidden
	}
	return actor, nil
}

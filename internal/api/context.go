package api

import (
	"context"

	"github.com/npezzotti/go-discuss/internal/types"
)

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// User returns the authenticated user stored by the auth middleware.
func User(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

func UserId(ctx context.Context) (int, bool) {
	user, ok := User(ctx)
	return user.Id, ok
}

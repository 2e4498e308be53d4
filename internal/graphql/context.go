package graphql

import (
	"context"
	"errors"
)

type contextKey string

const roleKey contextKey = "graphql.role"

var ErrForbidden = errors.New("forbidden")

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	role, _ := ctx.Value(roleKey).(string)
	return role
}

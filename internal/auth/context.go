package auth

import (
	"context"

	"signportal/internal/models"
)

type ctxKey string

const (
	userKey ctxKey = "userClaims"
)

type Claims struct {
	Subject string
	Email   string
	Role    string
	JWTID   string
}

func (c Claims) HasRole(role string) bool {
	return c.Role == role
}

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, userKey, c)
}

func FromContext(ctx context.Context) Claims {
	if v, ok := ctx.Value(userKey).(Claims); ok {
		return v
	}
	return Claims{}
}

func Subject(ctx context.Context) string {
	return FromContext(ctx).Subject
}

// Actor is whoever performs a mutation, as seen by services and the audit trail.
type Actor struct {
	UserID    string
	Email     string
	Role      string
	IP        string
	UserAgent string
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

// ActorFrom combines the verified claims with request metadata.
func ActorFrom(ctx context.Context, ip, userAgent string) Actor {
	c := FromContext(ctx)
	return Actor{UserID: c.Subject, Email: c.Email, Role: c.Role, IP: ip, UserAgent: userAgent}
}

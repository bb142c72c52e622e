// Package auth carries the caller identity resolved by the gateway. The
// engine trusts the x-actor-id, x-tenant-id and x-actor-role values it is
// given; authentication happens upstream.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Header and metadata keys.
const (
	KeyActorID   = "x-actor-id"
	KeyTenantID  = "x-tenant-id"
	KeyActorRole = "x-actor-role"
)

// ErrNoUserContext is returned when no identity was attached to the context.
var ErrNoUserContext = errors.New("no user context")

// UserContext is the caller identity.
type UserContext struct {
	UserID   string
	TenantID string
	Role     string
}

type ctxKey struct{}

// WithUserContext attaches uc to ctx.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, uc)
}

// GetUserContext returns the identity attached to ctx.
func GetUserContext(ctx context.Context) (*UserContext, error) {
	uc, ok := ctx.Value(ctxKey{}).(*UserContext)
	if !ok || uc == nil {
		return nil, ErrNoUserContext
	}
	return uc, nil
}

// FromHeaders reads the identity from HTTP headers.
func FromHeaders(h http.Header) *UserContext {
	return &UserContext{
		UserID:   strings.TrimSpace(h.Get(KeyActorID)),
		TenantID: strings.TrimSpace(h.Get(KeyTenantID)),
		Role:     strings.TrimSpace(h.Get(KeyActorRole)),
	}
}

// FromMetadata reads the identity from incoming gRPC metadata.
func FromMetadata(md metadata.MD) *UserContext {
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	return &UserContext{
		UserID:   first(KeyActorID),
		TenantID: first(KeyTenantID),
		Role:     first(KeyActorRole),
	}
}

// OutgoingContext attaches uc as outgoing gRPC metadata.
func OutgoingContext(ctx context.Context, uc *UserContext) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		KeyActorID, uc.UserID,
		KeyTenantID, uc.TenantID,
		KeyActorRole, uc.Role,
	)
}

// Middleware attaches the identity from request headers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), FromHeaders(r.Header))))
	})
}

// UnaryServerInterceptor attaches the identity from incoming metadata.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		return handler(WithUserContext(ctx, FromMetadata(md)), req)
	}
}

package middleware

import "context"

// Context keys for caller identity resolved by the auth middleware.
type contextKey string

const (
	// ActorIDKey is the context key for the authenticated principal's ID.
	ActorIDKey contextKey = "actor_id"
	// TenantIDKey is the context key for the tenant UUID the caller is scoped to.
	TenantIDKey contextKey = "tenant_id"
	// PermissionsKey is the context key for the comma-separated permission slugs.
	PermissionsKey contextKey = "permissions"
)

// WithActorID returns a new context with the actor ID set.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithTenantID returns a new context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithPermissions returns a new context with the permission slugs set.
func WithPermissions(ctx context.Context, permissions string) context.Context {
	return context.WithValue(ctx, PermissionsKey, permissions)
}

// GetActorID extracts the actor ID from the context.
func GetActorID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ActorIDKey).(string)
	return v, ok
}

// GetTenantID extracts the tenant ID from the context.
func GetTenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(TenantIDKey).(string)
	return v, ok
}

// GetPermissions extracts the permission slugs from the context.
func GetPermissions(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(PermissionsKey).(string)
	return v, ok
}

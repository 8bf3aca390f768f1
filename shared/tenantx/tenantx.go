package tenantx

import "context"

type tenantKey struct{}

type userKey struct{}

type Tenant struct {
	ID   string
	Name string
}

func WithTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

func FromContext(ctx context.Context) (Tenant, bool) {
	if v := ctx.Value(tenantKey{}); v != nil {
		if t, ok := v.(Tenant); ok {
			return t, true
		}
	}
	return Tenant{}, false
}

func TenantIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserIDFromContext(ctx context.Context) string {
	if v := ctx.Value(userKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

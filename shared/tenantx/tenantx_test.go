package tenantx

import (
	"context"
	"testing"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), Tenant{ID: "t-1", Name: "Acme ISP"})
	tn, ok := FromContext(ctx)
	if !ok || tn.ID != "t-1" || tn.Name != "Acme ISP" {
		t.Fatalf("unexpected tenant: %#v ok=%v", tn, ok)
	}
	if got := TenantIDFromContext(ctx); got != "t-1" {
		t.Fatalf("unexpected tenant id: %q", got)
	}
}

func TestMissingTenant(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no tenant on empty context")
	}
	if got := TenantIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestUserRoundTrip(t *testing.T) {
	ctx := WithUser(context.Background(), "u-9")
	if got := UserIDFromContext(ctx); got != "u-9" {
		t.Fatalf("unexpected user id: %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty user id, got %q", got)
	}
}

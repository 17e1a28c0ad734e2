package authz

import (
	"context"
	"testing"
)

func TestStaticAuthorizer(t *testing.T) {
	ctx := context.Background()
	a := NewStaticAuthorizer([]string{"100", "200"}, CapabilityApprove)

	if !a.HasCapability(ctx, "100", CapabilityApprove) {
		t.Error("expected 100 to approve")
	}
	if a.HasCapability(ctx, "300", CapabilityApprove) {
		t.Error("expected 300 to be denied")
	}
	if a.HasCapability(ctx, "100", Capability("refund")) {
		t.Error("expected unknown capability to be denied")
	}

	a.Grant("300", CapabilityApprove)
	if !a.HasCapability(ctx, "300", CapabilityApprove) {
		t.Error("expected granted actor to approve")
	}
}

func TestAuthorizerFunc(t *testing.T) {
	var got string
	f := AuthorizerFunc(func(_ context.Context, actor string, _ Capability) bool {
		got = actor
		return actor == "hr"
	})
	if !f.HasCapability(context.Background(), "hr", CapabilityApprove) || got != "hr" {
		t.Error("expected func to be called")
	}
}

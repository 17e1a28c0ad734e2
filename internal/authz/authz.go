package authz

import "context"

type Capability string

const (
	CapabilityApprove Capability = "approve"
)

// Authorizer answers whether an actor holds a capability. The engine never
// reads role configuration directly.
type Authorizer interface {
	HasCapability(ctx context.Context, actor string, capability Capability) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, actor string, capability Capability) bool

func (f AuthorizerFunc) HasCapability(ctx context.Context, actor string, capability Capability) bool {
	return f(ctx, actor, capability)
}

// StaticAuthorizer grants a fixed capability set to a fixed list of actors,
// e.g. the admin ID list from configuration.
type StaticAuthorizer struct {
	grants map[string]map[Capability]struct{}
}

func NewStaticAuthorizer(actors []string, capabilities ...Capability) *StaticAuthorizer {
	a := &StaticAuthorizer{grants: make(map[string]map[Capability]struct{}, len(actors))}
	for _, actor := range actors {
		a.Grant(actor, capabilities...)
	}
	return a
}

func (a *StaticAuthorizer) Grant(actor string, capabilities ...Capability) {
	set, ok := a.grants[actor]
	if !ok {
		set = make(map[Capability]struct{}, len(capabilities))
		a.grants[actor] = set
	}
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
}

func (a *StaticAuthorizer) HasCapability(_ context.Context, actor string, capability Capability) bool {
	_, ok := a.grants[actor][capability]
	return ok
}

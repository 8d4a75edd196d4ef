// Package readapi serves the observer-facing query surface over the
// projection store, with role-gated filtering and per-observer rate limits.
package readapi

import "net/http"

// Observer roles, ordered. Each role sees everything the ones below it see.
const (
	RoleViewer  = "viewer"
	RoleAnalyst = "analyst"
	RoleAuditor = "auditor"
)

var roleRank = map[string]int{
	RoleViewer:  1,
	RoleAnalyst: 2,
	RoleAuditor: 3,
}

// Observer is the resolved identity attached to a read request.
type Observer struct {
	ID   string
	Role string
}

// Allows reports whether the observer's role meets the endpoint minimum.
func (o Observer) Allows(minRole string) bool {
	return roleRank[o.Role] >= roleRank[minRole]
}

// ResolveObserver reads the observer headers, defaulting to an anonymous
// viewer. An unknown role is treated as viewer rather than rejected.
func ResolveObserver(r *http.Request) Observer {
	o := Observer{
		ID:   r.Header.Get("x-observer-id"),
		Role: r.Header.Get("x-observer-role"),
	}
	if o.ID == "" {
		o.ID = "anonymous"
	}
	if _, ok := roleRank[o.Role]; !ok {
		o.Role = RoleViewer
	}
	return o
}

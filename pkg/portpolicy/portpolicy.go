// Package portpolicy implements the gate that decides whether a remote
// port may be proxied to, and how it maps onto a local port (spec.md §4.3).
package portpolicy

// Policy is an immutable port allow-list plus remote->local override map.
type Policy struct {
	allowed []int
	mapping map[int]int
}

// New builds a Policy from a TunnelConfig's AllowedPorts/PortMapping
// fields. An empty allowed slice means "no restriction" (spec.md §4.3).
func New(allowed []int, mapping map[int]int) Policy {
	return Policy{allowed: allowed, mapping: mapping}
}

// IsAllowed reports whether port may be proxied to.
func (p Policy) IsAllowed(port int) bool {
	if len(p.allowed) == 0 {
		return true
	}
	for _, a := range p.allowed {
		if a == port {
			return true
		}
	}
	return false
}

// ResolveLocal maps a remote port to the local port it should be proxied
// to, returning remotePort unchanged when no override is configured.
func (p Policy) ResolveLocal(remotePort int) int {
	if local, ok := p.mapping[remotePort]; ok {
		return local
	}
	return remotePort
}

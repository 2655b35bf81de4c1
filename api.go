package accessip

import (
	"context"
	"net/netip"
)

// Family is an IP address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return "IPv?"
}

// Matches reports whether a is a usable address of family f.
//
// This is stricter than checking the textual family: an IPv4-mapped IPv6
// address such as ::ffff:203.0.113.7 parses as IPv6 but does not match IPv6,
// because it names an IPv4 host. Zoned addresses never match.
func (f Family) Matches(a netip.Addr) bool {
	if !a.IsValid() || a.Zone() != "" {
		return false
	}
	switch f {
	case IPv4:
		return a.Is4()
	case IPv6:
		return a.Is6() && !a.Is4In6()
	}
	return false
}

// Resolver looks up the public address of a single family.
type Resolver interface {
	Resolve(ctx context.Context, family Family) (netip.Addr, error)
}

// PolicyClient reads and writes the remote policy document.
type PolicyClient interface {
	FetchPolicy(ctx context.Context) (*Policy, error)
	ReplacePolicy(ctx context.Context, policy *Policy) error
}

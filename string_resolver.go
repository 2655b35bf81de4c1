package accessip

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// FromString constructs a resolver that always answers with one of the given addresses,
// picking the first one of the requested family.
// It is useful for pinning an address, or combined with a web resolver using [Chain].
func FromString(addr ...string) (Resolver, error) {
	var s stringResolver
	for _, a := range addr {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			return nil, fmt.Errorf("unable to parse IP: %w", err)
		}
		s = append(s, ip)
	}
	return s, nil
}

type stringResolver []netip.Addr

func (s stringResolver) Resolve(_ context.Context, family Family) (netip.Addr, error) {
	for _, a := range s {
		if family.Matches(a) {
			return a, nil
		}
	}
	return netip.Addr{}, &ResolutionError{Family: family, Errs: []error{errors.New("no static address of this family")}}
}

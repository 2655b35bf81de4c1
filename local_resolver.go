package accessip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// InterfaceResolver constructs a resolver that returns a public address assigned to one of the given interfaces.
// If no interfaces are provided then all interfaces are searched.
//
// Only global unicast addresses outside the private ranges are considered,
// which makes this mostly useful for IPv6 on hosts that get a global address by SLAAC or DHCPv6.
// Behind NAT there is no public IPv4 address on any interface; use [WebResolver] for that.
func InterfaceResolver(iface ...string) Resolver {
	return interfaceResolver{ifaces: iface}
}

type interfaceResolver struct {
	ifaces []string
}

func (r interfaceResolver) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	addrs, errs := r.addrs()
	for _, a := range addrs {
		if family.Matches(a) && isPublic(a) {
			return a, nil
		}
	}
	errs = append(errs, errors.New("no public address found on interfaces"))
	return netip.Addr{}, &ResolutionError{Family: family, Errs: errs}
}

func (r interfaceResolver) addrs() (addrs []netip.Addr, errs []error) {
	var raw []net.Addr
	if len(r.ifaces) == 0 {
		a, err := net.InterfaceAddrs()
		if err != nil {
			return nil, []error{fmt.Errorf("error getting interface addresses: %w", err)}
		}
		raw = a
	}
	for _, name := range r.ifaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("error getting interface %s by name: %w", name, err))
			continue
		}
		a, err := iface.Addrs()
		if err != nil {
			errs = append(errs, fmt.Errorf("error looking up addresses for interface %s: %w", name, err))
			continue
		}
		raw = append(raw, a...)
	}
	// addr: ip+net:192.168.86.253/24
	// addr: ip+net:2001:db8:fc30:0:b951:8b16:2812:a227/64
	for _, addr := range raw {
		p, err := netip.ParsePrefix(addr.String())
		if err != nil {
			errs = append(errs, fmt.Errorf("error parsing local ip %s: %s", addr.String(), err))
			continue
		}
		addrs = append(addrs, p.Addr().Unmap())
	}
	return addrs, errs
}

func isPublic(a netip.Addr) bool {
	return a.IsGlobalUnicast() && !a.IsPrivate()
}

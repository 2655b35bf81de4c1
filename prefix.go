package accessip

import (
	"fmt"
	"net/netip"
)

// DefaultIPv6PrefixLength is the size of the network allowlisted for an IPv6 address.
// Most ISPs delegate at least a /64, and hosts rotate through it with privacy extensions.
const DefaultIPv6PrefixLength = 64

// Prefix returns the IPv6 network of length bits containing addr.
// Host bits set in addr are masked off rather than treated as an error,
// so Prefix("2001:861:e3c4:f590:2054:d22b:da8:f4ae", 64) is 2001:861:e3c4:f590::/64.
//
// addr must be an IPv6 literal without a prefix length.
func Prefix(addr string, bits int) (netip.Prefix, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Prefix{}, &InvalidAddressError{Addr: addr, Reason: err.Error()}
	}
	if !a.Is6() || a.Is4In6() {
		return netip.Prefix{}, &InvalidAddressError{Addr: addr, Reason: "not an IPv6 address"}
	}
	if bits < 0 || bits > 128 {
		return netip.Prefix{}, &InvalidAddressError{Addr: addr, Reason: fmt.Sprintf("prefix length %d out of range [0,128]", bits)}
	}
	p, err := a.WithZone("").Prefix(bits)
	if err != nil {
		return netip.Prefix{}, &InvalidAddressError{Addr: addr, Reason: err.Error()}
	}
	return p, nil
}

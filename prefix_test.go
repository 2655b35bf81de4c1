package accessip_test

import (
	"testing"

	"github.com/Travis-Britz/accessip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefix(t *testing.T) {
	tests := []struct {
		addr string
		bits int
		want string
	}{
		{"2001:861:e3c4:f590:2054:d22b:da8:f4ae", 64, "2001:861:e3c4:f590::/64"},
		{"2001:861:e3c4:f590:2054:d22b:da8:f4ae", 56, "2001:861:e3c4:f500::/56"},
		{"2001:861:e3c4:f590:2054:d22b:da8:f4ae", 128, "2001:861:e3c4:f590:2054:d22b:da8:f4ae/128"},
		{"2001:861:e3c4:f590:2054:d22b:da8:f4ae", 0, "::/0"},
		{"2001:db8::", 48, "2001:db8::/48"},
		{"fe80::1%eth0", 64, "fe80::/64"},
	}
	for _, tt := range tests {
		p, err := accessip.Prefix(tt.addr, tt.bits)
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.want, p.String())
	}
}

func TestPrefixIdempotent(t *testing.T) {
	for _, bits := range []int{0, 1, 48, 56, 64, 127, 128} {
		once, err := accessip.Prefix("2001:861:e3c4:f590:2054:d22b:da8:f4ae", bits)
		require.NoError(t, err)
		twice, err := accessip.Prefix(once.Addr().String(), bits)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "bits=%d", bits)
	}
}

func TestPrefixInvalid(t *testing.T) {
	tests := []struct {
		addr string
		bits int
	}{
		{"", 64},
		{"not an address", 64},
		{"203.0.113.7", 24},
		{"::ffff:203.0.113.7", 64},
		{"2001:db8::/64", 64},
		{"2001:db8::1", -1},
		{"2001:db8::1", 129},
	}
	for _, tt := range tests {
		_, err := accessip.Prefix(tt.addr, tt.bits)
		var ierr *accessip.InvalidAddressError
		require.ErrorAs(t, err, &ierr, "%q/%d", tt.addr, tt.bits)
		assert.Equal(t, tt.addr, ierr.Addr)
	}
}

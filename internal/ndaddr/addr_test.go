package ndaddr_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndproxy/ndproxy/internal/ndaddr"
)

func TestPrefix_Contains(t *testing.T) {
	p := ndaddr.MustParsePrefix("2001:db8::/64")

	testCases := []struct {
		addr string
		want bool
	}{{
		addr: "2001:db8::1",
		want: true,
	}, {
		addr: "2001:db8:0:0:ffff:ffff:ffff:ffff",
		want: true,
	}, {
		addr: "2001:db8:1::1",
		want: false,
	}, {
		addr: "::1",
		want: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			addr := netip.MustParseAddr(tc.addr)
			assert.Equal(t, tc.want, p.Contains(addr))
		})
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	target := netip.MustParseAddr("2001:db8::1")

	mcast := ndaddr.SolicitedNodeMulticast(target)
	assert.Equal(t, "ff02::1:ff00:1", mcast.String())

	mac := ndaddr.SolicitedNodeEtherMulticast(target)
	assert.Equal(t, net.HardwareAddr{0x33, 0x33, 0xff, 0x00, 0x00, 0x01}, mac)
}

func TestLinkLocalEUI64(t *testing.T) {
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	addr, err := ndaddr.LinkLocalEUI64(mac)
	require.NoError(t, err)

	assert.Equal(t, "fe80::a8bb:ccff:fedd:ee01", addr.String())
}

func TestLinkLocalEUI64_badMAC(t *testing.T) {
	_, err := ndaddr.LinkLocalEUI64(net.HardwareAddr{1, 2, 3})
	require.ErrorIs(t, err, ndaddr.ErrBadMAC)
}

func TestIsUnspecified(t *testing.T) {
	assert.True(t, ndaddr.IsUnspecified(netip.MustParseAddr("::")))
	assert.False(t, ndaddr.IsUnspecified(netip.MustParseAddr("::1")))
}

//go:build linux

package routetable

import (
	"net/netip"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample is a trimmed excerpt of real /proc/net/ipv6_route content: a
// default route via a gateway on eth0, and a more specific on-link route on
// eth1.
const sample = `00000000000000000000000000000000 00 00000000000000000000000000000000 00 fe800000000000000000000000000001 00000400 00000001 00000000 00200001 eth0
20010db8000000000000000000000000 20 00000000000000000000000000000000 00 00000000000000000000000000000000 00000400 00000001 00000000 00000001 eth1
`

func withFakeProc(t *testing.T, content string) {
	t.Helper()

	orig := procFS
	procFS = fstest.MapFS{
		"proc/net/ipv6_route": &fstest.MapFile{Data: []byte(content)},
	}
	t.Cleanup(func() { procFS = orig })
}

func TestProcRouteTable_longestPrefixMatch(t *testing.T) {
	withFakeProc(t, sample)

	rt := newRouteTable()
	require.NoError(t, rt.Refresh())

	route, ok := rt.Route(netip.MustParseAddr("2001:db8::1"))
	require.True(t, ok)
	assert.Equal(t, "eth1", route.Iface)
	assert.False(t, route.Gateway.IsValid())

	route, ok = rt.Route(netip.MustParseAddr("2001:dead::1"))
	require.True(t, ok)
	assert.Equal(t, "eth0", route.Iface)
	assert.Equal(t, "fe80::1", route.Gateway.String())
}

func TestProcRouteTable_noMatch(t *testing.T) {
	withFakeProc(t, "20010db8000000000000000000000000 20 00000000000000000000000000000000 00 00000000000000000000000000000000 00000400 00000001 00000000 00000001 eth1\n")

	rt := newRouteTable()
	require.NoError(t, rt.Refresh())

	_, ok := rt.Route(netip.MustParseAddr("2001:dead::1"))
	assert.False(t, ok)
}

//go:build !linux

package routetable

// newRouteTable returns Empty on platforms without a /proc/net/ipv6_route
// equivalent wired up.
func newRouteTable() (rt Interface) { return Empty{} }

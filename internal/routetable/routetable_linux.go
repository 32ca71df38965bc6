//go:build linux

package routetable

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"sort"
	"strings"
)

// procFS is substituted in tests; production code reads from the real root
// filesystem.
var procFS fs.FS = os.DirFS("/")

// procRouteTable reads /proc/net/ipv6_route, the same file the "ip -6
// route" tool parses, caching the result in a snapshot until the next
// Refresh.
type procRouteTable struct {
	snap *snapshot
}

func newRouteTable() (rt Interface) {
	return &procRouteTable{snap: newSnapshot()}
}

// type check
var _ Interface = (*procRouteTable)(nil)

const ipv6RouteFile = "proc/net/ipv6_route"

// Refresh implements the Interface interface for *procRouteTable.
func (rt *procRouteTable) Refresh() (err error) {
	f, err := procFS.Open(ipv6RouteFile)
	if err != nil {
		return fmt.Errorf("routetable: opening %s: %w", ipv6RouteFile, err)
	}
	defer f.Close()

	routes := make([]Route, 0, rt.snap.len())
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		r, ok := parseRouteLine(sc.Text())
		if ok {
			routes = append(routes, r)
		}
	}
	if err = sc.Err(); err != nil {
		return fmt.Errorf("routetable: reading %s: %w", ipv6RouteFile, err)
	}

	// Longest prefix first, so lookup's linear scan returns the most
	// specific match.
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Prefix.Bits() > routes[j].Prefix.Bits()
	})

	rt.snap.reset(routes)

	return nil
}

// Route implements the Interface interface for *procRouteTable.
func (rt *procRouteTable) Route(addr netip.Addr) (route Route, ok bool) {
	return rt.snap.lookup(addr)
}

// parseRouteLine parses one line of /proc/net/ipv6_route, whose fields are:
//
//	dest_addr dest_prefixlen src_addr src_prefixlen next_hop metric
//	refcnt use flags devname
//
// each address is 32 hex digits with no separators, and lengths are 2 hex
// digits.
func parseRouteLine(line string) (route Route, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return Route{}, false
	}

	prefix, ok := parsePrefix(fields[0], fields[1])
	if !ok {
		return Route{}, false
	}

	gateway, ok := parseHexAddr(fields[4])
	if !ok {
		return Route{}, false
	}

	if gateway.IsUnspecified() {
		// On-link route; no gateway hop.
		gateway = netip.Addr{}
	}

	return Route{
		Iface:   fields[9],
		Gateway: gateway,
		Prefix:  prefix,
	}, true
}

func parsePrefix(addrHex, lenHex string) (prefix netip.Prefix, ok bool) {
	addr, ok := parseHexAddr(addrHex)
	if !ok {
		return netip.Prefix{}, false
	}

	bits, err := parseHexByte(lenHex)
	if err != nil {
		return netip.Prefix{}, false
	}

	return netip.PrefixFrom(addr, int(bits)), true
}

func parseHexAddr(s string) (addr netip.Addr, ok bool) {
	if len(s) != 32 {
		return netip.Addr{}, false
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return netip.Addr{}, false
	}

	a, ok := netip.AddrFromSlice(raw)

	return a, ok
}

func parseHexByte(s string) (b uint8, err error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 1 {
		return 0, fmt.Errorf("bad hex byte %q", s)
	}

	return raw[0], nil
}

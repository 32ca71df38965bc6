// Package ndaddr provides the IPv6 address helpers used throughout the NDP
// proxy: prefix matching, solicited-node multicast derivation and the
// modified EUI-64 link-local synthesis, all grounded in RFC 4861 and RFC
// 4291.
package ndaddr

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// ErrNotIPv6 is returned when an address that's expected to be an IPv6
// unicast or multicast address turns out not to be one.
const ErrNotIPv6 errors.Error = "address is not a valid ipv6 address"

// ErrBadMAC is returned when a hardware address isn't a 6-byte EUI-48.
const ErrBadMAC errors.Error = "mac address is not a 6-byte eui-48"

// Prefix is an IPv6 network: an address together with the number of
// significant high-order bits.  It is comparable and safe for use as a map
// key.
type Prefix struct {
	addr netip.Addr
	bits int
}

// NewPrefix returns the Prefix of addr truncated to bits significant
// high-order bits.  addr must be a valid IPv6 address and bits must be in
// [0, 128].
func NewPrefix(addr netip.Addr, bits int) (p Prefix, err error) {
	if !addr.Is6() || addr.Is4In6() {
		return Prefix{}, fmt.Errorf("prefix base %s: %w", addr, ErrNotIPv6)
	}
	if bits < 0 || bits > 128 {
		return Prefix{}, fmt.Errorf("prefix length %d: %w", bits, errors.ErrOutOfRange)
	}

	masked := netip.PrefixFrom(addr, bits).Masked().Addr()

	return Prefix{addr: masked, bits: bits}, nil
}

// MustParsePrefix is like ParsePrefix but panics on error.  It's intended for
// use in tests and static configuration tables.
func MustParsePrefix(s string) (p Prefix) {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}

	return p
}

// ParsePrefix parses s, which must be in CIDR notation, e.g.
// "2001:db8::/64".
func ParsePrefix(s string) (p Prefix, err error) {
	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("parsing prefix %q: %w", s, err)
	}

	return NewPrefix(pfx.Addr(), pfx.Bits())
}

// Bits returns the prefix length.
func (p Prefix) Bits() int { return p.bits }

// Addr returns the masked base address of the prefix.
func (p Prefix) Addr() netip.Addr { return p.addr }

// String returns the CIDR representation of p.
func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.addr, p.bits)
}

// Contains reports whether addr's high-order p.bits bits equal p's.
func (p Prefix) Contains(addr netip.Addr) bool {
	if !addr.Is6() || addr.Is4In6() {
		return false
	}

	return netip.PrefixFrom(p.addr, p.bits).Contains(addr)
}

// IsUnspecified reports whether addr is the IPv6 unspecified address ("::"),
// as used to recognize a DAD probe's source address.
func IsUnspecified(addr netip.Addr) bool {
	return addr.Is6() && addr.IsUnspecified()
}

// IsMulticast reports whether addr is an IPv6 multicast address.
func IsMulticast(addr netip.Addr) bool {
	return addr.Is6() && addr.IsMulticast()
}

// solicitedNodePrefix is the well-known ff02::1:ff00:0/104 prefix that
// solicited-node multicast addresses are derived from.  See RFC 4291 §2.7.1.
var solicitedNodePrefix = [13]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0xff}

// SolicitedNodeMulticast derives the solicited-node multicast address for
// target, taking its low 24 bits: ff02::1:ffXX:XXXX.
func SolicitedNodeMulticast(target netip.Addr) (mcast netip.Addr) {
	a16 := target.As16()

	var out [16]byte
	copy(out[:13], solicitedNodePrefix[:])
	out[13] = a16[13]
	out[14] = a16[14]
	out[15] = a16[15]

	return netip.AddrFrom16(out)
}

// SolicitedNodeEtherMulticast derives the Ethernet multicast destination
// address that corresponds to a target's solicited-node multicast address:
// 33:33:ff:XX:XX:XX, where XX:XX:XX are the target's low 24 bits (RFC 4861
// §7.2.4, RFC 2464 §7).
func SolicitedNodeEtherMulticast(target netip.Addr) (mac net.HardwareAddr) {
	a16 := target.As16()

	return net.HardwareAddr{0x33, 0x33, 0xff, a16[13], a16[14], a16[15]}
}

// IPv6AllNodesEtherMulticast derives the Ethernet multicast destination for
// an arbitrary IPv6 multicast address, per RFC 2464 §7: 33:33 followed by the
// low 32 bits of the address.
func IPv6AllNodesEtherMulticast(mcast netip.Addr) (mac net.HardwareAddr) {
	a16 := mcast.As16()

	return net.HardwareAddr{0x33, 0x33, a16[12], a16[13], a16[14], a16[15]}
}

// LinkLocalEUI64 synthesizes the modified-EUI-64 link-local address
// (fe80::/64 + interface identifier) for the given 48-bit MAC address, as
// used for the source address of outgoing NS probes.
func LinkLocalEUI64(mac net.HardwareAddr) (addr netip.Addr, err error) {
	if len(mac) != 6 {
		return netip.Addr{}, fmt.Errorf("mac %s: %w", mac, ErrBadMAC)
	}

	var out [16]byte
	out[0], out[1] = 0xfe, 0x80

	out[8] = mac[0] ^ 0x02 // flip the universal/local bit
	out[9] = mac[1]
	out[10] = mac[2]
	out[11] = 0xff
	out[12] = 0xfe
	out[13] = mac[3]
	out[14] = mac[4]
	out[15] = mac[5]

	return netip.AddrFrom16(out), nil
}

// Equal reports whether a and b are the same IPv6 address.  It exists mostly
// for readability at call sites; netip.Addr is already comparable with ==.
func Equal(a, b netip.Addr) bool {
	return a == b
}

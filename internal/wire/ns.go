package wire

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/net/ipv6"
)

// ICMPv6 message types used by this proxy (RFC 4861 §4.3/§4.4).  Router
// Solicitation/Advertisement and Redirect are intentionally absent: they're
// out of scope.
const (
	TypeNeighborSolicitation  = uint8(ipv6.ICMPTypeNeighborSolicitation)
	TypeNeighborAdvertisement = uint8(ipv6.ICMPTypeNeighborAdvertisement)
)

// Neighbor-discovery option types (RFC 4861 §4.6).
const (
	optSourceLinkLayerAddr uint8 = 1
	optTargetLinkLayerAddr uint8 = 2
)

// NA flag bits, high byte of the 32-bit "flags, reserved" field (RFC 4861
// §4.4).
const (
	FlagRouter    uint8 = 0x80
	FlagSolicited uint8 = 0x40
	FlagOverride  uint8 = 0x20
)

// ErrMalformed indicates a frame or message that failed validation and must
// be dropped without logging.
const ErrMalformed errors.Error = "malformed icmpv6 message"

// nsHeaderLen is type(1)+code(1)+checksum(2)+reserved(4)+target(16).
const nsHeaderLen = 24

// llOptLen is the length, in bytes, of a Source/Target Link-Layer Address
// option carrying a 6-byte Ethernet address: type(1)+len(1)+mac(6), padded
// to a multiple of 8 as required by RFC 4861 §4.6.1.
const llOptLen = 8

// Solicitation is a parsed/to-be-sent Neighbor Solicitation.
type Solicitation struct {
	// Target is the address being solicited.
	Target netip.Addr

	// SourceLinkLayerAddr is the Source Link-Layer Address option, or nil if
	// absent (only valid when the solicitation's IPv6 source is
	// unspecified, i.e. a DAD probe).
	SourceLinkLayerAddr net.HardwareAddr
}

// Marshal encodes ns into an ICMPv6 message body with the checksum field set
// to zero; the caller fills the checksum via ICMPv6Checksum.
func (ns *Solicitation) Marshal() (body []byte) {
	n := nsHeaderLen
	if ns.SourceLinkLayerAddr != nil {
		n += llOptLen
	}

	body = make([]byte, n)
	body[0] = TypeNeighborSolicitation
	body[1] = 0 // code
	// body[2:4] checksum, left zero
	// body[4:8] reserved, left zero
	tgt := ns.Target.As16()
	copy(body[8:24], tgt[:])

	if ns.SourceLinkLayerAddr != nil {
		opt := body[nsHeaderLen:]
		opt[0] = optSourceLinkLayerAddr
		opt[1] = 1 // length in units of 8 octets
		copy(opt[2:8], ns.SourceLinkLayerAddr)
	}

	return body
}

// ParseSolicitation parses an ICMPv6 Neighbor Solicitation body (checksum
// already verified by the caller).  When present, the Source Link-Layer
// Address option must be exactly one TLV of length 1 (8 bytes total);
// anything else is malformed.  srcUnspecified is the IPv6 source address's
// unspecified-ness (from the enclosing frame): a non-unspecified source
// (i.e. not a DAD probe) MUST carry the option, or the message is
// malformed and must be dropped rather than treated as SLLA-less.
func ParseSolicitation(body []byte, srcUnspecified bool) (ns *Solicitation, err error) {
	if len(body) < nsHeaderLen {
		return nil, fmt.Errorf("ns: short body (%d bytes): %w", len(body), ErrMalformed)
	}
	if body[0] != TypeNeighborSolicitation {
		return nil, fmt.Errorf("ns: type %d: %w", body[0], ErrMalformed)
	}

	ns = &Solicitation{
		Target: netip.AddrFrom16([16]byte(body[8:24])),
	}

	rest := body[nsHeaderLen:]
	if len(rest) == 0 {
		if !srcUnspecified {
			return nil, fmt.Errorf("ns: non-unspecified source missing SLLA option: %w", ErrMalformed)
		}

		return ns, nil
	}

	if len(rest) < llOptLen {
		return nil, fmt.Errorf("ns: short option (%d bytes): %w", len(rest), ErrMalformed)
	}

	if rest[0] != optSourceLinkLayerAddr || rest[1] != 1 {
		return nil, fmt.Errorf(
			"ns: option type %d len %d: %w", rest[0], rest[1], ErrMalformed,
		)
	}

	ns.SourceLinkLayerAddr = net.HardwareAddr(append([]byte(nil), rest[2:8]...))

	return ns, nil
}

// Advertisement is a parsed/to-be-sent Neighbor Advertisement.
type Advertisement struct {
	// Target is the address being advertised as reachable.
	Target netip.Addr

	// TargetLinkLayerAddr is the Target Link-Layer Address option.  It is
	// always present on advertisements this proxy sends.
	TargetLinkLayerAddr net.HardwareAddr

	// Router, Solicited and Override are the R/S/O flags (RFC 4861 §4.4).
	Router    bool
	Solicited bool
	Override  bool
}

// Marshal encodes na into an ICMPv6 message body with the checksum field set
// to zero.
func (na *Advertisement) Marshal() (body []byte) {
	n := nsHeaderLen
	if na.TargetLinkLayerAddr != nil {
		n += llOptLen
	}

	body = make([]byte, n)
	body[0] = TypeNeighborAdvertisement
	body[1] = 0 // code

	var flags uint8
	if na.Router {
		flags |= FlagRouter
	}
	if na.Solicited {
		flags |= FlagSolicited
	}
	if na.Override {
		flags |= FlagOverride
	}
	body[4] = flags

	tgt := na.Target.As16()
	copy(body[8:24], tgt[:])

	if na.TargetLinkLayerAddr != nil {
		opt := body[nsHeaderLen:]
		opt[0] = optTargetLinkLayerAddr
		opt[1] = 1
		copy(opt[2:8], na.TargetLinkLayerAddr)
	}

	return body
}

// ParseAdvertisement parses an ICMPv6 Neighbor Advertisement body (checksum
// already verified by the caller).  Unlike Solicitation, a missing or
// malformed target link-layer option is tolerated: handle_na
// only needs the target address.
func ParseAdvertisement(body []byte) (na *Advertisement, err error) {
	if len(body) < nsHeaderLen {
		return nil, fmt.Errorf("na: short body (%d bytes): %w", len(body), ErrMalformed)
	}
	if body[0] != TypeNeighborAdvertisement {
		return nil, fmt.Errorf("na: type %d: %w", body[0], ErrMalformed)
	}

	flags := body[4]
	na = &Advertisement{
		Target:    netip.AddrFrom16([16]byte(body[8:24])),
		Router:    flags&FlagRouter != 0,
		Solicited: flags&FlagSolicited != 0,
		Override:  flags&FlagOverride != 0,
	}

	rest := body[nsHeaderLen:]
	if len(rest) >= llOptLen && rest[0] == optTargetLinkLayerAddr && rest[1] == 1 {
		na.TargetLinkLayerAddr = net.HardwareAddr(append([]byte(nil), rest[2:8]...))
	}

	return na, nil
}

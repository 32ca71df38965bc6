// Frame encode/decode: the Ethernet+IPv6+ICMPv6 envelope around the NS/NA
// messages in ns.go.  Encoding uses gopacket to build outgoing Ethernet
// frames.  Decoding is done by hand:
// packed on-wire structs can't be trusted to compiler memory layout, so we
// walk the header bytes explicitly and keep the Hop-by-Hop traversal and
// length/checksum checks unambiguous.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// HopLimit is the hop limit all outgoing NS/NA frames must carry; a frame
// arriving with anything less has traversed a router and can't be a genuine
// on-link neighbor message.
const HopLimit = 255

const (
	etherHeaderLen = 14
	ip6HeaderLen   = 40
	hopByHopProto  = 0
	icmpv6Proto    = icmpv6NextHeader

	// maxExtensionHeaders bounds the Hop-by-Hop traversal so a crafted or
	// malformed packet can't force an unbounded loop.
	maxExtensionHeaders = 8
)

// EncodeFrame builds a full Ethernet+IPv6+ICMPv6 frame carrying icmpBody (the
// output of Solicitation.Marshal or Advertisement.Marshal, checksum field
// still zero). It fills the checksum in place before framing.
func EncodeFrame(
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP netip.Addr,
	icmpBody []byte,
) (frame []byte, err error) {
	binary.BigEndian.PutUint16(icmpBody[2:4], ICMPv6Checksum(srcIP, dstIP, icmpBody))

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   HopLimit,
		SrcIP:      net.IP(srcIP.AsSlice()),
		DstIP:      net.IP(dstIP.AsSlice()),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	err = gopacket.SerializeLayers(buf, opts, eth, ip6, gopacket.Payload(icmpBody))
	if err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

// Decoded is everything a validated incoming ICMPv6 NS/NA frame yields to the
// interface dispatcher.
type Decoded struct {
	SrcMAC, DstMAC net.HardwareAddr
	SrcIP, DstIP   netip.Addr
	ICMPBody       []byte
}

// DecodeFrame validates and extracts the ICMPv6 payload of an incoming
// Ethernet frame:
//
//  1. Ethernet type must be IPv6.
//  2. ip6_plen must describe a payload no longer than what was captured
//     (trailing bytes beyond plen are Ethernet padding and are trimmed).
//  3. Any Hop-by-Hop option chain is walked until the next header is
//     ICMPv6; a malformed chain is dropped.
//  4. The ICMPv6 checksum over the RFC 2460 pseudo-header must match.
//
// Any failure returns an error wrapping ErrMalformed; callers must drop the
// frame without per-frame logging.
func DecodeFrame(frame []byte) (d *Decoded, err error) {
	if len(frame) < etherHeaderLen+ip6HeaderLen {
		return nil, fmt.Errorf("frame: short (%d bytes): %w", len(frame), ErrMalformed)
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != uint16(layers.EthernetTypeIPv6) {
		return nil, fmt.Errorf("frame: ethertype %#04x: %w", etherType, ErrMalformed)
	}

	dstMAC := net.HardwareAddr(append([]byte(nil), frame[0:6]...))
	srcMAC := net.HardwareAddr(append([]byte(nil), frame[6:12]...))

	ip6 := frame[etherHeaderLen:]

	version := ip6[0] >> 4
	if version != 6 {
		return nil, fmt.Errorf("frame: ip version %d: %w", version, ErrMalformed)
	}

	plen := int(binary.BigEndian.Uint16(ip6[4:6]))
	nextHeader := ip6[6]
	hopLimit := ip6[7]
	if hopLimit != HopLimit {
		return nil, fmt.Errorf("frame: hop limit %d: %w", hopLimit, ErrMalformed)
	}

	srcIP := netip.AddrFrom16([16]byte(ip6[8:24]))
	dstIP := netip.AddrFrom16([16]byte(ip6[24:40]))

	captured := ip6[ip6HeaderLen:]
	if plen > len(captured) {
		return nil, fmt.Errorf(
			"frame: plen %d exceeds captured %d: %w", plen, len(captured), ErrMalformed,
		)
	}
	// Trim any Ethernet padding beyond the declared payload length.
	captured = captured[:plen]

	body, err := skipExtensionHeaders(nextHeader, captured)
	if err != nil {
		return nil, err
	}

	want := ICMPv6Checksum(srcIP, dstIP, zeroedChecksum(body))
	got := binary.BigEndian.Uint16(body[2:4])
	if want != got {
		return nil, fmt.Errorf(
			"frame: checksum %#04x want %#04x: %w", got, want, ErrMalformed,
		)
	}

	return &Decoded{
		SrcMAC:   srcMAC,
		DstMAC:   dstMAC,
		SrcIP:    srcIP,
		DstIP:    dstIP,
		ICMPBody: body,
	}, nil
}

// skipExtensionHeaders walks a Hop-by-Hop Options chain (the only extension
// header NS/NA traffic is expected to carry) until nextHeader identifies
// ICMPv6, returning the remaining bytes as the ICMPv6 message.
func skipExtensionHeaders(nextHeader uint8, payload []byte) (icmpBody []byte, err error) {
	for i := 0; nextHeader != icmpv6Proto; i++ {
		if nextHeader != hopByHopProto {
			return nil, fmt.Errorf("frame: next header %d: %w", nextHeader, ErrMalformed)
		}
		if i >= maxExtensionHeaders {
			return nil, fmt.Errorf("frame: too many extension headers: %w", ErrMalformed)
		}
		if len(payload) < 2 {
			return nil, fmt.Errorf("frame: truncated extension header: %w", ErrMalformed)
		}

		hdrLen := (int(payload[1]) + 1) * 8
		if hdrLen > len(payload) {
			return nil, fmt.Errorf("frame: extension header overruns packet: %w", ErrMalformed)
		}

		nextHeader = payload[0]
		payload = payload[hdrLen:]
	}

	if len(payload) < nsHeaderLen {
		return nil, fmt.Errorf("frame: short icmpv6 body (%d bytes): %w", len(payload), ErrMalformed)
	}

	return payload, nil
}

// zeroedChecksum returns a copy of body with its checksum field cleared, as
// required to recompute the checksum for comparison.
func zeroedChecksum(body []byte) (out []byte) {
	out = append([]byte(nil), body...)
	out[2], out[3] = 0, 0

	return out
}

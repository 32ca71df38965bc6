// Package link provides the raw link-layer channel a proxy reads
// solicitations from and writes advertisements/probes to.
// Channel wraps a link-layer socket bound to one interface and pre-filtered
// to IPv6 EtherType frames, using mdlayher/packet the same way a DHCP
// server binds to EtherTypeIPv4.
package link

import (
	"fmt"
	"net"
	"time"
)

// MaxFrameSize is large enough for a full Ethernet MTU frame including the
// 14-byte header; larger frames (jumbo) are not expected on the networks
// ndproxy targets.
const MaxFrameSize = 1514

// Channel is a link-layer socket bound to one interface, filtered to
// receive only IPv6 frames, whose reads block at most until the read
// deadline. The event loop reads
// it alongside every other proxy's Channel in a single poll cycle.
type Channel interface {
	// ReadFrame reads one Ethernet frame into buf, returning the number of
	// bytes read. It returns net.ErrClosed once Close has been called, and
	// an error satisfying errors.Is(err, os.ErrDeadlineExceeded) if a read
	// deadline set via SetReadDeadline has passed without data arriving.
	ReadFrame(buf []byte) (n int, err error)

	// WriteFrame writes one complete Ethernet frame.
	WriteFrame(frame []byte) (err error)

	// SetReadDeadline bounds how long ReadFrame may block, letting the
	// event loop return control to the scheduler between polls.
	SetReadDeadline(t time.Time) (err error)

	// Interface returns the kernel interface this channel is bound to.
	Interface() (iface *net.Interface)

	// Close releases the underlying socket.
	Close() (err error)
}

// Open binds a Channel to the named interface. The concrete implementation
// is platform-specific; see link_linux.go.
func Open(ifaceName string) (ch Channel, err error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("link: resolving interface %q: %w", ifaceName, err)
	}

	return openChannel(iface)
}

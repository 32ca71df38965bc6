//go:build linux

package link

import (
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// packetChannel is the Linux Channel implementation, backed by an
// AF_PACKET socket via mdlayher/packet bound to EtherTypeIPv6.
type packetChannel struct {
	conn  net.PacketConn
	iface *net.Interface
}

func openChannel(iface *net.Interface) (ch Channel, err error) {
	conn, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv6), nil)
	if err != nil {
		return nil, fmt.Errorf("link: listening on %s: %w", iface.Name, err)
	}

	return &packetChannel{conn: conn, iface: iface}, nil
}

// ReadFrame implements the Channel interface for *packetChannel.
func (c *packetChannel) ReadFrame(buf []byte) (n int, err error) {
	n, _, err = c.conn.ReadFrom(buf)

	return n, err
}

// WriteFrame implements the Channel interface for *packetChannel. frame must
// be a complete Ethernet frame; its destination MAC (the first 6 bytes) is
// used as the raw socket's sockaddr_ll destination.
func (c *packetChannel) WriteFrame(frame []byte) (err error) {
	if len(frame) < 6 {
		return fmt.Errorf("link: frame too short to contain a destination MAC")
	}

	addr := &packet.Addr{HardwareAddr: net.HardwareAddr(frame[:6])}

	_, err = c.conn.WriteTo(frame, addr)

	return err
}

// SetReadDeadline implements the Channel interface for *packetChannel.
func (c *packetChannel) SetReadDeadline(t time.Time) (err error) {
	return c.conn.SetReadDeadline(t)
}

// Interface implements the Channel interface for *packetChannel.
func (c *packetChannel) Interface() (iface *net.Interface) { return c.iface }

// Close implements the Channel interface for *packetChannel.
func (c *packetChannel) Close() (err error) { return c.conn.Close() }

package proxy

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndproxy/ndproxy/internal/ifreg"
	"github.com/ndproxy/ndproxy/internal/link"
	"github.com/ndproxy/ndproxy/internal/ndaddr"
	"github.com/ndproxy/ndproxy/internal/routetable"
	"github.com/ndproxy/ndproxy/internal/rules"
	"github.com/ndproxy/ndproxy/internal/scheduler"
	"github.com/ndproxy/ndproxy/internal/session"
	"github.com/ndproxy/ndproxy/internal/wire"
)

// fakeChannel is an in-memory link.Channel: WriteFrame appends to written,
// ReadFrame is unused by these tests. Using it in place of a real raw
// socket keeps these tests from needing CAP_NET_RAW.
type fakeChannel struct {
	iface   *net.Interface
	written [][]byte
}

func (c *fakeChannel) ReadFrame([]byte) (n int, err error) { return 0, net.ErrClosed }

func (c *fakeChannel) WriteFrame(frame []byte) (err error) {
	c.written = append(c.written, append([]byte(nil), frame...))

	return nil
}

func (c *fakeChannel) SetReadDeadline(time.Time) (err error) { return nil }

func (c *fakeChannel) Interface() (iface *net.Interface) { return c.iface }

func (c *fakeChannel) Close() (err error) { return nil }

// type check
var _ link.Channel = (*fakeChannel)(nil)

// fakeClock is a manually-advanced timeutil.Clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

var _ timeutil.Clock = (*fakeClock)(nil)

// withFakeLink substitutes openLink with one that hands out fakeChannels
// keyed by interface name, so test code can inspect what each interface
// received.
func withFakeLink(t *testing.T) map[string]*fakeChannel {
	t.Helper()

	chans := map[string]*fakeChannel{}
	orig := openLink
	openLink = func(name string) (ch link.Channel, err error) {
		c := &fakeChannel{iface: &net.Interface{Name: name}}
		chans[name] = c

		return c, nil
	}
	t.Cleanup(func() { openLink = orig })

	return chans
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultSessionConfig() session.Config {
	return session.Config{
		InvalidTTL:   5 * time.Second,
		ValidTTL:     30 * time.Second,
		Renew:        5 * time.Second,
		RetransLimit: 3,
		RetransTime:  time.Second,
		Keepalive:    true,
	}
}

// withFakeInterfaces substitutes ifreg's interface resolution with one that
// hands out synthetic *net.Interface values carrying a stable MAC per name,
// so tests don't depend on any particular interface existing on the host.
func withFakeInterfaces(t *testing.T) {
	t.Helper()

	orig := ifreg.ResolveInterface
	idx := 0
	byName := map[string]*net.Interface{}
	ifreg.ResolveInterface = func(nameOrIndex string) (iface *net.Interface, err error) {
		if existing, ok := byName[nameOrIndex]; ok {
			return existing, nil
		}

		idx++
		mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(idx)}
		iface = &net.Interface{Index: idx, Name: nameOrIndex, HardwareAddr: mac}
		byName[nameOrIndex] = iface

		return iface, nil
	}
	t.Cleanup(func() { ifreg.ResolveInterface = orig })
}

func newTestProxy(t *testing.T, cfg Config) (*Proxy, map[string]*fakeChannel) {
	t.Helper()

	withFakeInterfaces(t)
	chans := withFakeLink(t)

	ifaces := ifreg.New(testLogger(), true)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	sched := scheduler.New(clock)

	p, err := New(testLogger(), sched, ifaces, routetable.Empty{}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return p, chans
}

func TestProxy_staticHit(t *testing.T) {
	rule := &rules.Rule{
		Prefix: ndaddr.MustParsePrefix("2001:db8::/64"),
		Mode:   rules.ModeStatic,
	}
	cfg := Config{
		Upstream: "eth0",
		Rules:    rules.NewSet(rule),
		Session:  defaultSessionConfig(),
	}

	p, chans := newTestProxy(t, cfg)

	target := ndaddr.MustParsePrefix("2001:db8::1/128").Addr()
	src := ndaddr.MustParsePrefix("2001:db8::2/128").Addr()
	srcLL := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	dstMAC := ndaddr.SolicitedNodeEtherMulticast(target)
	dstIP := ndaddr.SolicitedNodeMulticast(target)

	nsMsg := &wire.Solicitation{SourceLinkLayerAddr: srcLL, Target: target}
	body := nsMsg.Marshal()
	frame, err := wire.EncodeFrame(srcLL, dstMAC, src, dstIP, body)
	require.NoError(t, err)

	p.HandleFrame(frame)

	up := chans["eth0"]
	require.Len(t, up.written, 1)

	d, err := wire.DecodeFrame(up.written[0])
	require.NoError(t, err)
	na, err := wire.ParseAdvertisement(d.ICMPBody)
	require.NoError(t, err)

	assert.Equal(t, target, na.Target)
	assert.True(t, na.Solicited)
	assert.True(t, na.Override)
	assert.Equal(t, src, d.DstIP)

	assert.Equal(t, 1, p.SessionCount())
}

func TestProxy_nsMissingSLLAWithUnicastSourceDropped(t *testing.T) {
	rule := &rules.Rule{
		Prefix: ndaddr.MustParsePrefix("2001:db8::/64"),
		Mode:   rules.ModeStatic,
	}
	cfg := Config{
		Upstream: "eth0",
		Rules:    rules.NewSet(rule),
		Session:  defaultSessionConfig(),
	}

	p, chans := newTestProxy(t, cfg)

	target := ndaddr.MustParsePrefix("2001:db8::1/128").Addr()
	src := ndaddr.MustParsePrefix("2001:db8::2/128").Addr()
	srcLL := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	dstMAC := ndaddr.SolicitedNodeEtherMulticast(target)
	dstIP := ndaddr.SolicitedNodeMulticast(target)

	// src is a real unicast address, but the NS carries no Source
	// Link-Layer Address option: this is malformed and must be dropped
	// without creating a session or emitting a reply.
	nsMsg := &wire.Solicitation{Target: target}
	body := nsMsg.Marshal()
	frame, err := wire.EncodeFrame(srcLL, dstMAC, src, dstIP, body)
	require.NoError(t, err)

	p.HandleFrame(frame)

	assert.Empty(t, chans["eth0"].written)
	assert.Equal(t, 0, p.SessionCount())
}

func TestProxy_noRuleMatch(t *testing.T) {
	rule := &rules.Rule{
		Prefix: ndaddr.MustParsePrefix("2001:db8::/64"),
		Mode:   rules.ModeStatic,
	}
	cfg := Config{
		Upstream: "eth0",
		Rules:    rules.NewSet(rule),
		Session:  defaultSessionConfig(),
	}

	p, chans := newTestProxy(t, cfg)

	target := ndaddr.MustParsePrefix("2001:dead::1/128").Addr()
	src := ndaddr.MustParsePrefix("2001:dead::2/128").Addr()
	srcLL := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	dstMAC := ndaddr.SolicitedNodeEtherMulticast(target)
	dstIP := ndaddr.SolicitedNodeMulticast(target)

	nsMsg := &wire.Solicitation{SourceLinkLayerAddr: srcLL, Target: target}
	body := nsMsg.Marshal()
	frame, err := wire.EncodeFrame(srcLL, dstMAC, src, dstIP, body)
	require.NoError(t, err)

	p.HandleFrame(frame)

	assert.Empty(t, chans["eth0"].written)
	assert.Equal(t, 0, p.SessionCount())
}

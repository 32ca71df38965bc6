// Package proxy binds one upstream interface to a rule set and session
// table: it dispatches inbound frames from its upstream
// link.Channel through rule matching into the session state machine, and
// implements session.Actions to open downstream channels, emit downstream
// NS probes, and emit upstream NA replies. A struct owns a link.Channel
// plus a session table plus policy flags, with dispatch split into small
// per-message-type handlers.
package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"

	"github.com/ndproxy/ndproxy/internal/ifreg"
	"github.com/ndproxy/ndproxy/internal/link"
	"github.com/ndproxy/ndproxy/internal/ndaddr"
	"github.com/ndproxy/ndproxy/internal/routetable"
	"github.com/ndproxy/ndproxy/internal/rules"
	"github.com/ndproxy/ndproxy/internal/scheduler"
	"github.com/ndproxy/ndproxy/internal/session"
	"github.com/ndproxy/ndproxy/internal/wire"
)

// Config configures a Proxy.
type Config struct {
	// Upstream is the interface NS is received on and NA is sent on.
	Upstream string

	// Router sets the R flag on every NA this proxy emits.
	Router bool

	// Promiscuous sets PROMISC instead of ALLMULTI when capturing
	// solicited-node multicast traffic.
	Promiscuous bool

	// Rules is this proxy's ordered rule list.
	Rules *rules.Set

	// Session carries the session state machine's timing parameters.
	Session session.Config
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the validate.Interface interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("upstream", c.Upstream),
	}
	errs = validate.Append(errs, "rules", c.Rules)

	return errors.Join(errs...)
}

// openLink is substituted in tests so the state machine can be exercised
// without binding a real raw socket.
var openLink = link.Open

// downstream is a refcounted, lazily opened probe channel toward one named
// interface, shared by every session that probes through it.
type downstream struct {
	handle *ifreg.Handle
	ch     link.Channel
	refs   int
}

// Proxy is one configured upstream and everything it owns.
type Proxy struct {
	logger *slog.Logger
	cfg    Config

	ifaces *ifreg.Registry
	rt     routetable.Interface

	upstream *ifreg.Handle
	upchan   link.Channel

	sessions *session.Table

	downstreams map[string]*downstream
}

// New opens cfg.Upstream through ifaces, sets ALLMULTI/PROMISC if any rule
// needs it, and returns a Proxy ready to dispatch frames via HandleFrame.
// rt is consulted only by ModeAuto rules; pass routetable.Empty{} if none of
// this proxy's rules use it.
func New(
	logger *slog.Logger,
	sched *scheduler.Scheduler,
	ifaces *ifreg.Registry,
	rt routetable.Interface,
	cfg Config,
) (p *Proxy, err error) {
	upstream, err := ifaces.Open(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: opening upstream %q: %w", cfg.Upstream, err)
	}

	upchan, err := openLink(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: binding upstream channel %q: %w", cfg.Upstream, err)
	}

	p = &Proxy{
		logger:      logger,
		cfg:         cfg,
		ifaces:      ifaces,
		rt:          rt,
		upstream:    upstream,
		upchan:      upchan,
		downstreams: map[string]*downstream{},
	}
	p.sessions = session.NewTable(logger, sched, cfg.Session, p)

	if needsMulticast(cfg.Rules) {
		if cfg.Promiscuous {
			err = ifaces.SetPromisc(upstream, true)
		} else {
			err = ifaces.SetAllMulti(upstream, true)
		}
		if err != nil {
			return nil, fmt.Errorf("proxy: enabling multicast capture on %q: %w", cfg.Upstream, err)
		}
	}

	return p, nil
}

// needsMulticast reports whether any rule in set is non-static, meaning
// solicited-node multicast frames must actually reach userspace.
func needsMulticast(set *rules.Set) bool {
	for _, r := range set.Rules() {
		if r.Mode != rules.ModeStatic {
			return true
		}
	}

	return false
}

// UpstreamChannel returns the Channel the event loop should poll for this
// proxy's incoming frames.
func (p *Proxy) UpstreamChannel() (ch link.Channel) { return p.upchan }

// SessionCount returns the number of sessions currently tracked, for
// diagnostics.
func (p *Proxy) SessionCount() (n int) { return p.sessions.Len() }

// Close releases the upstream channel and interface handle, along with any
// still-open downstream channels. Restoration of PROMISC/ALLMULTI happens
// inside ifreg.Registry.Close.
func (p *Proxy) Close() (err error) {
	var errs []error

	if cerr := p.upchan.Close(); cerr != nil {
		errs = append(errs, cerr)
	}
	if cerr := p.ifaces.Close(p.upstream); cerr != nil {
		errs = append(errs, cerr)
	}

	for name, d := range p.downstreams {
		if cerr := d.ch.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("closing downstream %s: %w", name, cerr))
		}
		if cerr := p.ifaces.Close(d.handle); cerr != nil {
			errs = append(errs, fmt.Errorf("releasing downstream handle %s: %w", name, cerr))
		}
	}

	return errors.Join(errs...)
}

// HandleFrame decodes and dispatches one frame read from the upstream
// channel: raw frame → decode → interface dispatch → NS/NA handler.
// Malformed or irrelevant frames are dropped silently.
func (p *Proxy) HandleFrame(frame []byte) {
	d, err := wire.DecodeFrame(frame)
	if err != nil {
		// Malformed frame: drop without logging.
		return
	}

	switch d.ICMPBody[0] {
	case wire.TypeNeighborSolicitation:
		p.handleNS(d)
	case wire.TypeNeighborAdvertisement:
		p.handleNA(d)
	default:
		// The channel admits every IPv6 frame, so other ICMPv6 types
		// reach this point; they are dropped.
	}
}

// handleNS matches an incoming Neighbor Solicitation's target against this
// proxy's rules and feeds the session table.
func (p *Proxy) handleNS(d *wire.Decoded) {
	ns, err := wire.ParseSolicitation(d.ICMPBody, d.SrcIP.IsUnspecified())
	if err != nil {
		return
	}

	if _, ok := p.sessions.Get(ns.Target); ok {
		p.sessions.HandleNS(ns.Target, d.SrcIP, ns.SourceLinkLayerAddr, nil)

		return
	}

	rule, ok := p.cfg.Rules.Match(ns.Target)
	if !ok {
		return
	}

	p.sessions.HandleNS(ns.Target, d.SrcIP, ns.SourceLinkLayerAddr, rule)
}

// handleNA matches an incoming Neighbor Advertisement's target against the
// session table.
func (p *Proxy) handleNA(d *wire.Decoded) {
	na, err := wire.ParseAdvertisement(d.ICMPBody)
	if err != nil {
		return
	}

	p.sessions.HandleNA(na.Target)
}

// type check
var _ session.Actions = (*Proxy)(nil)

// ResolveDownstream implements session.Actions for *Proxy.
func (p *Proxy) ResolveDownstream(
	rule *rules.Rule,
	target netip.Addr,
) (h *ifreg.Handle, via netip.Addr, ok bool) {
	switch rule.Mode {
	case rules.ModeIface:
		d, err := p.openDownstream(rule.Downstream)
		if err != nil {
			p.logger.Debug("opening downstream interface", "iface", rule.Downstream, slogutil.KeyError, err)

			return nil, netip.Addr{}, false
		}

		return d.handle, netip.Addr{}, true
	case rules.ModeAuto:
		route, routeOK := p.rt.Route(target)
		if !routeOK || route.Iface == p.cfg.Upstream {
			return nil, netip.Addr{}, false
		}

		d, err := p.openDownstream(route.Iface)
		if err != nil {
			p.logger.Debug("opening auto-routed interface", "iface", route.Iface, slogutil.KeyError, err)

			return nil, netip.Addr{}, false
		}

		via = netip.Addr{}
		if rule.AutoVia && route.Gateway.IsValid() {
			via = route.Gateway
		}

		return d.handle, via, true
	default:
		return nil, netip.Addr{}, false
	}
}

// ReleaseDownstream implements session.Actions for *Proxy.
func (p *Proxy) ReleaseDownstream(h *ifreg.Handle) {
	for name, d := range p.downstreams {
		if d.handle == h {
			d.refs--
			if d.refs <= 0 {
				delete(p.downstreams, name)

				if cerr := d.ch.Close(); cerr != nil {
					p.logger.Debug("closing downstream channel", "iface", name, slogutil.KeyError, cerr)
				}
				if cerr := p.ifaces.Close(d.handle); cerr != nil {
					p.logger.Debug("releasing downstream handle", "iface", name, slogutil.KeyError, cerr)
				}
			}

			return
		}
	}
}

// openDownstream opens (or reuses, incrementing its refcount) the named
// downstream interface's probe channel.
func (p *Proxy) openDownstream(name string) (d *downstream, err error) {
	if existing, ok := p.downstreams[name]; ok {
		existing.refs++

		return existing, nil
	}

	h, err := p.ifaces.Open(name)
	if err != nil {
		return nil, err
	}

	ch, err := openLink(name)
	if err != nil {
		_ = p.ifaces.Close(h)

		return nil, err
	}

	d = &downstream{handle: h, ch: ch, refs: 1}
	p.downstreams[name] = d

	return d, nil
}

// SendDownstreamNS implements session.Actions for *Proxy: it builds and
// transmits a Neighbor Solicitation on h, toward via if autovia picked a
// gateway, toward target otherwise.
func (p *Proxy) SendDownstreamNS(h *ifreg.Handle, target, via netip.Addr) {
	probeTarget := target
	if via.IsValid() {
		probeTarget = via
	}

	srcIP, err := ndaddr.LinkLocalEUI64(h.HardwareAddr())
	if err != nil {
		p.logger.Debug("deriving downstream source address", "iface", h.Name(), slogutil.KeyError, err)

		return
	}

	ns := &wire.Solicitation{
		Target:              probeTarget,
		SourceLinkLayerAddr: h.HardwareAddr(),
	}
	body := ns.Marshal()

	dstIP := ndaddr.SolicitedNodeMulticast(probeTarget)
	dstMAC := ndaddr.SolicitedNodeEtherMulticast(probeTarget)

	frame, err := wire.EncodeFrame(h.HardwareAddr(), dstMAC, srcIP, dstIP, body)
	if err != nil {
		p.logger.Debug("encoding downstream ns", "iface", h.Name(), slogutil.KeyError, err)

		return
	}

	d, ok := p.downstreams[h.Name()]
	if !ok {
		return
	}

	if err = d.ch.WriteFrame(frame); err != nil {
		p.logger.Debug("writing downstream ns", "iface", h.Name(), slogutil.KeyError, err)
	}
}

// SendUpstreamNA implements session.Actions for *Proxy: it builds and
// transmits a Neighbor Advertisement on the upstream interface, falling
// back to a solicited-node multicast reply for unsolicited (DAD) sessions.
func (p *Proxy) SendUpstreamNA(
	target, dstIP netip.Addr,
	dstMAC net.HardwareAddr,
	solicited bool,
) {
	srcIP, err := ndaddr.LinkLocalEUI64(p.upstream.HardwareAddr())
	if err != nil {
		p.logger.Debug("deriving upstream source address", slogutil.KeyError, err)

		return
	}

	outDstIP := dstIP
	outDstMAC := dstMAC
	if !solicited || dstMAC == nil {
		outDstIP = ndaddr.SolicitedNodeMulticast(target)
		outDstMAC = ndaddr.SolicitedNodeEtherMulticast(target)
	}

	na := &wire.Advertisement{
		Target:              target,
		TargetLinkLayerAddr: p.upstream.HardwareAddr(),
		Router:              p.cfg.Router,
		Solicited:           solicited,
		Override:            true,
	}
	body := na.Marshal()

	frame, err := wire.EncodeFrame(p.upstream.HardwareAddr(), outDstMAC, srcIP, outDstIP, body)
	if err != nil {
		p.logger.Debug("encoding upstream na", slogutil.KeyError, err)

		return
	}

	if err = p.upchan.WriteFrame(frame); err != nil {
		p.logger.Debug("writing upstream na", slogutil.KeyError, err)
	}
}

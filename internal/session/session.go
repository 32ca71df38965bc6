// Package session implements the per-target session state machine that is
// the heart of the proxy: WAITING → (VALID | CHECKING) →
// (RENEWING | INVALID | EXPIRED), one instance per (proxy, target address)
// pair. State mutation and table bookkeeping follow a lease-bookkeeping
// style: one table keyed by address, expiry driven by a single scheduler.
package session

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/ndproxy/ndproxy/internal/ifreg"
	"github.com/ndproxy/ndproxy/internal/rules"
	"github.com/ndproxy/ndproxy/internal/scheduler"
)

// State is one state of the session state machine.
type State int

// Session states.
const (
	StateWaiting State = iota
	StateChecking
	StateValid
	StateRenewing
	StateInvalid
	StateExpired
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateChecking:
		return "checking"
	case StateValid:
		return "valid"
	case StateRenewing:
		return "renewing"
	case StateInvalid:
		return "invalid"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the timing and policy parameters that drive every session's
// transitions.
type Config struct {
	// InvalidTTL is how long INVALID suppresses repeat probes.
	InvalidTTL time.Duration

	// ValidTTL is how long VALID persists before renewal or expiry.
	ValidTTL time.Duration

	// Renew is how early before ValidTTL elapses RENEWING begins, when
	// Keepalive is set.
	Renew time.Duration

	// RetransLimit is the maximum number of downstream NS retries.
	RetransLimit int

	// RetransTime is the interval between downstream NS retries.
	RetransTime time.Duration

	// Keepalive enables the VALID→RENEWING transition.
	Keepalive bool
}

// Actions is the set of effects a Session triggers as it moves through the
// state machine: emitting frames, opening downstream interfaces, and
// consulting the routing table. Proxy implements this; Table depends only
// on the interface so the state machine stays tennis-court-free of wire
// and link-layer concerns.
type Actions interface {
	// ResolveDownstream opens (or reuses) the interface a CHECKING/RENEWING
	// session should probe on, per the matched rule's mode.
	ResolveDownstream(rule *rules.Rule, target netip.Addr) (h *ifreg.Handle, via netip.Addr, ok bool)

	// ReleaseDownstream releases a handle obtained from ResolveDownstream.
	ReleaseDownstream(h *ifreg.Handle)

	// SendDownstreamNS transmits a Neighbor Solicitation for target on h,
	// toward via if it is valid (autovia gateway probe) or target itself
	// otherwise.
	SendDownstreamNS(h *ifreg.Handle, target, via netip.Addr)

	// SendUpstreamNA transmits a Neighbor Advertisement claiming target is
	// reachable via the upstream interface, addressed to dstIP/dstMAC.
	SendUpstreamNA(target, dstIP netip.Addr, dstMAC net.HardwareAddr, solicited bool)
}

// Session is one (proxy, target) tracking entry.
type Session struct {
	// Target is the solicited address this session tracks.
	Target netip.Addr

	// Rule is the rule whose match created this session.
	Rule *rules.Rule

	// State is the session's current state machine state.
	State State

	// incoming* fields hold the latest solicitor's addressing, refreshed on
	// every HandleNS call.
	incomingSrcIP netip.Addr
	incomingSrcLL net.HardwareAddr

	// downstream is the interface a CHECKING/RENEWING session probes on; it
	// is non-nil only in those two states (for ModeIface, or a ModeAuto
	// match that resolved a route) and is released on leaving them.
	downstream *ifreg.Handle
	via        netip.Addr

	retransCount int
	timer        scheduler.ID
}

// IsUnsolicited reports whether the latest NS recorded for the session was
// a DAD probe (unspecified source, no source link-layer option).
func (s *Session) IsUnsolicited() bool {
	return !s.incomingSrcIP.IsValid() || s.incomingSrcIP.IsUnspecified()
}

// Table is the session table for one proxy, keyed by target address
//).
type Table struct {
	logger *slog.Logger
	sched  *scheduler.Scheduler
	cfg    Config
	act    Actions

	sessions map[netip.Addr]*Session

	// byVia maps an autovia gateway address being probed back to the real
	// target address, so an NA from the gateway (rather than the target
	// itself) still resolves to the right session.
	byVia map[netip.Addr]netip.Addr
}

// NewTable returns an empty Table driven by sched and cfg, delegating
// side effects to act.
func NewTable(
	logger *slog.Logger,
	sched *scheduler.Scheduler,
	cfg Config,
	act Actions,
) (t *Table) {
	return &Table{
		logger:   logger,
		sched:    sched,
		cfg:      cfg,
		act:      act,
		sessions: map[netip.Addr]*Session{},
		byVia:    map[netip.Addr]netip.Addr{},
	}
}

// Len returns the number of sessions currently tracked, including ones
// pending destruction in INVALID/EXPIRED.
func (t *Table) Len() int { return len(t.sessions) }

// Get returns the session tracking target, if any.
func (t *Table) Get(target netip.Addr) (s *Session, ok bool) {
	s, ok = t.sessions[target]

	return s, ok
}

// HandleNS refreshes an existing session's incoming fields (replying
// immediately if it's VALID), or creates a new session for target under
// rule, which the caller has already matched, and drives it through WAITING.
func (t *Table) HandleNS(
	target, srcIP netip.Addr,
	srcLL net.HardwareAddr,
	rule *rules.Rule,
) {
	if s, ok := t.sessions[target]; ok {
		s.incomingSrcIP = srcIP
		s.incomingSrcLL = srcLL

		if s.State == StateValid {
			t.emitNA(s)
		}

		return
	}

	s := &Session{
		Target:        target,
		Rule:          rule,
		incomingSrcIP: srcIP,
		incomingSrcLL: srcLL,
	}
	t.sessions[target] = s

	t.enterWaiting(s)
}

// HandleNA transitions a session in CHECKING or RENEWING to VALID once
// confirmation arrives. If target doesn't directly match a session but
// matches an autovia gateway being probed on a session's behalf, that
// session is resolved instead.
func (t *Table) HandleNA(target netip.Addr) {
	s, ok := t.sessions[target]
	if !ok {
		real, viaOK := t.byVia[target]
		if !viaOK {
			return
		}

		s, ok = t.sessions[real]
		if !ok {
			return
		}
	}

	switch s.State {
	case StateChecking, StateRenewing:
		t.enterValid(s)
	default:
		// A late or duplicate NA for a session not awaiting one; ignore.
	}
}

// enterWaiting runs WAITING's entry action, per rule mode.
func (t *Table) enterWaiting(s *Session) {
	s.State = StateWaiting

	switch s.Rule.Mode {
	case rules.ModeStatic:
		t.enterValid(s)

		return
	case rules.ModeIface, rules.ModeAuto:
		h, via, ok := t.act.ResolveDownstream(s.Rule, s.Target)
		if !ok {
			t.enterInvalid(s)

			return
		}

		s.downstream, s.via = h, via
		t.enterChecking(s)
	default:
		t.enterInvalid(s)
	}
}

// enterChecking enters CHECKING: it resets the retransmission count, sends
// the first downstream NS and arms the retransmission timer.
func (t *Table) enterChecking(s *Session) {
	s.State = StateChecking
	s.retransCount = 0

	t.probe(s)
}

// enterRenewing re-arms RENEWING the same way CHECKING does, differing only
// in the timeout's destination state (EXPIRED rather than INVALID).
func (t *Table) enterRenewing(s *Session) {
	s.State = StateRenewing
	s.retransCount = 0

	t.probe(s)
}

// probe sends (or resends) the downstream NS and arms the retransmission
// timer, shared between CHECKING and RENEWING.
func (t *Table) probe(s *Session) {
	if s.via.IsValid() {
		t.byVia[s.via] = s.Target
	}

	t.act.SendDownstreamNS(s.downstream, s.Target, s.via)

	t.arm(s, t.cfg.RetransTime, func() { t.onRetransTimeout(s) })
}

// clearVia removes s's autovia index entry, if any. Called whenever s
// leaves CHECKING/RENEWING.
func (t *Table) clearVia(s *Session) {
	if s.via.IsValid() {
		delete(t.byVia, s.via)
		s.via = netip.Addr{}
	}
}

// onRetransTimeout fires once per RetransTime while CHECKING/RENEWING.
func (t *Table) onRetransTimeout(s *Session) {
	if s.State != StateChecking && s.State != StateRenewing {
		return
	}

	s.retransCount++
	if s.retransCount >= t.cfg.RetransLimit {
		if s.State == StateRenewing {
			t.enterExpired(s)
		} else {
			t.enterInvalid(s)
		}

		return
	}

	t.probe(s)
}

// enterValid runs VALID's entry action: emit an NA immediately and arm
// either the renewal or the full expiry timer.
func (t *Table) enterValid(s *Session) {
	s.State = StateValid

	if s.downstream != nil {
		t.act.ReleaseDownstream(s.downstream)
		s.downstream = nil
	}
	t.clearVia(s)

	t.emitNA(s)

	if t.cfg.Keepalive && t.cfg.Renew > 0 && t.cfg.Renew < t.cfg.ValidTTL {
		t.arm(s, t.cfg.ValidTTL-t.cfg.Renew, func() { t.onRenewDue(s) })
	} else {
		t.arm(s, t.cfg.ValidTTL, func() { t.enterExpired(s) })
	}
}

// onRenewDue transitions a still-VALID session into RENEWING once
// ValidTTL-Renew has elapsed.
func (t *Table) onRenewDue(s *Session) {
	if s.State != StateValid {
		return
	}

	h, via, ok := t.act.ResolveDownstream(s.Rule, s.Target)
	if !ok {
		t.enterExpired(s)

		return
	}

	s.downstream, s.via = h, via
	t.enterRenewing(s)
}

// enterInvalid runs INVALID's entry action: no NA, suppress repeats for
// InvalidTTL, then destroy.
func (t *Table) enterInvalid(s *Session) {
	s.State = StateInvalid

	if s.downstream != nil {
		t.act.ReleaseDownstream(s.downstream)
		s.downstream = nil
	}
	t.clearVia(s)

	t.arm(s, t.cfg.InvalidTTL, func() { t.destroy(s) })
}

// enterExpired runs EXPIRED's entry action: destroy on the next tick.
func (t *Table) enterExpired(s *Session) {
	s.State = StateExpired

	if s.downstream != nil {
		t.act.ReleaseDownstream(s.downstream)
		s.downstream = nil
	}
	t.clearVia(s)

	t.arm(s, 0, func() { t.destroy(s) })
}

// destroy removes s from the table.
func (t *Table) destroy(s *Session) {
	delete(t.sessions, s.Target)

	t.logger.Debug("session destroyed", "target", s.Target, "state", s.State)
}

// emitNA sends a Neighbor Advertisement for s to the session's stored
// solicitor, or to the solicited-node multicast MAC for a DAD probe
//.
func (t *Table) emitNA(s *Session) {
	solicited := !s.IsUnsolicited()

	t.act.SendUpstreamNA(s.Target, s.incomingSrcIP, s.incomingSrcLL, solicited)
}

// arm cancels s's previous timer, if any, and schedules cb to run after d.
func (t *Table) arm(s *Session, d time.Duration, cb func()) {
	t.sched.Cancel(s.timer)
	s.timer = t.sched.After(d, func(time.Time) { cb() })
}

// Package rules implements the per-proxy rule list: an ordered
// (prefix, mode) table matched linearly against solicited target addresses,
// plus the cross-proxy any_auto/any_static/any_iface union
// flags used to gate optional startup work. Validation follows the
// validate.Interface convention.
package rules

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"

	"github.com/ndproxy/ndproxy/internal/ndaddr"
)

// Mode is the action a matched Rule takes on a solicited target.
type Mode int

// Rule modes.
const (
	// ModeStatic answers immediately without a downstream check.
	ModeStatic Mode = iota
	// ModeAuto consults the routing table to pick a downstream interface.
	ModeAuto
	// ModeIface always probes a statically configured downstream interface.
	ModeIface
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeStatic:
		return "static"
	case ModeAuto:
		return "auto"
	case ModeIface:
		return "iface"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Rule is one (prefix, mode) entry of a Proxy's rule list.
type Rule struct {
	// Prefix is the network matched against solicited targets.
	Prefix ndaddr.Prefix

	// Downstream is the interface name to probe on.  It's required for
	// ModeIface and ignored for the other modes.
	Downstream string

	// Mode selects how a match is handled.
	Mode Mode

	// AutoVia takes effect on ModeAuto rules. When set, and the routing
	// table reports a gateway for the target rather than a direct
	// attachment, the session probes the gateway's address instead of the
	// target itself. ModeIface rules carry the flag but do not consult the
	// routing table, so they always probe the target.
	AutoVia bool
}

// type check
var _ validate.Interface = (*Rule)(nil)

// Validate implements the validate.Interface interface for *Rule.
func (r *Rule) Validate() (err error) {
	if r == nil {
		return errors.ErrNoValue
	}

	if r.Mode == ModeIface && r.Downstream == "" {
		return fmt.Errorf("downstream: %w", errors.ErrEmptyValue)
	}
	if r.Mode != ModeIface && r.Downstream != "" {
		return fmt.Errorf("downstream set for mode %s: %w", r.Mode, errors.ErrBadEnumValue)
	}

	return nil
}

// Matches reports whether addr falls within r's prefix.
func (r *Rule) Matches(addr netip.Addr) (ok bool) {
	return r.Prefix.Contains(addr)
}

// Set is a Proxy's ordered, immutable-after-construction rule list.
type Set struct {
	rules []*Rule
}

// type check
var _ validate.Interface = (*Set)(nil)

// NewSet returns a Set holding rules in the given order. Matching scans them
// in this order and returns the first match.
func NewSet(rules ...*Rule) (s *Set) {
	return &Set{rules: append([]*Rule(nil), rules...)}
}

// Validate implements the validate.Interface interface for *Set.
func (s *Set) Validate() (err error) {
	if s == nil {
		return errors.ErrNoValue
	}

	var errs []error
	for i, r := range s.rules {
		errs = validate.Append(errs, fmt.Sprintf("rules[%d]", i), r)
	}

	return errors.Join(errs...)
}

// Match returns the first rule whose prefix contains addr: matching is a
// deterministic linear scan, so an earlier, broader rule always shadows a
// later, narrower one.
func (s *Set) Match(addr netip.Addr) (rule *Rule, ok bool) {
	for _, r := range s.rules {
		if r.Matches(addr) {
			return r, true
		}
	}

	return nil, false
}

// Rules returns the ordered rule list. The returned slice must not be
// mutated.
func (s *Set) Rules() (rules []*Rule) {
	return s.rules
}

// Registry tracks the any_auto/any_static/any_iface union flags across every
// proxy's rule Set, so daemon startup can skip preparing
// resources (like the routing-table reader) that no rule needs.
type Registry struct {
	mu         sync.Mutex
	anyAuto    bool
	anyStatic  bool
	anyIface   bool
	downstream *container.MapSet[string]
}

// NewRegistry returns an empty Registry.
func NewRegistry() (reg *Registry) {
	return &Registry{downstream: container.NewMapSet[string]()}
}

// Register folds set's rule modes into the registry's union flags, and
// collects every statically named downstream interface. It's called once
// per proxy at startup.
func (reg *Registry) Register(set *Set) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, r := range set.Rules() {
		switch r.Mode {
		case ModeStatic:
			reg.anyStatic = true
		case ModeAuto:
			reg.anyAuto = true
		case ModeIface:
			reg.anyIface = true
			reg.downstream.Add(r.Downstream)
		}
	}
}

// DownstreamNames returns the set of every ModeIface rule's configured
// interface name across all registered proxies, so startup can validate
// they all exist before any NS traffic is dispatched. The returned set must
// not be mutated.
func (reg *Registry) DownstreamNames() (names *container.MapSet[string]) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.downstream
}

// AnyAuto reports whether any registered rule uses ModeAuto.
func (reg *Registry) AnyAuto() (any bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.anyAuto
}

// AnyStatic reports whether any registered rule uses ModeStatic.
func (reg *Registry) AnyStatic() (any bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.anyStatic
}

// AnyIface reports whether any registered rule uses ModeIface.
func (reg *Registry) AnyIface() (any bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.anyIface
}

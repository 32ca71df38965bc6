// Package ifreg is the interface registry: reference-counted handles per
// kernel interface index, caching the link-layer address and toggling
// PROMISC/ALLMULTI with restoration of the pre-daemon state on last release.
// The style uses an explicit *slog.Logger, golibs/errors annotation, and a
// platform-specific flag backend selected by build tag.
package ifreg

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
)

// errClosed is returned by operations on a Handle whose refcount has
// already reached zero.
const errClosed errors.Error = "interface handle is closed"

// flagBackend is the platform-specific half of promisc/allmulti handling.
// flags_linux.go implements it with SIOCGIFFLAGS/SIOCSIFFLAGS ioctls;
// flags_other.go stubs it out for unsupported platforms.
type flagBackend interface {
	getPromisc(ifindex int) (on bool, err error)
	setPromisc(ifindex int, on bool) (err error)
	getAllMulti(ifindex int) (on bool, err error)
	setAllMulti(ifindex int, on bool) (err error)
}

// Handle is a refcounted reference to a kernel network interface.  Proxies
// and Sessions hold Handles; the same Handle is shared (and refcounted)
// whenever they name the same interface.
type Handle struct {
	reg     *Registry
	name    string
	mac     net.HardwareAddr
	index   int
	refs    int32
	promisc *bool // saved pre-daemon state; nil until first touched
	allMulti *bool
}

// Index returns the kernel interface index.
func (h *Handle) Index() (ifindex int) { return h.index }

// Name returns the interface name.
func (h *Handle) Name() (name string) { return h.name }

// HardwareAddr returns the interface's cached link-layer address.
func (h *Handle) HardwareAddr() (mac net.HardwareAddr) { return h.mac }

// Registry is the process-wide table of open interface Handles, indexed by
// kernel interface index and shared between every Proxy and Session that
// references an interface.
type Registry struct {
	logger *slog.Logger
	flags  flagBackend

	mu        sync.Mutex
	byIndex   map[int]*Handle
	noRestore bool
}

// New returns an empty Registry. If noRestore is true, Close never restores
// saved PROMISC/ALLMULTI flags, used when daemonizing so the parent process
// doesn't undo what the child just set up.
func New(logger *slog.Logger, noRestore bool) (reg *Registry) {
	return &Registry{
		logger:    logger,
		flags:     newFlagBackend(),
		byIndex:   map[int]*Handle{},
		noRestore: noRestore,
	}
}

// Open resolves nameOrIndex to a kernel interface, returning a shared Handle
// with its refcount incremented. If an interface by that identity is already
// open, the existing Handle is reused; otherwise a new one is
// allocated and linked into the registry.
func (reg *Registry) Open(nameOrIndex string) (h *Handle, err error) {
	iface, err := ResolveInterface(nameOrIndex)
	if err != nil {
		return nil, fmt.Errorf("ifreg: resolving %q: %w", nameOrIndex, err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.byIndex[iface.Index]; ok {
		existing.refs++

		return existing, nil
	}

	h = &Handle{
		reg:   reg,
		name:  iface.Name,
		mac:   iface.HardwareAddr,
		index: iface.Index,
		refs:  1,
	}
	reg.byIndex[iface.Index] = h

	reg.logger.Debug("opened interface", "name", h.name, "ifindex", h.index)

	return h, nil
}

// ResolveInterface looks nameOrIndex up as a kernel interface, accepting
// either a name or a numeric index. Substituted in tests so Open can be
// exercised without a real interface of that name present on the host.
var ResolveInterface = func(nameOrIndex string) (iface *net.Interface, err error) {
	if idx, convErr := parseIndex(nameOrIndex); convErr == nil {
		return net.InterfaceByIndex(idx)
	}

	return net.InterfaceByName(nameOrIndex)
}

// parseIndex parses s as a positive kernel interface index.
func parseIndex(s string) (idx int, err error) {
	if s == "" {
		return 0, fmt.Errorf("empty interface identifier")
	}

	idx = 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not numeric")
		}
		idx = idx*10 + int(r-'0')
	}

	return idx, nil
}

// Close decrements h's refcount. Once it reaches zero, any PROMISC/ALLMULTI
// flags this registry set on h are restored (unless overridden) and h is
// unlinked from the registry.
func (reg *Registry) Close(h *Handle) (err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if h.refs <= 0 {
		return errClosed
	}

	h.refs--
	if h.refs > 0 {
		return nil
	}

	defer delete(reg.byIndex, h.index)

	if reg.noRestore {
		return nil
	}

	var errs []error
	if h.promisc != nil {
		if setErr := reg.flags.setPromisc(h.index, *h.promisc); setErr != nil {
			errs = append(errs, fmt.Errorf("restoring promisc on %s: %w", h.name, setErr))
		}
	}
	if h.allMulti != nil {
		if setErr := reg.flags.setAllMulti(h.index, *h.allMulti); setErr != nil {
			errs = append(errs, fmt.Errorf("restoring allmulti on %s: %w", h.name, setErr))
		}
	}

	reg.logger.Debug("closed interface", "name", h.name, "ifindex", h.index)

	return errors.Join(errs...)
}

// SetPromisc enables or disables PROMISC mode on h. The first time this is
// called for h, the interface's current state is saved so Close can restore
// it; subsequent calls only change the live flag, making restoration
// idempotent.
func (reg *Registry) SetPromisc(h *Handle, on bool) (err error) {
	return reg.setFlag(h, on, &h.promisc, reg.flags.getPromisc, reg.flags.setPromisc)
}

// SetAllMulti enables or disables ALLMULTI mode on h, with the same
// save-on-first-touch semantics as SetPromisc.
func (reg *Registry) SetAllMulti(h *Handle, on bool) (err error) {
	return reg.setFlag(h, on, &h.allMulti, reg.flags.getAllMulti, reg.flags.setAllMulti)
}

func (reg *Registry) setFlag(
	h *Handle,
	on bool,
	saved **bool,
	get func(ifindex int) (bool, error),
	set func(ifindex int, on bool) error,
) (err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if *saved == nil {
		cur, getErr := get(h.index)
		if getErr != nil {
			return fmt.Errorf("ifreg: reading flag on %s: %w", h.name, getErr)
		}

		prior := cur
		*saved = &prior
	}

	if err = set(h.index, on); err != nil {
		return fmt.Errorf("ifreg: setting flag on %s: %w", h.name, err)
	}

	return nil
}

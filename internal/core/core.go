// Package core wires ifreg, rules, routetable, scheduler and proxy together
// into the single-threaded poll loop that is the whole daemon: one
// Runtime per process, one proxy.Proxy per configured upstream interface,
// every session transition driven from one goroutine.
package core

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"

	"github.com/ndproxy/ndproxy/internal/ifreg"
	"github.com/ndproxy/ndproxy/internal/proxy"
	"github.com/ndproxy/ndproxy/internal/routetable"
	"github.com/ndproxy/ndproxy/internal/rules"
	"github.com/ndproxy/ndproxy/internal/scheduler"
)

// pollInterval bounds how long a single poll of one proxy's upstream
// channel blocks before control returns to the scheduler and the next
// proxy's channel is polled in turn.
const pollInterval = 100 * time.Millisecond

// Runtime is every proxy this process runs, plus the shared registries and
// scheduler they're built on.
type Runtime struct {
	logger *slog.Logger

	ifaces  *ifreg.Registry
	rt      routetable.Interface
	sched   *scheduler.Scheduler
	proxies map[string]*proxy.Proxy
}

// Startup validates cfgs, opens every configured upstream interface, and
// returns a Runtime ready to be driven by Run or PollOnce. The routing
// table reader is only opened when at least one rule across every proxy
// uses ModeAuto, mirroring the startup gate a purely rule-driven
// implementation would apply.
func Startup(logger *slog.Logger, cfgs map[string]proxy.Config) (rt *Runtime, err error) {
	reg := rules.NewRegistry()
	for _, cfg := range cfgs {
		if verr := cfg.Validate(); verr != nil {
			return nil, fmt.Errorf("core: proxy %q: %w", cfg.Upstream, verr)
		}

		reg.Register(cfg.Rules)
	}

	var routes routetable.Interface = routetable.Empty{}
	if reg.AnyAuto() {
		routes = routetable.New()
		if rerr := routes.Refresh(); rerr != nil {
			return nil, fmt.Errorf("core: initial routing table read: %w", rerr)
		}
	}

	ifaces := ifreg.New(logger, false)
	sched := scheduler.New(timeutil.SystemClock{})

	proxies := make(map[string]*proxy.Proxy, len(cfgs))
	for name, cfg := range cfgs {
		p, perr := proxy.New(logger.With("proxy", name), sched, ifaces, routes, cfg)
		if perr != nil {
			closeProxies(proxies)

			return nil, fmt.Errorf("core: starting proxy %q: %w", name, perr)
		}

		proxies[name] = p
	}

	return &Runtime{
		logger:  logger,
		ifaces:  ifaces,
		rt:      routes,
		sched:   sched,
		proxies: proxies,
	}, nil
}

// closeProxies is best-effort cleanup for a partially constructed Runtime.
func closeProxies(proxies map[string]*proxy.Proxy) {
	for _, p := range proxies {
		_ = p.Close()
	}
}

// PollOnce reads at most one frame from every proxy's upstream channel,
// dispatching each through its Proxy, then advances the scheduler. It
// blocks for at most pollInterval per proxy, so a call with N proxies
// returns in bounded time even when every channel is idle.
func (r *Runtime) PollOnce() {
	buf := make([]byte, 2048)

	for name, p := range r.proxies {
		ch := p.UpstreamChannel()

		if err := ch.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			r.logger.Warn("setting read deadline", "proxy", name, slogutil.KeyError, err)

			continue
		}

		n, err := ch.ReadFrame(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				r.logger.Warn("reading upstream frame", "proxy", name, slogutil.KeyError, err)
			}

			continue
		}

		p.HandleFrame(buf[:n])
	}

	r.sched.Tick()
}

// Run polls every proxy and ticks the scheduler in a loop until stop is
// closed.
func (r *Runtime) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			r.PollOnce()
		}
	}
}

// SessionCounts returns the number of tracked sessions per proxy, for
// diagnostics.
func (r *Runtime) SessionCounts() (counts map[string]int) {
	counts = make(map[string]int, len(r.proxies))
	for name, p := range r.proxies {
		counts[name] = p.SessionCount()
	}

	return counts
}

// Cleanup closes every proxy, restoring each upstream and downstream
// interface's pre-startup PROMISC/ALLMULTI state.
func (r *Runtime) Cleanup() (err error) {
	var errs []error
	for name, p := range r.proxies {
		if cerr := p.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("closing proxy %q: %w", name, cerr))
		}
	}

	return errors.Join(errs...)
}

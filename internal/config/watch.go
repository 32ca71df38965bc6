package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads a single configuration file whenever it changes on disk
// and hands the newly parsed, validated Config to an observer. A change is
// a best-effort convenience: a load or validation failure is logged and the
// previous configuration keeps running untouched.
//
// Watching the file's containing directory rather than the file itself is
// deliberate: editors commonly replace a file via rename rather than
// in-place write, which drops any watch held directly on the old inode.
type Watcher struct {
	logger *slog.Logger
	path   string
	dir    string

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a Watcher for the configuration file at path. Call
// Start to begin watching.
func NewWatcher(logger *slog.Logger, path string) (w *Watcher, err error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}

	return &Watcher{
		logger:  logger,
		path:    path,
		dir:     filepath.Dir(path),
		watcher: fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the configuration file's directory and calls onLoad
// with every successfully parsed and validated reload. It returns once the
// watch is established; onLoad runs on a separate goroutine until Stop is
// called.
func (w *Watcher) Start(onLoad func(c *Config)) (err error) {
	if err = w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", w.dir, err)
	}

	go w.run(onLoad)

	return nil
}

// Stop ends the watch and releases the underlying inotify/kqueue handle.
func (w *Watcher) Stop() (err error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()

		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	return w.watcher.Close()
}

func (w *Watcher) run(onLoad func(c *Config)) {
	defer close(w.doneCh)

	base := filepath.Base(w.path)

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.drainDuplicates()
			w.reload(onLoad)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Warn("watching configuration directory", logAttrPath, w.dir, slogutil.KeyError, err)
		}
	}
}

// drainDuplicates swallows any events that arrive within a short debounce
// window, since a single logical save often produces several consecutive
// filesystem events (truncate, write, rename-into-place).
func (w *Watcher) drainDuplicates() {
	const debounce = 50 * time.Millisecond

	t := time.NewTimer(debounce)
	defer t.Stop()

	for {
		select {
		case <-w.watcher.Events:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(debounce)
		case <-t.C:
			return
		}
	}
}

func (w *Watcher) reload(onLoad func(c *Config)) {
	c, err := Load(w.path)
	if err != nil {
		logLoadError(w.logger, w.path, err)

		return
	}

	if err = c.Validate(); err != nil {
		logLoadError(w.logger, w.path, err)

		return
	}

	onLoad(c)
}

package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ndproxy/ndproxy/internal/config"
)

func TestWatcher_reloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ndproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := config.NewWatcher(logger, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	loaded := make(chan *config.Config, 1)
	require.NoError(t, w.Start(func(c *config.Config) {
		select {
		case loaded <- c:
		default:
		}
	}))

	updated := validYAML + `
      - prefix: 2001:db8:2::/64
        mode: auto
`
	// Give the watcher a moment to finish registering before the write, so
	// the event isn't missed on a slow CI filesystem.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case c := <-loaded:
		require.NotNil(t, c)
		require.Len(t, c.Proxies["eth0"].Rules, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

// Command ndproxy runs the neighbor-discovery proxy daemon described by a
// YAML configuration file. It wires config, core and the underlying
// packages together; it does not daemonize itself (no double-fork, no
// pidfile) — run it under an init system or inside a container that
// handles that.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/ndproxy/ndproxy/internal/config"
	"github.com/ndproxy/ndproxy/internal/core"
)

func main() {
	configPath := flag.String("config", "/etc/ndproxy.yaml", "path to the configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        level,
		AddTimestamp: true,
	})

	if err := run(logger, *configPath); err != nil {
		logger.Error("fatal", slogutil.KeyError, err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) (err error) {
	c, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err = c.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	proxyCfgs, err := c.ProxyConfigs()
	if err != nil {
		return fmt.Errorf("converting configuration: %w", err)
	}

	rt, err := core.Startup(logger, proxyCfgs)
	if err != nil {
		return fmt.Errorf("starting up: %w", err)
	}
	defer func() {
		if cerr := rt.Cleanup(); cerr != nil {
			logger.Error("cleaning up", slogutil.KeyError, cerr)
		}
	}()

	watcher, err := config.NewWatcher(logger, configPath)
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer func() {
		_ = watcher.Stop()
	}()

	if err = watcher.Start(func(*config.Config) {
		logger.Info("configuration changed on disk; restart the daemon to apply it")
	}); err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	logger.Info("ndproxy starting", "config", configPath, "proxies", len(rt.SessionCounts()))
	rt.Run(stopCh)
	logger.Info("ndproxy stopped")

	return nil
}

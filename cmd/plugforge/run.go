// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/plugforge/plugforge/internal/config"
	"github.com/plugforge/plugforge/internal/host"
	"github.com/plugforge/plugforge/internal/logging"
	"github.com/plugforge/plugforge/internal/plugin"
	"github.com/plugforge/plugforge/internal/plugin/hotswap"
	"github.com/plugforge/plugforge/internal/plugin/hub"
	"github.com/plugforge/plugforge/internal/plugin/security"
)

// shutdownTimeout bounds the graceful stop of plugins and servers.
const shutdownTimeout = 30 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plugin runtime",
		Long: `Discover, load, and start the plugins under the configured plugin
directory, then serve until interrupted. With hot swap enabled the
plugin directory is watched and changed plugins are reloaded live.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runRuntime(cmd.Context(), cfg, cmd)
		},
	}

	// Flag names mirror config keys so they layer over files and env.
	flags := cmd.Flags()
	flags.String("plugins_dir", "", "plugin directory")
	flags.String("log.format", "", "log format (json or text)")
	flags.String("log.level", "", "log level (debug, info, warn, error)")
	flags.String("metrics.addr", "", "Prometheus metrics address (empty = disabled)")
	flags.Bool("hotswap.enabled", false, "watch the plugin directory and reload changed plugins")

	return cmd
}

// runRuntime wires the registry from configuration and serves until the
// context is cancelled or a termination signal arrives.
func runRuntime(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logging.SetDefault("plugforge", version, cfg.Log.Format, cfg.Log.Level)

	comms, err := hub.New(hub.Options{
		Workers:        cfg.Hub.Workers,
		QueueHint:      cfg.Hub.QueueHint,
		RequestTimeout: cfg.Hub.RequestTimeout,
	})
	if err != nil {
		return err
	}
	defer comms.Close()

	registry, err := host.New(host.Options{
		PluginsDir: cfg.PluginsDir,
		AppVersion: version,
		APIVersion: cfg.APIVersion,
		Policy:     policyFromConfig(&cfg.Security),
		Hub:        comms,
	})
	if err != nil {
		return err
	}

	discovered, err := registry.Discover(ctx)
	if err != nil {
		return err
	}
	slog.Info("plugins discovered", "count", len(discovered), "dir", cfg.PluginsDir)

	if err := registry.LoadAll(ctx); err != nil {
		slog.Warn("some plugins failed to load", "error", err)
	}
	if err := registry.StartAll(ctx); err != nil {
		slog.Warn("some plugins failed to start", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Live code replacement: watch the plugin tree and enqueue reloads.
	if cfg.Hotswap.Enabled {
		stop, err := startHotswap(ctx, cfg, registry)
		if err != nil {
			return err
		}
		defer stop()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = serveMetrics(cfg.Metrics.Addr, cancel)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("PlugForge runtime started")
	slog.Info("runtime ready",
		"plugins_dir", cfg.PluginsDir,
		"hotswap", cfg.Hotswap.Enabled,
	)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("error stopping metrics server", "error", err)
		}
	}
	if err := registry.Close(shutdownCtx); err != nil {
		slog.Warn("error stopping plugins", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startHotswap wires the filesystem watcher to the swap manager. The
// returned func stops both.
func startHotswap(ctx context.Context, cfg *config.Config, registry *host.Registry) (func(), error) {
	backups, err := hotswap.NewBackupStore(cfg.Hotswap.BackupsDir, cfg.Hotswap.Retain)
	if err != nil {
		return nil, err
	}
	manager := hotswap.NewManager(registry, backups, cfg.Hotswap.QueueSize, cfg.Hotswap.Timeout)
	watcher, err := hotswap.NewWatcher(cfg.PluginsDir, cfg.Hotswap.Debounce)
	if err != nil {
		manager.Close()
		return nil, err
	}
	strategy := hotswap.Strategy(cfg.Hotswap.Strategy)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-watcher.Changes():
				_, results, err := manager.EnqueueReload(change.PluginID, strategy)
				if err != nil {
					slog.Warn("hot reload rejected", "plugin", change.PluginID, "error", err)
					continue
				}
				go logSwapResult(results)
			}
		}
	}()

	slog.Info("hot swap enabled",
		"debounce", cfg.Hotswap.Debounce,
		"strategy", cfg.Hotswap.Strategy,
	)
	return func() {
		if err := watcher.Close(); err != nil {
			slog.Warn("error closing watcher", "error", err)
		}
		manager.Close()
	}, nil
}

func logSwapResult(results <-chan hotswap.Result) {
	res, ok := <-results
	if !ok {
		return
	}
	if !res.Success {
		slog.Error("hot swap failed",
			"plugin", res.PluginID,
			"operation", string(res.Operation),
			"rolled_back", res.RollbackPerformed,
			"error", res.Err,
		)
		return
	}
	slog.Info("hot swap complete",
		"plugin", res.PluginID,
		"operation", string(res.Operation),
		"duration", res.Duration,
		"affected", res.AffectedPlugins,
	)
}

// serveMetrics exposes the Prometheus registry over HTTP. A serve error
// cancels the runtime context.
func serveMetrics(addr string, cancel context.CancelFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
			cancel()
		}
	}()
	slog.Info("metrics server started", "addr", addr)
	return srv
}

// policyFromConfig maps security settings onto a sandbox policy,
// falling back to defaults for anything unset.
func policyFromConfig(sec *config.Security) *security.Policy {
	policy := security.DefaultPolicy()
	if sec.ExecTimeout > 0 {
		policy.ExecTimeout = sec.ExecTimeout
	}
	if len(sec.AllowedModules) > 0 {
		policy.AllowedModules = sec.AllowedModules
	}
	if len(sec.DeniedModules) > 0 {
		policy.DeniedModules = sec.DeniedModules
	}
	if len(sec.AllowedPermissions) > 0 {
		perms := make([]plugin.Permission, 0, len(sec.AllowedPermissions))
		for _, p := range sec.AllowedPermissions {
			perms = append(perms, plugin.Permission(p))
		}
		policy.AllowedPermissions = perms
	}
	if sec.ViolationCap > 0 {
		policy.ViolationCap = sec.ViolationCap
	}
	return policy
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/channels/whatsapp"
	"github.com/haasonsaas/courier/internal/config"
	"github.com/haasonsaas/courier/internal/dispatch"
	"github.com/haasonsaas/courier/internal/plugins"
	"github.com/haasonsaas/courier/internal/ratelimit"
	"github.com/haasonsaas/courier/internal/store"
)

const shutdownTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bot and connect to WhatsApp",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging)
	logger.Info("starting courier",
		"version", version,
		"prefix", cfg.Prefix,
		"plugins_dir", cfg.Plugins.Dir)

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open plugin store: %w", err)
	}
	defer st.Close()

	adapter, err := whatsapp.New(&whatsapp.Config{SessionPath: cfg.WhatsApp.SessionPath}, logger)
	if err != nil {
		return fmt.Errorf("failed to create whatsapp channel: %w", err)
	}
	var channel channels.Channel = adapter

	// Registry wiring: builtins on the static source, artifacts from the
	// plugin directory. Builtin deps are filled in once the surfaces exist.
	deps := &plugins.BuiltinDeps{Store: st, Prefix: cfg.Prefix}
	static := plugins.NewStaticSource()
	plugins.RegisterBuiltins(static, deps)

	luaSource := plugins.NewLuaSource(cfg.Plugins.Dir, logger)
	defer luaSource.Close()

	registry := plugins.NewRegistry(logger, static, luaSource)
	syncer := plugins.NewSyncer(registry, st, logger)
	tracker := plugins.NewCrashTracker(registry, syncer, plugins.CrashConfig{
		MaxCrashes: cfg.Plugins.MaxCrashes,
		Window:     cfg.Plugins.CrashWindow,
	}, ownerAlert(channel, cfg.Owner, logger), logger)

	deps.Registry = registry
	deps.Syncer = syncer
	deps.Tracker = tracker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.LoadAll(ctx)
	report, err := syncer.Sync(ctx)
	if err != nil {
		logger.Warn("plugin sync completed with errors", "error", err)
	}
	if report != nil {
		logger.Info("plugin sync complete",
			"added", report.Added,
			"updated", report.Updated,
			"unchanged", report.Unchanged,
			"orphaned", report.Orphaned)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		Enabled:     !cfg.RateLimit.Disabled,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Prefix:  cfg.Prefix,
		Timeout: cfg.Plugins.Timeout,
		Owner:   cfg.Owner,
	}, registry, limiter, syncer, tracker, channel, logger, nil)
	dispatcher.Start(ctx)

	if err := channel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start whatsapp channel: %w", err)
	}

	// Pump inbound messages into the dispatcher until the stream closes.
	go func() {
		for msg := range channel.Messages() {
			dispatcher.HandleMessage(ctx, msg)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	dispatcher.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := channel.Stop(stopCtx); err != nil {
		logger.Warn("failed to stop whatsapp channel", "error", err)
	}
	return nil
}

// ownerAlert notifies the owner when a plugin is auto-disabled. Without a
// configured owner it only logs.
func ownerAlert(ch channels.Channel, owner string, logger *slog.Logger) plugins.AlertFunc {
	return func(name string, count int) {
		if owner == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		text := fmt.Sprintf("Plugin %q was disabled after %d crashes. Use .plugin enable %s to restore it.", name, count, name)
		if err := ch.Send(ctx, owner, text); err != nil {
			logger.Warn("failed to deliver crash alert", "plugin", name, "error", err)
		}
	}
}

package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CrashConfig configures crash tracking.
type CrashConfig struct {
	// MaxCrashes is the failure count that triggers auto-disable.
	MaxCrashes int `yaml:"max_crashes"`
	// Window is the activity window for counting crashes. A crash landing
	// after a full quiet window resets the counter instead of aging out
	// one failure at a time.
	Window time.Duration `yaml:"window"`
}

// DefaultCrashConfig returns the default crash tracking configuration.
func DefaultCrashConfig() CrashConfig {
	return CrashConfig{
		MaxCrashes: 3,
		Window:     time.Hour,
	}
}

// AlertFunc is called when a plugin is auto-disabled. It runs on the
// dispatcher's drain path, so implementations should be quick.
type AlertFunc func(name string, count int)

// CrashTracker counts handler failures per plugin and auto-disables a plugin
// that keeps crashing. Disabling is one-way from here; re-enabling is an
// explicit administrative action that also resets the counter.
type CrashTracker struct {
	registry *Registry
	syncer   *Syncer
	config   CrashConfig
	alert    AlertFunc
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewCrashTracker creates a crash tracker bound to the registry and syncer.
func NewCrashTracker(registry *Registry, syncer *Syncer, config CrashConfig, alert AlertFunc, logger *slog.Logger) *CrashTracker {
	if config.MaxCrashes <= 0 {
		config.MaxCrashes = DefaultCrashConfig().MaxCrashes
	}
	if config.Window <= 0 {
		config.Window = DefaultCrashConfig().Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashTracker{
		registry: registry,
		syncer:   syncer,
		config:   config,
		alert:    alert,
		logger:   logger.With("component", "crash-tracker"),
	}
}

// Record registers one failure for a plugin. Crashes older than the window
// reset the counter before the increment; reaching the threshold disables the
// plugin in memory and in the store and raises an operator alert.
func (t *CrashTracker) Record(name string) {
	desc, ok := t.registry.Get(name)
	if !ok {
		t.logger.Warn("crash recorded for unknown plugin", "name", name)
		return
	}

	now := t.clock()
	count := desc.CrashCount
	if desc.LastCrashAt != nil && now.Sub(*desc.LastCrashAt) > t.config.Window {
		count = 0
	}
	count++

	t.registry.SetCrashState(name, count, &now)
	t.syncer.PersistCrashState(name, count, now)

	t.logger.Warn("plugin crash recorded",
		"name", name,
		"crash_count", count,
		"max_crashes", t.config.MaxCrashes)

	if count >= t.config.MaxCrashes {
		t.registry.SetEnabled(name, false)
		t.syncer.PersistEnabled(name, false)

		t.logger.Error("plugin auto-disabled after repeated crashes",
			"name", name,
			"crash_count", count)
		if t.alert != nil {
			t.alert(name, count)
		}
	}
}

// ResetAndEnable is the explicit administrative re-enable: the crash counter
// goes back to zero in memory and in the store, and the plugin is enabled
// again in both places.
func (t *CrashTracker) ResetAndEnable(ctx context.Context, name string) error {
	if !t.registry.SetEnabled(name, true) {
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	t.registry.SetCrashState(name, 0, nil)

	t.syncer.PersistEnabled(name, true)
	t.syncer.PersistCrashReset(name)
	return nil
}

func (t *CrashTracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now().UTC()
}

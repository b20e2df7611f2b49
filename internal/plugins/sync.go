package plugins

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/haasonsaas/courier/internal/store"
)

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Orphaned  int `json:"orphaned"`
}

// Syncer reconciles the in-memory registry against the persistent store.
//
// Metadata flows registry -> store; the enabled flag flows store -> registry,
// because the store is the source of truth for operator toggles across
// restarts. Records with no loaded descriptor are soft-disabled and marked
// orphaned, never deleted. Syncer also owns the best-effort side-channel
// writes (usage stats, crash state) that must never block command execution.
type Syncer struct {
	registry *Registry
	store    store.Store
	logger   *slog.Logger
}

// NewSyncer creates a syncer for the given registry and store.
func NewSyncer(registry *Registry, st store.Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		registry: registry,
		store:    st,
		logger:   logger.With("component", "sync"),
	}
}

// Sync runs one reconciliation pass. Per-record store failures are logged and
// skipped; the returned error aggregates them so the caller can log it, but a
// failed sync never prevents the runtime from operating on in-memory state.
func (s *Syncer) Sync(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}
	var errs []error

	loaded := make(map[string]bool)
	for _, desc := range s.registry.List() {
		loaded[desc.Name] = true

		rec, err := s.store.FindOne(ctx, desc.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := s.insertNew(ctx, desc); err != nil {
				s.logger.Error("failed to insert plugin record", "name", desc.Name, "error", err)
				errs = append(errs, err)
				continue
			}
			report.Added++

		case err != nil:
			s.logger.Error("failed to look up plugin record", "name", desc.Name, "error", err)
			errs = append(errs, err)

		default:
			updated, err := s.reconcile(ctx, desc, rec)
			if err != nil {
				s.logger.Error("failed to update plugin record", "name", desc.Name, "error", err)
				errs = append(errs, err)
				continue
			}
			if updated {
				report.Updated++
			} else {
				report.Unchanged++
			}
		}
	}

	records, err := s.store.Find(ctx, store.Filter{})
	if err != nil {
		s.logger.Error("failed to list plugin records for orphan marking", "error", err)
		return report, errors.Join(append(errs, err)...)
	}
	for _, rec := range records {
		if loaded[rec.Name] || rec.Orphaned {
			continue
		}
		err := s.store.Update(ctx, rec.Name, store.Update{
			Orphaned: store.BoolPtr(true),
			Enabled:  store.BoolPtr(false),
		})
		if err != nil {
			s.logger.Error("failed to mark plugin record orphaned", "name", rec.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Info("marked plugin record orphaned", "name", rec.Name)
		report.Orphaned++
	}

	s.logger.Info("plugin sync complete",
		"added", report.Added,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"orphaned", report.Orphaned)
	return report, errors.Join(errs...)
}

// insertNew creates the record for a descriptor seen for the first time.
func (s *Syncer) insertNew(ctx context.Context, desc *Descriptor) error {
	return s.store.Insert(ctx, &store.PluginRecord{
		Name:        desc.Name,
		Description: desc.Description,
		Category:    desc.Category,
		Aliases:     slices.Clone(desc.Aliases),
		Usage:       desc.Usage,
		SourceRef:   desc.SourceRef,
		Enabled:     true,
	})
}

// reconcile pushes metadata changes for an already-known descriptor and pulls
// the authoritative runtime state back into the registry.
func (s *Syncer) reconcile(ctx context.Context, desc *Descriptor, rec *store.PluginRecord) (bool, error) {
	upd := store.Update{}
	changed := false

	if rec.Description != desc.Description {
		upd.Description = &desc.Description
		changed = true
	}
	if rec.Category != desc.Category {
		upd.Category = &desc.Category
		changed = true
	}
	if !slices.Equal(rec.Aliases, desc.Aliases) {
		aliases := slices.Clone(desc.Aliases)
		upd.Aliases = &aliases
		changed = true
	}
	if rec.Usage != desc.Usage {
		upd.Usage = &desc.Usage
		changed = true
	}
	if rec.SourceRef != desc.SourceRef {
		upd.SourceRef = &desc.SourceRef
		changed = true
	}
	// A descriptor being loaded again means the record is no longer orphaned.
	if rec.Orphaned {
		upd.Orphaned = store.BoolPtr(false)
		changed = true
	}

	if changed {
		if err := s.store.Update(ctx, desc.Name, upd); err != nil {
			return false, err
		}
	}

	// Pull, never push: the store decides whether this plugin is enabled, and
	// the persisted crash state carries across restarts.
	s.registry.SetEnabled(desc.Name, rec.Enabled)
	s.registry.SetCrashState(desc.Name, rec.CrashCount, rec.LastCrashAt)
	return changed, nil
}

// RecordUsage bumps a plugin's usage stats. Best-effort: failures are logged
// and swallowed so a stats hiccup never surfaces to the sender.
func (s *Syncer) RecordUsage(name string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.IncrementUsage(ctx, name, at); err != nil {
		s.logger.Warn("failed to record plugin usage", "name", name, "error", err)
	}
}

// PersistCrashState writes a plugin's crash counter to the store. Best-effort.
func (s *Syncer) PersistCrashState(name string, count int, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.Update(ctx, name, store.Update{
		CrashCount:  &count,
		LastCrashAt: &at,
	})
	if err != nil {
		s.logger.Warn("failed to persist crash state", "name", name, "error", err)
	}
}

// PersistCrashReset clears a plugin's crash history in the store: counter to
// zero, last-crash timestamp to nothing. Best-effort.
func (s *Syncer) PersistCrashReset(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zero := 0
	err := s.store.Update(ctx, name, store.Update{
		CrashCount:     &zero,
		ClearLastCrash: true,
	})
	if err != nil {
		s.logger.Warn("failed to reset crash state", "name", name, "error", err)
	}
}

// PersistEnabled writes a plugin's enabled flag to the store. Best-effort.
func (s *Syncer) PersistEnabled(name string, enabled bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Update(ctx, name, store.Update{Enabled: &enabled}); err != nil {
		s.logger.Warn("failed to persist enabled flag", "name", name, "error", err)
	}
}

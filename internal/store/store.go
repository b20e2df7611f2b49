// Package store persists plugin records across restarts.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches the requested name.
var ErrNotFound = errors.New("store: record not found")

// PluginRecord is the durable counterpart of a loaded plugin descriptor.
//
// Name is the unique key. Enabled is the operator-facing source of truth
// across restarts: sync pulls it from the store rather than pushing the
// in-memory value, except when the record is first created.
type PluginRecord struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Aliases     []string   `json:"aliases,omitempty"`
	Usage       string     `json:"usage,omitempty"`
	SourceRef   string     `json:"source_ref,omitempty"`
	Enabled     bool       `json:"enabled"`
	CrashCount  int        `json:"crash_count"`
	LastCrashAt *time.Time `json:"last_crash_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Orphaned    bool       `json:"orphaned,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Filter selects records. Zero value matches everything.
type Filter struct {
	// Orphaned filters on the orphaned flag when non-nil.
	Orphaned *bool
	// Enabled filters on the enabled flag when non-nil.
	Enabled *bool
}

// Update describes a partial record update. Nil fields are left untouched.
type Update struct {
	Description *string
	Category    *string
	Aliases     *[]string
	Usage       *string
	SourceRef   *string
	Enabled     *bool
	CrashCount  *int
	LastCrashAt *time.Time
	Orphaned    *bool

	// ClearLastCrash nulls out the last-crash timestamp. A pointer cannot
	// express "set to nothing", so clearing is its own flag; it wins over
	// LastCrashAt when both are set.
	ClearLastCrash bool
}

// Store is the document-ish persistence contract the runtime needs: lookups,
// inserts and per-record atomic updates keyed by plugin name. Implementations
// must tolerate concurrent callers.
type Store interface {
	// FindOne returns the record for name, or ErrNotFound.
	FindOne(ctx context.Context, name string) (*PluginRecord, error)

	// Find returns all records matching the filter, ordered by name.
	Find(ctx context.Context, filter Filter) ([]*PluginRecord, error)

	// Insert adds a new record. CreatedAt/UpdatedAt are set by the store if zero.
	Insert(ctx context.Context, rec *PluginRecord) error

	// Update applies a partial update to the named record. Returns ErrNotFound
	// if the record does not exist.
	Update(ctx context.Context, name string, upd Update) error

	// IncrementUsage bumps the usage counter and last-used timestamp.
	IncrementUsage(ctx context.Context, name string, at time.Time) error

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// Close releases underlying resources.
	Close() error
}

// BoolPtr is a convenience for building filters and updates.
func BoolPtr(b bool) *bool { return &b }

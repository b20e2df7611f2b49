package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the authoritative in-memory map of command name to
// descriptor. It is populated from one or more Sources and replaced wholesale
// on reload; partial mutation is limited to ReloadOne and the documented
// runtime-state setters.
type Registry struct {
	mu          sync.RWMutex
	commands    map[string]*Descriptor // name -> descriptor
	aliases     map[string]string      // alias -> name
	diagnostics []Diagnostic

	sources []Source
	logger  *slog.Logger

	// reloadMu guards against concurrent reloads; TryLock failure maps to
	// ErrReloadInProgress rather than queueing.
	reloadMu sync.Mutex
}

// NewRegistry creates a registry fed by the given sources.
func NewRegistry(logger *slog.Logger, sources ...Source) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Descriptor),
		aliases:  make(map[string]string),
		sources:  sources,
		logger:   logger.With("component", "registry"),
	}
}

// LoadAll loads every source into the registry, adding to whatever is already
// registered. A bad artifact is skipped and reported; name or alias
// collisions reject the newcomer (first registered wins).
func (r *Registry) LoadAll(ctx context.Context) []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

func (r *Registry) loadLocked(ctx context.Context) []Diagnostic {
	var diagnostics []Diagnostic
	for _, source := range r.sources {
		descriptors, diags := source.Load(ctx)
		diagnostics = append(diagnostics, diags...)
		for _, desc := range descriptors {
			if diag := r.registerLocked(desc); diag != nil {
				diagnostics = append(diagnostics, *diag)
			}
		}
	}

	for _, diag := range diagnostics {
		r.logger.Warn("plugin load diagnostic",
			"level", diag.Level,
			"name", diag.Name,
			"source_ref", diag.SourceRef,
			"message", diag.Message)
	}
	r.diagnostics = diagnostics
	return diagnostics
}

// registerLocked validates and inserts one descriptor (lock held). It returns
// a diagnostic when the descriptor is rejected.
func (r *Registry) registerLocked(desc *Descriptor) *Diagnostic {
	if err := Validate(desc); err != nil {
		return &Diagnostic{
			Level:     DiagnosticError,
			Name:      desc.Name,
			SourceRef: desc.SourceRef,
			Message:   err.Error(),
		}
	}

	// Collision check against every known name and alias before inserting
	// anything, so a rejected artifact leaves no partial state behind.
	if holder, taken := r.tokenHolderLocked(desc.Name); taken {
		return &Diagnostic{
			Level:     DiagnosticWarn,
			Name:      desc.Name,
			SourceRef: desc.SourceRef,
			Message:   fmt.Sprintf("name %q already taken by %q", desc.Name, holder),
		}
	}
	for _, alias := range desc.Aliases {
		if holder, taken := r.tokenHolderLocked(alias); taken {
			return &Diagnostic{
				Level:     DiagnosticWarn,
				Name:      desc.Name,
				SourceRef: desc.SourceRef,
				Message:   fmt.Sprintf("alias %q already taken by %q", alias, holder),
			}
		}
	}

	r.commands[desc.Name] = desc
	for _, alias := range desc.Aliases {
		r.aliases[alias] = desc.Name
	}
	r.logger.Debug("registered plugin",
		"name", desc.Name,
		"aliases", desc.Aliases,
		"source_ref", desc.SourceRef)
	return nil
}

// tokenHolderLocked reports which descriptor currently owns a token.
func (r *Registry) tokenHolderLocked(token string) (string, bool) {
	if _, ok := r.commands[token]; ok {
		return token, true
	}
	if name, ok := r.aliases[token]; ok {
		return name, true
	}
	return "", false
}

// ReloadAll atomically replaces the entire registry: clear, then load every
// source again. Callers must re-run persistence sync afterward. A concurrent
// reload is rejected with ErrReloadInProgress.
func (r *Registry) ReloadAll(ctx context.Context) ([]Diagnostic, error) {
	if !r.reloadMu.TryLock() {
		return nil, ErrReloadInProgress
	}
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = make(map[string]*Descriptor)
	r.aliases = make(map[string]string)
	return r.loadLocked(ctx), nil
}

// ReloadOne re-loads a single descriptor from its source artifact, replacing
// only that entry. Runtime state comes back fresh; the caller is expected to
// sync so operator toggles are pulled back from the store.
func (r *Registry) ReloadOne(ctx context.Context, name string) error {
	if !r.reloadMu.TryLock() {
		return ErrReloadInProgress
	}
	defer r.reloadMu.Unlock()

	r.mu.RLock()
	current, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}

	sourceName, _ := SplitSourceRef(current.SourceRef)
	var source Source
	for _, s := range r.sources {
		if s.Name() == sourceName {
			source = s
			break
		}
	}
	if source == nil {
		return fmt.Errorf("no source %q for plugin %q", sourceName, name)
	}

	fresh, err := source.LoadOne(ctx, current.SourceRef)
	if err != nil {
		return fmt.Errorf("failed to reload %q: %w", name, err)
	}
	if err := Validate(fresh); err != nil {
		return fmt.Errorf("failed to reload %q: %w", name, err)
	}
	if fresh.Name != name {
		return fmt.Errorf("artifact for %q now declares name %q; run a full reload", name, fresh.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The new alias set must not collide with any other descriptor.
	for _, alias := range fresh.Aliases {
		if holder, taken := r.tokenHolderLocked(alias); taken && holder != name {
			return fmt.Errorf("failed to reload %q: alias %q already taken by %q", name, alias, holder)
		}
	}

	for _, alias := range current.Aliases {
		delete(r.aliases, alias)
	}
	r.commands[name] = fresh
	for _, alias := range fresh.Aliases {
		r.aliases[alias] = name
	}
	return nil
}

// Resolve returns the descriptor whose name matches token exactly, else the
// descriptor owning token as an alias, else nil. Collisions are prevented at
// load time, so at most one descriptor can match.
func (r *Registry) Resolve(token string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if desc, ok := r.commands[token]; ok {
		return desc
	}
	if name, ok := r.aliases[token]; ok {
		return r.commands[name]
	}
	return nil
}

// Get returns a descriptor by exact name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.commands[name]
	return desc, ok
}

// SetEnabled mutates a descriptor's in-memory enabled flag. It returns false
// for an unknown name.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.commands[name]
	if !ok {
		return false
	}
	desc.Enabled = enabled
	return true
}

// SetCrashState updates a descriptor's crash counter and timestamp. It
// returns false for an unknown name.
func (r *Registry) SetCrashState(name string, count int, at *time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.commands[name]
	if !ok {
		return false
	}
	desc.CrashCount = count
	desc.LastCrashAt = at
	return true
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]*Descriptor, 0, len(r.commands))
	for _, desc := range r.commands {
		descriptors = append(descriptors, desc)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// Count returns the number of registered descriptors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Diagnostics returns the diagnostics from the most recent load.
func (r *Registry) Diagnostics() []Diagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Diagnostic, len(r.diagnostics))
	copy(out, r.diagnostics)
	return out
}

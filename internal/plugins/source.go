package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Source produces candidate descriptors from some artifact location. A bad
// artifact must surface as a Diagnostic without aborting the batch.
type Source interface {
	// Name is the source identifier used as the SourceRef prefix.
	Name() string

	// Load enumerates and validates all candidate artifacts.
	Load(ctx context.Context) ([]*Descriptor, []Diagnostic)

	// LoadOne reloads the single artifact identified by sourceRef.
	LoadOne(ctx context.Context, sourceRef string) (*Descriptor, error)
}

// SplitSourceRef splits "<source>:<ref>" into its parts.
func SplitSourceRef(sourceRef string) (source, ref string) {
	parts := strings.SplitN(sourceRef, ":", 2)
	if len(parts) != 2 {
		return sourceRef, ""
	}
	return parts[0], parts[1]
}

// StaticSource is a registration table populated at startup. Built-in
// commands register here; Load hands out fresh descriptors so registry state
// from a previous load never leaks through a reload.
type StaticSource struct {
	mu      sync.Mutex
	entries map[string]*Descriptor
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{entries: make(map[string]*Descriptor)}
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Register adds a descriptor to the table. It fails on invalid shape or a
// duplicate name within this source.
func (s *StaticSource) Register(d *Descriptor) error {
	if err := Validate(d); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[d.Name]; exists {
		return fmt.Errorf("plugin %q already registered", d.Name)
	}
	s.entries[d.Name] = d
	return nil
}

// MustRegister registers a descriptor and panics on error. Intended for
// built-in command tables where a failure is a programming mistake.
func (s *StaticSource) MustRegister(d *Descriptor) {
	if err := s.Register(d); err != nil {
		panic(fmt.Sprintf("failed to register builtin plugin: %v", err))
	}
}

// Load implements Source. Descriptors come out in name order with fresh
// runtime state.
func (s *StaticSource) Load(ctx context.Context) ([]*Descriptor, []Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, s.freshDescriptor(s.entries[name]))
	}
	return descriptors, nil
}

// LoadOne implements Source.
func (s *StaticSource) LoadOne(ctx context.Context, sourceRef string) (*Descriptor, error) {
	_, ref := SplitSourceRef(sourceRef)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ref]
	if !ok {
		return nil, fmt.Errorf("static plugin %q: %w", ref, ErrNotFound)
	}
	return s.freshDescriptor(entry), nil
}

// freshDescriptor copies an entry with default runtime state (must be called
// with the lock held).
func (s *StaticSource) freshDescriptor(entry *Descriptor) *Descriptor {
	d := *entry
	d.Aliases = append([]string(nil), entry.Aliases...)
	d.Enabled = true
	d.CrashCount = 0
	d.LastCrashAt = nil
	d.SourceRef = s.Name() + ":" + entry.Name
	return &d
}

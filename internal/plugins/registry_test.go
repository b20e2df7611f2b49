package plugins

import (
	"context"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, inv *Invocation) error { return nil }

// fakeSource is a scriptable Source for registry tests.
type fakeSource struct {
	name        string
	descriptors []*Descriptor
	diagnostics []Diagnostic
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Load(ctx context.Context) ([]*Descriptor, []Diagnostic) {
	out := make([]*Descriptor, 0, len(f.descriptors))
	for _, d := range f.descriptors {
		copied := *d
		copied.Enabled = true
		copied.SourceRef = f.name + ":" + d.Name
		out = append(out, &copied)
	}
	return out, f.diagnostics
}

func (f *fakeSource) LoadOne(ctx context.Context, sourceRef string) (*Descriptor, error) {
	_, ref := SplitSourceRef(sourceRef)
	for _, d := range f.descriptors {
		if d.Name == ref {
			copied := *d
			copied.Enabled = true
			copied.SourceRef = sourceRef
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func TestRegistryLoadAll(t *testing.T) {
	src := &fakeSource{name: "static", descriptors: []*Descriptor{
		{Name: "ping", Aliases: []string{"p"}, Handler: noopHandler},
		{Name: "weather", Handler: noopHandler},
	}}
	r := NewRegistry(nil, src)

	diags := r.LoadAll(context.Background())
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}

	desc, ok := r.Get("ping")
	if !ok {
		t.Fatal("ping should be registered")
	}
	if !desc.Enabled || desc.CrashCount != 0 || desc.LastCrashAt != nil {
		t.Errorf("fresh descriptor runtime state wrong: %+v", desc)
	}
	if desc.SourceRef != "static:ping" {
		t.Errorf("SourceRef = %q", desc.SourceRef)
	}
}

func TestRegistryLoadAllSkipsInvalid(t *testing.T) {
	src := &fakeSource{name: "static", descriptors: []*Descriptor{
		{Name: "", Handler: noopHandler},
		{Name: "ok", Handler: noopHandler},
		{Name: "nohandler"},
	}}
	r := NewRegistry(nil, src)

	diags := r.LoadAll(context.Background())
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1 (bad artifacts skipped)", r.Count())
	}
	if len(diags) != 2 {
		t.Errorf("diagnostics = %d, want 2", len(diags))
	}
}

func TestRegistryCollisions(t *testing.T) {
	t.Run("duplicate name rejected", func(t *testing.T) {
		src := &fakeSource{name: "static", descriptors: []*Descriptor{
			{Name: "ping", Handler: noopHandler},
			{Name: "ping", Description: "imposter", Handler: noopHandler},
		}}
		r := NewRegistry(nil, src)
		diags := r.LoadAll(context.Background())

		if r.Count() != 1 {
			t.Fatalf("Count = %d, want 1", r.Count())
		}
		desc, _ := r.Get("ping")
		if desc.Description == "imposter" {
			t.Error("first registration must win")
		}
		if len(diags) != 1 {
			t.Errorf("expected a collision diagnostic, got %v", diags)
		}
	})

	t.Run("alias colliding with name rejected", func(t *testing.T) {
		src := &fakeSource{name: "static", descriptors: []*Descriptor{
			{Name: "ping", Handler: noopHandler},
			{Name: "pulse", Aliases: []string{"ping"}, Handler: noopHandler},
		}}
		r := NewRegistry(nil, src)
		r.LoadAll(context.Background())

		if _, ok := r.Get("pulse"); ok {
			t.Error("descriptor with colliding alias must be rejected whole")
		}
	})

	t.Run("alias colliding with alias rejected", func(t *testing.T) {
		src := &fakeSource{name: "static", descriptors: []*Descriptor{
			{Name: "ping", Aliases: []string{"p"}, Handler: noopHandler},
			{Name: "pong", Aliases: []string{"p"}, Handler: noopHandler},
		}}
		r := NewRegistry(nil, src)
		r.LoadAll(context.Background())

		if _, ok := r.Get("pong"); ok {
			t.Error("second alias holder must be rejected")
		}
		if got := r.Resolve("p"); got == nil || got.Name != "ping" {
			t.Errorf("Resolve(p) = %v, want ping", got)
		}
	})
}

func TestRegistryResolve(t *testing.T) {
	src := &fakeSource{name: "static", descriptors: []*Descriptor{
		{Name: "ping", Aliases: []string{"p"}, Handler: noopHandler},
		{Name: "p2", Handler: noopHandler},
	}}
	r := NewRegistry(nil, src)
	r.LoadAll(context.Background())

	if got := r.Resolve("ping"); got == nil || got.Name != "ping" {
		t.Errorf("Resolve by name failed: %v", got)
	}
	if got := r.Resolve("p"); got == nil || got.Name != "ping" {
		t.Errorf("Resolve by alias failed: %v", got)
	}
	if got := r.Resolve("nope"); got != nil {
		t.Errorf("Resolve(unknown) = %v, want nil", got)
	}
	// Exact match only: case matters.
	if got := r.Resolve("PING"); got != nil {
		t.Errorf("Resolve should be exact, got %v", got)
	}
}

func TestRegistryReloadAllReplacesEverything(t *testing.T) {
	src := &fakeSource{name: "static", descriptors: []*Descriptor{
		{Name: "old", Handler: noopHandler},
	}}
	r := NewRegistry(nil, src)
	r.LoadAll(context.Background())
	r.SetEnabled("old", false)

	src.descriptors = []*Descriptor{{Name: "new", Handler: noopHandler}}
	if _, err := r.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}

	if _, ok := r.Get("old"); ok {
		t.Error("old descriptor should be gone after reload")
	}
	desc, ok := r.Get("new")
	if !ok {
		t.Fatal("new descriptor should be registered")
	}
	if !desc.Enabled {
		t.Error("reloaded descriptor should start enabled")
	}
}

func TestRegistryReloadOne(t *testing.T) {
	src := &fakeSource{name: "static", descriptors: []*Descriptor{
		{Name: "ping", Aliases: []string{"p"}, Handler: noopHandler},
		{Name: "other", Handler: noopHandler},
	}}
	r := NewRegistry(nil, src)
	r.LoadAll(context.Background())

	src.descriptors[0] = &Descriptor{Name: "ping", Aliases: []string{"pp"}, Description: "v2", Handler: noopHandler}
	if err := r.ReloadOne(context.Background(), "ping"); err != nil {
		t.Fatalf("ReloadOne: %v", err)
	}

	desc, _ := r.Get("ping")
	if desc.Description != "v2" {
		t.Errorf("descriptor not replaced: %+v", desc)
	}
	if got := r.Resolve("p"); got != nil {
		t.Error("stale alias should be unregistered")
	}
	if got := r.Resolve("pp"); got == nil || got.Name != "ping" {
		t.Error("new alias should resolve")
	}
	if _, ok := r.Get("other"); !ok {
		t.Error("untouched descriptor must survive ReloadOne")
	}

	if err := r.ReloadOne(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReloadOne(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	src := &fakeSource{name: "static", descriptors: []*Descriptor{
		{Name: "ping", Handler: noopHandler},
	}}
	r := NewRegistry(nil, src)
	r.LoadAll(context.Background())

	if !r.SetEnabled("ping", false) {
		t.Fatal("SetEnabled(ping) should succeed")
	}
	desc, _ := r.Get("ping")
	if desc.Enabled {
		t.Error("descriptor should be disabled")
	}
	if r.SetEnabled("missing", true) {
		t.Error("SetEnabled(unknown) should return false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		desc *Descriptor
		ok   bool
	}{
		{"valid", &Descriptor{Name: "ping", Handler: noopHandler}, true},
		{"nil descriptor", nil, false},
		{"empty name", &Descriptor{Name: " ", Handler: noopHandler}, false},
		{"name with whitespace", &Descriptor{Name: "pi ng", Handler: noopHandler}, false},
		{"missing handler", &Descriptor{Name: "ping"}, false},
		{"empty alias", &Descriptor{Name: "ping", Aliases: []string{""}, Handler: noopHandler}, false},
		{"alias with whitespace", &Descriptor{Name: "ping", Aliases: []string{"a b"}, Handler: noopHandler}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.desc)
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("Validate() = %v, want *ValidationError", err)
				}
			}
		})
	}
}

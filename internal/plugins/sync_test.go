package plugins

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/courier/internal/store"
)

// fakeStore is an in-memory Store for lifecycle tests.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*store.PluginRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*store.PluginRecord)}
}

func (f *fakeStore) get(name string) *store.PluginRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[name]; ok {
		copied := *rec
		return &copied
	}
	return nil
}

func (f *fakeStore) FindOne(ctx context.Context, name string) (*store.PluginRecord, error) {
	if rec := f.get(name); rec != nil {
		return rec, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Find(ctx context.Context, filter store.Filter) ([]*store.PluginRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*store.PluginRecord
	for _, rec := range f.records {
		if filter.Orphaned != nil && rec.Orphaned != *filter.Orphaned {
			continue
		}
		if filter.Enabled != nil && rec.Enabled != *filter.Enabled {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	slices.SortFunc(out, func(a, b *store.PluginRecord) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

func (f *fakeStore) Insert(ctx context.Context, rec *store.PluginRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.records[rec.Name]; exists {
		return store.ErrNotFound // misuse; tests never hit this
	}
	now := time.Now().UTC()
	copied := *rec
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = copied.CreatedAt
	f.records[rec.Name] = &copied
	return nil
}

func (f *fakeStore) Update(ctx context.Context, name string, upd store.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[name]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Description != nil {
		rec.Description = *upd.Description
	}
	if upd.Category != nil {
		rec.Category = *upd.Category
	}
	if upd.Aliases != nil {
		rec.Aliases = slices.Clone(*upd.Aliases)
	}
	if upd.Usage != nil {
		rec.Usage = *upd.Usage
	}
	if upd.SourceRef != nil {
		rec.SourceRef = *upd.SourceRef
	}
	if upd.Enabled != nil {
		rec.Enabled = *upd.Enabled
	}
	if upd.CrashCount != nil {
		rec.CrashCount = *upd.CrashCount
	}
	if upd.ClearLastCrash {
		rec.LastCrashAt = nil
	} else if upd.LastCrashAt != nil {
		at := *upd.LastCrashAt
		rec.LastCrashAt = &at
	}
	if upd.Orphaned != nil {
		rec.Orphaned = *upd.Orphaned
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) IncrementUsage(ctx context.Context, name string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[name]
	if !ok {
		return store.ErrNotFound
	}
	rec.UsageCount++
	t := at
	rec.LastUsedAt = &t
	return nil
}

func (f *fakeStore) Count(ctx context.Context, filter store.Filter) (int, error) {
	recs, err := f.Find(ctx, filter)
	return len(recs), err
}

func (f *fakeStore) Close() error { return nil }

func newSyncedRegistry(t *testing.T, st store.Store, descriptors ...*Descriptor) (*Registry, *Syncer) {
	t.Helper()
	src := &fakeSource{name: "static", descriptors: descriptors}
	r := NewRegistry(nil, src)
	r.LoadAll(context.Background())
	return r, NewSyncer(r, st, nil)
}

func TestSyncInsertsNewRecords(t *testing.T) {
	st := newFakeStore()
	_, syncer := newSyncedRegistry(t, st,
		&Descriptor{Name: "ping", Aliases: []string{"p"}, Description: "latency check", Handler: noopHandler})

	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Added != 1 || report.Updated != 0 || report.Orphaned != 0 {
		t.Errorf("report = %+v", report)
	}

	rec := st.get("ping")
	if rec == nil {
		t.Fatal("record should be inserted")
	}
	if !rec.Enabled || rec.CrashCount != 0 || rec.UsageCount != 0 {
		t.Errorf("new record should have default runtime state: %+v", rec)
	}
	if rec.Description != "latency check" || !slices.Equal(rec.Aliases, []string{"p"}) {
		t.Errorf("metadata not pushed: %+v", rec)
	}
}

func TestSyncPullsEnabledFromStore(t *testing.T) {
	st := newFakeStore()
	st.Insert(context.Background(), &store.PluginRecord{Name: "ping", Enabled: false})

	r, syncer := newSyncedRegistry(t, st, &Descriptor{Name: "ping", Handler: noopHandler})

	desc, _ := r.Get("ping")
	if !desc.Enabled {
		t.Fatal("descriptor starts enabled before sync")
	}

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	desc, _ = r.Get("ping")
	if desc.Enabled {
		t.Error("store's enabled=false must win after sync")
	}
	if st.get("ping").Enabled {
		t.Error("store value must not be overwritten")
	}
}

func TestSyncPushesMetadataChanges(t *testing.T) {
	st := newFakeStore()
	st.Insert(context.Background(), &store.PluginRecord{
		Name:        "ping",
		Description: "old words",
		Enabled:     true,
	})

	_, syncer := newSyncedRegistry(t, st,
		&Descriptor{Name: "ping", Description: "new words", Category: "system", Handler: noopHandler})

	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Updated != 1 {
		t.Errorf("report.Updated = %d, want 1", report.Updated)
	}

	rec := st.get("ping")
	if rec.Description != "new words" || rec.Category != "system" {
		t.Errorf("metadata not pushed: %+v", rec)
	}
}

func TestSyncUnchangedRecord(t *testing.T) {
	st := newFakeStore()
	_, syncer := newSyncedRegistry(t, st,
		&Descriptor{Name: "ping", Description: "d", Handler: noopHandler})

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Unchanged != 1 || report.Updated != 0 || report.Added != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestSyncMarksOrphans(t *testing.T) {
	st := newFakeStore()
	st.Insert(context.Background(), &store.PluginRecord{Name: "gone", Enabled: true, UsageCount: 7})

	_, syncer := newSyncedRegistry(t, st, &Descriptor{Name: "ping", Handler: noopHandler})

	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Orphaned != 1 {
		t.Errorf("report.Orphaned = %d, want 1", report.Orphaned)
	}

	rec := st.get("gone")
	if rec == nil {
		t.Fatal("orphaned records must never be deleted")
	}
	if !rec.Orphaned || rec.Enabled {
		t.Errorf("orphan should be marked and disabled: %+v", rec)
	}
	if rec.UsageCount != 7 {
		t.Error("orphan history must be preserved")
	}

	// Second pass: the orphan stays put, nothing new to mark.
	report, err = syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Orphaned != 0 {
		t.Errorf("already-orphaned record counted again: %+v", report)
	}
}

func TestSyncUnorphansReturningPlugin(t *testing.T) {
	st := newFakeStore()
	st.Insert(context.Background(), &store.PluginRecord{
		Name:     "ping",
		Enabled:  false,
		Orphaned: true,
	})

	r, syncer := newSyncedRegistry(t, st, &Descriptor{Name: "ping", Handler: noopHandler})
	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	rec := st.get("ping")
	if rec.Orphaned {
		t.Error("reappearing plugin should clear the orphaned flag")
	}
	// The soft-disable from orphaning is an operator-visible state; it is
	// still pulled, not reset.
	desc, _ := r.Get("ping")
	if desc.Enabled {
		t.Error("stored enabled=false must still win for a returning plugin")
	}
}

func TestSyncPullsCrashState(t *testing.T) {
	st := newFakeStore()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	st.Insert(context.Background(), &store.PluginRecord{
		Name:        "flaky",
		Enabled:     true,
		CrashCount:  2,
		LastCrashAt: &at,
	})

	r, syncer := newSyncedRegistry(t, st, &Descriptor{Name: "flaky", Handler: noopHandler})
	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	desc, _ := r.Get("flaky")
	if desc.CrashCount != 2 || desc.LastCrashAt == nil || !desc.LastCrashAt.Equal(at) {
		t.Errorf("crash state not pulled: %+v", desc)
	}
}

func TestRecordUsageBestEffort(t *testing.T) {
	st := newFakeStore()
	st.Insert(context.Background(), &store.PluginRecord{Name: "ping", Enabled: true})
	_, syncer := newSyncedRegistry(t, st, &Descriptor{Name: "ping", Handler: noopHandler})

	at := time.Now().UTC()
	syncer.RecordUsage("ping", at)

	rec := st.get("ping")
	if rec.UsageCount != 1 || rec.LastUsedAt == nil {
		t.Errorf("usage not recorded: %+v", rec)
	}

	// Unknown name must not panic or error out to the caller.
	syncer.RecordUsage("missing", at)
}

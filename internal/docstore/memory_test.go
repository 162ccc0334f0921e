package docstore

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 12, 9, 30, 0, 0, time.UTC)}
}

func TestMemoryAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemory(clock)

	id, err := store.Add(ctx, "checkIns", map[string]any{
		"mood":      "calm",
		"timestamp": ServerTimestamp,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	doc, err := store.Get(ctx, "checkIns", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mood, _ := doc.StringField("mood"); mood != "calm" {
		t.Errorf("mood = %q, want calm", mood)
	}
	ts, ok := doc.TimeField("timestamp")
	if !ok || !ts.Equal(clock.now) {
		t.Errorf("timestamp = %v ok=%v, want store clock %v", ts, ok, clock.now)
	}
}

func TestMemoryGetMissingDocument(t *testing.T) {
	store := NewMemory(nil)
	if _, err := store.Get(context.Background(), "checkIns", "nope"); err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestMemoryQueryFilterOrderLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemory(clock)

	for i, userID := range []string{"u1", "u2", "u1"} {
		if _, err := store.Add(ctx, "checkIns", map[string]any{
			"userId":    userID,
			"seq":       i,
			"timestamp": clock.now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	docs, err := store.GetAll(ctx, "checkIns", Query{
		Filters: []Filter{Where("userId", "==", "u1")},
		OrderBy: "timestamp",
		Desc:    true,
	})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	first, _ := docs[0].IntField("seq")
	second, _ := docs[1].IntField("seq")
	if first != 2 || second != 0 {
		t.Errorf("descending order wrong: got seq %d, %d", first, second)
	}

	limited, err := store.GetAll(ctx, "checkIns", Query{Limit: 1})
	if err != nil {
		t.Fatalf("GetAll limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d docs", len(limited))
	}
}

func TestMemorySubscribeDeliversInitialAndChangedSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(newFakeClock())

	var snapshots []Snapshot
	cancel, err := store.Subscribe(ctx, "strategies", Query{}, func(s Snapshot) {
		snapshots = append(snapshots, s)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if len(snapshots) != 1 || len(snapshots[0]) != 0 {
		t.Fatalf("expected one empty initial snapshot, got %v", snapshots)
	}

	if _, err := store.Add(ctx, "strategies", map[string]any{"content": "walk"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(snapshots) != 2 || len(snapshots[1]) != 1 {
		t.Fatalf("expected snapshot after add, got %d snapshots", len(snapshots))
	}

	// Writes to other collections never fire this subscription.
	if _, err := store.Add(ctx, "checkIns", map[string]any{"mood": "calm"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("unrelated collection fired subscription")
	}
}

func TestMemorySubscribeCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(newFakeClock())

	count := 0
	cancel, err := store.Subscribe(ctx, "strategies", Query{}, func(Snapshot) { count++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	cancel() // releasing twice is safe

	if _, err := store.Add(ctx, "strategies", map[string]any{"content": "x"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if count != 1 {
		t.Fatalf("canceled subscription still fired: %d deliveries", count)
	}
}

func TestMemoryBatchIsAtomicPerSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(newFakeClock())

	oldID, err := store.Add(ctx, "monthlyFocus", map[string]any{"active": true, "title": "March"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Every snapshot observed must contain exactly zero or one active focus;
	// the rotation batch must never be seen half-applied.
	var violations int
	cancel, err := store.Subscribe(ctx, "monthlyFocus", Query{}, func(s Snapshot) {
		active := 0
		for _, doc := range s {
			if isActive, _ := doc.BoolField("active"); isActive {
				active++
			}
		}
		if active > 1 {
			violations++
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	batch := store.Batch()
	batch.Update("monthlyFocus", oldID, map[string]any{"active": false})
	batch.Set("monthlyFocus", NewDocumentID(), map[string]any{"active": true, "title": "April"})
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if violations != 0 {
		t.Fatalf("observed %d half-applied batch snapshots", violations)
	}

	docs, err := store.GetAll(ctx, "monthlyFocus", Query{Filters: []Filter{Where("active", "==", true)}})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("active count after rotation = %d, want 1", len(docs))
	}
	if title, _ := docs[0].StringField("title"); title != "April" {
		t.Errorf("active focus = %q, want April", title)
	}
}

func TestMemoryBatchUpdateMissingDocumentFailsWhole(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(newFakeClock())

	batch := store.Batch()
	batch.Set("strategies", NewDocumentID(), map[string]any{"content": "x"})
	batch.Update("strategies", "missing", map[string]any{"approved": true})
	if err := batch.Commit(ctx); err == nil {
		t.Fatal("expected commit failure")
	}

	docs, err := store.GetAll(ctx, "strategies", Query{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("failed batch left %d documents behind", len(docs))
	}
}

func TestMemoryUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemory(clock)

	id, err := store.Add(ctx, "supportRequests", map[string]any{
		"handled": false,
		"mood":    "anxious",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Advance(time.Hour)
	if err := store.Update(ctx, "supportRequests", id, map[string]any{
		"handled":   true,
		"handledAt": ServerTimestamp,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, err := store.Get(ctx, "supportRequests", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if handled, _ := doc.BoolField("handled"); !handled {
		t.Error("handled not updated")
	}
	if mood, _ := doc.StringField("mood"); mood != "anxious" {
		t.Error("untouched field lost in merge")
	}
	if at, ok := doc.TimeField("handledAt"); !ok || !at.Equal(clock.now) {
		t.Errorf("handledAt = %v, want %v", at, clock.now)
	}
}

func TestMemoryReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(newFakeClock())

	id, _ := store.Add(ctx, "strategies", map[string]any{"content": "original"})
	doc, _ := store.Get(ctx, "strategies", id)
	doc.Fields["content"] = "mutated"

	again, _ := store.Get(ctx, "strategies", id)
	if content, _ := again.StringField("content"); content != "original" {
		t.Fatal("caller mutation leaked into store state")
	}
}

func TestMemorySubscribeNeverDeliversStaleSnapshotAfterNewer(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(newFakeClock())

	var seen []int
	cancel, err := store.Subscribe(ctx, "checkIns", Query{}, func(s Snapshot) {
		seen = append(seen, len(s))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	// Two writers race between unlock and delivery: the first computes its
	// snapshot, the second commits and delivers before the first does.
	store.mu.Lock()
	store.put("checkIns", "a", map[string]any{"mood": "calm"})
	first := store.snapshotsLocked("checkIns")
	store.mu.Unlock()

	store.mu.Lock()
	store.put("checkIns", "b", map[string]any{"mood": "tired"})
	second := store.snapshotsLocked("checkIns")
	store.mu.Unlock()

	store.deliver(second)
	store.deliver(first)

	if len(seen) != 2 {
		t.Fatalf("deliveries = %d, want initial plus the newer snapshot", len(seen))
	}
	if seen[1] != 2 {
		t.Fatalf("last delivered snapshot has %d docs, stale snapshot overwrote a newer one", seen[1])
	}
}

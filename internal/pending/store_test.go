package pending

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestStore_SaveAndReadByState(t *testing.T) {
	store := newTestStore(t)

	rec := &Record{
		State:     "st-abc",
		SessionID: "sess-1",
		TargetID:  "srv-1",
		ReturnURL: "https://app.example.com/settings",
		CreatedAt: time.Now().UTC(),
	}

	if err := store.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got := store.ReadByState("st-abc")
	if got == nil {
		t.Fatal("ReadByState returned nil for a saved record")
	}
	if got.SessionID != rec.SessionID || got.TargetID != rec.TargetID || got.ReturnURL != rec.ReturnURL {
		t.Errorf("ReadByState = %+v, want %+v", got, rec)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestStore_ReadByState_Unknown(t *testing.T) {
	store := newTestStore(t)

	if got := store.ReadByState("never-seen"); got != nil {
		t.Errorf("ReadByState for unknown state = %+v, want nil", got)
	}
}

func TestStore_ReadByState_CorruptRecord(t *testing.T) {
	store := newTestStore(t)

	path := store.path(stateDir, "st-corrupt")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("Failed to plant corrupt record: %v", err)
	}

	if got := store.ReadByState("st-corrupt"); got != nil {
		t.Errorf("ReadByState for corrupt record = %+v, want nil", got)
	}

	// Structurally invalid but well-formed JSON is also discarded
	path = store.path(stateDir, "st-empty")
	if err := os.WriteFile(path, []byte(`{"state":""}`), 0600); err != nil {
		t.Fatalf("Failed to plant invalid record: %v", err)
	}
	if got := store.ReadByState("st-empty"); got != nil {
		t.Errorf("ReadByState for invalid record = %+v, want nil", got)
	}
}

func TestStore_LastWriterWinsPerTarget(t *testing.T) {
	store := newTestStore(t)

	first := &Record{State: "st-1", SessionID: "sess-1", TargetID: "srv-1", CreatedAt: time.Now()}
	second := &Record{State: "st-2", SessionID: "sess-2", TargetID: "srv-1", CreatedAt: time.Now()}

	if err := store.Save(first); err != nil {
		t.Fatalf("Save(first) error = %v", err)
	}
	if err := store.Save(second); err != nil {
		t.Fatalf("Save(second) error = %v", err)
	}

	latest := store.ReadLatestForTarget("srv-1")
	if latest == nil || latest.State != "st-2" {
		t.Fatalf("ReadLatestForTarget = %+v, want state st-2", latest)
	}

	// The superseded attempt stays reachable through its own state key
	if got := store.ReadByState("st-1"); got == nil || got.SessionID != "sess-1" {
		t.Errorf("superseded record not reachable by state: %+v", got)
	}
}

func TestStore_Clear(t *testing.T) {
	store := newTestStore(t)

	rec := &Record{State: "st-1", SessionID: "sess-1", TargetID: "srv-1", CreatedAt: time.Now()}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := store.Clear("st-1", "srv-1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if store.ReadByState("st-1") != nil {
		t.Error("record still readable by state after Clear")
	}
	if store.ReadLatestForTarget("srv-1") != nil {
		t.Error("record still readable by target after Clear")
	}

	// Idempotent: clearing an absent key is a no-op
	if err := store.Clear("st-1", "srv-1"); err != nil {
		t.Errorf("Clear() on absent keys error = %v", err)
	}
}

func TestStore_Clear_KeepsNewerTargetSlot(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(&Record{State: "st-1", SessionID: "sess-1", TargetID: "srv-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(&Record{State: "st-2", SessionID: "sess-2", TargetID: "srv-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Completing the superseded attempt must not evict the newer one
	if err := store.Clear("st-1", "srv-1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	latest := store.ReadLatestForTarget("srv-1")
	if latest == nil || latest.State != "st-2" {
		t.Errorf("newer attempt evicted by old Clear: %+v", latest)
	}
}

func TestStore_Save_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(&Record{State: "", SessionID: "sess"}); err == nil {
		t.Error("Save should reject a record without a state")
	}
	if err := store.Save(&Record{State: "st", SessionID: ""}); err == nil {
		t.Error("Save should reject a record without a session id")
	}
}

func TestStore_CompletionMarkers(t *testing.T) {
	store := newTestStore(t)

	if got := store.ReadCompletion("sess-1"); got != nil {
		t.Errorf("ReadCompletion before MarkCompleted = %+v, want nil", got)
	}

	marker := &Completion{SessionID: "sess-1", State: "st-1", TargetID: "srv-1"}
	if err := store.MarkCompleted(marker); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	got := store.ReadCompletion("sess-1")
	if got == nil || got.State != "st-1" || !got.Succeeded() {
		t.Fatalf("ReadCompletion = %+v, want successful marker for st-1", got)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set by MarkCompleted")
	}

	if err := store.ClearCompletion("sess-1"); err != nil {
		t.Fatalf("ClearCompletion() error = %v", err)
	}
	if store.ReadCompletion("sess-1") != nil {
		t.Error("marker still readable after ClearCompletion")
	}
}

func TestStore_WatchCompletion(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *Completion, 1)
	go func() {
		c, err := store.WatchCompletion(ctx, "sess-w")
		if err != nil {
			t.Errorf("WatchCompletion() error = %v", err)
		}
		done <- c
	}()

	// Give the watcher a moment to arm, then write the marker
	time.Sleep(100 * time.Millisecond)
	if err := store.MarkCompleted(&Completion{SessionID: "sess-w", Err: "access_denied"}); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	select {
	case c := <-done:
		if c == nil || c.Succeeded() {
			t.Errorf("WatchCompletion = %+v, want failed marker", c)
		}
	case <-ctx.Done():
		t.Fatal("WatchCompletion did not observe the marker in time")
	}
}

func TestStore_WatchCompletion_Cancelled(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.WatchCompletion(ctx, "sess-x"); err == nil {
		t.Error("WatchCompletion should return the context error when cancelled")
	}
}

func TestStore_FilePermissions(t *testing.T) {
	store := newTestStore(t)

	rec := &Record{State: "st-1", SessionID: "sess-1", TargetID: "srv-1", CreatedAt: time.Now()}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(store.path(stateDir, "st-1"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("record file mode = %o, want 0600", perm)
	}

	info, err = os.Stat(filepath.Join(store.Dir(), stateDir))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("namespace dir mode = %o, want 0700", perm)
	}
}

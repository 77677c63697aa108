package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func createEntry(t *testing.T, s *Store, id, app string) {
	t.Helper()
	err := s.CreateEntry(context.Background(), &QueueEntry{
		ID:      id,
		AppName: app,
		Kind:    "git",
		Options: []byte(`{"kind":"git"}`),
	})
	if err != nil {
		t.Fatalf("CreateEntry(%s) error = %v", id, err)
	}
}

func TestQueue_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createEntry(t, s, "e1", "demo")

	e, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if e.Status != QueueQueued || e.StartedAt != nil || string(e.Options) != `{"kind":"git"}` {
		t.Errorf("new entry = %+v", e)
	}

	// Cannot finish before claiming
	if err := s.CompleteEntry(ctx, "e1"); err == nil {
		t.Error("CompleteEntry() on queued entry should fail")
	}

	claimed, err := s.ClaimEntry(ctx, "e1")
	if err != nil || !claimed {
		t.Fatalf("ClaimEntry() = %v, %v", claimed, err)
	}
	claimed, err = s.ClaimEntry(ctx, "e1")
	if err != nil || claimed {
		t.Errorf("second ClaimEntry() = %v, %v, want false", claimed, err)
	}

	if err := s.AppendLog(ctx, "e1", "cloning\n"); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
	if err := s.AppendLog(ctx, "e1", "done\n"); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}

	if err := s.FailEntry(ctx, "e1", "npm install exited 1"); err != nil {
		t.Fatalf("FailEntry() error = %v", err)
	}

	// Terminal states never move again
	if err := s.CompleteEntry(ctx, "e1"); err == nil {
		t.Error("CompleteEntry() after failure should fail")
	}
	if claimed, _ := s.ClaimEntry(ctx, "e1"); claimed {
		t.Error("ClaimEntry() after failure should not claim")
	}

	e, err = s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if e.Status != QueueFailed || e.ErrorMessage != "npm install exited 1" {
		t.Errorf("entry = %+v", e)
	}
	if e.Logs != "cloning\ndone\n" {
		t.Errorf("Logs = %q", e.Logs)
	}
	if e.StartedAt == nil || e.CompletedAt == nil || !e.IsTerminal() {
		t.Error("terminal entry should have start and completion times")
	}
}

func TestQueue_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		createEntry(t, s, id, "app-"+id)
	}
	if _, err := s.ClaimEntry(ctx, "b"); err != nil {
		t.Fatalf("ClaimEntry() error = %v", err)
	}

	queued, err := s.ListQueued(ctx)
	if err != nil {
		t.Fatalf("ListQueued() error = %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "a" || queued[1].ID != "c" {
		t.Errorf("ListQueued() = %+v, want a then c", queued)
	}

	all, err := s.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("ListEntries() not newest first: %+v", all)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[QueueQueued] != 2 || counts[QueueBuilding] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func TestQueue_ConcurrentClaim(t *testing.T) {
	s := newTestStore(t)
	createEntry(t, s, "race", "demo")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimEntry(context.Background(), "race")
			if err != nil {
				t.Errorf("ClaimEntry() error = %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("entry claimed %d times, want 1", wins.Load())
	}
}

func TestQueue_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	createEntry(t, s, "dup", "demo")

	err := s.CreateEntry(context.Background(), &QueueEntry{ID: "dup", AppName: "demo", Kind: "git", Options: []byte("{}")})
	if err == nil {
		t.Error("CreateEntry() with duplicate ID should fail")
	}
}

func TestQueue_FailInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createEntry(t, s, "running", "demo")
	createEntry(t, s, "waiting", "demo")

	if ok, err := s.ClaimEntry(ctx, "running"); err != nil || !ok {
		t.Fatalf("ClaimEntry() = %v, %v", ok, err)
	}

	failed, err := s.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		t.Fatalf("FailInterrupted() error = %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "running" || failed[0].Kind != "git" {
		t.Errorf("FailInterrupted() = %+v, want only the running entry", failed)
	}

	e, _ := s.GetEntry(ctx, "running")
	if e.Status != QueueFailed || e.ErrorMessage != "interrupted by restart" {
		t.Errorf("interrupted entry = %+v", e)
	}
	e, _ = s.GetEntry(ctx, "waiting")
	if e.Status != QueueQueued {
		t.Errorf("queued entry status = %s, want queued", e.Status)
	}
}

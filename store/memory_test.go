package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sicko7947/hubflow"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) hubflow.Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	run := newTestRun("run-1", time.Now())
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	// Mutating the caller's value must not leak into the store
	run.Context.Set("leak", true, "test")
	run.Status = hubflow.RunStatusFailed

	retrieved, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if retrieved.Status != hubflow.RunStatusPending {
		t.Errorf("Status = %s, want PENDING", retrieved.Status)
	}
	if retrieved.Context.Has("leak") {
		t.Error("Context mutation leaked into the store")
	}

	retrieved.Context.Set("leak", true, "test")
	again, _ := store.GetRun(ctx, "run-1")
	if again.Context.Has("leak") {
		t.Error("Mutating a returned run leaked into the store")
	}
}

func TestMemoryStore_ConcurrentLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateRun(ctx, newTestRun("run-1", now)); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := "worker-" + string(rune('a'+i))
			if _, err := store.AcquireLease(ctx, "run-1", owner, time.Minute, now); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("lease winners = %d, want 1", winners)
	}
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, db, err := Open(filepath.Join(t.TempDir(), "fabric.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return stores
}

func TestQueue_FIFOWithinAgent(t *testing.T) {
	stores := openTestStores(t)
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		if _, err := stores.Queue.Enqueue(ctx, "A1", "task:submit", []byte(p), time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	// Interleave another agent; must not affect A1's order.
	if _, err := stores.Queue.Enqueue(ctx, "A2", "task:submit", []byte("other"), time.Hour); err != nil {
		t.Fatal(err)
	}

	entries, err := stores.Queue.FindPending(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(entries[i].Payload) != want {
			t.Errorf("entry %d payload = %q, want %q", i, entries[i].Payload, want)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Errorf("ids not monotonic: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
}

func TestQueue_DeliveredNeverRedelivered(t *testing.T) {
	stores := openTestStores(t)
	ctx := context.Background()

	id, err := stores.Queue.Enqueue(ctx, "A1", "task:submit", []byte("x"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := stores.Queue.MarkDelivered(ctx, id); err != nil {
		t.Fatal(err)
	}

	entries, err := stores.Queue.FindPending(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("delivered entry returned by FindPending: %+v", entries)
	}

	// Second MarkDelivered must not find the row (delivered flag already set).
	if err := stores.Queue.MarkDelivered(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second MarkDelivered err = %v, want ErrNotFound", err)
	}
}

func TestQueue_MarkDeliveredNotFound(t *testing.T) {
	stores := openTestStores(t)
	if err := stores.Queue.MarkDelivered(context.Background(), 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueue_TTLEnforcedOnReadAndSweep(t *testing.T) {
	stores := openTestStores(t)
	ctx := context.Background()

	// Already expired at insert time.
	if _, err := stores.Queue.Enqueue(ctx, "A1", "task:submit", []byte("stale"), -time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.Queue.Enqueue(ctx, "A1", "task:submit", []byte("fresh"), time.Hour); err != nil {
		t.Fatal(err)
	}

	entries, err := stores.Queue.FindPending(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "fresh" {
		t.Fatalf("FindPending returned expired entry: %+v", entries)
	}

	n, err := stores.Queue.CleanExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CleanExpired = %d, want 1", n)
	}

	count, err := stores.Queue.PendingCount(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("PendingCount = %d, want 1", count)
	}
}

package index

import (
	"context"
	"testing"
	"time"

	"github.com/starford/munin/internal/models"
)

func TestWatcherIndexesNewBullets(t *testing.T) {
	db := testDB(t)
	st := testStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = Watch(ctx, db, st, st.Root(), quietLog(), WatchOptions{Debounce: 20 * time.Millisecond})
		close(done)
	}()

	// Give the watcher a moment to install its watches.
	time.Sleep(100 * time.Millisecond)

	id, err := st.Add("topic", "watched fact", models.KindFact)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rows, _ := db.BulletsForNode("topic")
		if len(rows) == 1 && rows[0].ID == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bullet never indexed; rows = %+v", rows)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherCoalescesEvents(t *testing.T) {
	db := testDB(t)
	st := testStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Watch(ctx, db, st, st.Root(), quietLog(), WatchOptions{Debounce: 50 * time.Millisecond})
	}()
	time.Sleep(100 * time.Millisecond)

	// A burst of appends lands as one (or few) flushes.
	for i := 0; i < 5; i++ {
		if _, err := st.Add("burst", "bullet", models.KindFact); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rows, _ := db.BulletsForNode("burst")
		if len(rows) == 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("rows = %d, want 5", len(rows))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSlugFromPath(t *testing.T) {
	root := "/data/nodes"
	if got := slugFromPath(root, "/data/nodes/topic/node.jsonl"); got != "topic" {
		t.Errorf("slug = %q, want topic", got)
	}
	if got := slugFromPath(root, "/data/nodes/stray.jsonl"); got != "" {
		t.Errorf("slug = %q, want empty for root-level file", got)
	}
	if got := slugFromPath(root, "/elsewhere/x/node.jsonl"); got != "" {
		t.Errorf("slug = %q, want empty outside root", got)
	}
}

package inbox

import (
	"testing"
	"time"

	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/store"
)

func newInbox(t *testing.T, quota int64) *Inbox {
	t.Helper()
	ns := store.Sub(store.NewMemoryBackend(), "inbox")
	return Open(ns, quota)
}

func msgOfSize(n int) *envelope.Message {
	return &envelope.Message{Type: envelope.TypeBinary, Timestamp: time.Now(), Payload: make([]byte, n)}
}

// TestAcceptDedupIdempotence covers spec.md §8 invariant #4.
func TestAcceptDedupIdempotence(t *testing.T) {
	ib := newInbox(t, 0)
	var sender [32]byte
	var id [16]byte
	id[0] = 1

	out, err := ib.Accept(sender, id, msgOfSize(10), time.Now())
	if err != nil || out != NewlyStored {
		t.Fatalf("first accept: out=%v err=%v", out, err)
	}

	out, err = ib.Accept(sender, id, msgOfSize(10), time.Now())
	if err != nil || out != Duplicate {
		t.Fatalf("second accept: out=%v err=%v", out, err)
	}
}

// TestEvictionMonotonicity covers spec.md §8 invariant #5: the watermark
// never decreases and rejects replays of evicted history.
func TestEvictionMonotonicity(t *testing.T) {
	ib := newInbox(t, 100)
	var sender [32]byte

	base := time.Now()
	var ids [][16]byte
	for i := 0; i < 5; i++ {
		var id [16]byte
		id[0] = byte(i + 1)
		ids = append(ids, id)
		at := base.Add(time.Duration(i) * time.Second)
		out, err := ib.Accept(sender, id, msgOfSize(30), at)
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		if i > 0 && out != NewlyStored {
			// eviction may have happened but this one still newly stores
			t.Fatalf("accept %d: expected NewlyStored, got %v", i, out)
		}
	}

	mark, ok, err := ib.Watermark(sender)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !ok {
		t.Fatalf("expected a watermark to have been set by eviction")
	}

	// Replaying an id whose arrival time predates the mark must be
	// rejected as Evicted, not re-admitted.
	var oldID [16]byte
	oldID[0] = 99
	out, err := ib.Accept(sender, oldID, msgOfSize(10), mark.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("replay accept: %v", err)
	}
	if out != Evicted {
		t.Fatalf("expected Evicted for pre-mark arrival, got %v", out)
	}
}

// TestListNewestFirst covers spec.md §4.5 list().
func TestListNewestFirst(t *testing.T) {
	ib := newInbox(t, 0)
	var sender [32]byte
	base := time.Now()

	for i := 0; i < 3; i++ {
		var id [16]byte
		id[0] = byte(i + 1)
		if _, err := ib.Accept(sender, id, msgOfSize(5), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}

	entries, err := ib.List(sender, base, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if !entries[0].ReceivedAt.After(entries[1].ReceivedAt) {
		t.Fatalf("expected newest-first ordering")
	}
}

package contacts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/driftmesh/core/internal/store"
)

func newBook(t *testing.T) *Book {
	t.Helper()
	ns := store.Sub(store.NewMemoryBackend(), "contacts")
	b, err := Open(ns)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return b
}

// TestContactPersistenceRoundTrip covers spec.md §8 invariant #10.
func TestContactPersistenceRoundTrip(t *testing.T) {
	backend := store.NewMemoryBackend()
	ns := store.Sub(backend, "contacts")
	b, err := Open(ns)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var peer [32]byte
	peer[0] = 7
	want := Contact{
		PeerHash:      peer,
		LocalNickname: "bob",
		AddedAt:       time.Unix(1000, 0),
		LastSeen:      time.Unix(2000, 0),
		Notes:         "met at a conference",
	}
	if err := b.PutContact(want); err != nil {
		t.Fatalf("PutContact: %v", err)
	}

	// Reopen against the same backend to simulate a process restart.
	b2, err := Open(store.Sub(backend, "contacts"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := b2.GetContact(peer)
	if err != nil || !ok {
		t.Fatalf("GetContact after reopen: ok=%v err=%v", ok, err)
	}
	if got.LocalNickname != want.LocalNickname || got.Notes != want.Notes {
		t.Fatalf("contact not bit-identical after reopen: got %+v", got)
	}
}

func TestHistoryOrderedByTime(t *testing.T) {
	b := newBook(t)
	var conv [32]byte
	conv[0] = 1

	base := time.Now()
	for i := 0; i < 3; i++ {
		var mid [16]byte
		mid[0] = byte(i + 1)
		err := b.AppendHistory(HistoryEntry{
			MessageID:    mid,
			Conversation: conv,
			Direction:    "sent",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			Status:       StatusSent,
		})
		if err != nil {
			t.Fatalf("AppendHistory %d: %v", i, err)
		}
	}

	hist, err := b.History(conv)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatalf("history not chronologically ordered")
		}
	}
}

func TestLegacyMigration(t *testing.T) {
	backend := store.NewMemoryBackend()
	ns := store.Sub(backend, "contacts")

	var peer [32]byte
	peer[0] = 9
	legacy := legacyContactRecord{
		PeerHash:  peer[:],
		Nickname:  "legacy-bob",
		FirstSeen: 100,
		LastSeen:  200,
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy: %v", err)
	}
	if err := ns.Put(legacyPrefix+"somekey", data); err != nil {
		t.Fatalf("seed legacy record: %v", err)
	}

	b, err := Open(ns)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, ok, err := b.GetContact(peer)
	if err != nil || !ok {
		t.Fatalf("expected migrated contact: ok=%v err=%v", ok, err)
	}
	if got.LocalNickname != "legacy-bob" {
		t.Fatalf("migrated nickname mismatch: %q", got.LocalNickname)
	}

	if kvs, err := ns.Scan(legacyPrefix); err != nil || len(kvs) != 0 {
		t.Fatalf("expected legacy keys deleted after migration, got %d (err=%v)", len(kvs), err)
	}
}

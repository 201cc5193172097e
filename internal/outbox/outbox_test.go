package outbox

import (
	"testing"
	"time"

	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/identity"
	"github.com/driftmesh/core/internal/store"
)

func newOutbox(t *testing.T, quota int64) *Outbox {
	t.Helper()
	ns := store.Sub(store.NewMemoryBackend(), "outbox")
	return Open(ns, quota)
}

func sampleEnvelope(t *testing.T, payloadSize int) (*envelope.Envelope, [32]byte) {
	t.Helper()
	a, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("identity.Ephemeral: %v", err)
	}
	b, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("identity.Ephemeral: %v", err)
	}
	env, err := envelope.New(a).Encrypt(b.IdentityHash(), b.PublicKeyBytes(), &envelope.Message{
		Type:      envelope.TypeBinary,
		Timestamp: time.Now(),
		Payload:   make([]byte, payloadSize),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return env, b.IdentityHash()
}

// TestEnqueueDedup covers enqueueing the same envelope id twice.
func TestEnqueueDedup(t *testing.T) {
	ob := newOutbox(t, 0)
	env, recipient := sampleEnvelope(t, 16)

	if _, err := ob.Enqueue(recipient, env); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := ob.Enqueue(recipient, env); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	entries, err := ob.ForRecipient(recipient)
	if err != nil {
		t.Fatalf("ForRecipient: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 entry after duplicate enqueue, got %d", len(entries))
	}
}

// TestQuotaEviction covers spec.md §8 invariant #6: total bytes per
// recipient never exceeds quota, with oldest entries evicted first.
func TestQuotaEviction(t *testing.T) {
	// A 50-byte payload makes a 333-byte wire envelope, so 700 bytes holds
	// two of them and the third enqueue must evict the oldest.
	ob := newOutbox(t, 700)
	_, recipient := sampleEnvelope(t, 0)

	var firstID [16]byte
	for i := 0; i < 5; i++ {
		env, _ := sampleEnvelope(t, 50)
		if i == 0 {
			firstID = env.EnvelopeID
		}
		if _, err := ob.Enqueue(recipient, env); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	entries, err := ob.ForRecipient(recipient)
	if err != nil {
		t.Fatalf("ForRecipient: %v", err)
	}
	var total int64
	for _, e := range entries {
		total += int64(len(e.Wire))
	}
	if total > 700 {
		t.Fatalf("total queued bytes %d exceeds quota 700", total)
	}

	for _, e := range entries {
		if e.EnvelopeID == firstID {
			t.Fatalf("expected oldest entry to have been evicted")
		}
	}
}

// TestEnqueueRejectsOversizeEnvelope covers the "cannot be evicted" branch
// of spec.md §4.4: a single envelope larger than the whole quota fails.
func TestEnqueueRejectsOversizeEnvelope(t *testing.T) {
	ob := newOutbox(t, 50)
	env, recipient := sampleEnvelope(t, 1000)

	if _, err := ob.Enqueue(recipient, env); err == nil {
		t.Fatalf("expected QuotaExceeded for an envelope bigger than the whole quota")
	}
}

// TestDriftSourceMethods covers the EnvelopeIDsSince/LoadEnvelope/
// StoreEnvelope trio internal/drift reconciles backlogs through.
func TestDriftSourceMethods(t *testing.T) {
	ob := newOutbox(t, 0)
	env, recipient := sampleEnvelope(t, 16)

	before := time.Now().Add(-time.Minute)
	if _, err := ob.Enqueue(recipient, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, err := ob.EnvelopeIDsSince(recipient, before)
	if err != nil {
		t.Fatalf("EnvelopeIDsSince: %v", err)
	}
	if len(ids) != 1 || ids[0] != env.EnvelopeID {
		t.Fatalf("expected the enqueued id, got %v", ids)
	}

	wire, ok, err := ob.LoadEnvelope(recipient, env.EnvelopeID)
	if err != nil || !ok {
		t.Fatalf("LoadEnvelope: ok=%v err=%v", ok, err)
	}
	if len(wire) == 0 {
		t.Fatalf("expected non-empty wire bytes")
	}

	var other [32]byte
	other[0] = 0xEE
	if err := ob.StoreEnvelope(other, wire); err != nil {
		t.Fatalf("StoreEnvelope: %v", err)
	}
	entries, err := ob.ForRecipient(other)
	if err != nil {
		t.Fatalf("ForRecipient: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the drift-pushed envelope queued under the recipient it was stored for, got %d entries", len(entries))
	}
}

// TestMarkSentThenRemove exercises the status transition lifecycle.
func TestMarkSentThenRemove(t *testing.T) {
	ob := newOutbox(t, 0)
	env, recipient := sampleEnvelope(t, 16)

	if _, err := ob.Enqueue(recipient, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := ob.MarkSent(recipient, env.EnvelopeID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := ob.MarkAcked(recipient, env.EnvelopeID); err != nil {
		t.Fatalf("MarkAcked: %v", err)
	}
	if err := ob.Remove(recipient, env.EnvelopeID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	entries, err := ob.ForRecipient(recipient)
	if err != nil {
		t.Fatalf("ForRecipient: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty outbox after remove, got %d entries", len(entries))
	}
}

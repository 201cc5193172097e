// Package outbox implements C4 Outbox: a durable, per-recipient quota-
// enforced queue of envelopes awaiting delivery. Every Send passes through
// here before the swarm runtime ever attempts dispatch, so a crash between
// "encrypted" and "sent" never silently drops a message.
//
// Grounded on internal/storage/message_queue.go's enqueue/mark-attempt/
// dedup shape, generalized from the teacher's trade-message columns to
// recipient-hash-keyed generic records and built over internal/store
// instead of a bespoke SQL table.
package outbox

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/store"
)

// Status is the delivery lifecycle state of a queued entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusAcked   Status = "acked"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// DefaultQuotaBytes is the per-recipient byte budget when none is
// configured, matching spec.md §6's outbox_quota_bytes default.
const DefaultQuotaBytes = 10 << 20

// Entry is one queued outbound envelope plus its delivery bookkeeping.
type Entry struct {
	EnvelopeID [16]byte
	Recipient  [32]byte
	Wire       []byte // envelope.Envelope.Marshal() output
	EnqueuedAt time.Time
	Status     Status
	Attempts   int
}

type record struct {
	EnvelopeID []byte `json:"envelope_id"`
	Recipient  []byte `json:"recipient"`
	Wire       []byte `json:"wire"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
}

// Outbox is the namespaced, quota-enforced envelope queue.
type Outbox struct {
	ns         *store.Namespace
	quotaBytes int64
}

// Open returns an Outbox over ns, enforcing quotaBytes per recipient.
// quotaBytes of 0 selects DefaultQuotaBytes.
func Open(ns *store.Namespace, quotaBytes int64) *Outbox {
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	return &Outbox{ns: ns, quotaBytes: quotaBytes}
}

// Enqueue persists env for delivery to recipient, deduplicating on
// envelope id and evicting the recipient's oldest pending entries until
// the new one fits within quota. Returns the ids evicted, if any.
func (o *Outbox) Enqueue(recipient [32]byte, env *envelope.Envelope) (evicted [][16]byte, err error) {
	key := entryKey(recipient, env.EnvelopeID)
	if _, ok, err := o.ns.Get(key); err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "outbox dedup lookup", err)
	} else if ok {
		return nil, nil // already queued, not an error
	}

	wire := env.Marshal()
	entries, err := o.forRecipient(recipient)
	if err != nil {
		return nil, err
	}

	var used int64
	for _, e := range entries {
		used += int64(len(e.Wire))
	}

	evicted, err = o.evictUntilFits(recipient, entries, used, int64(len(wire)))
	if err != nil {
		return nil, err
	}

	rec := record{
		EnvelopeID: env.EnvelopeID[:],
		Recipient:  recipient[:],
		Wire:       wire,
		EnqueuedAt: time.Now().UnixNano(),
		Status:     StatusPending,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "marshal outbox record", err)
	}
	if err := o.ns.Put(key, data); err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "persist outbox entry", err)
	}
	return evicted, nil
}

// evictUntilFits removes the recipient's oldest pending entries until
// adding newSize bytes would not exceed quota, per spec.md §4.3/§4.4's
// "evict oldest pending entry" rule. A single entry larger than the
// entire quota is rejected outright rather than evicting everything.
func (o *Outbox) evictUntilFits(recipient [32]byte, entries []Entry, used, newSize int64) ([][16]byte, error) {
	if newSize > o.quotaBytes {
		return nil, coreerr.New(coreerr.QuotaExceeded, "envelope exceeds outbox quota on its own")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt) })

	var evicted [][16]byte
	i := 0
	for used+newSize > o.quotaBytes && i < len(entries) {
		e := entries[i]
		if err := o.ns.Delete(entryKey(recipient, e.EnvelopeID)); err != nil {
			return evicted, coreerr.Wrap(coreerr.StorageError, "evict outbox entry", err)
		}
		used -= int64(len(e.Wire))
		evicted = append(evicted, e.EnvelopeID)
		i++
	}
	return evicted, nil
}

// ForRecipient returns all queued entries for recipient, oldest first.
func (o *Outbox) ForRecipient(recipient [32]byte) ([]Entry, error) {
	entries, err := o.forRecipient(recipient)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt) })
	return entries, nil
}

func (o *Outbox) forRecipient(recipient [32]byte) ([]Entry, error) {
	kvs, err := o.ns.Scan(recipientPrefix(recipient))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan outbox", err)
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		e, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkSent transitions an entry to sent, incrementing its attempt count.
func (o *Outbox) MarkSent(recipient [32]byte, envelopeID [16]byte) error {
	return o.update(recipient, envelopeID, func(r *record) { r.Status = StatusSent; r.Attempts++ })
}

// MarkAcked transitions an entry to acked and removes it from the queue
// once the caller has observed the ack (callers typically call Remove
// immediately after, but Acked entries are kept briefly for diagnostics).
func (o *Outbox) MarkAcked(recipient [32]byte, envelopeID [16]byte) error {
	return o.update(recipient, envelopeID, func(r *record) { r.Status = StatusAcked })
}

// MarkFailed transitions an entry to failed (terminal, e.g. all retry
// paths exhausted).
func (o *Outbox) MarkFailed(recipient [32]byte, envelopeID [16]byte) error {
	return o.update(recipient, envelopeID, func(r *record) { r.Status = StatusFailed })
}

// EnvelopeIDsSince returns the ids of recipient's queued entries enqueued
// at or after since, for drift backlog reconciliation (internal/drift's
// Source interface).
func (o *Outbox) EnvelopeIDsSince(recipient [32]byte, since time.Time) ([][16]byte, error) {
	entries, err := o.forRecipient(recipient)
	if err != nil {
		return nil, err
	}
	ids := make([][16]byte, 0, len(entries))
	for _, e := range entries {
		if !e.EnqueuedAt.Before(since) {
			ids = append(ids, e.EnvelopeID)
		}
	}
	return ids, nil
}

// LoadEnvelope returns the wire bytes of a queued entry, for drift
// backlog reconciliation.
func (o *Outbox) LoadEnvelope(recipient [32]byte, id [16]byte) ([]byte, bool, error) {
	data, ok, err := o.ns.Get(entryKey(recipient, id))
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.StorageError, "load outbox entry", err)
	}
	if !ok {
		return nil, false, nil
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, false, err
	}
	return e.Wire, true, nil
}

// StoreEnvelope parses and enqueues a wire envelope a drift session
// pushed to us on behalf of recipient, so a subsequent drift round with a
// different peer can relay it onward.
func (o *Outbox) StoreEnvelope(recipient [32]byte, wire []byte) error {
	env, err := envelope.Unmarshal(wire)
	if err != nil {
		return coreerr.Wrap(coreerr.InvalidInput, "parse drift-pushed envelope", err)
	}
	_, err = o.Enqueue(recipient, env)
	return err
}

// AllPending returns every entry across every recipient still awaiting a
// terminal outcome (Pending or Sent, i.e. not yet Acked/Failed/Expired),
// for a restart-time replay into the retry scheduler per spec.md §4.4: "on
// restart, all records with attempt-count > 0 are re-eligible immediately
// once reconnection to their recipient is observed."
func (o *Outbox) AllPending() ([]Entry, error) {
	kvs, err := o.ns.Scan("")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan outbox", err)
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		e, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		if e.Status == StatusPending || e.Status == StatusSent {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Remove deletes an entry outright, used once delivery is fully resolved.
func (o *Outbox) Remove(recipient [32]byte, envelopeID [16]byte) error {
	if err := o.ns.Delete(entryKey(recipient, envelopeID)); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "remove outbox entry", err)
	}
	return nil
}

func (o *Outbox) update(recipient [32]byte, envelopeID [16]byte, mutate func(*record)) error {
	key := entryKey(recipient, envelopeID)
	data, ok, err := o.ns.Get(key)
	if err != nil {
		return coreerr.Wrap(coreerr.StorageError, "load outbox entry", err)
	}
	if !ok {
		return coreerr.New(coreerr.InvalidInput, "outbox entry not found")
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return coreerr.Wrap(coreerr.Internal, "decode outbox record", err)
	}
	mutate(&rec)
	out, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "encode outbox record", err)
	}
	if err := o.ns.Put(key, out); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "save outbox entry", err)
	}
	return nil
}

func decodeEntry(data []byte) (Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, coreerr.Wrap(coreerr.Internal, "decode outbox record", err)
	}
	var e Entry
	copy(e.EnvelopeID[:], rec.EnvelopeID)
	copy(e.Recipient[:], rec.Recipient)
	e.Wire = rec.Wire
	e.EnqueuedAt = time.Unix(0, rec.EnqueuedAt)
	e.Status = rec.Status
	e.Attempts = rec.Attempts
	return e, nil
}

func recipientPrefix(recipient [32]byte) string {
	return hex.EncodeToString(recipient[:]) + "/"
}

func entryKey(recipient [32]byte, envelopeID [16]byte) string {
	return recipientPrefix(recipient) + hex.EncodeToString(envelopeID[:])
}

// Package inbox implements C5 Inbox: durable, deduplicated storage of
// received-and-decrypted messages, with a per-sender byte quota and a
// persisted eviction high-water mark that prevents a peer that lost its
// own state from re-injecting already-evicted history.
//
// Grounded on internal/storage/message_queue.go's inbox dedup shape
// (HasReceivedMessage/RecordReceivedMessage's unique message-id check),
// generalized to sender-hash-keyed generic records over internal/store.
package inbox

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/store"
)

// DefaultQuotaBytes is the per-sender byte budget when none is
// configured, matching spec.md §6's inbox_quota_bytes default.
const DefaultQuotaBytes = 8 << 20

// Outcome is the result of Accept, per spec.md §4.5.
type Outcome int

const (
	NewlyStored Outcome = iota
	Duplicate
	Evicted
)

// Entry is one received, decrypted message plus its arrival bookkeeping.
type Entry struct {
	EnvelopeID [16]byte
	Sender     [32]byte
	Message    *envelope.Message
	ReceivedAt time.Time
	Size       int
}

type record struct {
	EnvelopeID []byte `json:"envelope_id"`
	Sender     []byte `json:"sender"`
	Plaintext  []byte `json:"plaintext"`
	ReceivedAt int64  `json:"received_at"`
}

const watermarkKeyPrefix = "_watermark/"

// Inbox is the namespaced, quota-enforced, deduplicating message store.
type Inbox struct {
	ns         *store.Namespace
	quotaBytes int64
}

// Open returns an Inbox over ns, enforcing quotaBytes per sender.
// quotaBytes of 0 selects DefaultQuotaBytes.
func Open(ns *store.Namespace, quotaBytes int64) *Inbox {
	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}
	return &Inbox{ns: ns, quotaBytes: quotaBytes}
}

// HasReceived reports whether envelopeID from sender is already recorded.
// Exposed for callers (e.g. the relay forwarder) that want to short-
// circuit before even attempting decryption of a retransmitted envelope.
func (ib *Inbox) HasReceived(sender [32]byte, envelopeID [16]byte) (bool, error) {
	_, ok, err := ib.ns.Get(entryKey(sender, envelopeID))
	if err != nil {
		return false, coreerr.Wrap(coreerr.StorageError, "inbox dedup lookup", err)
	}
	return ok, nil
}

// Accept implements spec.md §4.5 accept(): dedup by envelope id, reject
// anything older than the sender's eviction high-water mark, otherwise
// store and, on quota overflow, evict the sender's oldest entries and
// advance the mark past them. arrivalTime is normally time.Now(), taken
// as a parameter so callers can exercise eviction-ordering deterministically
// in tests.
func (ib *Inbox) Accept(sender [32]byte, envelopeID [16]byte, msg *envelope.Message, arrivalTime time.Time) (Outcome, error) {
	key := entryKey(sender, envelopeID)
	if _, ok, err := ib.ns.Get(key); err != nil {
		return Duplicate, coreerr.Wrap(coreerr.StorageError, "inbox dedup lookup", err)
	} else if ok {
		return Duplicate, nil
	}

	mark, hasMark, err := ib.Watermark(sender)
	if err != nil {
		return Duplicate, err
	}
	if hasMark && arrivalTime.Before(mark) {
		return Evicted, nil
	}

	plaintext := msg.Marshal()
	if int64(len(plaintext)) > ib.quotaBytes {
		return Duplicate, coreerr.New(coreerr.QuotaExceeded, "message exceeds inbox quota on its own")
	}

	entries, err := ib.forSender(sender)
	if err != nil {
		return Duplicate, err
	}
	var used int64
	for _, e := range entries {
		used += int64(e.Size)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ReceivedAt.Before(entries[j].ReceivedAt) })
	var newMark time.Time
	if hasMark {
		newMark = mark
	}
	i := 0
	for used+int64(len(plaintext)) > ib.quotaBytes && i < len(entries) {
		e := entries[i]
		if err := ib.ns.Delete(entryKey(sender, e.EnvelopeID)); err != nil {
			return Duplicate, coreerr.Wrap(coreerr.StorageError, "evict inbox entry", err)
		}
		used -= int64(e.Size)
		if e.ReceivedAt.After(newMark) {
			newMark = e.ReceivedAt
		}
		i++
	}
	if i > 0 {
		if err := ib.setWatermark(sender, newMark); err != nil {
			return Duplicate, err
		}
	}

	rec := record{
		EnvelopeID: envelopeID[:],
		Sender:     sender[:],
		Plaintext:  plaintext,
		ReceivedAt: arrivalTime.UnixNano(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Duplicate, coreerr.Wrap(coreerr.Internal, "marshal inbox record", err)
	}
	if err := ib.ns.Put(key, data); err != nil {
		return Duplicate, coreerr.Wrap(coreerr.StorageError, "persist inbox entry", err)
	}
	return NewlyStored, nil
}

// ForSender returns all stored entries from sender, oldest first.
func (ib *Inbox) ForSender(sender [32]byte) ([]Entry, error) {
	entries, err := ib.forSender(sender)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ReceivedAt.Before(entries[j].ReceivedAt) })
	return entries, nil
}

// List implements spec.md §4.5 list(sender, since, limit): newest-first,
// paged view bounded to messages received at or after since.
func (ib *Inbox) List(sender [32]byte, since time.Time, limit int) ([]Entry, error) {
	entries, err := ib.forSender(sender)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ReceivedAt.After(entries[j].ReceivedAt) })

	out := entries[:0:0]
	for _, e := range entries {
		if e.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (ib *Inbox) forSender(sender [32]byte) ([]Entry, error) {
	kvs, err := ib.ns.Scan(senderPrefix(sender))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan inbox", err)
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		var rec record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "decode inbox record", err)
		}
		msg, err := envelope.UnmarshalMessage(rec.Plaintext)
		if err != nil {
			return nil, err
		}
		var e Entry
		copy(e.EnvelopeID[:], rec.EnvelopeID)
		copy(e.Sender[:], rec.Sender)
		msg.SenderHash = e.Sender
		msg.Direction = envelope.DirectionReceived
		e.Message = msg
		e.ReceivedAt = time.Unix(0, rec.ReceivedAt)
		e.Size = len(rec.Plaintext)
		entries = append(entries, e)
	}
	return entries, nil
}

// Watermark returns the sender's current eviction high-water mark: the
// maximum arrival-time among any record ever evicted for that sender.
// ok is false if nothing has ever been evicted for sender.
func (ib *Inbox) Watermark(sender [32]byte) (at time.Time, ok bool, err error) {
	data, found, err := ib.ns.Get(watermarkKeyPrefix + hex.EncodeToString(sender[:]))
	if err != nil {
		return time.Time{}, false, coreerr.Wrap(coreerr.StorageError, "load inbox watermark", err)
	}
	if !found || len(data) != 8 {
		return time.Time{}, false, nil
	}
	return time.Unix(0, getInt64(data)), true, nil
}

func (ib *Inbox) setWatermark(sender [32]byte, at time.Time) error {
	key := watermarkKeyPrefix + hex.EncodeToString(sender[:])
	var buf [8]byte
	putInt64(buf[:], at.UnixNano())
	if err := ib.ns.Put(key, buf[:]); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "persist inbox watermark", err)
	}
	return nil
}

func getInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func senderPrefix(sender [32]byte) string {
	return hex.EncodeToString(sender[:]) + "/"
}

func entryKey(sender [32]byte, envelopeID [16]byte) string {
	return senderPrefix(sender) + hex.EncodeToString(envelopeID[:])
}

// Package contacts implements C6 ContactBook/History: thin persistent
// stores of contact metadata and conversation history, namespaced
// "contact:<peer>" and "history:<conversation>:<ts>:<id>" per spec.md
// §4.6. History writes are triggered by the send/receive paths in the
// swarm runtime; this package itself only stores and scans.
//
// Grounded on internal/storage/peers.go's PeerRecord upsert-on-seen and
// List/ListRecent scan shape, generalized from peer/transport metadata to
// contact/conversation metadata and built over internal/store instead of
// a bespoke SQL table.
package contacts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/store"
)

const (
	contactPrefix = "contact:"
	historyPrefix = "history:"
	legacyPrefix  = "peer:" // pre-rekey layout, migrated on open
)

// Status is the delivery state recorded against a history entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Contact is one known correspondent.
type Contact struct {
	PeerHash         [32]byte
	FederatedName    string
	LocalNickname    string
	Ed25519PublicKey []byte
	AddedAt          time.Time
	LastSeen         time.Time
	Notes            string
}

// HistoryEntry is one record of a sent or received message, independent
// of the message body itself (which lives in outbox/inbox).
type HistoryEntry struct {
	MessageID      [16]byte
	Conversation   [32]byte // peer hash the conversation is with
	Direction      string   // "sent" or "received"
	Timestamp      time.Time
	Status         Status
	PayloadRef     string // opaque reference into outbox/inbox, e.g. a hex envelope id
}

type contactRecord struct {
	PeerHash  []byte `json:"peer_hash"`
	Federated string `json:"federated_name"`
	Local     string `json:"local_nickname"`
	PubKey    []byte `json:"ed25519_public_key"`
	AddedAt   int64  `json:"added_at"`
	LastSeen  int64  `json:"last_seen"`
	Notes     string `json:"notes"`
}

type historyRecord struct {
	MessageID    []byte `json:"message_id"`
	Conversation []byte `json:"conversation"`
	Direction    string `json:"direction"`
	Timestamp    int64  `json:"timestamp"`
	Status       Status `json:"status"`
	PayloadRef   string `json:"payload_ref"`
}

// legacyContactRecord mirrors the pre-rekey "peer:<id>" layout this
// package migrates away from on first open.
type legacyContactRecord struct {
	PeerHash  []byte `json:"peer_hash"`
	Nickname  string `json:"nickname"`
	PubKey    []byte `json:"pub_key"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
}

// Book is the namespaced contact/history store.
type Book struct {
	ns *store.Namespace
}

// Open returns a Book over ns, migrating any legacy "peer:" records found
// to the current "contact:" layout. Migration is one-shot: legacy keys
// are deleted once rekeyed, per spec.md §4.6.
func Open(ns *store.Namespace) (*Book, error) {
	b := &Book{ns: ns}
	if err := b.migrateLegacy(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Book) migrateLegacy() error {
	kvs, err := b.ns.Scan(legacyPrefix)
	if err != nil {
		return coreerr.Wrap(coreerr.StorageError, "scan legacy contacts", err)
	}
	for _, kv := range kvs {
		var legacy legacyContactRecord
		if err := json.Unmarshal(kv.Value, &legacy); err != nil {
			continue // unreadable legacy record, skip rather than abort migration
		}
		var peerHash [32]byte
		copy(peerHash[:], legacy.PeerHash)

		c := Contact{
			PeerHash:         peerHash,
			LocalNickname:    legacy.Nickname,
			Ed25519PublicKey: legacy.PubKey,
			AddedAt:          time.Unix(legacy.FirstSeen, 0),
			LastSeen:         time.Unix(legacy.LastSeen, 0),
		}
		if err := b.PutContact(c); err != nil {
			return err
		}
		if err := b.ns.Delete(kv.Key); err != nil {
			return coreerr.Wrap(coreerr.StorageError, "delete legacy contact", err)
		}
	}
	return nil
}

// PutContact creates or updates a contact record.
func (b *Book) PutContact(c Contact) error {
	rec := contactRecord{
		PeerHash:  c.PeerHash[:],
		Federated: c.FederatedName,
		Local:     c.LocalNickname,
		PubKey:    c.Ed25519PublicKey,
		AddedAt:   unixOrNow(c.AddedAt),
		LastSeen:  unixOrNow(c.LastSeen),
		Notes:     c.Notes,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal contact", err)
	}
	if err := b.ns.Put(contactKey(c.PeerHash), data); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "persist contact", err)
	}
	return nil
}

// TouchLastSeen updates only the last-seen timestamp for an existing
// contact, leaving all other fields untouched.
func (b *Book) TouchLastSeen(peerHash [32]byte, at time.Time) error {
	c, ok, err := b.GetContact(peerHash)
	if err != nil {
		return err
	}
	if !ok {
		c = Contact{PeerHash: peerHash, AddedAt: at}
	}
	c.LastSeen = at
	return b.PutContact(c)
}

// GetContact returns the contact record for peerHash, if any.
func (b *Book) GetContact(peerHash [32]byte) (Contact, bool, error) {
	data, ok, err := b.ns.Get(contactKey(peerHash))
	if err != nil {
		return Contact{}, false, coreerr.Wrap(coreerr.StorageError, "load contact", err)
	}
	if !ok {
		return Contact{}, false, nil
	}
	var rec contactRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Contact{}, false, coreerr.Wrap(coreerr.Internal, "decode contact", err)
	}
	var c Contact
	copy(c.PeerHash[:], rec.PeerHash)
	c.FederatedName = rec.Federated
	c.LocalNickname = rec.Local
	c.Ed25519PublicKey = rec.PubKey
	c.AddedAt = time.Unix(rec.AddedAt, 0)
	c.LastSeen = time.Unix(rec.LastSeen, 0)
	c.Notes = rec.Notes
	return c, true, nil
}

// ListContacts returns all known contacts, most recently seen first.
func (b *Book) ListContacts() ([]Contact, error) {
	kvs, err := b.ns.Scan(contactPrefix)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan contacts", err)
	}
	contacts := make([]Contact, 0, len(kvs))
	for _, kv := range kvs {
		var rec contactRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "decode contact", err)
		}
		var c Contact
		copy(c.PeerHash[:], rec.PeerHash)
		c.FederatedName = rec.Federated
		c.LocalNickname = rec.Local
		c.Ed25519PublicKey = rec.PubKey
		c.AddedAt = time.Unix(rec.AddedAt, 0)
		c.LastSeen = time.Unix(rec.LastSeen, 0)
		c.Notes = rec.Notes
		contacts = append(contacts, c)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].LastSeen.After(contacts[j].LastSeen) })
	return contacts, nil
}

// DeleteContact removes a contact record. History for the conversation is
// left intact — it is owned by its own namespace slice.
func (b *Book) DeleteContact(peerHash [32]byte) error {
	if err := b.ns.Delete(contactKey(peerHash)); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "delete contact", err)
	}
	return nil
}

// AppendHistory records one send/receive event against a conversation.
func (b *Book) AppendHistory(e HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	rec := historyRecord{
		MessageID:    e.MessageID[:],
		Conversation: e.Conversation[:],
		Direction:    e.Direction,
		Timestamp:    e.Timestamp.UnixNano(),
		Status:       e.Status,
		PayloadRef:   e.PayloadRef,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal history entry", err)
	}
	if err := b.ns.Put(historyKey(e.Conversation, e.Timestamp, e.MessageID), data); err != nil {
		return coreerr.Wrap(coreerr.StorageError, "persist history entry", err)
	}
	return nil
}

// History returns the conversation history with peerHash, oldest first.
func (b *Book) History(peerHash [32]byte) ([]HistoryEntry, error) {
	kvs, err := b.ns.Scan(historyPrefix + hex.EncodeToString(peerHash[:]) + ":")
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "scan history", err)
	}
	entries := make([]HistoryEntry, 0, len(kvs))
	for _, kv := range kvs {
		var rec historyRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "decode history entry", err)
		}
		var e HistoryEntry
		copy(e.MessageID[:], rec.MessageID)
		copy(e.Conversation[:], rec.Conversation)
		e.Direction = rec.Direction
		e.Timestamp = time.Unix(0, rec.Timestamp)
		e.Status = rec.Status
		e.PayloadRef = rec.PayloadRef
		entries = append(entries, e)
	}
	// Scan already returns lexicographic (and thus chronological, given the
	// zero-padded timestamp below) order by key.
	return entries, nil
}

func unixOrNow(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().Unix()
	}
	return t.Unix()
}

func contactKey(peerHash [32]byte) string {
	return contactPrefix + hex.EncodeToString(peerHash[:])
}

func historyKey(conversation [32]byte, ts time.Time, messageID [16]byte) string {
	return fmt.Sprintf("%s%s:%020d:%s", historyPrefix, hex.EncodeToString(conversation[:]), ts.UnixNano(), hex.EncodeToString(messageID[:]))
}

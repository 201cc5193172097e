package drift

import "time"

// peerOutbox is the subset of *outbox.Outbox a drift session needs,
// scoped to one recipient. internal/drift does not import internal/outbox
// directly to avoid coupling the protocol to one storage shape; the
// swarm runtime supplies an OutboxSource bound to the real outbox.
type peerOutbox interface {
	EnvelopeIDsSince(recipient [32]byte, since time.Time) ([][16]byte, error)
	LoadEnvelope(recipient [32]byte, id [16]byte) ([]byte, bool, error)
	StoreEnvelope(recipient [32]byte, wire []byte) error
}

// OutboxSource adapts a recipient-scoped outbox view to drift's Source
// interface: one drift session reconciles the backlog destined for (or
// pushed on behalf of) a single peer.
type OutboxSource struct {
	Outbox    peerOutbox
	Recipient [32]byte
}

func (s OutboxSource) EnvelopeIDsSince(since time.Time) ([][16]byte, error) {
	return s.Outbox.EnvelopeIDsSince(s.Recipient, since)
}

func (s OutboxSource) LoadEnvelope(id [16]byte) ([]byte, bool, error) {
	return s.Outbox.LoadEnvelope(s.Recipient, id)
}

func (s OutboxSource) StoreEnvelope(wire []byte) error {
	return s.Outbox.StoreEnvelope(s.Recipient, wire)
}

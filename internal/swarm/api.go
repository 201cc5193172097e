package swarm

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/retry"
)

// Send implements spec.md §4.7's send() command: the reply channel
// resolves exactly once, to Ok only on confirmed delivery or Err(kind) on
// exhaustion — never Ok on fire-and-forget. The returned channel is
// distinct from the one Send blocks on internally: submitting the command
// itself only waits long enough to confirm the envelope was accepted
// into the outbox, not for delivery.
func (r *Runtime) Send(recipient [32]byte, msg *envelope.Message) (<-chan retry.Result, error) {
	resultCh := make(chan sendResult, 1)
	select {
	case r.cmdCh <- cmdSend{recipient: recipient, msg: msg, resultCh: resultCh}:
	case <-r.ctx.Done():
		return nil, coreerr.New(coreerr.Cancelled, "runtime shutting down")
	}
	res := <-resultCh
	if res.err != nil {
		return nil, res.err
	}
	return res.deliveryCh, nil
}

// Dial implements spec.md §4.7's dial() command: best-effort connect,
// emitting PeerDiscovered on success via the normal connectedness-change
// path rather than directly from here.
func (r *Runtime) Dial(multiaddress string) error {
	done := make(chan error, 1)
	select {
	case r.cmdCh <- cmdDial{addr: multiaddress, done: done}:
	case <-r.ctx.Done():
		return coreerr.New(coreerr.Cancelled, "runtime shutting down")
	}
	return <-done
}

// Subscribe implements spec.md §4.7's subscribe() command: incoming
// publications on topic are delivered on the returned channel as
// TopicMessage until Stop is called.
func (r *Runtime) Subscribe(topic string) (<-chan TopicMessage, error) {
	msgCh := make(chan TopicMessage, 64)
	done := make(chan error, 1)
	select {
	case r.cmdCh <- cmdSubscribe{topic: topic, msgCh: msgCh, done: done}:
	case <-r.ctx.Done():
		return nil, coreerr.New(coreerr.Cancelled, "runtime shutting down")
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return msgCh, nil
}

// Publish implements spec.md §4.7's publish() command: gossip fan-out
// with no per-recipient delivery guarantee.
func (r *Runtime) Publish(topic string, data []byte) error {
	done := make(chan error, 1)
	select {
	case r.cmdCh <- cmdPublish{topic: topic, data: data, done: done}:
	case <-r.ctx.Done():
		return coreerr.New(coreerr.Cancelled, "runtime shutting down")
	}
	return <-done
}

// ShareLedger implements spec.md §4.7's share_ledger() command: pushes
// our bootstrap address-book entries to peerID, for mesh-based bootstrap
// of new nodes.
func (r *Runtime) ShareLedger(peerID peer.ID, entries []BootstrapRecord) error {
	done := make(chan error, 1)
	select {
	case r.cmdCh <- cmdShareLedger{peerID: peerID, entries: entries, done: done}:
	case <-r.ctx.Done():
		return coreerr.New(coreerr.Cancelled, "runtime shutting down")
	}
	return <-done
}

// SetDelegate replaces the active Delegate. Safe to call concurrently
// with delegate callbacks in flight.
func (r *Runtime) SetDelegate(d Delegate) {
	r.delegate.set(d)
}

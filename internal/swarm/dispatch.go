package swarm

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftmesh/core/internal/contacts"
	"github.com/driftmesh/core/internal/drift"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/identity"
	"github.com/driftmesh/core/internal/inbox"
	"github.com/driftmesh/core/internal/relay"
	"github.com/driftmesh/core/internal/reputation"
	"github.com/driftmesh/core/internal/retry"
	"github.com/driftmesh/core/pkg/helpers"
)

// attempt dispatches one delivery attempt for messageID along path,
// records the outcome with both the retry scheduler and the reputation
// tracker, and appends a history entry. Always runs on the worker pool,
// never on the event loop, since it performs network I/O.
func (r *Runtime) attempt(messageID [16]byte, recipient [32]byte, wire []byte, path reputation.Path) {
	if !r.relayF.Allow(len(wire)) {
		r.reputation.RecordFailure(path)
		r.log.Debug("delivery attempt denied by relay budget", "message_id", hexID(messageID), "path", path)
		r.retryS.RecordAttempt(messageID, false, time.Now())
		_ = r.contacts.AppendHistory(contacts.HistoryEntry{
			MessageID:    messageID,
			Conversation: recipient,
			Direction:    "sent",
			Status:       contacts.StatusFailed,
		})
		return
	}

	start := time.Now()
	ok, err := r.dispatchOnPath(recipient, wire, path)
	latencyMs := float64(time.Since(start).Milliseconds())

	if ok {
		r.reputation.RecordSuccess(path, latencyMs)
	} else {
		r.reputation.RecordFailure(path)
		if err != nil {
			r.log.Debug("delivery attempt failed", "message_id", hexID(messageID), "path", path, "error", err)
		}
	}
	r.retryS.RecordAttempt(messageID, ok, time.Now())

	status := contacts.StatusFailed
	if ok {
		status = contacts.StatusSent
	}
	_ = r.contacts.AppendHistory(contacts.HistoryEntry{
		MessageID:    messageID,
		Conversation: recipient,
		Direction:    "sent",
		Status:       status,
	})
}

// finalizeDelivery is called once a pending delivery resolves terminally
// (Delivered, AllPathsExhausted, Cancelled, or PermanentError), updating
// the outbox and notifying the delegate. It is what turns a Send's
// eventual fate into the second (and last) OnReceiptReceived call spec.md
// §6 promises beyond the initial "pending" notification.
func (r *Runtime) finalizeDelivery(recipient [32]byte, res retry.Result) {
	if res.Outcome == retry.Delivered {
		_ = r.outbox.MarkAcked(recipient, res.MessageID)
		r.delegate.receiptReceived(res.MessageID, ReceiptDelivered)
		return
	}
	if res.Outcome != retry.Cancelled {
		_ = r.outbox.MarkFailed(recipient, res.MessageID)
	}
	r.delegate.receiptReceived(res.MessageID, ReceiptFailed)
}

// replayPendingOutbox re-registers every outbox entry still awaiting a
// terminal outcome with the retry scheduler, so spec.md §4.4's restart
// guarantee ("all records with attempt-count > 0 are re-eligible
// immediately once reconnection ... is observed") holds even though the
// retry scheduler's pending-delivery map is purely in-memory and starts
// empty on every process start. Mirrors handleSend's registration, minus
// the caller-facing resultCh: nothing is waiting synchronously on a
// delivery this node didn't just originate in this process.
func (r *Runtime) replayPendingOutbox() {
	entries, err := r.outbox.AllPending()
	if err != nil {
		r.log.Warn("outbox replay scan failed", "error", err)
		return
	}
	for _, e := range entries {
		e := e
		paths := r.bestPathsFor(e.Recipient)
		internalCh := r.retryS.Start(e.EnvelopeID, e.Recipient, e.Wire, paths)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			res := <-internalCh
			r.finalizeDelivery(e.Recipient, res)
		}()

		if len(paths) > 0 {
			path := paths[0]
			r.submitWork(func() { r.attempt(e.EnvelopeID, e.Recipient, e.Wire, path) })
		}
	}
	if len(entries) > 0 {
		r.log.Info("replayed pending outbox entries", "count", len(entries))
	}
}

// dispatchOnPath sends wire to recipient along path: directly if path has
// one hop, via a single relay hop if it has two. Any other path length is
// a reputation bug and is treated as a failed attempt.
func (r *Runtime) dispatchOnPath(recipient [32]byte, wire []byte, path reputation.Path) (bool, error) {
	switch len(path) {
	case 1:
		return r.sendDirect(path[0], wire)
	case 2:
		return r.sendViaRelay(path[0], recipient, wire)
	default:
		return false, nil
	}
}

// sendDirect opens an EnvelopeProtocol stream to peerIDStr, writes the
// envelope wire bytes length-prefixed, and waits for the ack frame.
func (r *Runtime) sendDirect(peerIDStr string, wire []byte) (bool, error) {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()

	s, err := r.host.NewStream(ctx, pid, EnvelopeProtocol)
	if err != nil {
		return false, err
	}
	defer s.Close()

	if err := writeLengthPrefixed(s, wire); err != nil {
		return false, err
	}

	s.SetReadDeadline(time.Now().Add(15 * time.Second))
	respData, err := readLengthPrefixed(s)
	if err != nil {
		return false, err
	}
	var ack ackFrame
	if err := json.Unmarshal(respData, &ack); err != nil {
		return false, err
	}
	return ack.Success, nil
}

// sendViaRelay opens a RelayProtocol stream to relayIDStr, asking it to
// forward wire on to destination, and waits for its admission decision.
// Actual delivery past the relay is the relay's own sendDirect call, not
// observed here: an "accepted" reply means the relay agreed to forward,
// not that the destination acknowledged receipt — the retry scheduler
// still treats this as one completed attempt either way.
func (r *Runtime) sendViaRelay(relayIDStr string, destination [32]byte, wire []byte) (bool, error) {
	pid, err := peer.Decode(relayIDStr)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()

	s, err := r.host.NewStream(ctx, pid, RelayProtocol)
	if err != nil {
		return false, err
	}
	defer s.Close()

	req := relayRequestWire{Destination: destination, EnvelopeWire: wire}
	if err := writeJSONFrame(s, req); err != nil {
		return false, err
	}

	s.SetReadDeadline(time.Now().Add(15 * time.Second))
	reader := bufio.NewReader(s)
	var resp relayResponseWire
	if err := readJSONFrame(reader, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// handleEnvelopeStream is EnvelopeProtocol's stream handler: read one
// envelope, decrypt and accept it into the inbox, notify the delegate,
// and ack back to the sender. libp2p calls this synchronously per new
// stream, so the actual work is pushed onto the worker pool immediately.
func (r *Runtime) handleEnvelopeStream(s network.Stream) {
	r.submitWork(func() {
		defer s.Close()
		r.serveEnvelopeStream(s)
	})
}

func (r *Runtime) serveEnvelopeStream(s network.Stream) {
	s.SetReadDeadline(time.Now().Add(15 * time.Second))
	wire, err := readLengthPrefixed(s)
	if err != nil {
		r.log.Debug("envelope stream read failed", "peer", s.Conn().RemotePeer().String(), "error", err)
		return
	}

	env, err := envelope.Unmarshal(wire)
	if err != nil {
		writeLengthPrefixed(s, mustMarshal(ackFrame{Error: err.Error()}))
		return
	}

	msg, err := r.codec.Decrypt(env)
	if err != nil {
		writeLengthPrefixed(s, mustMarshal(ackFrame{EnvelopeID: env.EnvelopeID, Error: err.Error()}))
		return
	}

	outcome, err := r.inbox.Accept(env.SenderHash, env.EnvelopeID, msg, time.Now())
	if err != nil {
		writeLengthPrefixed(s, mustMarshal(ackFrame{EnvelopeID: env.EnvelopeID, Error: err.Error()}))
		return
	}

	writeLengthPrefixed(s, mustMarshal(ackFrame{EnvelopeID: env.EnvelopeID, Success: true}))

	if outcome == inbox.NewlyStored {
		_ = r.contacts.AppendHistory(contacts.HistoryEntry{
			MessageID:    env.EnvelopeID,
			Conversation: env.SenderHash,
			Direction:    "received",
			Status:       contacts.StatusDelivered,
		})
		r.delegate.messageReceived(env.SenderHash, env.EnvelopeID, msg.Payload)
	}
}

// handleRelayStream is RelayProtocol's stream handler: admit or reject a
// relay request, and on admission forward the envelope on to its
// destination via sendDirect.
func (r *Runtime) handleRelayStream(s network.Stream) {
	r.submitWork(func() {
		defer s.Close()
		r.serveRelayStream(s)
	})
}

func (r *Runtime) serveRelayStream(s network.Stream) {
	s.SetReadDeadline(time.Now().Add(15 * time.Second))
	reader := bufio.NewReader(s)
	var req relayRequestWire
	if err := readJSONFrame(reader, &req); err != nil {
		r.log.Debug("relay stream read failed", "peer", s.Conn().RemotePeer().String(), "error", err)
		return
	}

	resp := r.relayF.HandleRelayRequest(relay.Request{
		Destination:  req.Destination,
		EnvelopeWire: req.EnvelopeWire,
		MessageID:    req.MessageID,
	})

	out := relayResponseWire{Accepted: resp.Accepted, MessageID: resp.MessageID}
	if resp.Err != nil {
		out.Error = resp.Err.Error()
	}
	writeJSONFrame(s, out)

	if !resp.Accepted {
		return
	}
	destPeerStr, ok := r.resolveDestinationPeer(req.Destination)
	if !ok {
		return
	}
	if _, err := r.sendDirect(destPeerStr, req.EnvelopeWire); err != nil {
		r.log.Debug("relay forward failed", "destination", hexHash(req.Destination), "error", err)
	}
}

// resolveDestinationPeer looks up destination's peer.ID via its contact
// record's public key, per spec.md §4.1's identity-to-transport mapping.
func (r *Runtime) resolveDestinationPeer(destination [32]byte) (string, bool) {
	contact, ok, err := r.contacts.GetContact(destination)
	if err != nil || !ok || len(contact.Ed25519PublicKey) == 0 {
		return "", false
	}
	pid, err := identity.DerivePeerIdentifier(contact.Ed25519PublicKey)
	if err != nil {
		return "", false
	}
	return pid.String(), true
}

// handleDriftStream is DriftProtocol's stream handler: the inbound
// counterpart of initiateDrift, for peers whose id sorts lower than ours
// and who therefore opened the stream themselves.
func (r *Runtime) handleDriftStream(s network.Stream) {
	r.submitWork(func() {
		defer s.Close()
		peerHash, err := peerIDToIdentityHash(s.Conn().RemotePeer())
		if err != nil {
			r.log.Debug("drift stream: cannot derive peer identity", "peer", s.Conn().RemotePeer().String(), "error", err)
			return
		}
		r.runDriftSession(s, peerHash)
	})
}

// initiateDrift opens a DriftProtocol stream to p. Only called by the
// lexicographically-lower peer id on connect, since the protocol is
// symmetric and both sides could otherwise open redundant concurrent
// sessions.
func (r *Runtime) initiateDrift(p peer.ID) {
	peerHash, err := peerIDToIdentityHash(p)
	if err != nil {
		r.log.Debug("drift initiate: cannot derive peer identity", "peer", p.String(), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()
	s, err := r.host.NewStream(ctx, p, DriftProtocol)
	if err != nil {
		r.log.Debug("drift initiate: open stream failed", "peer", p.String(), "error", err)
		return
	}
	defer s.Close()
	r.runDriftSession(s, peerHash)
}

func (r *Runtime) runDriftSession(s network.Stream, peerHash [32]byte) {
	source := newDriftSource(r, peerHash)
	session := drift.NewSession(s, source, r.driftWindow)
	stats, err := session.Run(r.ctx)
	if err != nil {
		r.log.Debug("drift session ended", "peer", hexHash(peerHash), "error", err)
		return
	}
	r.log.Debug("drift session complete", "peer", hexHash(peerHash), "sent", stats.Sent, "received", stats.Received)
}

// driftSource adapts a drift session to this runtime's storage: the push
// side (EnvelopeIDsSince/LoadEnvelope) reads the local outbox backlog
// addressed to peerHash, same as before, but the receive side
// (StoreEnvelope) must not enqueue a peer's pushed envelope back into our
// outbox — that wire is addressed to this node's own identity, so it goes
// through the same decrypt-and-accept path as a live EnvelopeProtocol
// stream: reject malformed/unauthenticated frames, accept into the inbox
// (dedup + eviction watermark), and notify the delegate exactly once per
// newly-stored envelope.
type driftSource struct {
	r    *Runtime
	peer [32]byte
	out  drift.OutboxSource
}

func newDriftSource(r *Runtime, peerHash [32]byte) driftSource {
	return driftSource{r: r, peer: peerHash, out: drift.OutboxSource{Outbox: r.outbox, Recipient: peerHash}}
}

func (d driftSource) EnvelopeIDsSince(since time.Time) ([][16]byte, error) {
	return d.out.EnvelopeIDsSince(since)
}

func (d driftSource) LoadEnvelope(id [16]byte) ([]byte, bool, error) {
	return d.out.LoadEnvelope(id)
}

func (d driftSource) StoreEnvelope(wire []byte) error {
	env, err := envelope.Unmarshal(wire)
	if err != nil {
		return err
	}
	msg, err := d.r.codec.Decrypt(env)
	if err != nil {
		return err
	}
	outcome, err := d.r.inbox.Accept(env.SenderHash, env.EnvelopeID, msg, time.Now())
	if err != nil {
		return err
	}
	if outcome == inbox.NewlyStored {
		_ = d.r.contacts.AppendHistory(contacts.HistoryEntry{
			MessageID:    env.EnvelopeID,
			Conversation: env.SenderHash,
			Direction:    "received",
			Status:       contacts.StatusDelivered,
		})
		d.r.delegate.messageReceived(env.SenderHash, env.EnvelopeID, msg.Payload)
	}
	return nil
}

// handleLedgerStream is LedgerProtocol's stream handler: merge a pushed
// address book into our own in-memory bootstrap record list, which the
// owner (internal/core) periodically persists via SaveBootstrapRecords.
func (r *Runtime) handleLedgerStream(s network.Stream) {
	r.submitWork(func() {
		defer s.Close()
		s.SetReadDeadline(time.Now().Add(10 * time.Second))
		reader := bufio.NewReader(s)
		var push ledgerPushWire
		if err := readJSONFrame(reader, &push); err != nil {
			return
		}
		r.mergeLedgerPush(push.Entries)
	})
}

func (r *Runtime) mergeLedgerPush(entries []BootstrapRecord) {
	r.ledgerMu.Lock()
	defer r.ledgerMu.Unlock()
	for _, e := range entries {
		r.ledgerRecords = mergeBootstrapRecord(r.ledgerRecords, e.Addr, e.PeerID, e.LastSuccess)
	}
}

// LedgerRecords returns a snapshot of every bootstrap record learned
// either locally or via an incoming ShareLedger push.
func (r *Runtime) LedgerRecords() []BootstrapRecord {
	r.ledgerMu.Lock()
	defer r.ledgerMu.Unlock()
	out := make([]BootstrapRecord, len(r.ledgerRecords))
	copy(out, r.ledgerRecords)
	return out
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func hexHash(h [32]byte) string { return helpers.BytesToHex(h[:]) }

func hexID(id [16]byte) string { return helpers.BytesToHex(id[:]) }

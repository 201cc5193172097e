package swarm

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/identity"
	"github.com/driftmesh/core/internal/reputation"
	"github.com/driftmesh/core/internal/retry"
)

// The five commands of spec.md §4.7's table. Each carries its own reply
// channel so the caller never blocks the event loop waiting for work that
// belongs on the worker pool.
type cmdSend struct {
	recipient [32]byte
	msg       *envelope.Message
	resultCh  chan sendResult
}

// sendResult is handed back synchronously from the event loop: deliveryCh
// resolves exactly once, later, with the terminal outcome. Send never
// resolves Ok on fire-and-forget — callers read deliveryCh to learn that.
type sendResult struct {
	deliveryCh <-chan retry.Result
	err        error
}

type cmdDial struct {
	addr string
	done chan error
}

type cmdSubscribe struct {
	topic string
	msgCh chan TopicMessage
	done  chan error
}

type cmdPublish struct {
	topic string
	data  []byte
	done  chan error
}

type cmdShareLedger struct {
	peerID  peer.ID
	entries []BootstrapRecord
	done    chan error
}

// TopicMessage is one GossipSub publication delivered to a Subscribe
// caller.
type TopicMessage struct {
	Topic string
	From  peer.ID
	Data  []byte
}

func (r *Runtime) handleCommand(c any) {
	switch cmd := c.(type) {
	case cmdSend:
		r.handleSend(cmd)
	case cmdDial:
		r.submitWork(func() { cmd.done <- r.dial(cmd.addr) })
	case cmdSubscribe:
		r.submitWork(func() { cmd.done <- r.subscribe(cmd.topic, cmd.msgCh) })
	case cmdPublish:
		r.submitWork(func() { cmd.done <- r.publish(cmd.topic, cmd.data) })
	case cmdShareLedger:
		r.submitWork(func() { cmd.done <- r.shareLedger(cmd.peerID, cmd.entries) })
	}
}

// handleSend implements spec.md §4.7's send(): encrypt, persist to the
// outbox, register the pending delivery with the retry scheduler, and
// kick off the first dispatch attempt on the worker pool. Runs on the
// event loop goroutine itself (handleCommand's caller), so it must not
// block — encryption and storage are fast enough to run inline; the
// actual network attempt is always pushed to submitWork.
func (r *Runtime) handleSend(cmd cmdSend) {
	contact, ok, err := r.contacts.GetContact(cmd.recipient)
	if err != nil {
		cmd.resultCh <- sendResult{err: err}
		return
	}
	if !ok {
		cmd.resultCh <- sendResult{err: coreerr.New(coreerr.InvalidInput, "unknown recipient, no contact on file")}
		return
	}

	env, err := r.codec.Encrypt(cmd.recipient, contact.Ed25519PublicKey, cmd.msg)
	if err != nil {
		cmd.resultCh <- sendResult{err: err}
		return
	}
	if _, err := r.outbox.Enqueue(cmd.recipient, env); err != nil {
		cmd.resultCh <- sendResult{err: err}
		return
	}

	messageID := env.EnvelopeID
	wire := env.Marshal()
	paths := r.bestPathsFor(cmd.recipient)

	internalCh := r.retryS.Start(messageID, cmd.recipient, wire, paths)
	externalCh := make(chan retry.Result, 1)
	r.delegate.receiptReceived(messageID, ReceiptPending)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := <-internalCh
		r.finalizeDelivery(cmd.recipient, res)
		externalCh <- res
	}()
	cmd.resultCh <- sendResult{deliveryCh: externalCh}

	if len(paths) > 0 {
		path := paths[0]
		r.submitWork(func() { r.attempt(messageID, cmd.recipient, wire, path) })
	}
}

// bestPathsFor asks reputation for up to 3 candidate paths to recipient: a
// direct path if we're currently connected to them, plus relay paths
// through peers we have an open session with, per spec.md §4.8.
func (r *Runtime) bestPathsFor(recipient [32]byte) []reputation.Path {
	pub := r.recipientPubKey(recipient)
	if pub == nil {
		return nil
	}
	targetPeer, err := identity.DerivePeerIdentifier(pub)
	if err != nil {
		return nil
	}
	connected := func(peerIDStr string) bool {
		pid, err := peer.Decode(peerIDStr)
		if err != nil {
			return false
		}
		return r.host.Network().Connectedness(pid) == network.Connected
	}
	return r.reputation.GetBestPaths(targetPeer.String(), 3, connected, r.knownRelays())
}

func (r *Runtime) recipientPubKey(recipient [32]byte) []byte {
	contact, ok, err := r.contacts.GetContact(recipient)
	if err != nil || !ok {
		return nil
	}
	return contact.Ed25519PublicKey
}

// knownRelays lists the peer ids of every currently connected peer as
// relay candidates: any directly reachable peer can forward on our
// behalf, subject to its own RelayForwarder budget.
func (r *Runtime) knownRelays() []string {
	peers := r.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

func (r *Runtime) dial(addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return coreerr.Wrap(coreerr.InvalidInput, "invalid multiaddr", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return coreerr.Wrap(coreerr.InvalidInput, "invalid peer address info", err)
	}
	if err := r.host.Connect(r.ctx, *pi); err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "connect", err)
	}
	return nil
}

func (r *Runtime) subscribe(topicName string, out chan TopicMessage) error {
	r.topicsMu.Lock()
	topic, ok := r.topics[topicName]
	if !ok {
		t, err := r.pubsub.Join(topicName)
		if err != nil {
			r.topicsMu.Unlock()
			return coreerr.Wrap(coreerr.NetworkError, "join topic", err)
		}
		topic = t
		r.topics[topicName] = topic
	}
	sub, err := topic.Subscribe()
	if err != nil {
		r.topicsMu.Unlock()
		return coreerr.Wrap(coreerr.NetworkError, "subscribe topic", err)
	}
	r.subs[topicName] = sub
	r.topicsMu.Unlock()

	r.wg.Add(1)
	go r.pumpSubscription(topicName, sub, out)
	return nil
}

// pumpSubscription forwards every publication on sub to out until the
// runtime shuts down or the subscription is cancelled. One goroutine per
// Subscribe call, matching the teacher's one-reader-per-stream idiom.
func (r *Runtime) pumpSubscription(topicName string, sub *pubsub.Subscription, out chan TopicMessage) {
	defer r.wg.Done()
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.host.ID() {
			continue // gossipsub echoes our own publications back
		}
		select {
		case out <- TopicMessage{Topic: topicName, From: msg.ReceivedFrom, Data: msg.Data}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Runtime) publish(topicName string, data []byte) error {
	r.topicsMu.Lock()
	topic, ok := r.topics[topicName]
	r.topicsMu.Unlock()
	if !ok {
		t, err := r.pubsub.Join(topicName)
		if err != nil {
			return coreerr.Wrap(coreerr.NetworkError, "join topic", err)
		}
		r.topicsMu.Lock()
		r.topics[topicName] = t
		r.topicsMu.Unlock()
		topic = t
	}
	if err := topic.Publish(r.ctx, data); err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "publish", err)
	}
	return nil
}

func (r *Runtime) shareLedger(p peer.ID, entries []BootstrapRecord) error {
	s, err := r.host.NewStream(r.ctx, p, p2pprotocol.ID(LedgerProtocol))
	if err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "open ledger stream", err)
	}
	defer s.Close()
	if err := writeJSONFrame(s, ledgerPushWire{Entries: entries}); err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "write ledger push", err)
	}
	return nil
}

package swarm

import (
	"sync"

	"github.com/driftmesh/core/pkg/logging"
)

// ReceiptStatus is the delivery state reported through OnReceiptReceived,
// spec.md §6's delegate interface.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Delegate receives the five caller-facing notifications of spec.md §6.
// Implementations must not block for long: each callback runs synchronously
// on the goroutine that raised it. Peer callbacks and the initial "pending"
// receipt run on the event loop itself, message callbacks on a worker, and
// the final receipt on the delivery's own goroutine, so a delegate that
// never returns stalls that goroutine.
type Delegate interface {
	OnPeerDiscovered(peerID string)
	OnPeerDisconnected(peerID string)
	OnPeerIdentified(peerID string, listenAddrs []string)
	OnMessageReceived(senderHash [32]byte, messageID [16]byte, payload []byte)
	OnReceiptReceived(messageID [16]byte, status ReceiptStatus)
}

// safeDelegate wraps the active Delegate with panic recovery: a panicking
// callback is caught, logged, and the delegate is removed for the rest of
// the session, so one bad caller can't repeatedly crash the event loop.
// Grounded on a sibling node's panic-recovering read loop rather than any
// file in this teacher, since the teacher's own callbacks (onPeerConnected/
// onPeerDisconnected in internal/node/node.go) run unguarded.
type safeDelegate struct {
	mu sync.Mutex
	d  Delegate
	log *logging.Logger
}

func newSafeDelegate(d Delegate, log *logging.Logger) *safeDelegate {
	return &safeDelegate{d: d, log: log.Component("delegate")}
}

func (s *safeDelegate) set(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
}

func (s *safeDelegate) call(name string, fn func(Delegate)) {
	s.mu.Lock()
	d := s.d
	s.mu.Unlock()
	if d == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("delegate callback panicked, removing delegate", "callback", name, "panic", r)
			s.mu.Lock()
			s.d = nil
			s.mu.Unlock()
		}
	}()
	fn(d)
}

func (s *safeDelegate) peerDiscovered(peerID string) {
	s.call("on_peer_discovered", func(d Delegate) { d.OnPeerDiscovered(peerID) })
}

func (s *safeDelegate) peerDisconnected(peerID string) {
	s.call("on_peer_disconnected", func(d Delegate) { d.OnPeerDisconnected(peerID) })
}

func (s *safeDelegate) peerIdentified(peerID string, addrs []string) {
	s.call("on_peer_identified", func(d Delegate) { d.OnPeerIdentified(peerID, addrs) })
}

func (s *safeDelegate) messageReceived(sender [32]byte, messageID [16]byte, payload []byte) {
	s.call("on_message_received", func(d Delegate) { d.OnMessageReceived(sender, messageID, payload) })
}

func (s *safeDelegate) receiptReceived(messageID [16]byte, status ReceiptStatus) {
	s.call("on_receipt_received", func(d Delegate) { d.OnReceiptReceived(messageID, status) })
}

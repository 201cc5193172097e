// Package drift implements C11 DriftSync: the Idle → SketchExchange →
// Diff → Transfer → Idle backlog-reconciliation protocol of spec.md
// §4.11, a length-prefixed binary frame format with a CRC32 trailer, and
// a Bloom-filter sketch of recent envelope-ids that falls back to an
// exact sorted-id-list exchange once saturated.
//
// Grounded on internal/sync/ordersync.go's OrderSync/TradeSync: a
// protocol-ID stream handler exchanging a request/response pair per
// peer, generalized here from JSON order records to a binary envelope
// reconciliation frame and from a single request/response round to a
// four-state session.
package drift

import (
	"context"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
)

// State is a DriftSync session's position in its state machine.
type State int

const (
	Idle State = iota
	SketchExchange
	Diff
	Transfer
)

// DefaultWindow is the default drift_window_seconds of spec.md §6: only
// envelope-ids received within this trailing window are reconciled.
const DefaultWindow = 24 * time.Hour

// Source is the local envelope store a drift session reconciles against.
// OutboxSource adapts internal/outbox to it for one recipient; the swarm
// runtime wraps that adapter in its own Source whose StoreEnvelope hands
// received envelopes to the inbox.
type Source interface {
	// EnvelopeIDsSince returns every local envelope-id received at or
	// after since.
	EnvelopeIDsSince(since time.Time) ([][16]byte, error)
	// LoadEnvelope returns the wire bytes for a locally known envelope-id.
	LoadEnvelope(id [16]byte) (wire []byte, ok bool, err error)
	// StoreEnvelope persists a wire envelope received from a peer during
	// Transfer. Decryption and acceptance semantics are the caller's
	// (inbox's) concern, not drift's.
	StoreEnvelope(wire []byte) error
}

// Stats summarizes one completed session, for logging/metrics.
type Stats struct {
	Sent     int
	Received int
}

// readResult carries one decoded Sketch or Request frame from readLoop
// to Run over a channel.
type readResult struct {
	sketch  *sketch
	request *[][16]byte
	err     error
}

// Session runs one DriftSync exchange over a single stream. A Session is
// single-use: construct a fresh one per peer contact.
type Session struct {
	conn   conn
	source Source
	window time.Duration
	state  State
}

// NewSession returns a Session bound to an open stream and local Source.
// window defaults to DefaultWindow if zero.
func NewSession(c conn, source Source, window time.Duration) *Session {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Session{conn: c, source: source, window: window, state: Idle}
}

// State reports the session's current state machine position.
func (s *Session) State() State { return s.state }

// Run drives the session through SketchExchange → Diff → Transfer and
// back to Idle. Both peers run Run concurrently over their respective
// ends of the same stream; the protocol is symmetric, so there is no
// distinguished initiator. Any frame error aborts the session; the next
// contact with this peer starts a fresh Session back at Idle, per
// spec.md §4.11.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	sketchCh := make(chan readResult, 1)
	requestCh := make(chan readResult, 1)
	done := make(chan error, 1)

	go s.readLoop(sketchCh, requestCh, done, &stats)

	s.state = SketchExchange
	localSince := time.Now().Add(-s.window)
	localIDs, err := s.source.EnvelopeIDsSince(localSince)
	if err != nil {
		return stats, err
	}
	ownSketch := buildSketch(localIDs)
	payload, err := ownSketch.encode()
	if err != nil {
		return stats, err
	}
	if err := writeFrame(s.conn, kindSketch, payload); err != nil {
		return stats, err
	}

	var peerSketch sketch
	select {
	case r := <-sketchCh:
		if r.err != nil {
			return stats, r.err
		}
		peerSketch = *r.sketch
	case err := <-done:
		return stats, unexpectedEnd(err)
	case <-ctx.Done():
		return stats, ctx.Err()
	}

	s.state = Diff
	pushIDs, wantIDs := diffIDs(localIDs, peerSketch)

	if err := writeFrame(s.conn, kindRequest, encodeIDList(wantIDs)); err != nil {
		return stats, err
	}

	var peerWant [][16]byte
	select {
	case r := <-requestCh:
		if r.err != nil {
			return stats, r.err
		}
		peerWant = *r.request
	case err := <-done:
		return stats, unexpectedEnd(err)
	case <-ctx.Done():
		return stats, ctx.Err()
	}

	s.state = Transfer
	for _, id := range dedupeIDs(append(pushIDs, peerWant...)) {
		wire, ok, err := s.source.LoadEnvelope(id)
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}
		if err := writeFrame(s.conn, kindEnvelope, wire); err != nil {
			return stats, err
		}
		stats.Sent++
	}
	if err := writeFrame(s.conn, kindEnd, nil); err != nil {
		return stats, err
	}

	select {
	case err := <-done:
		if err != nil {
			return stats, err
		}
	case <-ctx.Done():
		return stats, ctx.Err()
	}

	s.state = Idle
	return stats, nil
}

// readLoop reads frames until it sees kindEnd (or an error), delivering
// the peer's sketch and request exactly once each over their channels
// and persisting every pushed envelope via source.StoreEnvelope.
func (s *Session) readLoop(sketchCh, requestCh chan readResult, done chan error, stats *Stats) {
	gotSketch, gotRequest := false, false
	for {
		kind, payload, err := readFrame(s.conn)
		if err != nil {
			done <- err
			return
		}
		switch kind {
		case kindSketch:
			sk, err := decodeSketch(payload)
			if err != nil {
				done <- err
				return
			}
			if !gotSketch {
				gotSketch = true
				sketchCh <- readResult{sketch: &sk}
			}
		case kindRequest:
			ids, err := decodeIDList(payload)
			if err != nil {
				done <- err
				return
			}
			if !gotRequest {
				gotRequest = true
				requestCh <- readResult{request: &ids}
			}
		case kindEnvelope:
			if err := s.source.StoreEnvelope(payload); err != nil {
				done <- err
				return
			}
			stats.Received++
		case kindEnd:
			done <- nil
			return
		default:
			done <- coreerr.New(coreerr.InvalidInput, "unknown drift frame kind")
			return
		}
	}
}

func unexpectedEnd(err error) error {
	if err != nil {
		return err
	}
	return coreerr.New(coreerr.NetworkError, "drift session ended before sketch exchange completed")
}

// diffIDs computes, from the local id set and the peer's sketch: push
// (ids the peer is missing, safe to send unsolicited since a Bloom false
// positive only costs a redundant send) and want (ids we know we're
// missing, only knowable when the peer's sketch is the exact full list).
func diffIDs(localIDs [][16]byte, peerSketch sketch) (push, want [][16]byte) {
	for _, id := range localIDs {
		if !peerSketch.contains(id) {
			push = append(push, id)
		}
	}
	if peerSketch.mode == modeFull {
		local := make(map[[16]byte]struct{}, len(localIDs))
		for _, id := range localIDs {
			local[id] = struct{}{}
		}
		for _, id := range peerSketch.ids {
			if _, ok := local[id]; !ok {
				want = append(want, id)
			}
		}
	}
	return push, want
}

func dedupeIDs(ids [][16]byte) [][16]byte {
	seen := make(map[[16]byte]struct{}, len(ids))
	out := make([][16]byte, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

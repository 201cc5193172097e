// Package retry implements C9 RetryScheduler: the pending-delivery map,
// exponential backoff with jitter, path advancement per attempt, and
// terminal-outcome resolution of spec.md §4.9.
//
// Grounded on internal/node/retry_worker.go's RetryWorker tick loop
// (poll-ticker-driven retry of due records), generalized from the
// teacher's fixed 10s/2x/10m schedule to the spec's
// min(100ms·1.5^i, 10s)±20% schedule and from single-path retry to
// path-advancement-per-attempt.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/reputation"
)

const (
	baseDelay  = 100 * time.Millisecond
	maxDelay   = 10 * time.Second
	factor     = 1.5
	jitterFrac = 0.20
	// MaxAttempts is the default retry_max_attempts of spec.md §6.
	MaxAttempts = 10
)

// Outcome is the terminal state a pending delivery resolves to.
type Outcome int

const (
	Delivered Outcome = iota
	AllPathsExhausted
	Cancelled
	PermanentError
)

// Result is delivered on a Delivery's reply channel exactly once.
type Result struct {
	MessageID [16]byte
	Outcome   Outcome
	Err       error
}

// Delivery is one pending-delivery record (spec.md §3).
type Delivery struct {
	MessageID    [16]byte
	Recipient    [32]byte
	EnvelopeWire []byte
	Paths        []reputation.Path

	pathIndex    int
	attempt      int
	nextEligible time.Time
	startedAt    time.Time
	reply        chan Result
	resolved     bool
}

// CurrentPath returns the path the next dispatch attempt should use.
func (d *Delivery) CurrentPath() reputation.Path {
	if len(d.Paths) == 0 {
		return nil
	}
	return d.Paths[d.pathIndex%len(d.Paths)]
}

// Attempts returns the number of attempts made so far.
func (d *Delivery) Attempts() int { return d.attempt }

// Scheduler owns every in-flight pending delivery. All methods are safe
// for concurrent use; callers are expected to be the single swarm runtime
// event loop, per spec.md §5's single-writer model, but the lock makes
// Reply/Cancel safe from any goroutine.
type Scheduler struct {
	mu      sync.Mutex
	pending map[[16]byte]*Delivery
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{pending: make(map[[16]byte]*Delivery)}
}

// Start registers a new pending delivery with its candidate paths and
// returns a channel that receives exactly one Result: on terminal success,
// terminal failure, or cancellation. An empty paths list is not a permanent
// failure: the delivery still runs the full attempt budget (every attempt
// dispatches on no path and fails) so a recipient with no reachable path
// yet still resolves AllPathsExhausted after MaxAttempts, per spec.md §4.9
// rather than failing the Send on the spot.
func (s *Scheduler) Start(messageID [16]byte, recipient [32]byte, wire []byte, paths []reputation.Path) <-chan Result {
	reply := make(chan Result, 1)
	now := time.Now()

	s.mu.Lock()
	s.pending[messageID] = &Delivery{
		MessageID:    messageID,
		Recipient:    recipient,
		EnvelopeWire: wire,
		Paths:        paths,
		startedAt:    now,
		nextEligible: now,
		reply:        reply,
	}
	s.mu.Unlock()

	return reply
}

// Due returns pending deliveries whose next-eligible time has arrived, for
// the runtime's retry tick to dispatch. Dispatch itself (actually sending
// bytes) is the swarm runtime's job; this scheduler only tracks timing and
// outcomes.
func (s *Scheduler) Due(now time.Time) []*Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Delivery
	for _, d := range s.pending {
		if !d.resolved && !d.nextEligible.After(now) {
			due = append(due, d)
		}
	}
	return due
}

// RecordAttempt is called by the runtime after dispatching messageID on
// its current path. success resolves the delivery as Delivered;
// otherwise the scheduler advances to the next path (cycling if there is
// only one) and schedules the next eligible time via the backoff
// schedule, resolving AllPathsExhausted once MaxAttempts is reached.
func (s *Scheduler) RecordAttempt(messageID [16]byte, success bool, now time.Time) {
	s.mu.Lock()
	d, ok := s.pending[messageID]
	if !ok || d.resolved {
		s.mu.Unlock()
		return
	}

	if success {
		s.mu.Unlock()
		s.resolve(messageID, Result{MessageID: messageID, Outcome: Delivered})
		return
	}

	d.attempt++
	d.pathIndex++
	attempt := d.attempt
	if attempt >= MaxAttempts {
		s.mu.Unlock()
		s.resolve(messageID, Result{MessageID: messageID, Outcome: AllPathsExhausted,
			Err: coreerr.New(coreerr.AllPathsExhausted, "retry attempts exhausted")})
		return
	}
	d.nextEligible = now.Add(backoff(attempt))
	s.mu.Unlock()
}

// Cancel resolves messageID as Cancelled and removes its pending record,
// matching spec.md §5's "dropping a Send reply channel is Cancelled".
func (s *Scheduler) Cancel(messageID [16]byte) {
	s.resolve(messageID, Result{MessageID: messageID, Outcome: Cancelled,
		Err: coreerr.New(coreerr.Cancelled, "delivery cancelled by caller")})
}

// FailPermanently resolves messageID as PermanentError immediately,
// without consuming a retry attempt, for errors retry cannot fix (e.g. an
// invalid recipient public key).
func (s *Scheduler) FailPermanently(messageID [16]byte, err error) {
	s.resolve(messageID, Result{MessageID: messageID, Outcome: PermanentError, Err: err})
}

// Pending reports the number of unresolved deliveries, for diagnostics and
// shutdown draining.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ShutdownCancelAll resolves every unresolved delivery as Cancelled, per
// spec.md §5's shutdown contract.
func (s *Scheduler) ShutdownCancelAll() {
	s.mu.Lock()
	ids := make([][16]byte, 0, len(s.pending))
	for id, d := range s.pending {
		if !d.resolved {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
}

func (s *Scheduler) resolve(messageID [16]byte, result Result) {
	s.mu.Lock()
	d, ok := s.pending[messageID]
	if !ok || d.resolved {
		s.mu.Unlock()
		return
	}
	d.resolved = true
	reply := d.reply
	delete(s.pending, messageID)
	s.mu.Unlock()

	select {
	case reply <- result:
	default:
	}
}

// backoff computes delay for the given attempt number per spec.md §4.9:
// min(100ms·1.5^i, 10s) with ±20% jitter. Uses the package-level rand
// source, which is safe for concurrent use without a lock of its own, so
// callers may compute this while already holding Scheduler.mu.
func backoff(attempt int) time.Duration {
	d := float64(baseDelay) * pow(factor, attempt)
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(d * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

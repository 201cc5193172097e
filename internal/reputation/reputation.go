// Package reputation implements C8 ReputationAndPaths: a per-peer
// (success, failure, latency-EMA, last-success) triple, a weighted score,
// and best-path selection with a relay discount and idle decay.
//
// Grounded on the RWMutex-guarded-map idiom used throughout the teacher
// (internal/node/peer_monitor.go's PeerMonitor, internal/sync/ordersync.go's
// OrderSync.syncedPeers); the scoring formula itself is new, since the
// teacher has no explicit reputation concept, only an implicit direct-then-
// relay fallback in message_sender.go/swap_handler.go made explicit here.
package reputation

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// RelayDiscount multiplies a relay's score when it sits between us and
	// the target, per spec.md §4.8.
	RelayDiscount = 0.8

	// DecayHalfLife is the idle period after which a peer's score decays
	// halfway back toward the neutral starting value. Spec marks this
	// illustrative (§9 open questions); kept at 7 days absent a reason to
	// deviate.
	DecayHalfLife = 7 * 24 * time.Hour

	neutralScore = 0.5

	latencyNormalizationMs = 2000.0
	recencyWindow          = 24 * time.Hour
)

// Connectedness reports whether a path's target is directly connected
// right now. The runtime supplies this; reputation itself holds no
// transport state.
type Connectedness func(peerID string) bool

// Path is an ordered hop sequence: length 1 is direct, length 2 is a
// single-hop relay.
type Path []string

// stats is the mutable per-peer triple of spec.md §3.
type stats struct {
	successCount int
	failureCount int
	latencyEMA   float64 // milliseconds
	lastSuccess  time.Time
	lastAttempt  time.Time
}

// Tracker holds reputation state for every peer this node has ever
// attempted to reach.
type Tracker struct {
	mu    sync.RWMutex
	peers map[string]*stats
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{peers: make(map[string]*stats)}
}

// RecordSuccess updates the triple for every peer in path after a
// confirmed delivery over that path.
func (t *Tracker) RecordSuccess(path Path, latencyMs float64) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, peerID := range path {
		s := t.get(peerID)
		s.successCount++
		s.lastSuccess = now
		s.lastAttempt = now
		s.latencyEMA = ema(s.latencyEMA, latencyMs, s.successCount+s.failureCount)
	}
}

// RecordFailure updates the triple for every peer in path after a failed
// delivery attempt over that path.
func (t *Tracker) RecordFailure(path Path) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, peerID := range path {
		s := t.get(peerID)
		s.failureCount++
		s.lastAttempt = now
	}
}

// get returns (creating if absent) the stats entry for peerID. Caller
// must hold t.mu.
func (t *Tracker) get(peerID string) *stats {
	s, ok := t.peers[peerID]
	if !ok {
		s = &stats{}
		t.peers[peerID] = s
	}
	return s
}

// Score returns peerID's current decayed, weighted reputation score in
// [0, 1]. A peer never attempted before scores neutral.
func (t *Tracker) Score(peerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[peerID]
	if !ok {
		return neutralScore
	}
	return score(s, time.Now())
}

// score computes the weighted combination of spec.md §3: 0.7·success-rate
// + 0.2·(1 − normalised-latency) + 0.1·recency-bonus, clamped to [0, 1],
// then decayed toward neutral over DecayHalfLife idle time.
func score(s *stats, now time.Time) float64 {
	total := s.successCount + s.failureCount
	var successRate float64 = neutralScore
	if total > 0 {
		successRate = float64(s.successCount) / float64(total)
	}

	normalizedLatency := s.latencyEMA / latencyNormalizationMs
	if normalizedLatency > 1 {
		normalizedLatency = 1
	}

	var recencyBonus float64
	if !s.lastSuccess.IsZero() {
		age := now.Sub(s.lastSuccess)
		if age < 0 {
			age = 0
		}
		recencyBonus = 1 - clamp01(float64(age)/float64(recencyWindow))
	}

	raw := 0.7*successRate + 0.2*(1-normalizedLatency) + 0.1*recencyBonus
	raw = clamp01(raw)

	if s.lastAttempt.IsZero() {
		return raw
	}
	idle := now.Sub(s.lastAttempt)
	if idle <= 0 {
		return raw
	}
	decayFactor := 1 - pow2(float64(idle)/float64(DecayHalfLife))
	return raw + (neutralScore-raw)*decayFactor
}

// candidate pairs a path with its computed ranking score, for sorting.
type candidate struct {
	path  Path
	score float64
}

// GetBestPaths implements spec.md §4.8 get_best_paths: up to k candidates,
// direct path first if target is connected, then relay paths sorted by
// relay-score*RelayDiscount with latency-EMA as tiebreak. knownRelays lists
// candidate relay peer ids; unknown relays (not in this tracker) are
// excluded.
func (t *Tracker) GetBestPaths(target string, k int, connected Connectedness, knownRelays []string) []Path {
	var candidates []candidate

	if connected != nil && connected(target) {
		candidates = append(candidates, candidate{path: Path{target}, score: 1.0})
	}

	t.mu.RLock()
	for _, relay := range knownRelays {
		s, ok := t.peers[relay]
		if !ok {
			continue // unknown relays are excluded
		}
		relayScore := score(s, time.Now()) * RelayDiscount
		candidates = append(candidates, candidate{path: Path{relay, target}, score: relayScore})
	}
	t.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return t.latencyEMA(firstHop(candidates[i].path)) < t.latencyEMA(firstHop(candidates[j].path))
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Path, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.path)
	}
	return out
}

func (t *Tracker) latencyEMA(peerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[peerID]
	if !ok {
		return latencyNormalizationMs
	}
	return s.latencyEMA
}

// firstHop is the peer a path is dispatched to: the target itself for a
// direct path, the relay for a relay path.
func firstHop(p Path) string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

func ema(prev, sample float64, n int) float64 {
	if n <= 1 {
		return sample
	}
	const alpha = 0.3
	return alpha*sample + (1-alpha)*prev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// pow2 returns 2^-x, the fraction of a half-life's decay remaining after
// x half-lives have elapsed.
func pow2(x float64) float64 {
	return math.Exp2(-x)
}

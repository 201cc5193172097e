// Package relay implements C10 RelayForwarder: validating and admitting
// relay requests on behalf of peers this node has a session with, gated
// by an hourly byte budget, without ever decrypting the envelope being
// relayed.
//
// Grounded on internal/node/stream_handler.go's length-prefixed framing
// and "validate before acting" message handling (maxMessageSize check,
// dedup-before-processing), generalized from direct swap messages to
// relay admission, and on the teacher's lack of any rate limiter — the
// hourly budget instead uses golang.org/x/time/rate, present in the
// example pack's dependency pool though not in the teacher's own go.mod.
package relay

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
)

// MaxRelayEnvelopeSize bounds a single relayed envelope, matching the
// teacher's maxMessageSize cap on a direct stream message.
const MaxRelayEnvelopeSize = 1 << 20

// SessionChecker reports whether this node currently has an open
// transport session to a peer hash, so relaying is limited to reachable
// destinations rather than blind forwarding.
type SessionChecker func(destinationHash [32]byte) bool

// Request is one relay admission request: forward envelopeWire on behalf
// of its sender to destination.
type Request struct {
	Destination  [32]byte
	EnvelopeWire []byte
	MessageID    [16]byte
}

// Response is the admission decision for a Request.
type Response struct {
	Accepted  bool
	Err       error
	MessageID [16]byte
}

// Forwarder admits or rejects relay requests against an hourly byte
// budget. A zero budget disables relaying outright — and, per the
// non-negotiable rule that relay capacity and send capacity are the same
// pool, also disables this node's own outbound sends (Allow is the single
// admission check both paths share).
type Forwarder struct {
	limiter        *rate.Limiter
	hasSession     SessionChecker
	budgetDisabled bool
}

// New returns a Forwarder enforcing budgetBytesPerHour, refilled
// continuously (bytes/hour converted to a per-second rate) with a burst
// equal to the full hourly budget. budgetBytesPerHour == 0 disables both
// relaying and this node's own sends.
func New(budgetBytesPerHour int64, hasSession SessionChecker) *Forwarder {
	if budgetBytesPerHour <= 0 {
		return &Forwarder{budgetDisabled: true, hasSession: hasSession}
	}
	perSecond := rate.Limit(float64(budgetBytesPerHour) / 3600.0)
	return &Forwarder{
		limiter:    rate.NewLimiter(perSecond, int(budgetBytesPerHour)),
		hasSession: hasSession,
	}
}

// Allow checks whether n bytes may be sent or relayed right now and, if so,
// debits them from the budget. Used both for relay admission and for gating this
// node's own outbound sends, since relay capacity and send capacity share
// one pool.
func (f *Forwarder) Allow(n int) bool {
	if f.budgetDisabled {
		return false
	}
	return f.limiter.AllowN(time.Now(), n)
}

// HandleRelayRequest validates req and, if accepted, consumes its byte
// cost from the shared budget. Validation is signature-only: the envelope
// is authenticated but never decrypted, so a relay node learns nothing
// about message contents.
func (f *Forwarder) HandleRelayRequest(req Request) Response {
	if f.budgetDisabled {
		return Response{MessageID: req.MessageID, Err: coreerr.New(coreerr.QuotaExceeded, "relay budget is zero")}
	}
	if len(req.EnvelopeWire) == 0 || len(req.EnvelopeWire) > MaxRelayEnvelopeSize {
		return Response{MessageID: req.MessageID, Err: coreerr.New(coreerr.InvalidInput, "envelope size out of bounds")}
	}
	if f.hasSession != nil && !f.hasSession(req.Destination) {
		return Response{MessageID: req.MessageID, Err: coreerr.New(coreerr.NetworkError, "no session to destination")}
	}

	env, err := envelope.Unmarshal(req.EnvelopeWire)
	if err != nil {
		return Response{MessageID: req.MessageID, Err: coreerr.Wrap(coreerr.InvalidInput, "parse envelope", err)}
	}
	if _, err := envelope.VerifySignature(env); err != nil {
		return Response{MessageID: req.MessageID, Err: err}
	}

	if !f.limiter.AllowN(time.Now(), len(req.EnvelopeWire)) {
		return Response{MessageID: req.MessageID, Err: coreerr.New(coreerr.QuotaExceeded, "relay budget exhausted")}
	}

	return Response{Accepted: true, MessageID: req.MessageID}
}

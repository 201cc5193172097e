package relay

import (
	"testing"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/identity"
)

func sampleWire(t *testing.T) ([]byte, [32]byte) {
	t.Helper()
	a, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("identity.Ephemeral: %v", err)
	}
	b, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("identity.Ephemeral: %v", err)
	}
	env, err := envelope.New(a).Encrypt(b.IdentityHash(), b.PublicKeyBytes(), &envelope.Message{
		Type:      envelope.TypeBinary,
		Timestamp: time.Now(),
		Payload:   []byte("relay me"),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return env.Marshal(), b.IdentityHash()
}

func TestZeroBudgetDisablesRelay(t *testing.T) {
	f := New(0, func([32]byte) bool { return true })
	wire, dest := sampleWire(t)

	resp := f.HandleRelayRequest(Request{Destination: dest, EnvelopeWire: wire})
	if resp.Accepted {
		t.Fatalf("expected zero budget to reject relay")
	}
	if coreerr.KindOf(resp.Err) != coreerr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", resp.Err)
	}
}

func TestZeroBudgetAlsoDisablesOwnSends(t *testing.T) {
	f := New(0, nil)
	if f.Allow(1) {
		t.Fatalf("expected Allow to reject when relay budget is zero (relay = messaging)")
	}
}

func TestAcceptsValidRequestWithSession(t *testing.T) {
	f := New(1<<20, func([32]byte) bool { return true })
	wire, dest := sampleWire(t)

	resp := f.HandleRelayRequest(Request{Destination: dest, EnvelopeWire: wire})
	if !resp.Accepted {
		t.Fatalf("expected acceptance, got err=%v", resp.Err)
	}
}

func TestRejectsWithoutSession(t *testing.T) {
	f := New(1<<20, func([32]byte) bool { return false })
	wire, dest := sampleWire(t)

	resp := f.HandleRelayRequest(Request{Destination: dest, EnvelopeWire: wire})
	if resp.Accepted {
		t.Fatalf("expected rejection without a session to destination")
	}
}

func TestRejectsTamperedSignature(t *testing.T) {
	f := New(1<<20, func([32]byte) bool { return true })
	wire, dest := sampleWire(t)
	wire[len(wire)-1] ^= 0xFF

	resp := f.HandleRelayRequest(Request{Destination: dest, EnvelopeWire: wire})
	if resp.Accepted {
		t.Fatalf("expected rejection for tampered signature")
	}
	if coreerr.KindOf(resp.Err) != coreerr.CryptoError {
		t.Fatalf("expected CryptoError, got %v", resp.Err)
	}
}

func TestBudgetSmallerThanEnvelopeRejectsRequest(t *testing.T) {
	f := New(1, func([32]byte) bool { return true }) // 1 byte/hour, tiny burst
	wire, dest := sampleWire(t)

	first := f.HandleRelayRequest(Request{Destination: dest, EnvelopeWire: wire})
	if first.Accepted {
		t.Fatalf("expected the first request to exceed a 1-byte/hour budget")
	}
	if coreerr.KindOf(first.Err) != coreerr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", first.Err)
	}
}

func TestOversizeEnvelopeRejected(t *testing.T) {
	f := New(1<<20, func([32]byte) bool { return true })
	_, dest := sampleWire(t)

	resp := f.HandleRelayRequest(Request{Destination: dest, EnvelopeWire: make([]byte, MaxRelayEnvelopeSize+1)})
	if resp.Accepted {
		t.Fatalf("expected oversize envelope rejected")
	}
}

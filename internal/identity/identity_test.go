package identity

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestLoadGeneratesAndPersistsKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "node.key")

	id1, err := Load(keyPath)
	if err != nil {
		t.Fatalf("Load (generate): %v", err)
	}
	hash1 := id1.IdentityHash()

	id2, err := Load(keyPath)
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	hash2 := id2.IdentityHash()

	if hash1 != hash2 {
		t.Fatalf("identity hash changed across reload: %x vs %x", hash1, hash2)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Ephemeral()
	if err != nil {
		t.Fatalf("Ephemeral: %v", err)
	}

	msg := []byte("hello drift")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !Verify(id.PublicKeyBytes(), msg, sig) {
		t.Fatal("Verify returned false for a valid signature")
	}
	if Verify(id.PublicKeyBytes(), []byte("tampered"), sig) {
		t.Fatal("Verify returned true for a tampered message")
	}
}

func TestPeerIdentifierRoundTrip(t *testing.T) {
	// Invariant 9: extract_public_key(derive_peer_identifier(pub)) == pub
	// for every Ed25519 public key.
	for i := 0; i < 5; i++ {
		id, err := Ephemeral()
		if err != nil {
			t.Fatalf("Ephemeral: %v", err)
		}
		pub := id.PublicKeyBytes()

		pid, err := DerivePeerIdentifier(pub)
		if err != nil {
			t.Fatalf("DerivePeerIdentifier: %v", err)
		}
		if pid != id.PeerID() {
			t.Fatalf("DerivePeerIdentifier produced a different peer id than Identity itself")
		}

		extracted, err := ExtractPublicKey(pid)
		if err != nil {
			t.Fatalf("ExtractPublicKey: %v", err)
		}
		if !bytes.Equal(extracted, pub) {
			t.Fatalf("round trip mismatch: got %x, want %x", extracted, pub)
		}
	}
}

func TestExtractPublicKeyRejectsBadMultihash(t *testing.T) {
	cases := map[string][]byte{
		"too short":  {0x00, 0x24, 0x08},
		"bad prefix": append([]byte{0xff, 0x24, 0x08, 0x01, 0x12, 0x20}, make([]byte, 32)...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ExtractPublicKey(peer.ID(raw)); err == nil {
				t.Fatal("expected error for malformed peer id")
			}
		})
	}
}

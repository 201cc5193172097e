package envelope

import (
	"testing"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/identity"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("identity.Ephemeral: %v", err)
	}
	return id
}

// TestEncryptDecryptRoundTrip covers the envelope round-trip invariant:
// Decrypt(Encrypt(m)) reproduces the original plaintext fields.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	aliceCodec := New(alice)
	bobCodec := New(bob)

	msg := &Message{
		Type:      TypeText,
		Timestamp: time.Now(),
		Payload:   []byte("hello bob"),
	}

	env, err := aliceCodec.Encrypt(bob.IdentityHash(), bob.PublicKeyBytes(), msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := bobCodec.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got.Payload) != "hello bob" {
		t.Fatalf("payload mismatch: got %q", got.Payload)
	}
	if got.SenderHash != alice.IdentityHash() {
		t.Fatalf("sender hash mismatch")
	}
	if got.Direction != DirectionReceived {
		t.Fatalf("expected DirectionReceived, got %v", got.Direction)
	}
}

// TestDecryptRejectsWrongRecipient covers the recipient check: a third
// party cannot decrypt an envelope whose recipient hash is someone else's.
func TestDecryptRejectsWrongRecipient(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)
	eve := mustIdentity(t)

	env, err := New(alice).Encrypt(bob.IdentityHash(), bob.PublicKeyBytes(), &Message{
		Type: TypeText, Timestamp: time.Now(), Payload: []byte("secret"),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = New(eve).Decrypt(env)
	if coreerr.KindOf(err) != coreerr.CryptoError {
		t.Fatalf("expected CryptoError, got %v", err)
	}
}

// TestDecryptRejectsTamperedCiphertext covers the AAD/AEAD-tamper
// invariant: flipping a ciphertext byte must fail authentication, not
// produce garbage plaintext.
func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	env, err := New(alice).Encrypt(bob.IdentityHash(), bob.PublicKeyBytes(), &Message{
		Type: TypeText, Timestamp: time.Now(), Payload: []byte("secret"),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF

	_, err = New(bob).Decrypt(env)
	if coreerr.KindOf(err) != coreerr.CryptoError {
		t.Fatalf("expected CryptoError for tampered ciphertext, got %v", err)
	}
}

// TestDecryptRejectsTamperedSignature covers the signature-tamper
// invariant: a mutated signature must be rejected before any decryption
// is attempted.
func TestDecryptRejectsTamperedSignature(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	env, err := New(alice).Encrypt(bob.IdentityHash(), bob.PublicKeyBytes(), &Message{
		Type: TypeText, Timestamp: time.Now(), Payload: []byte("secret"),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.Signature[0] ^= 0xFF

	_, err = New(bob).Decrypt(env)
	if coreerr.KindOf(err) != coreerr.CryptoError {
		t.Fatalf("expected CryptoError for tampered signature, got %v", err)
	}
}

// TestVerifySignatureWithoutDecrypting covers the relay forwarder's need
// to authenticate an envelope without ever touching the ciphertext.
func TestVerifySignatureWithoutDecrypting(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	env, err := New(alice).Encrypt(bob.IdentityHash(), bob.PublicKeyBytes(), &Message{
		Type: TypeText, Timestamp: time.Now(), Payload: []byte("relay me"),
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	senderHash, err := VerifySignature(env)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if senderHash != alice.IdentityHash() {
		t.Fatalf("sender hash mismatch from VerifySignature")
	}
}

// TestMarshalUnmarshalRoundTrip covers the wire-format round trip
// independent of encryption.
func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	env, err := New(alice).Encrypt(bob.IdentityHash(), bob.PublicKeyBytes(), &Message{
		Type: TypeBinary, Timestamp: time.Now(), Payload: []byte{1, 2, 3, 4},
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	wire := env.Marshal()
	parsed, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	got, err := New(bob).Decrypt(parsed)
	if err != nil {
		t.Fatalf("Decrypt(parsed): %v", err)
	}
	if len(got.Payload) != 4 || got.Payload[2] != 3 {
		t.Fatalf("payload mismatch after wire round trip: %v", got.Payload)
	}
}

package envelope

import (
	"crypto/rand"
	"crypto/sha512"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/driftmesh/core/internal/coreerr"
)

// ed25519PrivSeedToX25519 converts a 32-byte Ed25519 seed (the first half
// of the 64-byte Ed25519 private key) to an X25519 private scalar: hash the
// seed with SHA-512 and clamp per the X25519 spec. Grounded on
// internal/node/crypto.go's ed25519PrivToX25519.
func ed25519PrivSeedToX25519(seed []byte) ([32]byte, error) {
	var out [32]byte
	if len(seed) < 32 {
		return out, coreerr.New(coreerr.CryptoError, "ed25519 seed too short")
	}

	h := sha512.Sum512(seed[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	copy(out[:], h[:32])
	return out, nil
}

// ed25519PubToX25519 converts a raw 32-byte Ed25519 public key to its
// X25519 (Montgomery) counterpart by interpreting it as an Edwards point
// and taking the u-coordinate. Grounded on internal/node/crypto.go's
// peerIDToX25519Pub/ed25519PubToX25519 — curve25519.X25519 cannot perform
// this conversion; it only does the ECDH scalar multiplication below.
func ed25519PubToX25519(pub []byte) ([32]byte, error) {
	var out [32]byte
	if len(pub) != 32 {
		return out, coreerr.New(coreerr.CryptoError, "ed25519 public key must be 32 bytes")
	}

	edPoint, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, coreerr.Wrap(coreerr.CryptoError, "invalid ed25519 public key", err)
	}
	copy(out[:], edPoint.BytesMontgomery())
	return out, nil
}

// generateX25519Keypair produces a fresh ephemeral X25519 keypair.
func generateX25519Keypair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, coreerr.Wrap(coreerr.CryptoError, "generate ephemeral key", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, coreerr.Wrap(coreerr.CryptoError, "derive ephemeral public key", err)
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}

// ecdh performs the X25519 scalar multiplication step of the key
// agreement: curve25519.X25519 does only this; the Edwards/Montgomery
// point conversion above is a separate, already-completed step.
func ecdh(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "ecdh", err)
	}
	return shared, nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroizeArray(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}

package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/identity"
)

// signer is the subset of identity.Identity the codec needs, so tests can
// supply a fake without touching disk.
type signer interface {
	IdentityHash() [32]byte
	PublicKeyBytes() []byte
	Sign(data []byte) ([]byte, error)
	PrivKeySeed() ([]byte, error)
}

// Codec implements C2 EnvelopeCodec for one local identity.
type Codec struct {
	id signer
}

// New returns a Codec bound to the given identity's key material.
func New(id *identity.Identity) *Codec {
	return &Codec{id: identityAdapter{id}}
}

// Encrypt implements spec.md §4.2 encrypt(): generates an ephemeral X25519
// keypair, derives the recipient's X25519 key from their Ed25519 public
// key, computes ECDH, derives the symmetric key via Blake3 KDF, encrypts
// with XChaCha20-Poly1305, and signs the canonical envelope.
func (c *Codec) Encrypt(recipientHash [32]byte, recipientPubKey []byte, msg *Message) (*Envelope, error) {
	if len(recipientPubKey) != ed25519PubSize {
		return nil, coreerr.New(coreerr.InvalidInput, "recipient public key must be 32 bytes")
	}
	if msg.MessageID == ([16]byte{}) {
		msg.MessageID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	recipientX25519, err := ed25519PubToX25519(recipientPubKey)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "convert recipient key", err)
	}

	ephPub, ephPriv, err := generateX25519Keypair()
	if err != nil {
		return nil, err
	}
	defer zeroizeArray(&ephPriv)

	shared, err := ecdh(ephPriv, recipientX25519)
	if err != nil {
		return nil, err
	}
	defer zeroize(shared)

	key := deriveSymmetricKey(shared)
	defer zeroize(key)

	var envelopeID [16]byte
	if _, err := rand.Read(envelopeID[:]); err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "generate envelope id", err)
	}

	env := &Envelope{
		EnvelopeID:    envelopeID,
		SenderHash:    c.id.IdentityHash(),
		RecipientHash: recipientHash,
		EphemeralPub:  ephPub,
	}
	copy(env.SenderPubKey[:], c.id.PublicKeyBytes())

	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "generate nonce", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "init aead", err)
	}

	plaintext := msg.marshalPlaintext()
	env.Ciphertext = aead.Seal(nil, env.Nonce[:], plaintext, env.AAD())

	sig, err := c.id.Sign(env.signedBytes())
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "sign envelope", err)
	}
	copy(env.Signature[:], sig)

	return env, nil
}

// VerifySignature validates the detached signature without decrypting,
// per spec.md §4.2 verify_signature — used by the relay forwarder.
func VerifySignature(env *Envelope) ([32]byte, error) {
	if !ed25519.Verify(env.SenderPubKey[:], env.signedBytes(), env.Signature[:]) {
		return [32]byte{}, coreerr.New(coreerr.CryptoError, "authentication failure")
	}
	return env.SenderHash, nil
}

// Decrypt implements spec.md §4.2 decrypt(): validates the signature,
// rejects any sender-pubkey substitution via the AAD, re-derives the ECDH
// shared secret, authenticates and decrypts the ciphertext, and decodes
// the plaintext message. All cryptographic failures collapse into a single
// CryptoError to avoid giving callers an oracle.
func (c *Codec) Decrypt(env *Envelope) (*Message, error) {
	if _, err := VerifySignature(env); err != nil {
		return nil, err
	}
	if env.RecipientHash != c.id.IdentityHash() {
		return nil, coreerr.New(coreerr.CryptoError, "authentication failure")
	}

	seed, err := c.id.PrivKeySeed()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "authentication failure", err)
	}
	localX25519Priv, err := ed25519PrivSeedToX25519(seed)
	zeroize(seed)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "authentication failure", err)
	}
	defer zeroizeArray(&localX25519Priv)

	shared, err := ecdh(localX25519Priv, env.EphemeralPub)
	if err != nil {
		return nil, coreerr.New(coreerr.CryptoError, "authentication failure")
	}
	defer zeroize(shared)

	key := deriveSymmetricKey(shared)
	defer zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, coreerr.New(coreerr.CryptoError, "authentication failure")
	}

	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, env.AAD())
	if err != nil {
		return nil, coreerr.New(coreerr.CryptoError, "authentication failure")
	}

	msg, err := unmarshalPlaintext(plaintext)
	if err != nil {
		return nil, coreerr.New(coreerr.CryptoError, "authentication failure")
	}
	msg.SenderHash = env.SenderHash
	msg.Direction = DirectionReceived
	return msg, nil
}

// identityAdapter narrows *identity.Identity to the signer interface and
// supplies the one piece of private key material Decrypt actually needs:
// the 32-byte Ed25519 seed, obtained via PrivKey().Raw()'s first half.
type identityAdapter struct{ id *identity.Identity }

func (a identityAdapter) IdentityHash() [32]byte    { return a.id.IdentityHash() }
func (a identityAdapter) PublicKeyBytes() []byte    { return a.id.PublicKeyBytes() }
func (a identityAdapter) Sign(data []byte) ([]byte, error) { return a.id.Sign(data) }

func (a identityAdapter) PrivKeySeed() ([]byte, error) {
	raw, err := a.id.PrivKey().Raw()
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, coreerr.New(coreerr.CryptoError, "unexpected private key length")
	}
	seed := make([]byte, 32)
	copy(seed, raw[:32])
	return seed, nil
}

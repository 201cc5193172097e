// Package identity implements C1 IdentityStore: generation, persistence,
// and zeroization of the long-term Ed25519 keypair, and derivation of the
// Blake3 identity hash and libp2p peer identifier that unify cryptographic
// and routing identity.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"lukechampine.com/blake3"

	"github.com/driftmesh/core/internal/coreerr"
)

// Identity holds the node's long-term keypair and everything derived from
// it. The private key is held in ordinary Go memory (the runtime gives no
// mlock-style guarantee) but is overwritten on Close, matching the spec's
// "private key is never logged, never serialized in plain, and is
// overwritten on drop" guarantee as closely as the language allows.
type Identity struct {
	mu       sync.RWMutex
	priv     p2pcrypto.PrivKey
	pub      p2pcrypto.PubKey
	pubBytes []byte // raw 32-byte Ed25519 public key
	hash     [32]byte
	peerID   peer.ID
	nickname string
	closed   bool
}

// Load loads the keypair persisted at keyPath, generating and persisting a
// new one if the file does not exist. Idempotent: calling Load again on the
// same path returns the same identity.
func Load(keyPath string) (*Identity, error) {
	priv, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageError, "load identity key", err)
	}
	return fromPrivKey(priv)
}

// Ephemeral returns a freshly generated Identity that is never persisted to
// disk, used by in-process tests that construct many Cores.
func Ephemeral() (*Identity, error) {
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "generate ephemeral identity", err)
	}
	return fromPrivKey(priv)
}

func fromPrivKey(priv p2pcrypto.PrivKey) (*Identity, error) {
	pub := priv.GetPublic()
	pubRaw, err := pub.Raw()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "extract raw public key", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return nil, coreerr.New(coreerr.CryptoError, "unexpected ed25519 public key size")
	}

	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "derive peer id", err)
	}

	return &Identity{
		priv:     priv,
		pub:      pub,
		pubBytes: pubRaw,
		hash:     blake3.Sum256(pubRaw),
		peerID:   pid,
	}, nil
}

func loadOrCreateKey(keyPath string) (p2pcrypto.PrivKey, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		return p2pcrypto.UnmarshalPrivateKey(data)
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	return priv, nil
}

// PeerID returns the libp2p peer identifier derived from the public key.
// This already matches spec.md §6's identity-multihash wire format.
func (id *Identity) PeerID() peer.ID {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.peerID
}

// IdentityHash returns the 32-byte Blake3 hash of the public key.
func (id *Identity) IdentityHash() [32]byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.hash
}

// PublicKeyBytes returns the raw 32-byte Ed25519 public key.
func (id *Identity) PublicKeyBytes() []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	out := make([]byte, len(id.pubBytes))
	copy(out, id.pubBytes)
	return out
}

// PrivKey exposes the libp2p private key for host construction. Callers
// outside this package must not retain it past the Identity's lifetime.
func (id *Identity) PrivKey() p2pcrypto.PrivKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.priv
}

// Nickname returns the optional local nickname, empty if unset.
func (id *Identity) Nickname() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.nickname
}

// SetNickname sets the optional local nickname.
func (id *Identity) SetNickname(nickname string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.nickname = nickname
}

// Sign produces a detached Ed25519 signature over data. Constant-time
// relative to key material, same guarantee the stdlib ed25519
// implementation libp2p's crypto package wraps already provides.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.closed {
		return nil, coreerr.New(coreerr.NotInitialized, "identity closed")
	}
	sig, err := id.priv.Sign(data)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "sign", err)
	}
	return sig, nil
}

// Verify checks a detached Ed25519 signature against a raw 32-byte public
// key, without requiring an Identity for the verifying side.
func Verify(pubKeyBytes, data, sig []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), data, sig)
}

// Info is the caller-facing snapshot returned by initialize()/get_info().
type Info struct {
	IdentityHash [32]byte
	PublicKey    []byte
	PeerID       peer.ID
	Nickname     string
	Initialized  bool
}

// Info returns the caller-facing snapshot of this identity.
func (id *Identity) Info() Info {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return Info{
		IdentityHash: id.hash,
		PublicKey:    append([]byte(nil), id.pubBytes...),
		PeerID:       id.peerID,
		Nickname:     id.nickname,
		Initialized:  !id.closed,
	}
}

// Close zeroizes the held private key material. The Identity must not be
// used after Close.
func (id *Identity) Close() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.closed {
		return nil
	}
	id.closed = true

	if raw, err := id.priv.Raw(); err == nil {
		zeroize(raw)
	}
	for i := range id.pubBytes {
		id.pubBytes[i] = 0
	}
	return nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

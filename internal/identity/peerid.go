package identity

import (
	"bytes"
	"encoding/hex"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftmesh/core/internal/coreerr"
)

// identityMultihashPrefix is the fixed byte sequence spec.md §6 mandates
// for an Ed25519 identity multihash: multihash code 0x00 (identity),
// length 0x24 (36 bytes follow: the 4-byte protobuf key-type/length header
// plus the 32 raw pubkey bytes), protobuf field 1 (key type) varint-encoded
// as Ed25519, protobuf field 2 (key bytes) length-delimited 32.
var identityMultihashPrefix = []byte{0x00, 0x24, 0x08, 0x01, 0x12, 0x20}

// DerivePeerIdentifier returns the deterministic peer.ID for a raw 32-byte
// Ed25519 public key: a protobuf-encoded identity-multihash over the raw
// key, exactly spec.md §6's wire format.
func DerivePeerIdentifier(pubKeyBytes []byte) (peer.ID, error) {
	if len(pubKeyBytes) != 32 {
		return "", coreerr.New(coreerr.InvalidInput, "ed25519 public key must be 32 bytes")
	}
	pub, err := p2pcrypto.UnmarshalEd25519PublicKey(pubKeyBytes)
	if err != nil {
		return "", coreerr.Wrap(coreerr.InvalidInput, "parse ed25519 public key", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", coreerr.Wrap(coreerr.Internal, "derive peer id", err)
	}
	return pid, nil
}

// ExtractPublicKey parses a peer.ID back into its raw 32-byte Ed25519
// public key, failing if the multihash is not an Ed25519 identity
// multihash — every fixed byte of identityMultihashPrefix is validated,
// per spec.md §4.1.
func ExtractPublicKey(pid peer.ID) ([]byte, error) {
	raw := []byte(pid)
	if len(raw) != len(identityMultihashPrefix)+32 {
		return nil, coreerr.New(coreerr.InvalidInput, "peer id is not an ed25519 identity multihash: wrong length")
	}
	if !bytes.Equal(raw[:len(identityMultihashPrefix)], identityMultihashPrefix) {
		return nil, coreerr.New(coreerr.InvalidInput, "peer id is not an ed25519 identity multihash: bad prefix "+hex.EncodeToString(raw[:len(identityMultihashPrefix)]))
	}
	pub := make([]byte, 32)
	copy(pub, raw[len(identityMultihashPrefix):])
	return pub, nil
}

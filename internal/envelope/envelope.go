// Package envelope implements C2 EnvelopeCodec: the bit-exact wire envelope
// of spec.md §6, encryption/decryption via XChaCha20-Poly1305 with a
// Blake3-derived key over an X25519 ECDH shared secret, and detached
// Ed25519 signing/verification.
//
// Grounded on internal/node/crypto.go's MessageEncryptor, generalized from
// NaCl box (XSalsa20-Poly1305) to XChaCha20-Poly1305 and from JSON framing
// to this fixed binary layout.
package envelope

import (
	"bytes"
	"encoding/binary"

	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/pkg/helpers"
)

const (
	// Version is the only envelope wire version this codec understands.
	Version uint8 = 1

	envelopeIDSize  = 16
	hashSize        = 32
	x25519KeySize   = 32
	nonceSize       = 24
	ed25519PubSize  = 32
	signatureSize   = 64
	fixedHeaderSize = 1 + envelopeIDSize + hashSize + hashSize + x25519KeySize + nonceSize // up to ciphertext_len
)

// KDFContext is mixed into the Blake3 key-derivation hash so envelope keys
// are domain-separated from any other future use of the same shared secret.
const KDFContext = "scm/envelope/v1"

// Envelope is the on-wire unit: spec.md §3/§6.
type Envelope struct {
	EnvelopeID    [envelopeIDSize]byte
	SenderHash    [hashSize]byte
	RecipientHash [hashSize]byte
	EphemeralPub  [x25519KeySize]byte
	Nonce         [nonceSize]byte
	Ciphertext    []byte
	SenderPubKey  [ed25519PubSize]byte
	Signature     [signatureSize]byte
}

// AAD returns the authenticated additional data bound into the AEAD:
// sender_ed25519_pub ∥ recipient_hash ∥ envelope_id.
func (e *Envelope) AAD() []byte {
	aad := make([]byte, 0, ed25519PubSize+hashSize+envelopeIDSize)
	aad = append(aad, e.SenderPubKey[:]...)
	aad = append(aad, e.RecipientHash[:]...)
	aad = append(aad, e.EnvelopeID[:]...)
	return aad
}

// signedBytes returns the canonical byte form the detached signature
// covers: version through ciphertext, plus sender_ed25519_pub — everything
// in Marshal() except the trailing signature itself.
func (e *Envelope) signedBytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(fixedHeaderSize + 4 + len(e.Ciphertext) + ed25519PubSize)

	buf.WriteByte(Version)
	buf.Write(e.EnvelopeID[:])
	buf.Write(e.SenderHash[:])
	buf.Write(e.RecipientHash[:])
	buf.Write(e.EphemeralPub[:])
	buf.Write(e.Nonce[:])

	var ctLen [4]byte
	binary.LittleEndian.PutUint32(ctLen[:], uint32(len(e.Ciphertext)))
	buf.Write(ctLen[:])
	buf.Write(e.Ciphertext)

	buf.Write(e.SenderPubKey[:])
	return buf.Bytes()
}

// Marshal encodes the envelope to its bit-exact wire form.
func (e *Envelope) Marshal() []byte {
	out := e.signedBytes()
	return append(out, e.Signature[:]...)
}

// Unmarshal parses a wire envelope, validating every fixed-size field's
// bounds but not its cryptographic validity (that is VerifySignature's
// job).
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < fixedHeaderSize+4 {
		return nil, coreerr.New(coreerr.InvalidInput, "envelope too short for fixed header")
	}

	r := bytes.NewReader(data)
	var version byte
	version, _ = r.ReadByte()
	if version != Version {
		return nil, coreerr.New(coreerr.InvalidInput, "unsupported envelope version")
	}

	e := &Envelope{}
	if _, err := readFull(r, e.EnvelopeID[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, e.SenderHash[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, e.RecipientHash[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, e.EphemeralPub[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, e.Nonce[:]); err != nil {
		return nil, err
	}

	var ctLenBytes [4]byte
	if _, err := readFull(r, ctLenBytes[:]); err != nil {
		return nil, err
	}
	ctLen := binary.LittleEndian.Uint32(ctLenBytes[:])
	if ctLen > 16<<20 {
		return nil, coreerr.New(coreerr.InvalidInput, "envelope ciphertext length implausibly large")
	}
	e.Ciphertext = make([]byte, ctLen)
	if _, err := readFull(r, e.Ciphertext); err != nil {
		return nil, err
	}

	if _, err := readFull(r, e.SenderPubKey[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(r, e.Signature[:]); err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, coreerr.New(coreerr.InvalidInput, "trailing bytes after envelope")
	}
	if helpers.IsZeroBytes(e.SenderPubKey[:]) {
		return nil, coreerr.New(coreerr.InvalidInput, "envelope sender public key is all-zero")
	}

	return e, nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil || n != len(dst) {
		return n, coreerr.New(coreerr.InvalidInput, "envelope truncated")
	}
	return n, nil
}

package envelope

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
)

// Type distinguishes text from opaque binary payloads.
type Type uint8

const (
	TypeText   Type = 1
	TypeBinary Type = 2
)

// Direction is set by the caller from local context (it is never part of
// the wire plaintext — a message's direction is a property of which inbox
// or outbox holds it, not of the bytes themselves).
type Direction uint8

const (
	DirectionSent Direction = iota
	DirectionReceived
)

// Message is the decoded plaintext unit: spec.md §3 "Message (plaintext,
// decoded)".
type Message struct {
	SenderHash [hashSize]byte
	MessageID  [16]byte
	Timestamp  time.Time
	Direction  Direction
	Type       Type
	Payload    []byte
	InReplyTo  *[16]byte
}

// Marshal encodes the message for storage outside of an envelope (e.g. in
// the inbox, once already decrypted). It is the same encoding
// marshalPlaintext uses inside Encrypt, exported for callers in other
// packages that persist a *Message directly.
func (m *Message) Marshal() []byte {
	return m.marshalPlaintext()
}

// UnmarshalMessage decodes bytes produced by Message.Marshal.
func UnmarshalMessage(data []byte) (*Message, error) {
	return unmarshalPlaintext(data)
}

// marshalPlaintext encodes the fields that travel inside the envelope's
// ciphertext. SenderHash and Direction are not included: the sender hash
// already travels in the envelope's own SenderHash field, and direction is
// derived from which store holds the message, not from the wire bytes.
func (m *Message) marshalPlaintext() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(m.Type))
	buf.Write(m.MessageID[:])

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(m.Timestamp.UnixNano()))
	buf.Write(ts[:])

	if m.InReplyTo != nil {
		buf.WriteByte(1)
		buf.Write(m.InReplyTo[:])
	} else {
		buf.WriteByte(0)
	}

	var plen [4]byte
	binary.LittleEndian.PutUint32(plen[:], uint32(len(m.Payload)))
	buf.Write(plen[:])
	buf.Write(m.Payload)

	return buf.Bytes()
}

func unmarshalPlaintext(data []byte) (*Message, error) {
	r := bytes.NewReader(data)

	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, coreerr.New(coreerr.InvalidInput, "message plaintext truncated: type")
	}

	m := &Message{Type: Type(typeByte)}
	if _, err := readFull(r, m.MessageID[:]); err != nil {
		return nil, err
	}

	var ts [8]byte
	if _, err := readFull(r, ts[:]); err != nil {
		return nil, err
	}
	m.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(ts[:])))

	hasReply, err := r.ReadByte()
	if err != nil {
		return nil, coreerr.New(coreerr.InvalidInput, "message plaintext truncated: in_reply_to flag")
	}
	if hasReply == 1 {
		var irt [16]byte
		if _, err := readFull(r, irt[:]); err != nil {
			return nil, err
		}
		m.InReplyTo = &irt
	}

	var plen [4]byte
	if _, err := readFull(r, plen[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(plen[:])
	if int(n) > r.Len() {
		return nil, coreerr.New(coreerr.InvalidInput, "message plaintext payload length overruns buffer")
	}
	payload := make([]byte, n)
	if _, err := readFull(r, payload); err != nil {
		return nil, err
	}
	m.Payload = payload

	return m, nil
}

package swarm

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// Protocol IDs the runtime registers stream handlers for. Grounded on
// internal/node/stream_handler.go's SwapDirectProtocol naming scheme,
// retargeted from the swap-exchange domain to the message plane.
const (
	// EnvelopeProtocol carries one envelope addressed directly to the
	// receiving peer, followed by an ack frame.
	EnvelopeProtocol protocol.ID = "/driftmesh/envelope/1.0.0"

	// RelayProtocol carries a relay admission request/response pair.
	RelayProtocol protocol.ID = "/driftmesh/relay/1.0.0"

	// DriftProtocol carries one internal/drift backlog-reconciliation
	// session.
	DriftProtocol protocol.ID = "/driftmesh/drift/1.0.0"

	// kadProtocolPrefix namespaces this mesh's Kademlia DHT from any other
	// libp2p application sharing the same process.
	kadProtocolPrefix = "/driftmesh/kad/1.0.0"

	// mdnsNamespace namespaces local mDNS peer discovery.
	mdnsNamespace = "driftmesh-mesh"

	// rendezvousNamespace is the DHT routing-discovery advertise/find
	// namespace every driftmesh node shares.
	rendezvousNamespace = "driftmesh-mesh"
)

// maxFrameSize bounds a single direct-protocol or relay-protocol frame,
// matching the teacher's maxMessageSize cap on a direct swap stream.
const maxFrameSize = 1024 * 1024

// readLengthPrefixed and writeLengthPrefixed frame a message with a
// 4-byte big-endian length prefix, identical to
// internal/node/stream_handler.go's helpers, generalized to carry binary
// envelope wire bytes as readily as JSON.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}
	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ackFrame is the direct-protocol's reply to one envelope frame.
type ackFrame struct {
	EnvelopeID [16]byte `json:"envelope_id"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
}

// relayRequestWire is RelayProtocol's request, the wire shape of
// internal/relay.Request.
type relayRequestWire struct {
	Destination  [32]byte `json:"destination"`
	EnvelopeWire []byte   `json:"envelope_wire"`
	MessageID    [16]byte `json:"message_id"`
}

// relayResponseWire is RelayProtocol's response.
type relayResponseWire struct {
	Accepted  bool     `json:"accepted"`
	Error     string   `json:"error,omitempty"`
	MessageID [16]byte `json:"message_id"`
}

func readJSONFrame(r *bufio.Reader, v interface{}) error {
	data, err := readLengthPrefixed(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeLengthPrefixed(w, data)
}

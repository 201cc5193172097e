package drift

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/driftmesh/core/internal/coreerr"
)

// Frame kinds, spec.md §6.
const (
	kindSketch   byte = 1
	kindRequest  byte = 2
	kindEnvelope byte = 3
	kindEnd      byte = 4
)

// maxFramePayload bounds a single frame's payload, spec.md §6.
const maxFramePayload = 64 * 1024

// readTimeout bounds a single frame read, spec.md §6.
const readTimeout = 5 * time.Second

// conn is the subset of network.Stream a drift session needs: a duplex
// byte stream with a settable read deadline.
type conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// writeFrame encodes kind and payload as length:u32(LE) ∥ kind:u8 ∥
// payload ∥ crc32:u32(LE), per spec.md §6.
func writeFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return coreerr.New(coreerr.InvalidInput, "drift frame payload too large")
	}
	body := make([]byte, 1+len(payload))
	body[0] = kind
	copy(body[1:], payload)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(body))
	if _, err := w.Write(crcBuf[:]); err != nil {
		return err
	}
	return nil
}

// readFrame reads one frame, enforcing the 5s per-frame read timeout and
// validating its CRC32 trailer. Any error here ends the session per
// spec.md §4.11.
func readFrame(c conn) (kind byte, payload []byte, err error) {
	if err := c.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return 0, nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFramePayload+1 {
		return 0, nil, coreerr.New(coreerr.InvalidInput, "drift frame length out of bounds")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c, body); err != nil {
		return 0, nil, err
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(c, crcBuf[:]); err != nil {
		return 0, nil, err
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return 0, nil, coreerr.New(coreerr.InvalidInput, "drift frame crc mismatch")
	}

	return body[0], body[1:], nil
}

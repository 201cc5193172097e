package drift

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// memSource is a trivial in-memory Source for tests.
type memSource struct {
	mu       sync.Mutex
	envelope map[[16]byte][]byte
	received time.Time
}

func newMemSource() *memSource {
	return &memSource{envelope: make(map[[16]byte][]byte), received: time.Now()}
}

func (m *memSource) put(id [16]byte, wire []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelope[id] = wire
}

func (m *memSource) EnvelopeIDsSince(time.Time) ([][16]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([][16]byte, 0, len(m.envelope))
	for id := range m.envelope {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memSource) LoadEnvelope(id [16]byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.envelope[id]
	return w, ok, nil
}

// StoreEnvelope keys a received wire by its first byte, matching how the
// tests build ids with idFor and wires that start with that same byte.
func (m *memSource) StoreEnvelope(wire []byte) error {
	m.put(idFor(wire[0]), append([]byte(nil), wire...))
	return nil
}

func idFor(b byte) [16]byte {
	var id [16]byte
	id[0] = b
	return id
}

// TestSessionReconcilesDisjointSets runs two Sessions over a net.Pipe,
// each holding a disjoint envelope, and expects both to end up with both
// envelopes after one Run.
func TestSessionReconcilesDisjointSets(t *testing.T) {
	a, b := net.Pipe()

	srcA := newMemSource()
	srcA.put(idFor(1), []byte{1, 0xAA})
	srcB := newMemSource()
	srcB.put(idFor(2), []byte{2, 0xBB})

	sessA := NewSession(a, srcA, time.Hour)
	sessB := NewSession(b, srcB, time.Hour)

	var statsA, statsB Stats
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		statsA, errA = sessA.Run(context.Background())
	}()
	go func() {
		defer wg.Done()
		statsB, errB = sessB.Run(context.Background())
	}()
	wg.Wait()

	if errA != nil {
		t.Fatalf("session A: %v", errA)
	}
	if errB != nil {
		t.Fatalf("session B: %v", errB)
	}
	if statsA.Sent != 1 || statsA.Received != 1 {
		t.Fatalf("session A stats: %+v", statsA)
	}
	if statsB.Sent != 1 || statsB.Received != 1 {
		t.Fatalf("session B stats: %+v", statsB)
	}

	if _, ok, _ := srcA.LoadEnvelope(idFor(2)); !ok {
		t.Fatalf("expected A to have received envelope 2")
	}
	if _, ok, _ := srcB.LoadEnvelope(idFor(1)); !ok {
		t.Fatalf("expected B to have received envelope 1")
	}
}

func TestSessionNoOpWhenSetsAlreadyEqual(t *testing.T) {
	a, b := net.Pipe()

	srcA := newMemSource()
	srcA.put(idFor(9), []byte{9, 0x01})
	srcB := newMemSource()
	srcB.put(idFor(9), []byte{9, 0x01})

	sessA := NewSession(a, srcA, time.Hour)
	sessB := NewSession(b, srcB, time.Hour)

	var statsA, statsB Stats
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); statsA, _ = sessA.Run(context.Background()) }()
	go func() { defer wg.Done(); statsB, _ = sessB.Run(context.Background()) }()
	wg.Wait()

	if statsA.Sent != 0 || statsA.Received != 0 {
		t.Fatalf("expected no transfer when sets already match, got %+v", statsA)
	}
	if statsB.Sent != 0 || statsB.Received != 0 {
		t.Fatalf("expected no transfer when sets already match, got %+v", statsB)
	}
}

func TestSketchFallsBackToFullListWhenSaturated(t *testing.T) {
	ids := make([][16]byte, int(float64(sketchBits)*saturationLoadFactor)+1)
	for i := range ids {
		ids[i][0] = byte(i)
		ids[i][1] = byte(i >> 8)
	}
	sk := buildSketch(ids)
	if sk.mode != modeFull {
		t.Fatalf("expected saturated sketch to fall back to full mode")
	}
	payload, err := sk.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeSketch(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.mode != modeFull || len(decoded.ids) != len(ids) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestBloomSketchContainsRoundTrip(t *testing.T) {
	ids := [][16]byte{idFor(1), idFor(2), idFor(3)}
	sk := buildSketch(ids)
	if sk.mode != modeBloom {
		t.Fatalf("expected bloom mode for a small set")
	}
	for _, id := range ids {
		if !sk.contains(id) {
			t.Fatalf("expected sketch to contain %v", id)
		}
	}
	if sk.contains(idFor(200)) {
		t.Fatalf("did not expect sketch to contain an id never inserted (flaky only under hash collision)")
	}

	payload, err := sk.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeSketch(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.contains(idFor(1)) {
		t.Fatalf("decoded sketch lost membership")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		kind, payload, err := readFrame(b)
		if err != nil {
			t.Errorf("readFrame: %v", err)
			return
		}
		if kind != kindEnvelope || string(payload) != "hello" {
			t.Errorf("unexpected frame: kind=%d payload=%q", kind, payload)
		}
	}()
	if err := writeFrame(a, kindEnvelope, []byte("hello")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	<-done
}

// fakeConn wraps a bytes.Reader/Writer pair as a conn for frame-level
// tests that don't need a real stream.
type fakeConn struct {
	r *bytes.Reader
	w *bytes.Buffer
}

func (f *fakeConn) Read(p []byte) (int, error)        { return f.r.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return f.w.Write(p) }
func (f *fakeConn) SetReadDeadline(time.Time) error    { return nil }

func TestFrameRejectsCorruptCRC(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, kindEnvelope, []byte("hello")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a byte in the CRC trailer

	c := &fakeConn{r: bytes.NewReader(corrupted), w: &bytes.Buffer{}}
	if _, _, err := readFrame(c); err == nil {
		t.Fatalf("expected a CRC mismatch error")
	}
}

package swarm

import (
	"bufio"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/driftmesh/core/pkg/logging"
)

type fakeDelegate struct {
	discovered   []string
	disconnected []string
	panicOn      string
}

func (f *fakeDelegate) OnPeerDiscovered(peerID string) {
	if f.panicOn == "discovered" {
		panic("boom")
	}
	f.discovered = append(f.discovered, peerID)
}
func (f *fakeDelegate) OnPeerDisconnected(peerID string) {
	f.disconnected = append(f.disconnected, peerID)
}
func (f *fakeDelegate) OnPeerIdentified(peerID string, listenAddrs []string) {}
func (f *fakeDelegate) OnMessageReceived(senderHash [32]byte, messageID [16]byte, payload []byte) {}
func (f *fakeDelegate) OnReceiptReceived(messageID [16]byte, status ReceiptStatus)                {}

func TestSafeDelegateDispatches(t *testing.T) {
	fd := &fakeDelegate{}
	sd := newSafeDelegate(fd, logging.Default())

	sd.peerDiscovered("peer-a")
	sd.peerDisconnected("peer-a")

	if len(fd.discovered) != 1 || fd.discovered[0] != "peer-a" {
		t.Fatalf("expected peer-a discovered once, got %v", fd.discovered)
	}
	if len(fd.disconnected) != 1 || fd.disconnected[0] != "peer-a" {
		t.Fatalf("expected peer-a disconnected once, got %v", fd.disconnected)
	}
}

func TestSafeDelegatePanicRemovesDelegate(t *testing.T) {
	fd := &fakeDelegate{panicOn: "discovered"}
	sd := newSafeDelegate(fd, logging.Default())

	sd.peerDiscovered("peer-a") // panics internally, recovered

	sd.mu.Lock()
	removed := sd.d == nil
	sd.mu.Unlock()
	if !removed {
		t.Fatal("expected panicking delegate to be removed")
	}

	// Further calls must be no-ops, not further panics.
	sd.peerDisconnected("peer-b")
	if len(fd.disconnected) != 0 {
		t.Fatalf("expected no further callbacks after panic-removal, got %v", fd.disconnected)
	}
}

func TestSafeDelegateSetReplaces(t *testing.T) {
	first := &fakeDelegate{}
	second := &fakeDelegate{}
	sd := newSafeDelegate(first, logging.Default())

	sd.set(second)
	sd.peerDiscovered("peer-a")

	if len(first.discovered) != 0 {
		t.Fatalf("expected replaced delegate to receive nothing, got %v", first.discovered)
	}
	if len(second.discovered) != 1 {
		t.Fatalf("expected new delegate to receive callback, got %v", second.discovered)
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, data := range cases {
		var buf bytes.Buffer
		if err := writeLengthPrefixed(&buf, data); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := readLengthPrefixed(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch: got %v want %v", got, data)
		}
	}
}

func TestWriteLengthPrefixedRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, maxFrameSize+1)
	if err := writeLengthPrefixed(&buf, oversized); err == nil {
		t.Fatal("expected writeLengthPrefixed to reject an oversize frame")
	}
}

func TestJSONFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ackFrame{EnvelopeID: [16]byte{1, 2, 3}, Success: true}
	if err := writeJSONFrame(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got ackFrame
	if err := readJSONFrame(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestBootstrapRecordsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.json")

	records, err := LoadBootstrapRecords(path)
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty slice for missing file, got %v", records)
	}

	records = mergeBootstrapRecord(records, "/ip4/1.2.3.4/tcp/9000", "peer-a", 100)
	records = mergeBootstrapRecord(records, "/ip4/5.6.7.8/tcp/9000", "peer-b", 200)
	if err := SaveBootstrapRecords(path, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadBootstrapRecords(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loaded))
	}
}

func TestMergeBootstrapRecordUpsertsByPeerID(t *testing.T) {
	var records []BootstrapRecord
	records = mergeBootstrapRecord(records, "/ip4/1.2.3.4/tcp/9000", "peer-a", 100)
	records = mergeBootstrapRecord(records, "/ip4/9.9.9.9/tcp/9000", "peer-a", 200)

	if len(records) != 1 {
		t.Fatalf("expected one record after upsert, got %d", len(records))
	}
	if records[0].Addr != "/ip4/9.9.9.9/tcp/9000" || records[0].LastSuccess != 200 {
		t.Fatalf("expected upsert to replace addr/last_success, got %+v", records[0])
	}
}

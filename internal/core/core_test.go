package core

import (
	"testing"
	"time"

	"github.com/driftmesh/core/internal/config"
	"github.com/driftmesh/core/internal/swarm"
	"github.com/driftmesh/core/pkg/logging"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.DataDir = "" // ephemeral identity, in-memory store
	return cfg
}

func TestNewWithEmptyDataDirUsesEphemeralStorage(t *testing.T) {
	c, err := New(testConfig(), logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.identity == nil {
		t.Fatal("expected an ephemeral identity")
	}
	if c.ledgerPath != "" {
		t.Fatalf("expected no ledger path without a data dir, got %q", c.ledgerPath)
	}
	if err := c.backend.Close(); err != nil {
		t.Fatalf("close backend: %v", err)
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil, logging.Default()); err == nil {
		t.Fatal("expected an error for a nil config")
	}
}

type fakeCoreDelegate struct {
	messages []string
	receipts []swarm.ReceiptStatus
}

func (f *fakeCoreDelegate) OnPeerDiscovered(peerID string)                 {}
func (f *fakeCoreDelegate) OnPeerDisconnected(peerID string)               {}
func (f *fakeCoreDelegate) OnPeerIdentified(peerID string, addrs []string) {}
func (f *fakeCoreDelegate) OnMessageReceived(senderHash [32]byte, messageID [16]byte, payload []byte) {
	f.messages = append(f.messages, string(payload))
}
func (f *fakeCoreDelegate) OnReceiptReceived(messageID [16]byte, status swarm.ReceiptStatus) {
	f.receipts = append(f.receipts, status)
}

func TestOnMessageReceivedTouchesContactAndForwards(t *testing.T) {
	c, err := New(testConfig(), logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.backend.Close()

	fd := &fakeCoreDelegate{}
	c.SetDelegate(fd)

	sender := [32]byte{9, 9, 9}
	c.OnMessageReceived(sender, [16]byte{1}, []byte("hello"))

	if len(fd.messages) != 1 || fd.messages[0] != "hello" {
		t.Fatalf("expected forwarded message, got %v", fd.messages)
	}

	contact, ok, err := c.contactsB.GetContact(sender)
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if !ok {
		t.Fatal("expected a contact to be created by TouchLastSeen")
	}
	if time.Since(contact.LastSeen) > time.Minute {
		t.Fatalf("expected a recent last-seen, got %v", contact.LastSeen)
	}
}

func TestOnReceiptReceivedForwards(t *testing.T) {
	c, err := New(testConfig(), logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.backend.Close()

	fd := &fakeCoreDelegate{}
	c.SetDelegate(fd)
	c.OnReceiptReceived([16]byte{1}, swarm.ReceiptDelivered)

	if len(fd.receipts) != 1 || fd.receipts[0] != swarm.ReceiptDelivered {
		t.Fatalf("expected forwarded receipt, got %v", fd.receipts)
	}
}

func TestSendBeforeStartReturnsNotInitialized(t *testing.T) {
	c, err := New(testConfig(), logging.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.backend.Close()

	if _, err := c.Send([32]byte{1}, nil); err == nil {
		t.Fatal("expected an error sending before Start")
	}
}

func TestDedupeStrings(t *testing.T) {
	in := []string{"a", "b", "a", "", "c", "b"}
	got := dedupeStrings(in)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestAddrsFromRecords(t *testing.T) {
	records := []swarm.BootstrapRecord{
		{Addr: "/ip4/1.2.3.4/tcp/9000", PeerID: "peer-a"},
		{Addr: "", PeerID: "peer-b"},
	}
	got := addrsFromRecords(records)
	if len(got) != 1 || got[0] != "/ip4/1.2.3.4/tcp/9000" {
		t.Fatalf("expected only the non-empty addr, got %v", got)
	}
}

func TestNonZeroHelpers(t *testing.T) {
	if nonZero64(0, 5) != 5 || nonZero64(3, 5) != 3 {
		t.Fatal("nonZero64 fallback logic broken")
	}
	if nonZeroInt(0, 5) != 5 || nonZeroInt(3, 5) != 3 {
		t.Fatal("nonZeroInt fallback logic broken")
	}
	if nonZeroDuration(0, time.Second) != time.Second {
		t.Fatal("nonZeroDuration fallback logic broken")
	}
}

func TestExpandHome(t *testing.T) {
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expected an absolute path unchanged, got %q", got)
	}
	if got := expandHome("~/data"); got == "~/data" {
		t.Fatal("expected ~ to be expanded")
	}
}

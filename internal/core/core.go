// Package core wires C1-C11 into the single object a caller constructs: it
// owns the identity, the storage backend and every store built on it, the
// retry/reputation/relay machinery, and the swarm runtime, and it is the
// concrete implementation of swarm.Delegate that the runtime's event loop
// calls into.
//
// Grounded on internal/node/node.go's Node, which plays the analogous role
// in the teacher: a single struct a CLI entrypoint constructs once, start
// and stops, and wires a RPC/websocket layer against.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftmesh/core/internal/config"
	"github.com/driftmesh/core/internal/contacts"
	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/identity"
	"github.com/driftmesh/core/internal/inbox"
	"github.com/driftmesh/core/internal/outbox"
	"github.com/driftmesh/core/internal/relay"
	"github.com/driftmesh/core/internal/reputation"
	"github.com/driftmesh/core/internal/retry"
	"github.com/driftmesh/core/internal/store"
	"github.com/driftmesh/core/internal/swarm"
	"github.com/driftmesh/core/pkg/logging"
)

const (
	identityKeyFile   = "identity.key"
	ledgerFile        = "ledger.json"
	ledgerSaveInterval = 5 * time.Minute
)

// Core is the top-level node: construct one with New, call Start, and use
// the Send/Dial/Subscribe/Publish/Contacts methods until Stop.
type Core struct {
	cfg *config.Config
	log *logging.Logger

	identity   *identity.Identity
	backend    store.Backend
	codec      *envelope.Codec
	outboxS    *outbox.Outbox
	inboxS     *inbox.Inbox
	contactsB  *contacts.Book
	reputation *reputation.Tracker
	retryS     *retry.Scheduler
	relayF     *relay.Forwarder
	runtime    *swarm.Runtime

	ledgerPath string

	delegateMu sync.Mutex
	delegate   swarm.Delegate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every C1-C11 component from cfg but does not start the
// network. dataDir-relative paths (identity key, ledger file) are derived
// from cfg.Storage.DataDir; an empty DataDir selects an in-memory store
// with an ephemeral identity, matching spec.md §6's "storage_path absent"
// case.
func New(cfg *config.Config, log *logging.Logger) (*Core, error) {
	if cfg == nil {
		return nil, coreerr.New(coreerr.InvalidInput, "core requires a config")
	}
	if log == nil {
		log = logging.Default()
	}
	log = log.Component("core")

	var (
		id      *identity.Identity
		backend store.Backend
		err     error
	)

	dataDir := expandHome(cfg.Storage.DataDir)
	if dataDir == "" {
		log.Warn("no data directory configured, running with ephemeral identity and in-memory storage")
		id, err = identity.Ephemeral()
		if err != nil {
			return nil, err
		}
		backend = store.NewMemoryBackend()
	} else {
		id, err = identity.Load(filepath.Join(dataDir, identityKeyFile))
		if err != nil {
			return nil, err
		}
		backend, err = store.Open(filepath.Join(dataDir, "driftmesh.db"))
		if err != nil {
			return nil, err
		}
	}

	codec := envelope.New(id)
	outboxS := outbox.Open(store.Sub(backend, "outbox"), nonZero64(cfg.Quotas.OutboxQuotaBytes, config.DefaultOutboxQuotaBytes))
	inboxS := inbox.Open(store.Sub(backend, "inbox"), nonZero64(cfg.Quotas.InboxQuotaBytes, config.DefaultInboxQuotaBytes))
	contactsB, err := contacts.Open(store.Sub(backend, "contacts"))
	if err != nil {
		backend.Close()
		return nil, err
	}
	reputationT := reputation.New()
	retryS := retry.New()

	c := &Core{
		cfg:        cfg,
		log:        log,
		identity:   id,
		backend:    backend,
		codec:      codec,
		outboxS:    outboxS,
		inboxS:     inboxS,
		contactsB:  contactsB,
		reputation: reputationT,
		retryS:     retryS,
	}

	relayBudget := cfg.Quotas.RelayBudgetBytesPerHour
	c.relayF = relay.New(relayBudget, c.hasActiveSession)

	if dataDir != "" {
		c.ledgerPath = filepath.Join(dataDir, ledgerFile)
	}

	return c, nil
}

// hasActiveSession is relay.Forwarder's SessionChecker: a cheap pre-filter
// against the contact book, since the runtime has no direct "is this peer
// hash currently connected" query. A known contact is reachable often
// enough to be worth the relay budget; actual forwarding still fails
// gracefully in dispatch.go's serveRelayStream if the peer turns out to be
// unreachable.
func (c *Core) hasActiveSession(destinationHash [32]byte) bool {
	_, ok, err := c.contactsB.GetContact(destinationHash)
	if err != nil {
		return false
	}
	return ok
}

// Start constructs the libp2p host, begins peer discovery, and dials any
// configured or previously persisted bootstrap peers.
func (c *Core) Start() error {
	if c.runtime != nil {
		return coreerr.New(coreerr.AlreadyRunning, "core already started")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	driftWindow := nonZeroDuration(c.cfg.Drift.WindowSeconds, config.DefaultDriftWindow)

	runtime, err := swarm.New(c.ctx, swarm.Options{
		Identity:   c.identity,
		Codec:      c.codec,
		Outbox:     c.outboxS,
		Inbox:      c.inboxS,
		Contacts:   c.contactsB,
		Reputation: c.reputation,
		Retry:      c.retryS,
		Relay:      c.relayF,

		DriftWindow: driftWindow,

		ListenPort:             nonZeroInt(c.cfg.Network.ListenPort, config.DefaultListenPort),
		BootstrapNodes:         c.cfg.Network.BootstrapNodes,
		EnableMDNS:             c.cfg.Network.EnableMDNS,
		EnableDHT:              c.cfg.Network.EnableDHT,
		EnableRelay:            c.cfg.Network.EnableRelay,
		EnableNAT:              c.cfg.Network.EnableNAT,
		EnableHolePunching:     c.cfg.Network.EnableHolePunching,
		ReconnectMaxConcurrent: nonZeroInt(c.cfg.Network.ReconnectMaxConcurrent, config.DefaultReconnectMaxConcurrent),

		ConnMgrLowWater:    c.cfg.Network.ConnMgr.LowWater,
		ConnMgrHighWater:   c.cfg.Network.ConnMgr.HighWater,
		ConnMgrGracePeriod: c.cfg.Network.ConnMgr.GracePeriod,

		Delegate: c,
		Logger:   c.log,
	})
	if err != nil {
		c.cancel()
		return err
	}
	c.runtime = runtime

	bootstrap := append([]string{}, c.cfg.Network.BootstrapNodes...)
	if c.ledgerPath != "" {
		records, err := swarm.LoadBootstrapRecords(c.ledgerPath)
		if err != nil {
			c.log.Warn("failed to load persisted ledger", "error", err)
		}
		bootstrap = append(bootstrap, addrsFromRecords(records)...)
	}

	if err := c.runtime.Start(dedupeStrings(bootstrap)); err != nil {
		c.cancel()
		return err
	}

	if c.ledgerPath != "" {
		c.wg.Add(1)
		go c.persistLedgerPeriodically()
	}

	c.log.Info("core started", "peer_id", c.identity.PeerID().String())
	return nil
}

// Stop drains in-flight work and tears down the runtime and storage. Safe
// to call once; a second call is a no-op.
func (c *Core) Stop() error {
	if c.runtime == nil || c.ctx.Err() != nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	if c.ledgerPath != "" {
		c.saveLedger()
	}

	err := c.runtime.Stop()
	c.retryS.ShutdownCancelAll()
	if closeErr := c.backend.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (c *Core) persistLedgerPeriodically() {
	defer c.wg.Done()
	ticker := time.NewTicker(ledgerSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.saveLedger()
		}
	}
}

func (c *Core) saveLedger() {
	records := c.runtime.LedgerRecords()
	if err := swarm.SaveBootstrapRecords(c.ledgerPath, records); err != nil {
		c.log.Warn("failed to persist ledger", "error", err)
	}
}

// SetDelegate replaces the delegate notified of peer and message events.
func (c *Core) SetDelegate(d swarm.Delegate) {
	c.delegateMu.Lock()
	defer c.delegateMu.Unlock()
	c.delegate = d
}

func (c *Core) forward() swarm.Delegate {
	c.delegateMu.Lock()
	defer c.delegateMu.Unlock()
	return c.delegate
}

// --- swarm.Delegate implementation ---
//
// Each of these runs on whichever runtime goroutine raised the event (the
// event loop, a worker, or a delivery goroutine), already wrapped in the
// runtime's own panic-recovering safeDelegate, does whatever local
// bookkeeping C1-C11 call for, and then forwards to the caller-supplied
// delegate if one is set.

func (c *Core) OnPeerDiscovered(peerID string) {
	c.log.Debug("peer discovered", "peer", peerID)
	if d := c.forward(); d != nil {
		d.OnPeerDiscovered(peerID)
	}
}

func (c *Core) OnPeerDisconnected(peerID string) {
	c.log.Debug("peer disconnected", "peer", peerID)
	if d := c.forward(); d != nil {
		d.OnPeerDisconnected(peerID)
	}
}

func (c *Core) OnPeerIdentified(peerID string, listenAddrs []string) {
	c.log.Debug("peer identified", "peer", peerID, "addrs", len(listenAddrs))
	if d := c.forward(); d != nil {
		d.OnPeerIdentified(peerID, listenAddrs)
	}
}

func (c *Core) OnMessageReceived(senderHash [32]byte, messageID [16]byte, payload []byte) {
	if err := c.contactsB.TouchLastSeen(senderHash, time.Now()); err != nil {
		c.log.Warn("failed to touch contact last-seen", "error", err)
	}
	if d := c.forward(); d != nil {
		d.OnMessageReceived(senderHash, messageID, payload)
	}
}

func (c *Core) OnReceiptReceived(messageID [16]byte, status swarm.ReceiptStatus) {
	if d := c.forward(); d != nil {
		d.OnReceiptReceived(messageID, status)
	}
}

// --- caller-facing API ---

// Identity returns the node's long-term identity.
func (c *Core) Identity() *identity.Identity { return c.identity }

// Contacts returns the contact book, for callers that manage the address
// book directly rather than only through ShareLedger gossip.
func (c *Core) Contacts() *contacts.Book { return c.contactsB }

// Send implements spec.md §4.7's send command against the running swarm.
func (c *Core) Send(recipientHash [32]byte, msg *envelope.Message) (<-chan retry.Result, error) {
	if c.runtime == nil {
		return nil, coreerr.New(coreerr.NotInitialized, "core not started")
	}
	return c.runtime.Send(recipientHash, msg)
}

// Dial best-effort connects to a multiaddress.
func (c *Core) Dial(multiaddress string) error {
	if c.runtime == nil {
		return coreerr.New(coreerr.NotInitialized, "core not started")
	}
	return c.runtime.Dial(multiaddress)
}

// Subscribe joins a gossip topic.
func (c *Core) Subscribe(topic string) (<-chan swarm.TopicMessage, error) {
	if c.runtime == nil {
		return nil, coreerr.New(coreerr.NotInitialized, "core not started")
	}
	return c.runtime.Subscribe(topic)
}

// Publish fans out data on a gossip topic.
func (c *Core) Publish(topic string, data []byte) error {
	if c.runtime == nil {
		return coreerr.New(coreerr.NotInitialized, "core not started")
	}
	return c.runtime.Publish(topic, data)
}

// PeerCount, Uptime, ID, Addrs expose the runtime's status for a CLI's
// banner and status tick.
func (c *Core) PeerCount() int {
	if c.runtime == nil {
		return 0
	}
	return c.runtime.PeerCount()
}

func (c *Core) Uptime() time.Duration {
	if c.runtime == nil {
		return 0
	}
	return c.runtime.Uptime()
}

func (c *Core) ID() string {
	return c.identity.PeerID().String()
}

func (c *Core) Addrs() []string {
	if c.runtime == nil {
		return nil
	}
	addrs := c.runtime.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%s/p2p/%s", a.String(), c.ID())
	}
	return out
}

// OutboxPending reports how many envelopes in the outbox for recipient
// have not yet been acked, for a status tick.
func (c *Core) OutboxPending(recipient [32]byte) (int, error) {
	entries, err := c.outboxS.ForRecipient(recipient)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, e := range entries {
		if e.Status != outbox.StatusAcked {
			pending++
		}
	}
	return pending, nil
}

func addrsFromRecords(records []swarm.BootstrapRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		if r.Addr != "" {
			out = append(out, r.Addr)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func nonZero64(v, fallback int64) int64 {
	if v == 0 {
		return fallback
	}
	return v
}

func nonZeroInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func nonZeroDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

// expandHome expands a leading ~ to the user's home directory, matching
// internal/config's own expansion so the two never disagree about where
// the data directory lives.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

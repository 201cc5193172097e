// Package swarm implements C7 SwarmRuntime: the single event loop that
// owns the libp2p host and drives peer discovery, command dispatch, retry
// ticks, and reputation bookkeeping, per spec.md §4.7/§5.
//
// Grounded on internal/node/node.go's Node: identical libp2p host
// construction sequence (identity, listen addrs, connection manager, NAT/
// relay/hole-punching options, DHT, GossipSub, mDNS), generalized from a
// swap-exchange node with a background swap handler to a single-
// goroutine command-driven runtime wiring C2-C11 instead.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"lukechampine.com/blake3"

	"github.com/driftmesh/core/internal/contacts"
	"github.com/driftmesh/core/internal/coreerr"
	"github.com/driftmesh/core/internal/envelope"
	"github.com/driftmesh/core/internal/identity"
	"github.com/driftmesh/core/internal/inbox"
	"github.com/driftmesh/core/internal/outbox"
	"github.com/driftmesh/core/internal/relay"
	"github.com/driftmesh/core/internal/reputation"
	"github.com/driftmesh/core/internal/retry"
	"github.com/driftmesh/core/pkg/logging"
)

const (
	retryTickInterval      = 500 * time.Millisecond
	reconnectTickInterval  = 2 * time.Second
	identityMultihashBytes = 6 // see internal/identity/peerid.go's fixed prefix
	workerPoolSize         = 16
	workerQueueDepth       = 256
)

// Options configures a new Runtime. Every field the swarm needs is passed
// in explicitly rather than through a shared config package, so swarm
// stays testable without constructing a full internal/config.Config.
type Options struct {
	Identity   *identity.Identity
	Codec      *envelope.Codec
	Outbox     *outbox.Outbox
	Inbox      *inbox.Inbox
	Contacts   *contacts.Book
	Reputation *reputation.Tracker
	Retry      *retry.Scheduler
	Relay      *relay.Forwarder

	DriftWindow time.Duration

	ListenPort             int
	BootstrapNodes         []string
	EnableMDNS             bool
	EnableDHT              bool
	EnableRelay            bool
	EnableNAT              bool
	EnableHolePunching     bool
	ReconnectMaxConcurrent int

	ConnMgrLowWater    int
	ConnMgrHighWater   int
	ConnMgrGracePeriod time.Duration

	Delegate Delegate
	Logger   *logging.Logger
}

// Runtime is C7 SwarmRuntime: one libp2p host plus the single goroutine
// that drives every transport event, command, and timer against it.
type Runtime struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub

	routingDisc *drouting.RoutingDiscovery
	mdnsService mdns.Service

	identity   *identity.Identity
	codec      *envelope.Codec
	outbox     *outbox.Outbox
	inbox      *inbox.Inbox
	contacts   *contacts.Book
	reputation *reputation.Tracker
	retryS     *retry.Scheduler
	relayF     *relay.Forwarder

	driftWindow            time.Duration
	reconnectMaxConcurrent int

	delegate *safeDelegate
	log      *logging.Logger

	cmdCh   chan any
	workers chan func()

	reconnectSem   chan struct{}
	reconnectQueue chan peer.ID

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription

	ledgerMu      sync.Mutex
	ledgerRecords []BootstrapRecord

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
}

// New constructs the libp2p host and every C2-C11 wiring, but does not
// yet start the event loop or accept bootstrap connections; call Start for
// that.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Identity == nil {
		return nil, coreerr.New(coreerr.InvalidInput, "swarm requires an identity")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.ReconnectMaxConcurrent <= 0 {
		opts.ReconnectMaxConcurrent = 3
	}

	ctx, cancel := context.WithCancel(ctx)

	r := &Runtime{
		identity:               opts.Identity,
		codec:                  opts.Codec,
		outbox:                 opts.Outbox,
		inbox:                  opts.Inbox,
		contacts:               opts.Contacts,
		reputation:             opts.Reputation,
		retryS:                 opts.Retry,
		relayF:                 opts.Relay,
		driftWindow:            opts.DriftWindow,
		reconnectMaxConcurrent: opts.ReconnectMaxConcurrent,
		delegate:               newSafeDelegate(opts.Delegate, opts.Logger),
		log:                    opts.Logger.Component("swarm"),
		cmdCh:                  make(chan any, 64),
		workers:                make(chan func(), workerQueueDepth),
		reconnectSem:           make(chan struct{}, opts.ReconnectMaxConcurrent),
		reconnectQueue:         make(chan peer.ID, 256),
		topics:                 make(map[string]*pubsub.Topic),
		subs:                   make(map[string]*pubsub.Subscription),
		ctx:                    ctx,
		cancel:                 cancel,
	}

	listenAddrs, err := listenMultiaddrs(opts.ListenPort)
	if err != nil {
		cancel()
		return nil, err
	}

	cm, err := connmgr.NewConnManager(
		nonZero(opts.ConnMgrLowWater, 32),
		nonZero(opts.ConnMgrHighWater, 128),
		connmgr.WithGracePeriod(nonZeroDuration(opts.ConnMgrGracePeriod, time.Minute)),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(opts.Identity.PrivKey()),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if opts.EnableNAT {
		hostOpts = append(hostOpts, libp2p.NATPortMap())
	}
	if opts.EnableRelay {
		hostOpts = append(hostOpts, libp2p.EnableRelay())
	}
	if opts.EnableHolePunching {
		hostOpts = append(hostOpts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	r.host = h

	if opts.EnableDHT {
		if err := r.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("initialize DHT: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithPeerExchange(true), pubsub.WithFloodPublish(true))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("initialize pubsub: %w", err)
	}
	r.pubsub = ps

	if opts.EnableMDNS {
		r.mdnsService = mdns.NewMdnsService(h, mdnsNamespace, mdnsNotifee{r})
		if err := r.mdnsService.Start(); err != nil {
			r.log.Warn("mdns start failed", "error", err)
			r.mdnsService = nil
		}
	}

	h.SetStreamHandler(EnvelopeProtocol, r.handleEnvelopeStream)
	h.SetStreamHandler(RelayProtocol, r.handleRelayStream)
	h.SetStreamHandler(DriftProtocol, r.handleDriftStream)
	h.SetStreamHandler(p2pprotocol.ID(LedgerProtocol), r.handleLedgerStream)

	r.startTime = time.Now()
	for i := 0; i < workerPoolSize; i++ {
		r.wg.Add(1)
		go r.workerLoop()
	}

	return r, nil
}

// Start begins the event loop, dials configured bootstrap peers, and
// advertises this node for DHT-assisted discovery.
func (r *Runtime) Start(bootstrapNodes []string) error {
	sub, err := r.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("subscribe peer connectedness events: %w", err)
	}

	r.wg.Add(1)
	go r.run(sub)

	r.replayPendingOutbox()

	for _, addr := range bootstrapNodes {
		addr := addr
		r.submitWork(func() { r.dialBootstrap(addr) })
	}

	if r.routingDisc != nil {
		r.submitWork(func() { dutil.Advertise(r.ctx, r.routingDisc, rendezvousNamespace) })
		r.wg.Add(1)
		go r.discoverPeers()
	}

	r.log.Info("swarm runtime started", "peer_id", r.host.ID().String())
	return nil
}

// Stop drains the command queue, cancels every pending delivery, flushes
// nothing further (Outbox/Inbox are already durable per-write, per
// spec.md §4.3/§4.5), and tears the host down. Per spec.md §5, in-flight
// Send replies resolve Cancelled rather than being left to hang.
func (r *Runtime) Stop() error {
	r.cancel()
	r.retryS.ShutdownCancelAll()
	r.wg.Wait()

	if r.mdnsService != nil {
		r.mdnsService.Close()
	}
	if r.dht != nil {
		r.dht.Close()
	}
	return r.host.Close()
}

func (r *Runtime) initDHT(ctx context.Context) error {
	var err error
	r.dht, err = dht.New(ctx, r.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(p2pprotocol.ID(kadProtocolPrefix)),
	)
	if err != nil {
		return err
	}
	if err := r.dht.Bootstrap(ctx); err != nil {
		return err
	}
	r.routingDisc = drouting.NewRoutingDiscovery(r.dht)
	return nil
}

// run is the single event loop: it never calls blocking I/O itself,
// dispatching anything that might block onto the worker pool, per
// spec.md §5's "the loop never stalls" requirement.
func (r *Runtime) run(sub event.Subscription) {
	defer r.wg.Done()
	defer sub.Close()

	retryTicker := time.NewTicker(retryTickInterval)
	defer retryTicker.Stop()
	reconnectTicker := time.NewTicker(reconnectTickInterval)
	defer reconnectTicker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case ev := <-sub.Out():
			if e, ok := ev.(event.EvtPeerConnectednessChanged); ok {
				r.handleConnectednessChange(e)
			}

		case c := <-r.cmdCh:
			r.handleCommand(c)

		case <-retryTicker.C:
			now := time.Now()
			for _, d := range r.retryS.Due(now) {
				d := d
				path := d.CurrentPath()
				r.submitWork(func() { r.attempt(d.MessageID, d.Recipient, d.EnvelopeWire, path) })
			}

		case <-reconnectTicker.C:
			r.drainReconnectQueue()
		}
	}
}

// submitWork hands fn to the bounded worker pool, per spec.md §5. If the
// queue is full the caller blocks until a worker takes an item; once the
// runtime is shutting down, fn is dropped instead. Callers are the event
// loop, Start, the libp2p stream handlers, the mDNS notifee, and the DHT
// discovery goroutine.
func (r *Runtime) submitWork(fn func()) {
	select {
	case r.workers <- fn:
	case <-r.ctx.Done():
	}
}

func (r *Runtime) workerLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.workers:
			fn()
		}
	}
}

// handleConnectednessChange reacts to a peer connectedness transition,
// grounded on internal/node/peer_monitor.go's EventBus subscription
// pattern — the single source of truth for connect/disconnect state, so
// the event loop never double-processes a transition the way a second
// network.NotifyBundle hook would.
func (r *Runtime) handleConnectednessChange(e event.EvtPeerConnectednessChanged) {
	switch e.Connectedness {
	case network.Connected:
		r.handlePeerConnected(e.Peer)
	case network.NotConnected:
		r.handlePeerDisconnected(e.Peer)
	}
}

func (r *Runtime) handlePeerConnected(p peer.ID) {
	r.delegate.peerDiscovered(p.String())

	addrs := r.host.Peerstore().Addrs(p)
	addrStrs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		addrStrs = append(addrStrs, a.String())
	}
	r.delegate.peerIdentified(p.String(), addrStrs)

	if r.host.ID().String() < p.String() {
		r.submitWork(func() { r.initiateDrift(p) })
	}
}

func (r *Runtime) handlePeerDisconnected(p peer.ID) {
	r.delegate.peerDisconnected(p.String())
	select {
	case r.reconnectQueue <- p:
	default:
		r.log.Warn("reconnect queue full, dropping reconnect candidate", "peer", p.String())
	}
}

// drainReconnectQueue dials as many queued disconnected peers as the
// reconnect admission semaphore allows, per spec.md §4.7's resume-storm
// control: RECONNECT_MAX_CONCURRENT bounds simultaneous reconnect dials.
func (r *Runtime) drainReconnectQueue() {
	for {
		select {
		case p := <-r.reconnectQueue:
			if r.host.Network().Connectedness(p) == network.Connected {
				continue
			}
			select {
			case r.reconnectSem <- struct{}{}:
				r.submitWork(func() {
					defer func() { <-r.reconnectSem }()
					r.reconnectPeer(p)
				})
			default:
				// No admission slot free this tick; requeue for the next.
				select {
				case r.reconnectQueue <- p:
				default:
				}
				return
			}
		default:
			return
		}
	}
}

func (r *Runtime) reconnectPeer(p peer.ID) {
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()
	addrInfo := r.host.Peerstore().PeerInfo(p)
	if err := r.host.Connect(ctx, addrInfo); err != nil {
		r.log.Debug("reconnect failed", "peer", p.String(), "error", err)
	}
}

func (r *Runtime) dialBootstrap(addr string) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		r.log.Warn("invalid bootstrap address", "addr", addr, "error", err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		r.log.Warn("invalid bootstrap peer info", "addr", addr, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()
	if err := r.host.Connect(ctx, *pi); err != nil {
		r.log.Warn("bootstrap connect failed", "peer", pi.ID.String(), "error", err)
		return
	}
	r.ledgerMu.Lock()
	r.ledgerRecords = mergeBootstrapRecord(r.ledgerRecords, addr, pi.ID.String(), time.Now().Unix())
	r.ledgerMu.Unlock()
	r.log.Info("connected to bootstrap peer", "peer", pi.ID.String())
}

func (r *Runtime) discoverPeers() {
	defer r.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(r.ctx, r.routingDisc, rendezvousNamespace)
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == r.host.ID() {
					continue
				}
				if r.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				pi := pi
				r.submitWork(func() {
					ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
					defer cancel()
					r.host.Connect(ctx, pi)
				})
			}
		}
	}
}

// mdnsNotifee adapts Runtime to mdns.Notifee.
type mdnsNotifee struct{ r *Runtime }

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.r.host.ID() {
		return
	}
	n.r.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	n.r.submitWork(func() {
		ctx, cancel := context.WithTimeout(n.r.ctx, 10*time.Second)
		defer cancel()
		if err := n.r.host.Connect(ctx, pi); err != nil {
			n.r.log.Debug("mdns connect failed", "peer", pi.ID.String(), "error", err)
		}
	})
}

// ID returns the runtime's libp2p peer id.
func (r *Runtime) ID() peer.ID { return r.host.ID() }

// Addrs returns the runtime's listen addresses.
func (r *Runtime) Addrs() []multiaddr.Multiaddr { return r.host.Addrs() }

// PeerCount returns the number of currently connected peers.
func (r *Runtime) PeerCount() int { return len(r.host.Network().Peers()) }

// Uptime reports how long the runtime has been running.
func (r *Runtime) Uptime() time.Duration { return time.Since(r.startTime) }

// peerIDToIdentityHash recovers the Blake3 identity hash of a peer.ID,
// reversing the derivation in internal/identity.Identity.fromPrivKey: a
// driftmesh peer.ID is always an Ed25519 identity multihash over the raw
// public key, so extracting that key and re-hashing it recovers the
// identity hash without a contacts lookup.
func peerIDToIdentityHash(p peer.ID) ([32]byte, error) {
	pub, err := identity.ExtractPublicKey(p)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(pub), nil
}

func listenMultiaddrs(port int) ([]multiaddr.Multiaddr, error) {
	specs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", port),
	}
	out := make([]multiaddr.Multiaddr, 0, len(specs))
	for _, s := range specs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", s, err)
		}
		out = append(out, ma)
	}
	return out, nil
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}


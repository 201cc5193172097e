// Package main provides the driftd daemon — a sovereign, server-less,
// end-to-end encrypted peer-to-peer messaging node.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/driftmesh/core/internal/config"
	"github.com/driftmesh/core/internal/core"
	"github.com/driftmesh/core/internal/debugbus"
	"github.com/driftmesh/core/internal/swarm"
	"github.com/driftmesh/core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.driftmesh", "Data directory")
		configFile     = flag.String("config", "", "Config file path; only its directory is used, and config.yaml is read there (default: <data-dir>/config.yaml)")
		listenPort     = flag.Int("listen", 0, "Listen port, overrides config")
		debugAddr      = flag.String("debug", "", "Debug WebSocket address (e.g. 127.0.0.1:8090), disabled if empty")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("driftd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err = config.Load(configDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenPort != 0 {
		cfg.Network.ListenPort = *listenPort
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapNodes = parseBootstrapPeers(*bootstrapPeers)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.Path(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := core.New(cfg, log)
	if err != nil {
		log.Fatal("failed to construct core", "error", err)
	}

	var bus *debugbus.Bus
	var debugServer *http.Server
	if *debugAddr != "" {
		bus = debugbus.New(log)
		go bus.Run()
		node.SetDelegate(newDebugDelegate(bus))

		mux := http.NewServeMux()
		mux.HandleFunc("/debug/ws", bus.Handler)
		debugServer = &http.Server{Addr: *debugAddr, Handler: mux}
		go func() {
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("debug server error", "error", err)
			}
		}()
		log.Info("debug websocket enabled", "addr", *debugAddr)
	}

	log.Info("starting driftmesh node...")
	if err := node.Start(); err != nil {
		log.Fatal("failed to start core", "error", err)
	}

	printBanner(log, node, cfg)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status",
					"peers", node.PeerCount(),
					"uptime", node.Uptime().Round(time.Second),
				)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()

	if debugServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := debugServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error stopping debug server", "error", err)
		}
	}

	if err := node.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}

	log.Info("goodbye!")
}

func printBanner(log *logging.Logger, node *core.Core, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  driftd (%s)", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Identity hash: %x", node.Identity().IdentityHash())
	log.Infof("  Peer ID: %s", node.ID())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range node.Addrs() {
		log.Infof("    %s", addr)
	}
	log.Info("")
	log.Infof("  mDNS: %v | DHT: %v", cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// debugDelegate fans Core's delegate callbacks out over the debug
// WebSocket bus. It never blocks: Bus.Emit drops events under backpressure
// rather than stall the runtime's worker pool.
type debugDelegate struct {
	bus *debugbus.Bus
}

func newDebugDelegate(bus *debugbus.Bus) *debugDelegate {
	return &debugDelegate{bus: bus}
}

func (d *debugDelegate) OnPeerDiscovered(peerID string) {
	d.bus.Emit(debugbus.EventPeerReachable, map[string]string{"peer_id": peerID, "state": "discovered"})
}

func (d *debugDelegate) OnPeerDisconnected(peerID string) {
	d.bus.Emit(debugbus.EventPeerReachable, map[string]string{"peer_id": peerID, "state": "disconnected"})
}

func (d *debugDelegate) OnPeerIdentified(peerID string, listenAddrs []string) {
	d.bus.Emit(debugbus.EventPeerReachable, map[string]interface{}{
		"peer_id": peerID, "state": "identified", "addrs": listenAddrs,
	})
}

func (d *debugDelegate) OnMessageReceived(senderHash [32]byte, messageID [16]byte, payload []byte) {
	d.bus.Emit(debugbus.EventEnvelopeReceived, map[string]interface{}{
		"sender_hash": hexString(senderHash[:]),
		"message_id":  hexString(messageID[:]),
		"size":        len(payload),
	})
}

func (d *debugDelegate) OnReceiptReceived(messageID [16]byte, status swarm.ReceiptStatus) {
	eventType := debugbus.EventDeliveryAcked
	if status == swarm.ReceiptFailed {
		eventType = debugbus.EventDeliveryFailed
	}
	d.bus.Emit(eventType, map[string]string{
		"message_id": hexString(messageID[:]),
		"status":     string(status),
	})
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

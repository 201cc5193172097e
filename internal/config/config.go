// Package config loads the node's YAML configuration file, generalized
// from internal/node/config.go's network/storage/logging layout to the
// option set a driftmesh node needs: listen address, bootstrap peers, the
// quota/drift tunables the swarm runtime and stores are built from, and
// retry settings (see RetryConfig).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the option set's documented defaults.
const (
	DefaultListenPort             = 9000
	DefaultOutboxQuotaBytes       = 10 << 20
	DefaultInboxQuotaBytes        = 8 << 20
	DefaultRelayBudgetBytesPerHr  = 50 << 20
	DefaultReconnectMaxConcurrent = 3
	DefaultDriftWindow            = 24 * time.Hour
	DefaultRetryMaxAttempts       = 10
	DefaultRetryBaseDelay         = 100 * time.Millisecond
	DefaultRetryMaxDelay          = 10 * time.Second
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for a driftmesh node.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Network NetworkConfig `yaml:"network"`
	Quotas  QuotaConfig   `yaml:"quotas"`
	Retry   RetryConfig   `yaml:"retry"`
	Drift   DriftConfig   `yaml:"drift"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory holding the identity key, the keyed store,
	// and the config file itself.
	DataDir string `yaml:"data_dir"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	// ListenPort is the TCP/QUIC port the libp2p host listens on.
	ListenPort int `yaml:"listen_port"`

	// BootstrapNodes are multiaddrs of peers to dial on startup.
	BootstrapNodes []string `yaml:"bootstrap_nodes"`

	// EnableMDNS enables local peer discovery via mDNS.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for peer discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// EnableRelay enables acting as a circuit-relay hop for other peers.
	EnableRelay bool `yaml:"enable_relay"`

	// EnableNAT enables NAT port mapping (UPnP/NAT-PMP).
	EnableNAT bool `yaml:"enable_nat"`

	// EnableHolePunching enables direct connection establishment through NAT.
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	// ReconnectMaxConcurrent bounds how many simultaneous reconnect dials
	// the swarm runtime's retry tick may have in flight at once.
	ReconnectMaxConcurrent int `yaml:"reconnect_max_concurrent"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// QuotaConfig holds the per-recipient byte budgets and the relay token
// bucket.
type QuotaConfig struct {
	OutboxQuotaBytes        int64 `yaml:"outbox_quota_bytes"`
	InboxQuotaBytes         int64 `yaml:"inbox_quota_bytes"`
	RelayBudgetBytesPerHour int64 `yaml:"relay_budget_bytes_per_hour"`
}

// RetryConfig holds retry settings read from the config file. Nothing
// consumes them: internal/retry uses its own fixed constants (100ms base,
// 10s cap, 10 attempts), so changing these values does not change retry
// behaviour.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay_ms"`
	MaxDelay    time.Duration `yaml:"max_delay_ms"`
}

// DriftConfig holds the backlog-sync protocol's window.
type DriftConfig struct {
	WindowSeconds time.Duration `yaml:"drift_window_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: "~/.driftmesh"},
		Network: NetworkConfig{
			ListenPort:             DefaultListenPort,
			BootstrapNodes:         []string{},
			EnableMDNS:             true,
			EnableDHT:              true,
			EnableRelay:            true,
			EnableNAT:              true,
			EnableHolePunching:     true,
			ReconnectMaxConcurrent: DefaultReconnectMaxConcurrent,
			ConnMgr: ConnMgrConfig{
				LowWater:    32,
				HighWater:   128,
				GracePeriod: time.Minute,
			},
		},
		Quotas: QuotaConfig{
			OutboxQuotaBytes:        DefaultOutboxQuotaBytes,
			InboxQuotaBytes:         DefaultInboxQuotaBytes,
			RelayBudgetBytesPerHour: DefaultRelayBudgetBytesPerHr,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultRetryMaxAttempts,
			BaseDelay:   DefaultRetryBaseDelay,
			MaxDelay:    DefaultRetryMaxDelay,
		},
		Drift: DriftConfig{WindowSeconds: DefaultDriftWindow},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads the config file under dataDir, creating one with defaults if
// it doesn't yet exist.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# driftmesh core node configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Path returns the full path to the config file for the given data directory.
func Path(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

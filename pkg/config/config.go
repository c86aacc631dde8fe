// Package config loads cluster and node configuration for syncd from
// environment variables and an optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Peer identifies one member of the static cluster membership.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config is the full set of tunables a syncd node needs to start.
type Config struct {
	NodeID         string        `yaml:"node_id"`
	BindAddr       string        `yaml:"bind_addr"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	DataDir        string        `yaml:"data_dir"`
	Peers          []Peer        `yaml:"peers"`
	Bootstrap      bool          `yaml:"bootstrap"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	CommitTimeout      time.Duration `yaml:"commit_timeout"`

	QueuePartitions     int           `yaml:"queue_partitions"`
	MessagePersistence  bool          `yaml:"message_persistence"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	RedeliveryInterval  time.Duration `yaml:"redelivery_interval"`
	MessageTTL          time.Duration `yaml:"message_ttl"`

	CacheSizeMB int `yaml:"cache_size_mb"`

	FailureDetectorThreshold float64 `yaml:"failure_detector_threshold"`
}

// DefaultConfig returns a Config populated with the defaults spec.md §6
// names, before env/file overlays are applied.
func DefaultConfig() *Config {
	return &Config{
		NodeID:        "",
		BindAddr:      "0.0.0.0:7950",
		AdvertiseAddr: "",
		DataDir:       "./data",
		Peers:         nil,
		Bootstrap:     false,

		HeartbeatInterval:  1 * time.Second,
		ElectionTimeoutMin: 5 * time.Second,
		ElectionTimeoutMax: 10 * time.Second,
		CommitTimeout:      2 * time.Second,

		QueuePartitions:    16,
		MessagePersistence: true,
		VisibilityTimeout:  30 * time.Second,
		RedeliveryInterval: 5 * time.Second,
		MessageTTL:         24 * time.Hour,

		CacheSizeMB: 256,

		FailureDetectorThreshold: 8.0,
	}
}

// LoadFromEnv overlays SYNCD_* environment variables onto cfg, mirroring
// the "NORNICDB_CLUSTER_*"-prefixed convention the teacher uses.
func LoadFromEnv(cfg *Config) {
	cfg.NodeID = getEnv("SYNCD_NODE_ID", cfg.NodeID)
	cfg.BindAddr = getEnv("SYNCD_BIND_ADDR", cfg.BindAddr)
	cfg.AdvertiseAddr = getEnv("SYNCD_ADVERTISE_ADDR", cfg.AdvertiseAddr)
	cfg.DataDir = getEnv("SYNCD_DATA_DIR", cfg.DataDir)
	cfg.Bootstrap = getEnvBool("SYNCD_BOOTSTRAP", cfg.Bootstrap)

	if peers := os.Getenv("SYNCD_PEERS"); peers != "" {
		cfg.Peers = parsePeers(peers)
	}

	cfg.HeartbeatInterval = getEnvDuration("SYNCD_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.ElectionTimeoutMin = getEnvDuration("SYNCD_ELECTION_TIMEOUT_MIN", cfg.ElectionTimeoutMin)
	cfg.ElectionTimeoutMax = getEnvDuration("SYNCD_ELECTION_TIMEOUT_MAX", cfg.ElectionTimeoutMax)
	cfg.CommitTimeout = getEnvDuration("SYNCD_COMMIT_TIMEOUT", cfg.CommitTimeout)

	cfg.QueuePartitions = getEnvInt("SYNCD_QUEUE_PARTITIONS", cfg.QueuePartitions)
	cfg.MessagePersistence = getEnvBool("SYNCD_MESSAGE_PERSISTENCE", cfg.MessagePersistence)
	cfg.VisibilityTimeout = getEnvDuration("SYNCD_VISIBILITY_TIMEOUT", cfg.VisibilityTimeout)
	cfg.RedeliveryInterval = getEnvDuration("SYNCD_REDELIVERY_INTERVAL", cfg.RedeliveryInterval)
	cfg.MessageTTL = getEnvDuration("SYNCD_MESSAGE_TTL", cfg.MessageTTL)

	cfg.CacheSizeMB = getEnvInt("SYNCD_CACHE_SIZE_MB", cfg.CacheSizeMB)
	cfg.FailureDetectorThreshold = getEnvFloat("SYNCD_FAILURE_DETECTOR_THRESHOLD", cfg.FailureDetectorThreshold)
}

// LoadFromFile merges a YAML file's contents onto cfg. Missing fields in
// the file leave cfg's current value untouched.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from defaults, then an optional file named by
// SYNCD_CONFIG_FILE, then environment overrides, matching the precedence
// the teacher's config loader documents (file overlays defaults, env
// overlays everything).
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("SYNCD_CONFIG_FILE"); path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants syncd's components assume at startup.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("config: bind_addr is required")
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("config: election_timeout_min must be less than election_timeout_max")
	}
	if c.QueuePartitions <= 0 {
		return fmt.Errorf("config: queue_partitions must be positive")
	}
	if c.CacheSizeMB <= 0 {
		return fmt.Errorf("config: cache_size_mb must be positive")
	}
	return nil
}

// parsePeers parses "id:host:port,id:host:port,..." into Peer entries.
func parsePeers(raw string) []Peer {
	var peers []Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		peers = append(peers, Peer{ID: parts[0], Addr: parts[1]})
	}
	return peers
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Package config loads raftd's runtime tunables.
//
// Precedence, lowest to highest: compiled-in defaults, an optional YAML
// file, environment variables (RAFTD_*), cobra flags applied by the
// caller after LoadFile/LoadEnv return. This mirrors the layering cmd/warren used
// for its log-level/log-json flags, generalized to the full tunable set
// of spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the log-backend implementation (component C vs D).
type Backend string

const (
	BackendFlatFile Backend = "flatfile"
	BackendKV       Backend = "kv"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	GroupUUID string `yaml:"group_uuid"`
	PeerUUID  string `yaml:"peer_uuid"`

	PeerAddr   string `yaml:"peer_addr"`
	ClientAddr string `yaml:"client_addr"`
	LogDir     string `yaml:"log_dir"`
	Backend    Backend `yaml:"backend"`
	PeersFile  string `yaml:"peers_file"`
	MetricsAddr string `yaml:"metrics_addr"`

	EpollMaxEvents int `yaml:"epoll_max_events"`

	ElectionTimeoutMinMS int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `yaml:"election_timeout_max_ms"`
	HeartbeatMS          int `yaml:"heartbeat_ms"`

	ClientTimerMS  int `yaml:"client_timer_ms"`
	StaleServerMS  int `yaml:"stale_server_ms"`
	RetryTimeoutMS int `yaml:"retry_timeout_ms"`
	RequestsPerSec int `yaml:"requests_per_sec"`
	PingsToViable  int `yaml:"pings_to_viable"`
	MaxSubApps     int `yaml:"max_subapps"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the tunables' compiled-in defaults (spec.md §6 and §4.E).
func Default() *Config {
	return &Config{
		Backend:              BackendFlatFile,
		MetricsAddr:          ":9090",
		EpollMaxEvents:       128,
		ElectionTimeoutMinMS: 1500,
		ElectionTimeoutMaxMS: 3000,
		HeartbeatMS:          50,
		ClientTimerMS:        10,
		StaleServerMS:        100,
		RetryTimeoutMS:       20,
		RequestsPerSec:       1000,
		PingsToViable:        4,
		MaxSubApps:           4096,
		LogLevel:             "info",
	}
}

// ElectionTimeoutRange returns the [min,max] election timeout as durations.
func (c *Config) ElectionTimeoutRange() (time.Duration, time.Duration) {
	return time.Duration(c.ElectionTimeoutMinMS) * time.Millisecond,
		time.Duration(c.ElectionTimeoutMaxMS) * time.Millisecond
}

// HeartbeatInterval returns the leader heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

// LoadFile merges a YAML config file's contents over the current config.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadEnv merges RAFTD_* environment variables over the current config.
func (c *Config) LoadEnv() error {
	if v := os.Getenv("RAFTD_GROUP_UUID"); v != "" {
		c.GroupUUID = v
	}
	if v := os.Getenv("RAFTD_PEER_UUID"); v != "" {
		c.PeerUUID = v
	}
	if v := os.Getenv("RAFTD_PEER_ADDR"); v != "" {
		c.PeerAddr = v
	}
	if v := os.Getenv("RAFTD_CLIENT_ADDR"); v != "" {
		c.ClientAddr = v
	}
	if v := os.Getenv("RAFTD_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("RAFTD_BACKEND"); v != "" {
		c.Backend = Backend(v)
	}
	if v := os.Getenv("RAFTD_REQUESTS_PER_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RAFTD_REQUESTS_PER_SEC: %w", err)
		}
		c.RequestsPerSec = n
	}
	return nil
}

// Validate checks the tunables required to bring a server up.
func (c *Config) Validate() error {
	if c.GroupUUID == "" {
		return fmt.Errorf("config: group_uuid (-r) is required")
	}
	if c.PeerUUID == "" {
		return fmt.Errorf("config: peer_uuid (-u) is required")
	}
	if c.PeersFile == "" {
		return fmt.Errorf("config: peers_file (--peers) is required")
	}
	if c.Backend != BackendFlatFile && c.Backend != BackendKV {
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.ElectionTimeoutMinMS >= c.ElectionTimeoutMaxMS {
		return fmt.Errorf("config: election_timeout_min_ms must be < election_timeout_max_ms")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/artsync/internal/tracing"
)

// Config is the top-level configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Replication ReplicationConfig `yaml:"replication"`
	Clusters    ClustersConfig    `yaml:"clusters"`
	Tracing     tracing.Config    `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// ScheduleConfig holds settings for the cron trigger loop run by serve
type ScheduleConfig struct {
	Enabled       bool          `yaml:"enabled"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Timezone      string        `yaml:"timezone"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// ReplicationConfig holds fan-out and transport settings
type ReplicationConfig struct {
	MaxConcurrentLegs int           `yaml:"max_concurrent_legs"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ProbeCacheTTL     time.Duration `yaml:"probe_cache_ttl"`
	StorageRoot       string        `yaml:"storage_root"`
	TransferTimeout   time.Duration `yaml:"transfer_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts"`
}

// ClustersConfig names the local cluster and lists every known node
type ClustersConfig struct {
	Local string        `yaml:"local"`
	Nodes []ClusterNode `yaml:"nodes"`
}

// ClusterNode is one cluster participating in replication
type ClusterNode struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Type is CENTER, EDGE or STANDALONE.
	Type string `yaml:"type"`
	// RepoTypes lists the repository types the node accepts. Empty means all.
	RepoTypes []string `yaml:"repo_types"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "0.0.0.0:8080",
			DataDir: "/var/lib/artsync",
			DBPath:  "",
		},
		Schedule: ScheduleConfig{
			Enabled:       true,
			PollInterval:  30 * time.Second,
			Timezone:      "UTC",
			PurgeInterval: time.Hour,
		},
		Replication: ReplicationConfig{
			MaxConcurrentLegs: 4,
			ProbeTimeout:      5 * time.Second,
			ProbeCacheTTL:     30 * time.Second,
			StorageRoot:       "/var/lib/artsync/storage",
			TransferTimeout:   10 * time.Minute,
			RetryAttempts:     3,
		},
		Clusters: ClustersConfig{
			Local: "center",
		},
		Tracing: tracing.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"artsync.yaml",
		"/etc/artsync/artsync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "artsync", "artsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DatabasePath returns the configured DB path or the default under DataDir
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "artsync.db")
}

// Node looks up a cluster node by name
func (c *Config) Node(name string) (ClusterNode, bool) {
	for _, n := range c.Clusters.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return ClusterNode{}, false
}

// Validate checks the config for values the engine cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.DataDir == "" && c.Server.DBPath == "" {
		errs = append(errs, fmt.Errorf("server.data_dir or server.db_path is required"))
	}
	if c.Schedule.Enabled && c.Schedule.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("schedule.poll_interval must be positive"))
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	if c.Replication.MaxConcurrentLegs < 1 {
		errs = append(errs, fmt.Errorf("replication.max_concurrent_legs must be at least 1"))
	}
	if c.Replication.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("replication.retry_attempts must not be negative"))
	}

	if c.Clusters.Local == "" {
		errs = append(errs, fmt.Errorf("clusters.local is required"))
	}
	seen := make(map[string]bool, len(c.Clusters.Nodes))
	for i, n := range c.Clusters.Nodes {
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("clusters.nodes[%d].name is required", i))
			continue
		}
		if seen[n.Name] {
			errs = append(errs, fmt.Errorf("clusters.nodes[%d]: duplicate name %q", i, n.Name))
		}
		seen[n.Name] = true
		if n.Name != c.Clusters.Local && n.URL == "" {
			errs = append(errs, fmt.Errorf("clusters.nodes[%d] (%s): url is required", i, n.Name))
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /"))
	}

	return errors.Join(errs...)
}

// Package config handles configuration loading and validation for blobmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AccountConfig describes one storage account: the virtual gateway account, the
// namespace account, or a backing data account.
type AccountConfig struct {
	Name          string `yaml:"name"`
	Key           string `yaml:"key"`           // Base64 primary key (or set BLOBMESH_KEY_<NAME>)
	SecondaryKey  string `yaml:"secondary_key"` // Base64 secondary key (optional)
	BlobEndpoint  string `yaml:"blob_endpoint"` // Default: https://<name>.blob.core.windows.net
	QueueEndpoint string `yaml:"queue_endpoint"`
}

// AuthConfig controls inbound request verification.
type AuthConfig struct {
	MaxRequestAge string `yaml:"max_request_age"` // Duration string, default "15m"
}

// DynamoDBConfig holds settings for the DynamoDB namespace backend.
type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // Optional endpoint override (e.g. DynamoDB Local)
}

// RedisConfig holds settings for the Redis namespace cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig controls the namespace read cache.
type CacheConfig struct {
	Enabled bool        `yaml:"enabled"`
	Backend string      `yaml:"backend"` // "memory" or "redis"
	TTL     string      `yaml:"ttl"`     // Duration string, default "5m"
	Size    int         `yaml:"size"`    // Max entries for the memory backend
	Redis   RedisConfig `yaml:"redis"`
}

// NamespaceConfig selects where namespace entries are stored.
type NamespaceConfig struct {
	Backend   string         `yaml:"backend"`   // "blob", "dynamodb" or "memory"
	Container string         `yaml:"container"` // Namespace container prefix for the blob backend
	DynamoDB  DynamoDBConfig `yaml:"dynamodb"`
	Cache     CacheConfig    `yaml:"cache"`
}

// QueueConfig controls the replication work queue and its dispatcher.
type QueueConfig struct {
	Backend             string `yaml:"backend"` // "azure" or "memory"
	Name                string `yaml:"name"`
	DeadLetterName      string `yaml:"dead_letter_name"`
	InvisibilityTimeout string `yaml:"invisibility_timeout"` // Duration string, default "60s"
	IdleBackoff         string `yaml:"idle_backoff"`         // Duration string, default "2s"
	Workers             int    `yaml:"workers"`
	MaxDeliveryCount    int    `yaml:"max_delivery_count"`
	DequeueRate         int    `yaml:"dequeue_rate"` // Max dequeue calls per second per process
}

// ReplicationConfig controls blob replication between data accounts.
type ReplicationConfig struct {
	Enabled           bool        `yaml:"enabled"`
	PathPattern       string      `yaml:"path_pattern"`        // Regex matched against "container/blob"
	WaitBudget        string      `yaml:"wait_budget"`         // Duration string, default "10s"
	PollInterval      string      `yaml:"poll_interval"`       // Duration string, default "1s"
	SourceSASLifetime string      `yaml:"source_sas_lifetime"` // Duration string, default "1h"
	Queue             QueueConfig `yaml:"queue"`
}

// LokiConfig enables shipping logs to a Loki push endpoint.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"` // e.g. "http://loki:3100"
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Duration string, default "5s"
	Compress      bool              `yaml:"compress"`       // gzip push bodies
}

// Config is the top-level blobmesh configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	LogLevel      string `yaml:"log_level"`
	// LogFormat is "console" or "json".
	LogFormat string     `yaml:"log_format"`
	Loki      LokiConfig `yaml:"loki"`
	// Account is the virtual account clients sign for.
	Account       AccountConfig `yaml:"account"`
	Auth          AuthConfig    `yaml:"auth"`
	NamespaceAcct AccountConfig `yaml:"namespace_account"`
	// Accounts lists the data accounts in order; the order drives placement.
	Accounts    []AccountConfig   `yaml:"accounts"`
	Namespace   NamespaceConfig   `yaml:"namespace"`
	Replication ReplicationConfig `yaml:"replication"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":10000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Loki.BatchSize == 0 {
		c.Loki.BatchSize = 100
	}
	if c.Loki.FlushInterval == "" {
		c.Loki.FlushInterval = "5s"
	}
	if c.Auth.MaxRequestAge == "" {
		c.Auth.MaxRequestAge = "15m"
	}

	c.Account.applyDefaults()
	c.NamespaceAcct.applyDefaults()
	for i := range c.Accounts {
		c.Accounts[i].applyDefaults()
	}

	if c.Namespace.Backend == "" {
		c.Namespace.Backend = "blob"
	}
	if c.Namespace.Container == "" {
		c.Namespace.Container = "blobmesh-namespace"
	}
	if c.Namespace.Cache.Backend == "" {
		c.Namespace.Cache.Backend = "memory"
	}
	if c.Namespace.Cache.TTL == "" {
		c.Namespace.Cache.TTL = "5m"
	}
	if c.Namespace.Cache.Size == 0 {
		c.Namespace.Cache.Size = 100000
	}

	r := &c.Replication
	if r.WaitBudget == "" {
		r.WaitBudget = "10s"
	}
	if r.PollInterval == "" {
		r.PollInterval = "1s"
	}
	if r.SourceSASLifetime == "" {
		r.SourceSASLifetime = "1h"
	}
	q := &r.Queue
	if q.Backend == "" {
		q.Backend = "azure"
	}
	if q.Name == "" {
		q.Name = "blobmesh-replication"
	}
	if q.DeadLetterName == "" {
		q.DeadLetterName = q.Name + "-poison"
	}
	if q.InvisibilityTimeout == "" {
		q.InvisibilityTimeout = "60s"
	}
	if q.IdleBackoff == "" {
		q.IdleBackoff = "2s"
	}
	if q.Workers == 0 {
		q.Workers = 1
	}
	if q.MaxDeliveryCount == 0 {
		q.MaxDeliveryCount = 10
	}
	if q.DequeueRate == 0 {
		q.DequeueRate = 20
	}
}

func (a *AccountConfig) applyDefaults() {
	if a.Name == "" {
		return
	}
	if a.BlobEndpoint == "" {
		a.BlobEndpoint = fmt.Sprintf("https://%s.blob.core.windows.net", a.Name)
	}
	if a.QueueEndpoint == "" {
		a.QueueEndpoint = fmt.Sprintf("https://%s.queue.core.windows.net", a.Name)
	}
	a.BlobEndpoint = strings.TrimSuffix(a.BlobEndpoint, "/")
	a.QueueEndpoint = strings.TrimSuffix(a.QueueEndpoint, "/")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Account.Name == "" {
		return fmt.Errorf("account.name is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one data account is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("accounts[%d]: duplicate account %q", i, a.Name)
		}
		seen[a.Name] = true
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.Loki.Enabled && c.Loki.URL == "" {
		return fmt.Errorf("loki.url is required when loki is enabled")
	}

	durations := map[string]string{
		"auth.max_request_age":                   c.Auth.MaxRequestAge,
		"loki.flush_interval":                    c.Loki.FlushInterval,
		"namespace.cache.ttl":                    c.Namespace.Cache.TTL,
		"replication.wait_budget":                c.Replication.WaitBudget,
		"replication.poll_interval":              c.Replication.PollInterval,
		"replication.source_sas_lifetime":        c.Replication.SourceSASLifetime,
		"replication.queue.invisibility_timeout": c.Replication.Queue.InvisibilityTimeout,
		"replication.queue.idle_backoff":         c.Replication.Queue.IdleBackoff,
	}
	for field, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", field)
		}
	}
	// A job still polling inside its budget must not become visible to
	// another worker.
	if Duration(c.Replication.Queue.InvisibilityTimeout) <= Duration(c.Replication.WaitBudget) {
		return fmt.Errorf("replication.queue.invisibility_timeout must exceed replication.wait_budget")
	}

	switch c.Namespace.Backend {
	case "blob":
		if c.NamespaceAcct.Name == "" {
			return fmt.Errorf("namespace_account.name is required for the blob namespace backend")
		}
	case "dynamodb":
		if c.Namespace.DynamoDB.Table == "" {
			return fmt.Errorf("namespace.dynamodb.table is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown namespace.backend %q", c.Namespace.Backend)
	}

	if c.Namespace.Cache.Enabled {
		switch c.Namespace.Cache.Backend {
		case "memory":
			if c.Namespace.Cache.Size < 1 {
				return fmt.Errorf("namespace.cache.size must be positive")
			}
		case "redis":
			if c.Namespace.Cache.Redis.Addr == "" {
				return fmt.Errorf("namespace.cache.redis.addr is required")
			}
		default:
			return fmt.Errorf("unknown namespace.cache.backend %q", c.Namespace.Cache.Backend)
		}
	}

	if c.Replication.PathPattern != "" {
		if _, err := regexp.Compile(c.Replication.PathPattern); err != nil {
			return fmt.Errorf("invalid replication.path_pattern: %w", err)
		}
	}
	switch c.Replication.Queue.Backend {
	case "azure":
		if c.Replication.Enabled && c.NamespaceAcct.Name == "" {
			return fmt.Errorf("namespace_account.name is required for the azure queue backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown replication.queue.backend %q", c.Replication.Queue.Backend)
	}
	if c.Replication.Queue.Workers < 1 {
		return fmt.Errorf("replication.queue.workers must be at least 1")
	}

	return nil
}

// Duration parses a duration field that Validate has already checked. It returns
// zero for an unparseable value.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// DataAccountNames returns the configured data account names in placement order.
func (c *Config) DataAccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		names[i] = a.Name
	}
	return names
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

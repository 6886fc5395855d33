package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"
)

// CredentialMode selects how cluster credentials are obtained
type CredentialMode string

const (
	CredentialsAuto       CredentialMode = "auto"
	CredentialsInCluster  CredentialMode = "in-cluster"
	CredentialsKubeconfig CredentialMode = "kubeconfig"
)

const (
	DefaultManagedByKey   = "app.kubernetes.io/managed-by"
	DefaultManagedBy      = "configmapsyncd"
	DefaultInClusterProbe = "/var/run/secrets/kubernetes.io"
)

// Config represents the complete configmapsyncd configuration
type Config struct {
	Kube  KubeConfig  `yaml:"kube" toml:"kube"`
	Sync  SyncConfig  `yaml:"sync" toml:"sync"`
	Retry RetryConfig `yaml:"retry" toml:"retry"`
}

// KubeConfig configures access to the cluster
type KubeConfig struct {
	Credentials    CredentialMode `yaml:"credentials" toml:"credentials"`
	Kubeconfig     string         `yaml:"kubeconfig" toml:"kubeconfig"`
	Context        string         `yaml:"context" toml:"context"`
	InClusterProbe string         `yaml:"in_cluster_probe" toml:"in_cluster_probe"`
	RequestTimeout time.Duration  `yaml:"request_timeout" toml:"request_timeout"`
	QPS            float32        `yaml:"qps" toml:"qps"`
	Burst          int            `yaml:"burst" toml:"burst"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	ManagedByKey      string        `yaml:"managed_by_key" toml:"managed_by_key"`
	ManagedBy         string        `yaml:"managed_by" toml:"managed_by"`
	AdoptUnmanaged    bool          `yaml:"adopt_unmanaged" toml:"adopt_unmanaged"`
	DetectText        bool          `yaml:"detect_text" toml:"detect_text"`
	OptimisticLocking bool          `yaml:"optimistic_locking" toml:"optimistic_locking"`
	Concurrency       int           `yaml:"concurrency" toml:"concurrency"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
}

// RetryConfig configures backoff for transient API errors
type RetryConfig struct {
	Attempts     int           `yaml:"attempts" toml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	Jitter       float64       `yaml:"jitter" toml:"jitter"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.Kube.Kubeconfig = os.ExpandEnv(c.Kube.Kubeconfig)
	c.Kube.Context = os.ExpandEnv(c.Kube.Context)
	c.Kube.InClusterProbe = os.ExpandEnv(c.Kube.InClusterProbe)
	c.Sync.ManagedBy = os.ExpandEnv(c.Sync.ManagedBy)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Kube.Credentials == "" {
		c.Kube.Credentials = CredentialsAuto
	}
	if c.Kube.InClusterProbe == "" {
		c.Kube.InClusterProbe = DefaultInClusterProbe
	}
	if c.Kube.RequestTimeout == 0 {
		c.Kube.RequestTimeout = 30 * time.Second
	}
	if c.Sync.ManagedByKey == "" {
		c.Sync.ManagedByKey = DefaultManagedByKey
	}
	if c.Sync.ManagedBy == "" {
		c.Sync.ManagedBy = DefaultManagedBy
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = 10 * time.Minute
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 5
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Kube.Credentials {
	case CredentialsAuto, CredentialsInCluster, CredentialsKubeconfig:
		// valid
	default:
		return fmt.Errorf("invalid kube.credentials: %s (must be auto, in-cluster, or kubeconfig)", c.Kube.Credentials)
	}
	if c.Kube.RequestTimeout < 0 {
		return fmt.Errorf("kube.request_timeout must not be negative")
	}
	if c.Kube.QPS < 0 || c.Kube.Burst < 0 {
		return fmt.Errorf("kube.qps and kube.burst must not be negative")
	}

	// The marker is used both as a label and as a list selector
	if errs := validation.IsQualifiedName(c.Sync.ManagedByKey); len(errs) > 0 {
		return fmt.Errorf("invalid sync.managed_by_key %q: %s", c.Sync.ManagedByKey, strings.Join(errs, "; "))
	}
	if errs := validation.IsValidLabelValue(c.Sync.ManagedBy); len(errs) > 0 {
		return fmt.Errorf("invalid sync.managed_by %q: %s", c.Sync.ManagedBy, strings.Join(errs, "; "))
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.timeout must not be negative")
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay (%s) must not be below retry.initial_delay (%s)", c.Retry.MaxDelay, c.Retry.InitialDelay)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 {
		return fmt.Errorf("retry.jitter must not be negative")
	}

	return nil
}

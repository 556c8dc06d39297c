// Package config loads and validates the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// Repo configures the git-backed resource repository.
	Repo RepoConfig `yaml:"repo" validate:"required"`

	// API configures the live platform API.
	API APIConfig `yaml:"api" validate:"required"`

	// Clusters lists the tracked clusters. At least one is required.
	Clusters []ClusterConfig `yaml:"clusters" validate:"required,min=1,dive"`

	// IntervalSeconds is the reconciliation tick interval.
	IntervalSeconds int `yaml:"intervalSeconds" validate:"gte=0"`

	// Retry configures the applier's in-cycle retry behavior.
	Retry RetryConfig `yaml:"retry"`

	// Snapshot configures the local snapshot database.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// PolicyDir holds additional .rego policies. Optional.
	PolicyDir string `yaml:"policyDir"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RepoConfig configures the repo clone and its remote.
type RepoConfig struct {
	// Path is the working directory of the clone.
	Path string `yaml:"path" validate:"required"`

	// RemoteURL is the origin URL. Empty runs against a local-only repo.
	RemoteURL string `yaml:"remoteUrl"`

	// Branch is the tracked branch. Defaults to main.
	Branch string `yaml:"branch"`

	// Format is the file format for documents this daemon writes
	// (json, yaml, toml). Defaults to yaml.
	Format string `yaml:"format" validate:"omitempty,oneof=json yaml yml toml"`

	// Token authenticates HTTPS remotes.
	Token string `yaml:"token"`

	// SSHKeyPath authenticates SSH remotes.
	SSHKeyPath string `yaml:"sshKeyPath"`

	// AuthorName and AuthorEmail sign capture-mode commits.
	AuthorName  string `yaml:"authorName"`
	AuthorEmail string `yaml:"authorEmail"`

	// Watch enables the filesystem watcher that triggers early cycles on
	// repo changes.
	Watch bool `yaml:"watch"`
}

// APIConfig configures the live platform API client.
type APIConfig struct {
	// URL is the API root, e.g. https://rancher.example.com/v3.
	URL string `yaml:"url" validate:"required,url"`

	// Token is the bearer token.
	Token string `yaml:"token" validate:"required"`

	// CallTimeoutSeconds bounds each individual API call.
	CallTimeoutSeconds int `yaml:"callTimeoutSeconds" validate:"gte=0"`
}

// ClusterConfig configures one tracked cluster.
type ClusterConfig struct {
	// Name is the cluster identifier used in the API and the repo layout.
	Name string `yaml:"name" validate:"required"`

	// Direction is the convergence direction (enforce, capture). Fixed
	// for the lifetime of the process.
	Direction string `yaml:"direction" validate:"required,oneof=enforce capture"`

	// Prune enables deletion of resources present only on the target side.
	Prune bool `yaml:"prune"`
}

// RetryConfig configures the applier's in-cycle retries.
type RetryConfig struct {
	// Attempts is the total number of calls per retriable failure.
	Attempts int `yaml:"attempts" validate:"gte=0"`

	// BaseDelayMS seeds the exponential backoff.
	BaseDelayMS int `yaml:"baseDelayMs" validate:"gte=0"`
}

// SnapshotConfig configures the local snapshot database.
type SnapshotConfig struct {
	// Path is the SQLite database file. Defaults to corral.db next to the
	// repo clone.
	Path string `yaml:"path"`
}

// TelemetryConfig is the telemetry block of the config file.
type TelemetryConfig struct {
	LogLevel  string `yaml:"logLevel" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"logFormat" validate:"omitempty,oneof=console json"`

	MetricsEnabled bool   `yaml:"metricsEnabled"`
	MetricsAddress string `yaml:"metricsAddress"`

	TracingEnabled  bool    `yaml:"tracingEnabled"`
	TracingExporter string  `yaml:"tracingExporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracingEndpoint"`
	TracingSampling float64 `yaml:"tracingSampling" validate:"gte=0,lte=1"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Repo.Branch == "" {
		c.Repo.Branch = "main"
	}
	if c.Repo.Format == "" {
		c.Repo.Format = "yaml"
	}
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 60
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.BaseDelayMS == 0 {
		c.Retry.BaseDelayMS = 500
	}
	if c.API.CallTimeoutSeconds == 0 {
		c.API.CallTimeoutSeconds = 30
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "corral.db"
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
	if c.Telemetry.MetricsAddress == "" {
		c.Telemetry.MetricsAddress = ":9090"
	}
	if c.Telemetry.TracingExporter == "" {
		c.Telemetry.TracingExporter = "stdout"
	}
	if c.Telemetry.TracingSampling == 0 {
		c.Telemetry.TracingSampling = 1.0
	}
}

// Validate checks structural validity and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Clusters))
	for _, cl := range c.Clusters {
		if seen[cl.Name] {
			return fmt.Errorf("invalid config: duplicate cluster %q", cl.Name)
		}
		seen[cl.Name] = true
	}
	return nil
}

// Interval returns the tick interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RetryBaseDelay returns the applier's base backoff delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// CallTimeout returns the per-call API timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.API.CallTimeoutSeconds) * time.Second
}

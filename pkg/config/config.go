// Package config loads and validates the harness configuration file and the
// task payload schema submitted runs are checked against.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openharness/openharness/pkg/blob"
	"github.com/openharness/openharness/pkg/executor"
	"github.com/openharness/openharness/pkg/identity"
	"github.com/openharness/openharness/pkg/providers"
	"github.com/openharness/openharness/pkg/telemetry"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Identity modes.
const (
	IdentityStatic  = "static"
	IdentitySubject = "subject"
	IdentityOIDC    = "oidc"
)

// Blob backends.
const (
	BlobMemory = "memory"
	BlobMinIO  = "minio"
)

// Config is the root harness configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" validate:"required"`
	Executor  ExecutorConfig   `yaml:"executor"`
	Registry  RegistryConfig   `yaml:"registry"`
	Policy    PolicyConfig     `yaml:"policy"`
	Identity  IdentityConfig   `yaml:"identity"`
	Blob      BlobConfig       `yaml:"blob"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Targets is the dependency target table handed to the provider
	// registry. Empty means a single local shell target.
	Targets map[string]providers.TargetConfig `yaml:"targets" validate:"dive"`

	// Redaction is the extra output redaction patterns applied on top of
	// the built-in ones.
	Redaction []string `yaml:"redaction"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is memory, sqlite, or postgres.
	Backend string `yaml:"backend" validate:"required,oneof=memory sqlite postgres"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn" validate:"required_if=Backend postgres"`
}

// ExecutorConfig tunes the step executor.
type ExecutorConfig struct {
	Workers       int           `yaml:"workers" validate:"omitempty,min=1,max=256"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"omitempty,min=1,max=20"`
	QueueSize     int           `yaml:"queue_size" validate:"omitempty,min=1"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"omitempty,min=1"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RegistryConfig tunes the run registry.
type RegistryConfig struct {
	// IdempotencyKeyTTL is the reuse window for submission keys.
	IdempotencyKeyTTL time.Duration `yaml:"idempotency_key_ttl"`
}

// PolicyConfig locates the rule files.
type PolicyConfig struct {
	// Paths are rule files or directories, loaded in sorted order.
	Paths []string `yaml:"paths"`

	// Watch reloads rules on file changes.
	Watch bool `yaml:"watch"`
}

// IdentityConfig selects the credential resolver.
type IdentityConfig struct {
	// Mode is static, subject, or oidc.
	Mode string `yaml:"mode" validate:"omitempty,oneof=static subject oidc"`

	// StaticActors maps credentials to actors for static mode.
	StaticActors map[string]StaticActor `yaml:"static_actors"`

	OIDC identity.OIDCConfig `yaml:"oidc"`
}

// StaticActor is one entry of the static credential table.
type StaticActor struct {
	Subject string   `yaml:"subject" validate:"required"`
	Email   string   `yaml:"email"`
	Roles   []string `yaml:"roles"`
}

// BlobConfig selects the artifact content store.
type BlobConfig struct {
	// Backend is memory or minio.
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory minio"`

	MinIO blob.MinIOConfig `yaml:"minio"`
}

// Default returns the configuration used when no file is given: in-process
// backends, dev identity, telemetry defaults.
func Default() *Config {
	return &Config{
		Store:     StoreConfig{Backend: StoreMemory},
		Executor:  ExecutorConfig{Workers: 4, MaxAttempts: 5, QueueSize: 256, InvokeTimeout: 2 * time.Minute},
		Registry:  RegistryConfig{IdempotencyKeyTTL: 24 * time.Hour},
		Identity:  IdentityConfig{Mode: IdentitySubject},
		Blob:      BlobConfig{Backend: BlobMemory},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file, layers it over the defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills remaining defaults.
func (c *Config) Validate() error {
	if c.Executor.Workers == 0 {
		c.Executor.Workers = 4
	}
	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 5
	}
	if c.Executor.QueueSize == 0 {
		c.Executor.QueueSize = 256
	}
	if c.Executor.InvokeTimeout == 0 {
		c.Executor.InvokeTimeout = 2 * time.Minute
	}
	if c.Registry.IdempotencyKeyTTL == 0 {
		c.Registry.IdempotencyKeyTTL = 24 * time.Hour
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = IdentitySubject
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = BlobMemory
	}

	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Identity.Mode == IdentityStatic && len(c.Identity.StaticActors) == 0 {
		return fmt.Errorf("identity mode static requires static_actors")
	}
	if c.Identity.Mode == IdentityOIDC {
		if err := c.Identity.OIDC.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if c.Blob.Backend == BlobMinIO {
		if err := c.Blob.MinIO.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ExecutorSettings converts the tuning block into the executor's config.
func (c *Config) ExecutorSettings() executor.Config {
	return executor.Config{
		Workers:       c.Executor.Workers,
		MaxAttempts:   c.Executor.MaxAttempts,
		InvokeTimeout: c.Executor.InvokeTimeout,
		Breaker: executor.BreakerConfig{
			FailureThreshold: c.Executor.Breaker.FailureThreshold,
			Window:           c.Executor.Breaker.Window,
			Cooldown:         c.Executor.Breaker.Cooldown,
		},
	}
}

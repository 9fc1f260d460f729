// Package config defines the host process configuration and loads it from
// a file plus TENANTHOST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/GoCodeAlone/tenanthost"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreEtcd   = "etcd"
	StoreNATS   = "nats"
	StoreConsul = "consul"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid host configuration")

// HostConfig configures one host process.
type HostConfig struct {
	Name       string `yaml:"name" toml:"name" json:"name" env:"NAME"`
	InstanceID string `yaml:"instanceId" toml:"instanceId" json:"instanceId" env:"INSTANCE_ID"`

	// GlobalPath and TenantsRoot form the configuration path layout.
	GlobalPath  string `yaml:"globalPath" toml:"globalPath" json:"globalPath" env:"GLOBAL_PATH"`
	TenantsRoot string `yaml:"tenantsRoot" toml:"tenantsRoot" json:"tenantsRoot" env:"TENANTS_ROOT"`

	ConfigurationReadyTimeout Duration `yaml:"configurationReadyTimeout" toml:"configurationReadyTimeout" json:"configurationReadyTimeout" env:"CONFIGURATION_READY_TIMEOUT"`
	Parallelism               int      `yaml:"parallelism" toml:"parallelism" json:"parallelism" env:"PARALLELISM"`
	RecoverySchedule          string   `yaml:"recoverySchedule" toml:"recoverySchedule" json:"recoverySchedule" env:"RECOVERY_SCHEDULE"`

	Store       StoreConfig       `yaml:"store" toml:"store" json:"store" env:"STORE"`
	Initializer InitializerConfig `yaml:"initializer" toml:"initializer" json:"initializer" env:"INITIALIZER"`
	Admin       AdminConfig       `yaml:"admin" toml:"admin" json:"admin" env:"ADMIN"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging" json:"logging" env:"LOG"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics" json:"metrics" env:"METRICS"`
}

// StoreConfig selects and configures the configuration source.
type StoreConfig struct {
	Kind   string      `yaml:"kind" toml:"kind" json:"kind" env:"KIND"`
	File   FileStore   `yaml:"file" toml:"file" json:"file" env:"FILE"`
	Etcd   EtcdStore   `yaml:"etcd" toml:"etcd" json:"etcd" env:"ETCD"`
	NATS   NATSStore   `yaml:"nats" toml:"nats" json:"nats" env:"NATS"`
	Consul ConsulStore `yaml:"consul" toml:"consul" json:"consul" env:"CONSUL"`
}

// FileStore reads configuration from a directory tree.
type FileStore struct {
	Dir  string `yaml:"dir" toml:"dir" json:"dir" env:"DIR"`
	Root string `yaml:"root" toml:"root" json:"root" env:"ROOT"`
}

// EtcdStore reads configuration from an etcd key prefix.
type EtcdStore struct {
	Endpoints   []string `yaml:"endpoints" toml:"endpoints" json:"endpoints" env:"ENDPOINTS"`
	Prefix      string   `yaml:"prefix" toml:"prefix" json:"prefix" env:"PREFIX"`
	Root        string   `yaml:"root" toml:"root" json:"root" env:"ROOT"`
	DialTimeout Duration `yaml:"dialTimeout" toml:"dialTimeout" json:"dialTimeout" env:"DIAL_TIMEOUT"`
	Username    string   `yaml:"username" toml:"username" json:"username" env:"USERNAME"`
	Password    string   `yaml:"password" toml:"password" json:"-" env:"PASSWORD"`
}

// NATSStore reads configuration from a JetStream key-value bucket.
type NATSStore struct {
	URL    string `yaml:"url" toml:"url" json:"url" env:"URL"`
	Bucket string `yaml:"bucket" toml:"bucket" json:"bucket" env:"BUCKET"`
	Root   string `yaml:"root" toml:"root" json:"root" env:"ROOT"`
}

// ConsulStore reads configuration from a Consul KV prefix.
type ConsulStore struct {
	Address    string   `yaml:"address" toml:"address" json:"address" env:"ADDRESS"`
	Datacenter string   `yaml:"datacenter" toml:"datacenter" json:"datacenter" env:"DATACENTER"`
	Token      string   `yaml:"token" toml:"token" json:"-" env:"TOKEN"`
	Prefix     string   `yaml:"prefix" toml:"prefix" json:"prefix" env:"PREFIX"`
	Root       string   `yaml:"root" toml:"root" json:"root" env:"ROOT"`
	WaitTime   Duration `yaml:"waitTime" toml:"waitTime" json:"waitTime" env:"WAIT_TIME"`
}

// InitializerConfig points at the YAML script that seeds each new tenant.
type InitializerConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"ENABLED"`
	Script  string `yaml:"script" toml:"script" json:"script" env:"SCRIPT"`
}

// AdminConfig configures the admin HTTP server. An empty address disables it.
type AdminConfig struct {
	Address string `yaml:"address" toml:"address" json:"address" env:"ADDRESS"`
}

// LoggingConfig selects the zap configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" json:"format" env:"FORMAT"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" toml:"namespace" json:"namespace" env:"NAMESPACE"`
}

// Defaults returns a configuration with every optional field set.
func Defaults() *HostConfig {
	return &HostConfig{
		Name:                      "tenanthost",
		GlobalPath:                "/instance/configuration.yaml",
		TenantsRoot:               "/tenants",
		ConfigurationReadyTimeout: Duration(tenanthost.DefaultConfigurationReadyTimeout),
		Parallelism:               tenanthost.DefaultTenantParallelism,
		Store: StoreConfig{
			Kind: StoreFile,
			File: FileStore{Dir: "./config"},
			Etcd: EtcdStore{
				Endpoints:   []string{"127.0.0.1:2379"},
				Prefix:      "/tenanthost/config",
				DialTimeout: Duration(5 * time.Second),
			},
			NATS: NATSStore{URL: "nats://127.0.0.1:4222", Bucket: "tenanthost"},
			Consul: ConsulStore{
				Address:  "127.0.0.1:8500",
				Prefix:   "tenanthost/config",
				WaitTime: Duration(5 * time.Minute),
			},
		},
		Admin:   AdminConfig{Address: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Namespace: "tenanthost"},
	}
}

// Layout returns the configuration path layout.
func (c *HostConfig) Layout() tenanthost.PathLayout {
	return tenanthost.PathLayout{GlobalPath: c.GlobalPath, TenantsRoot: c.TenantsRoot}
}

// Validate reports every invalid field at once.
func (c *HostConfig) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Name) == "" {
		add("name is required")
	}
	if err := c.Layout().Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if c.ConfigurationReadyTimeout <= 0 {
		add("configurationReadyTimeout must be positive")
	}
	if c.Parallelism <= 0 {
		add("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.RecoverySchedule != "" {
		if _, err := cron.ParseStandard(c.RecoverySchedule); err != nil {
			add("recoverySchedule %q: %v", c.RecoverySchedule, err)
		}
	}

	switch c.Store.Kind {
	case StoreFile:
		if c.Store.File.Dir == "" {
			add("store.file.dir is required")
		}
	case StoreEtcd:
		if len(c.Store.Etcd.Endpoints) == 0 {
			add("store.etcd.endpoints is required")
		}
		if c.Store.Etcd.Prefix == "" || c.Store.Etcd.Prefix == "/" {
			add("store.etcd.prefix is required")
		}
	case StoreNATS:
		if c.Store.NATS.URL == "" || c.Store.NATS.Bucket == "" {
			add("store.nats.url and store.nats.bucket are required")
		}
	case StoreConsul:
		if c.Store.Consul.Address == "" || strings.Trim(c.Store.Consul.Prefix, "/") == "" {
			add("store.consul.address and store.consul.prefix are required")
		}
	default:
		add("unknown store kind %q", c.Store.Kind)
	}

	if c.Initializer.Enabled && c.Initializer.Script == "" {
		add("initializer.script is required when the initializer is enabled")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		add("unknown logging format %q", c.Logging.Format)
	}
	return errs
}

// Duration is a time.Duration written as a string such as "90s" in every
// supported file format and in the environment.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hotspotd/hotspotd/internal/resolver"
)

// ErrInvalidConfig marks configuration that must be rejected before any
// worker is spawned.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the immutable proxy configuration. The supervisor owns it and
// serializes it into each worker's environment at spawn time.
type Config struct {
	BindAddress netip.Addr `json:"bind_address"`
	Port        int        `json:"port"` // 0 picks an ephemeral port
	Workers     int        `json:"workers"`

	// OutboundIP pins upstream connections to a local address, forcing
	// egress through the interface that owns it. The zero value leaves
	// routing to the kernel.
	OutboundIP netip.Addr `json:"outbound_ip"`

	// HTTPEnabled turns on the HTTP forward proxy listener, created by the
	// supervisor on HTTPPort and inherited by every worker.
	HTTPEnabled bool `json:"http_enabled"`
	HTTPPort    int  `json:"http_port"`

	DNS resolver.Config `json:"dns"`

	DialTimeout        time.Duration `json:"dial_timeout"`
	NegotiationTimeout time.Duration `json:"negotiation_timeout"`
	HTTPIdleTimeout    time.Duration `json:"http_idle_timeout"`

	// GracePeriod bounds how long a draining worker waits for in-flight
	// relays before forcing them closed.
	GracePeriod time.Duration `json:"grace_period"`

	// StatsInterval is how often workers push snapshots to the supervisor.
	StatsInterval time.Duration `json:"stats_interval"`

	KeepAlive net.KeepAliveConfig `json:"keep_alive"`

	Verbose bool `json:"verbose"`
}

// Validate rejects configuration the pool must not start with. Returned
// errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	if !c.BindAddress.IsValid() {
		return fmt.Errorf("%w: bind address required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: worker count %d, need at least 1", ErrInvalidConfig, c.Workers)
	}
	if c.OutboundIP.IsValid() && c.OutboundIP.IsUnspecified() {
		return fmt.Errorf("%w: outbound address must be a concrete local address", ErrInvalidConfig)
	}
	if c.HTTPEnabled && (c.HTTPPort < 1 || c.HTTPPort > 65535) {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalidConfig, c.HTTPPort)
	}
	return nil
}

// Addr is the SOCKS5 listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress.String(), strconv.Itoa(c.Port))
}

// HTTPAddr is the HTTP proxy listen address in host:port form.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.BindAddress.String(), strconv.Itoa(c.HTTPPort))
}

// EncodeEnv serializes the config into a KEY=value environment entry for a
// spawned worker.
func (c Config) EncodeEnv() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode worker config: %w", err)
	}
	return ConfigEnv + "=" + string(b), nil
}

// ConfigFromEnv decodes the config the supervisor placed in this process's
// environment.
func ConfigFromEnv() (Config, error) {
	raw := os.Getenv(ConfigEnv)
	if raw == "" {
		return Config{}, fmt.Errorf("%s not set", ConfigEnv)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", ConfigEnv, err)
	}
	return cfg, nil
}

// FileConfig mirrors the optional YAML configuration file. Values from the
// file apply only where the matching command-line flag was left unset.
type FileConfig struct {
	Bind       string `yaml:"bind"`
	Port       int    `yaml:"port"`
	Workers    int    `yaml:"workers"`
	OutboundIP string `yaml:"outbound_ip"`
	HTTPPort   int    `yaml:"http_port"`

	DNS struct {
		Nameservers     []string `yaml:"nameservers"`
		TimeoutSeconds  int      `yaml:"timeout_seconds"`
		CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	} `yaml:"dns"`

	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
	GracePeriodSeconds int `yaml:"grace_period_seconds"`
}

// LoadFileConfig reads and parses a YAML config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

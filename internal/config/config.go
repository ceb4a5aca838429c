// Package config provides configuration parsing and validation for udpbridge.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// Config represents the complete udpbridge configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Health  HealthConfig  `yaml:"health"`
	Tracker TrackerConfig `yaml:"tracker"`
	Ping    PingConfig    `yaml:"ping"`
	Chaos   ChaosConfig   `yaml:"chaos"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BridgeConfig defines the socket and queue settings of the bridge.
type BridgeConfig struct {
	Listen           string `yaml:"listen"` // UDP address to bind
	OutboundCapacity int    `yaml:"outbound_capacity"`
	InboundCapacity  int    `yaml:"inbound_capacity"`
}

// HealthConfig defines health check and metrics server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TrackerConfig defines the tracker used by the announce and scrape commands.
type TrackerConfig struct {
	URL      string        `yaml:"url"`
	InfoHash string        `yaml:"info_hash"` // 40 hex characters
	PeerID   string        `yaml:"peer_id"`   // up to 20 bytes, random when empty
	Port     uint16        `yaml:"port"`      // port announced to the swarm
	NumWant  int32         `yaml:"num_want"`  // -1 = tracker default
	Timeout  time.Duration `yaml:"timeout"`   // first UDP retransmission timeout
	Retries  int           `yaml:"retries"`
}

// PingConfig defines the ping command defaults.
type PingConfig struct {
	Count   int           `yaml:"count"`
	Rate    float64       `yaml:"rate"`  // datagrams per second
	Burst   int           `yaml:"burst"` // datagrams sent back to back
	Size    int           `yaml:"size"`  // payload bytes
	Timeout time.Duration `yaml:"timeout"`
}

// ChaosConfig injects datagram faults into the run command's socket.
// Probabilities are per datagram, from 0 to 1.
type ChaosConfig struct {
	Enabled      bool          `yaml:"enabled"`
	OutboundDrop float64       `yaml:"outbound_drop"`
	InboundDrop  float64       `yaml:"inbound_drop"`
	WriteError   float64       `yaml:"write_error"`
	ShortWrite   float64       `yaml:"short_write"`
	Delay        float64       `yaml:"delay"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bridge: BridgeConfig{
			Listen:           "0.0.0.0:6881",
			OutboundCapacity: 10000,
			InboundCapacity:  10000,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Tracker: TrackerConfig{
			Port:    6881,
			NumWant: -1,
			Timeout: 15 * time.Second,
			Retries: 8,
		},
		Ping: PingConfig{
			Count:   10,
			Rate:    10,
			Burst:   1,
			Size:    64,
			Timeout: 2 * time.Second,
		},
		Chaos: ChaosConfig{
			MinDelay: 10 * time.Millisecond,
			MaxDelay: 100 * time.Millisecond,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("bridge.listen: %v", err))
	}
	if c.Bridge.OutboundCapacity < 1 {
		errs = append(errs, "bridge.outbound_capacity must be positive")
	}
	if c.Bridge.InboundCapacity < 1 {
		errs = append(errs, "bridge.inbound_capacity must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	errs = append(errs, c.Tracker.validate()...)

	if c.Ping.Count < 1 {
		errs = append(errs, "ping.count must be positive")
	}
	if c.Ping.Rate <= 0 {
		errs = append(errs, "ping.rate must be positive")
	}
	if c.Ping.Burst < 1 {
		errs = append(errs, "ping.burst must be positive")
	}
	if c.Ping.Size < 0 || c.Ping.Size > MaxDatagramSize {
		errs = append(errs, fmt.Sprintf("ping.size must be between 0 and %d", MaxDatagramSize))
	}

	errs = append(errs, c.Chaos.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (t TrackerConfig) validate() []string {
	var errs []string

	if t.URL != "" {
		u, err := url.Parse(t.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("tracker.url: %v", err))
		case !isValidTrackerScheme(u.Scheme):
			errs = append(errs, fmt.Sprintf("invalid tracker.url scheme: %s (must be udp, http, or https)", u.Scheme))
		}
	}
	if t.InfoHash != "" {
		if _, err := t.InfoHashBytes(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(t.PeerID) > 20 {
		errs = append(errs, "tracker.peer_id must be at most 20 bytes")
	}
	if t.Retries < 0 {
		errs = append(errs, "tracker.retries must not be negative")
	}

	return errs
}

func (c ChaosConfig) validate() []string {
	if !c.Enabled {
		return nil
	}

	var errs []string
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"outbound_drop", c.OutboundDrop},
		{"inbound_drop", c.InboundDrop},
		{"write_error", c.WriteError},
		{"short_write", c.ShortWrite},
		{"delay", c.Delay},
	} {
		if p.value < 0 || p.value > 1 {
			errs = append(errs, fmt.Sprintf("chaos.%s must be between 0 and 1", p.name))
		}
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		errs = append(errs, "chaos.max_delay must not be below chaos.min_delay")
	}
	return errs
}

// InfoHashBytes decodes the hex info hash.
func (t TrackerConfig) InfoHashBytes() ([20]byte, error) {
	var ih [20]byte
	b, err := hex.DecodeString(t.InfoHash)
	if err != nil || len(b) != len(ih) {
		return ih, fmt.Errorf("tracker.info_hash must be 40 hex characters")
	}
	copy(ih[:], b)
	return ih, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTrackerScheme(scheme string) bool {
	switch scheme {
	case "udp", "http", "https":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// Tracker URL credentials and query strings are redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "REDACTED"

// Redacted returns a copy of the config that is safe to log. Private
// trackers carry passkeys in the URL query.
func (c *Config) Redacted() *Config {
	redacted := *c
	if c.Tracker.URL == "" {
		return &redacted
	}

	u, err := url.Parse(c.Tracker.URL)
	if err != nil {
		redacted.Tracker.URL = redactedValue
		return &redacted
	}
	if u.User != nil {
		u.User = url.User(redactedValue)
	}
	if u.RawQuery != "" {
		u.RawQuery = redactedValue
	}
	redacted.Tracker.URL = u.String()
	return &redacted
}

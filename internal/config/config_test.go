package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Bridge.Listen != "0.0.0.0:6881" {
		t.Errorf("Bridge.Listen = %s, want 0.0.0.0:6881", cfg.Bridge.Listen)
	}
	if cfg.Bridge.OutboundCapacity != 10000 || cfg.Bridge.InboundCapacity != 10000 {
		t.Errorf("Bridge capacities = %d/%d, want 10000/10000", cfg.Bridge.OutboundCapacity, cfg.Bridge.InboundCapacity)
	}
	if cfg.Tracker.Timeout != 15*time.Second {
		t.Errorf("Tracker.Timeout = %v, want 15s", cfg.Tracker.Timeout)
	}
	if cfg.Tracker.Retries != 8 {
		t.Errorf("Tracker.Retries = %d, want 8", cfg.Tracker.Retries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: "debug"
  format: "json"

bridge:
  listen: "127.0.0.1:7000"
  outbound_capacity: 64
  inbound_capacity: 128

health:
  enabled: true
  address: "127.0.0.1:9090"
  read_timeout: 5s

tracker:
  url: "udp://tracker.example.org:6969/announce"
  info_hash: "0123456789abcdef0123456789abcdef01234567"
  peer_id: "-UB0001-abcdefghijkl"
  port: 51413
  timeout: 3s
  retries: 2

ping:
  count: 5
  rate: 2.5
  burst: 2
  size: 512
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Bridge.Listen != "127.0.0.1:7000" {
		t.Errorf("Bridge.Listen = %s, want 127.0.0.1:7000", cfg.Bridge.Listen)
	}
	if cfg.Bridge.InboundCapacity != 128 {
		t.Errorf("Bridge.InboundCapacity = %d, want 128", cfg.Bridge.InboundCapacity)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false, want true")
	}
	if cfg.Health.ReadTimeout != 5*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 5s", cfg.Health.ReadTimeout)
	}
	if cfg.Health.WriteTimeout != 10*time.Second {
		t.Errorf("Health.WriteTimeout = %v, want 10s (default)", cfg.Health.WriteTimeout)
	}
	if cfg.Tracker.Port != 51413 {
		t.Errorf("Tracker.Port = %d, want 51413", cfg.Tracker.Port)
	}
	if cfg.Tracker.NumWant != -1 {
		t.Errorf("Tracker.NumWant = %d, want -1 (default)", cfg.Tracker.NumWant)
	}
	if cfg.Ping.Rate != 2.5 {
		t.Errorf("Ping.Rate = %v, want 2.5", cfg.Ping.Rate)
	}

	ih, err := cfg.Tracker.InfoHashBytes()
	if err != nil {
		t.Fatalf("InfoHashBytes() error = %v", err)
	}
	if ih[0] != 0x01 || ih[19] != 0x67 {
		t.Errorf("InfoHashBytes() = %x", ih)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("bridge:\n  listen: \":0\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info (default)", cfg.Log.Level)
	}
	if cfg.Bridge.OutboundCapacity != 10000 {
		t.Errorf("Bridge.OutboundCapacity = %d, want 10000 (default)", cfg.Bridge.OutboundCapacity)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
bridge:
  listen: ":0"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid log level",
			yaml:      "log:\n  level: verbose\n",
			wantError: "invalid log.level",
		},
		{
			name:      "invalid log format",
			yaml:      "log:\n  format: xml\n",
			wantError: "invalid log.format",
		},
		{
			name:      "listen without port",
			yaml:      "bridge:\n  listen: \"127.0.0.1\"\n",
			wantError: "bridge.listen",
		},
		{
			name:      "zero outbound capacity",
			yaml:      "bridge:\n  outbound_capacity: 0\n",
			wantError: "bridge.outbound_capacity must be positive",
		},
		{
			name:      "negative inbound capacity",
			yaml:      "bridge:\n  inbound_capacity: -1\n",
			wantError: "bridge.inbound_capacity must be positive",
		},
		{
			name:      "health without address",
			yaml:      "health:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address is required",
		},
		{
			name:      "unsupported tracker scheme",
			yaml:      "tracker:\n  url: \"wss://tracker.example.org\"\n",
			wantError: "invalid tracker.url scheme",
		},
		{
			name:      "short info hash",
			yaml:      "tracker:\n  info_hash: \"abcd\"\n",
			wantError: "tracker.info_hash must be 40 hex characters",
		},
		{
			name:      "long peer id",
			yaml:      "tracker:\n  peer_id: \"123456789012345678901\"\n",
			wantError: "tracker.peer_id must be at most 20 bytes",
		},
		{
			name:      "zero ping rate",
			yaml:      "ping:\n  rate: 0\n",
			wantError: "ping.rate must be positive",
		},
		{
			name:      "oversized ping",
			yaml:      "ping:\n  size: 70000\n",
			wantError: "ping.size must be between",
		},
		{
			name:      "chaos probability above one",
			yaml:      "chaos:\n  enabled: true\n  inbound_drop: 1.5\n",
			wantError: "chaos.inbound_drop must be between 0 and 1",
		},
		{
			name:      "negative chaos short write",
			yaml:      "chaos:\n  enabled: true\n  short_write: -0.1\n",
			wantError: "chaos.short_write must be between 0 and 1",
		},
		{
			name:      "chaos delay range inverted",
			yaml:      "chaos:\n  enabled: true\n  min_delay: 1s\n  max_delay: 10ms\n",
			wantError: "chaos.max_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_ChaosIgnoredWhenDisabled(t *testing.T) {
	cfg, err := Parse([]byte("chaos:\n  outbound_drop: 7\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Chaos.Enabled {
		t.Error("chaos should be disabled by default")
	}
}

func TestParse_ChaosSection(t *testing.T) {
	cfg, err := Parse([]byte("chaos:\n  enabled: true\n  short_write: 0.25\n  write_error: 0.1\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Chaos.ShortWrite != 0.25 || cfg.Chaos.WriteError != 0.1 {
		t.Errorf("Chaos = %+v, want short_write 0.25 and write_error 0.1", cfg.Chaos)
	}
	if cfg.Chaos.MinDelay != 10*time.Millisecond {
		t.Errorf("MinDelay = %v, want default 10ms", cfg.Chaos.MinDelay)
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: loud\nping:\n  count: 0\n"))
	if err == nil {
		t.Fatal("Parse() should fail")
	}
	for _, want := range []string{"log.level", "ping.count"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error = %v, want to contain %q", err, want)
		}
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_BRIDGE_LISTEN", "127.0.0.1:7100")
	t.Setenv("TEST_TRACKER_PORT", "7200")

	yamlConfig := `
bridge:
  listen: "${TEST_BRIDGE_LISTEN}"
tracker:
  port: $TEST_TRACKER_PORT
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Bridge.Listen != "127.0.0.1:7100" {
		t.Errorf("Bridge.Listen = %s, want 127.0.0.1:7100", cfg.Bridge.Listen)
	}
	if cfg.Tracker.Port != 7200 {
		t.Errorf("Tracker.Port = %d, want 7200", cfg.Tracker.Port)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte("bridge:\n  listen: \"${NONEXISTENT_VAR:-127.0.0.1:7300}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Bridge.Listen != "127.0.0.1:7300" {
		t.Errorf("Bridge.Listen = %s, want 127.0.0.1:7300", cfg.Bridge.Listen)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte("tracker:\n  peer_id: \"${NONEXISTENT_VAR}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Unknown variables are kept verbatim.
	if cfg.Tracker.PeerID != "${NONEXISTENT_VAR}" {
		t.Errorf("Tracker.PeerID = %s, want ${NONEXISTENT_VAR}", cfg.Tracker.PeerID)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
log:
  level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestConfig_String(t *testing.T) {
	cfg := Default()
	cfg.Tracker.URL = "http://tracker.example.org/announce?passkey=s3cret"

	out := cfg.String()
	if strings.Contains(out, "s3cret") {
		t.Errorf("String() leaks the passkey:\n%s", out)
	}
	if !strings.Contains(out, "tracker.example.org") {
		t.Errorf("String() lost the tracker host:\n%s", out)
	}
	if !strings.Contains(out, "outbound_capacity: 10000") {
		t.Errorf("String() missing bridge section:\n%s", out)
	}

	if cfg.Tracker.URL != "http://tracker.example.org/announce?passkey=s3cret" {
		t.Error("String() modified the original config")
	}
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"3s", 3 * time.Second},
		{"2m", 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg, err := Parse([]byte("ping:\n  timeout: " + tt.input + "\n"))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if cfg.Ping.Timeout != tt.want {
				t.Errorf("Ping.Timeout = %v, want %v", cfg.Ping.Timeout, tt.want)
			}
		})
	}
}

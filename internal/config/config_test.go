package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validGlasses() *Config {
	cfg := Default()
	cfg.Node.ID = "glasses_01"
	cfg.Node.Role = RoleGlasses
	cfg.Uplink.PeerHost = "192.168.4.1"
	cfg.ApplyRoleDefaults()
	return cfg
}

func validHub() *Config {
	cfg := Default()
	cfg.Node.ID = "hub"
	cfg.Node.Role = RoleHub
	cfg.Receiver.AITargets = []string{"127.0.0.1:6000"}
	cfg.ApplyRoleDefaults()
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		base        func() *Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid glasses configuration",
			base:        validGlasses,
			mutate:      func(*Config) {},
			expectError: false,
		},
		{
			name:        "valid hub configuration",
			base:        validHub,
			mutate:      func(*Config) {},
			expectError: false,
		},
		{
			name:        "missing node id",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Node.ID = "" },
			expectError: true,
			errorMsg:    "id cannot be empty",
		},
		{
			name:        "node id with topic wildcard",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Node.ID = "mic/+" },
			expectError: true,
			errorMsg:    "must not contain",
		},
		{
			name:        "unknown role",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Node.Role = "speaker" },
			expectError: true,
			errorMsg:    "role must be one of",
		},
		{
			name: "unbounded reconnect without retry delay",
			base: validGlasses,
			mutate: func(c *Config) {
				c.Bus.Reconnect.MaxAttempts = 0
				c.Bus.Reconnect.RetryDelay = 0
			},
			expectError: true,
			errorMsg:    "retry_delay_ms must be positive",
		},
		{
			name: "unbounded reconnect without step budget",
			base: validGlasses,
			mutate: func(c *Config) {
				c.Bus.Reconnect.MaxAttempts = 0
				c.Bus.Reconnect.StepBudget = 0
			},
			expectError: true,
			errorMsg:    "step_budget_ms must be positive",
		},
		{
			name:        "invalid uplink layout",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Uplink.Layout = "tlv" },
			expectError: true,
			errorMsg:    "uplink config",
		},
		{
			name:        "missing uplink peer",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Uplink.PeerHost = "" },
			expectError: true,
			errorMsg:    "peer_host cannot be empty",
		},
		{
			name:        "frame larger than a datagram",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Audio.FrameSamples = 1000 },
			expectError: true,
			errorMsg:    "frame_samples must be between",
		},
		{
			name:        "hub with a capture source",
			base:        validHub,
			mutate:      func(c *Config) { c.Audio.Source = "pattern" },
			expectError: true,
			errorMsg:    "hub does not capture audio",
		},
		{
			name: "button binding without button",
			base: validGlasses,
			mutate: func(c *Config) {
				c.State.AIMode = BindingConfig{Source: "button"}
			},
			expectError: true,
			errorMsg:    "button cannot be empty",
		},
		{
			name:        "target without port",
			base:        validHub,
			mutate:      func(c *Config) { c.Receiver.ClassTargets = []string{"localhost"} },
			expectError: true,
			errorMsg:    "must be host:port",
		},
		{
			name: "presence through iw without interface",
			base: validHub,
			mutate: func(c *Config) {
				c.Presence.Enabled = true
				c.Presence.Interface = ""
			},
			expectError: true,
			errorMsg:    "interface cannot be empty",
		},
		{
			name: "http enabled without port",
			base: validHub,
			mutate: func(c *Config) {
				c.HTTP.Enabled = true
				c.HTTP.Port = 0
			},
			expectError: true,
			errorMsg:    "http port must be between",
		},
		{
			name:        "invalid log level",
			base:        validGlasses,
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestValidationReportsEverySection(t *testing.T) {
	cfg := validGlasses()
	cfg.Bus.Port = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected error but got none")
	}
	for _, want := range []string{"bus config", "logging config"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %q", want, err.Error())
		}
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid glasses file",
			configYAML: `
node:
  id: glasses_01
  role: glasses
bus:
  host: 192.168.4.1
uplink:
  peer_host: 192.168.4.1
  peer_port: 5005
`,
			expectError: false,
		},
		{
			name: "valid mic file",
			configYAML: `
node:
  id: mic_01
  role: mic
bus:
  reconnect:
    max_attempts: 0
    retry_delay_ms: 5000
audio:
  source: pcm
  path: "-"
uplink:
  peer_host: 192.168.4.1
  layout: seq_flags
input:
  buttons:
    - name: record
      path: /sys/class/gpio/gpio17/value
      active_low: true
    - name: ai
      path: /sys/class/gpio/gpio27/value
      active_low: true
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
node:
  id: glasses_01
bus:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "unknown key",
			configYAML: `
node:
  id: glasses_01
  colour: red
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
node:
  role: glasses
uplink:
  peer_host: 10.0.0.1
`,
			expectError: true,
			errorMsg:    "id cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if err != nil && !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
node:
  id: hub
  role: hub
`))
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	if cfg.Audio.Source != "none" {
		t.Errorf("Expected hub audio source none, got %q", cfg.Audio.Source)
	}
	if cfg.State.ClassMode.Source != "host" || !cfg.State.ClassMode.Broadcast {
		t.Errorf("Expected hub class mode driven by host with broadcast, got %+v", cfg.State.ClassMode)
	}
	if cfg.Receiver.UDPPort != 5005 {
		t.Errorf("Expected default receiver port 5005, got %d", cfg.Receiver.UDPPort)
	}
	if cfg.Receiver.Layout != "canonical" {
		t.Errorf("Expected canonical receiver layout, got %q", cfg.Receiver.Layout)
	}
}

func TestApplyRoleDefaults(t *testing.T) {
	t.Run("mic buttons broadcast", func(t *testing.T) {
		cfg := Default()
		cfg.Node.Role = RoleMic
		cfg.ApplyRoleDefaults()

		if cfg.State.Recording.Source != "button" || cfg.State.Recording.Button != "record" {
			t.Errorf("Expected recording bound to button 'record', got %+v", cfg.State.Recording)
		}
		if !cfg.State.AIMode.Broadcast {
			t.Errorf("Expected AI mode to broadcast")
		}
		if cfg.State.ClassMode.Source != "bus" {
			t.Errorf("Expected class mode bound to bus, got %q", cfg.State.ClassMode.Source)
		}
		if cfg.Audio.Source != "pattern" {
			t.Errorf("Expected pattern source, got %q", cfg.Audio.Source)
		}
	})

	t.Run("explicit binding kept", func(t *testing.T) {
		cfg := Default()
		cfg.Node.Role = RoleGlasses
		cfg.State.AIMode = BindingConfig{Source: "button", Button: "side"}
		cfg.ApplyRoleDefaults()

		if cfg.State.AIMode.Source != "button" || cfg.State.AIMode.Button != "side" {
			t.Errorf("Expected explicit binding to survive, got %+v", cfg.State.AIMode)
		}
		if cfg.State.Recording.Source != "bus" {
			t.Errorf("Expected recording bound to bus, got %q", cfg.State.Recording.Source)
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLASSLINK_NODE_ID", "glasses_07")
	t.Setenv("CLASSLINK_BUS_PORT", "11883")
	t.Setenv("CLASSLINK_UPLINK_PEER_HOST", "10.1.1.1")
	t.Setenv("CLASSLINK_HTTP_ENABLED", "true")
	t.Setenv("CLASSLINK_RECEIVER_AI_TARGETS", "127.0.0.1:7000, 127.0.0.1:7001")

	cfg, err := LoadFromReader(strings.NewReader(`
node:
  id: from_file
  role: glasses
`))
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	if cfg.Node.ID != "glasses_07" {
		t.Errorf("Expected node id glasses_07, got %q", cfg.Node.ID)
	}
	if cfg.Bus.Port != 11883 {
		t.Errorf("Expected bus port 11883, got %d", cfg.Bus.Port)
	}
	if cfg.Uplink.PeerHost != "10.1.1.1" {
		t.Errorf("Expected peer host 10.1.1.1, got %q", cfg.Uplink.PeerHost)
	}
	if !cfg.HTTP.Enabled {
		t.Errorf("Expected HTTP enabled")
	}
	if len(cfg.Receiver.AITargets) != 2 || cfg.Receiver.AITargets[1] != "127.0.0.1:7001" {
		t.Errorf("Expected two AI targets, got %v", cfg.Receiver.AITargets)
	}
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		value    string
		errorMsg string
	}{
		{name: "integer", env: "CLASSLINK_BUS_PORT", value: "eighteen", errorMsg: "is not an integer"},
		{name: "boolean", env: "CLASSLINK_HTTP_ENABLED", value: "sometimes", errorMsg: "is not a boolean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)

			_, err := LoadFromReader(strings.NewReader("node:\n  id: g1\n"))
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.env) {
				t.Errorf("Expected error to name the variable, got %q", err.Error())
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if got := cfg.Bus.GetConnectTimeoutDuration(); got != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", got)
	}
	if got := cfg.Bus.GetKeepAliveDuration(); got != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", got)
	}
	if got := cfg.Bus.Reconnect.GetRetryDelayDuration(); got != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", got)
	}
	if got := cfg.VAD.GetHangoverDuration(); got != 300*time.Millisecond {
		t.Errorf("Expected 300ms, got %v", got)
	}
	if got := cfg.State.GetDebounceDuration(); got != 300*time.Millisecond {
		t.Errorf("Expected 300ms, got %v", got)
	}
	if got := cfg.Receiver.GetSourceTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", got)
	}
	if got := cfg.Loop.GetIdleSleepDuration(); got != 5*time.Millisecond {
		t.Errorf("Expected 5ms, got %v", got)
	}
}

func TestShippedConfigsLoad(t *testing.T) {
	tests := []struct {
		file string
		role string
	}{
		{"glasses.yaml", RoleGlasses},
		{"mic.yaml", RoleMic},
		{"hub.yaml", RoleHub},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			cfg, err := Load(filepath.Join("..", "..", "configs", tt.file))
			if err != nil {
				t.Fatalf("Expected %s to load, got %v", tt.file, err)
			}
			if cfg.Node.Role != tt.role {
				t.Errorf("Expected role %s, got %s", tt.role, cfg.Node.Role)
			}
		})
	}
}

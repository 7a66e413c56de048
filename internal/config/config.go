package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skypro1111/classlink-audio/internal/protocol"
)

// Node roles
const (
	RoleGlasses = "glasses"
	RoleMic     = "mic"
	RoleHub     = "hub"
)

// Config represents the complete node or hub configuration
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Bus      BusConfig      `yaml:"bus"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Uplink   UplinkConfig   `yaml:"uplink"`
	State    StateConfig    `yaml:"state"`
	Input    InputConfig    `yaml:"input"`
	Presence PresenceConfig `yaml:"presence"`
	HostLink HostLinkConfig `yaml:"hostlink"`
	Receiver ReceiverConfig `yaml:"receiver"`
	HTTP     HTTPConfig     `yaml:"http"`
	Loop     LoopConfig     `yaml:"loop"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig identifies the process on the control bus
type NodeConfig struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// BusConfig contains control bus connection parameters
type BusConfig struct {
	Host             string          `yaml:"host"`
	Port             int             `yaml:"port"`
	Username         string          `yaml:"username"`
	Password         string          `yaml:"password"`
	QoS              int             `yaml:"qos"`
	KeepAlive        int             `yaml:"keepalive_s"`        // seconds
	ConnectTimeout   int             `yaml:"connect_timeout_ms"` // milliseconds
	OperationTimeout int             `yaml:"op_timeout_ms"`      // milliseconds
	InboundBuffer    int             `yaml:"inbound_buffer"`
	MaxPerPump       int             `yaml:"max_per_pump"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig maps to the bus client reconnect policy
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`   // 0 = unbounded
	RetryDelay  int `yaml:"retry_delay_ms"` // milliseconds
	StepBudget  int `yaml:"step_budget_ms"` // milliseconds, 0 = unbounded
}

// AudioConfig selects the capture source
type AudioConfig struct {
	Source       string `yaml:"source"` // pattern, pcm, wav, none
	Path         string `yaml:"path"`   // "-" reads stdin for pcm
	SampleRate   int    `yaml:"sample_rate"`
	FrameSamples int    `yaml:"frame_samples"`
	Loop         bool   `yaml:"loop"`
	Amplitude    int    `yaml:"amplitude"`
}

// VADConfig contains energy detector parameters
type VADConfig struct {
	Threshold int `yaml:"threshold"`
	Hangover  int `yaml:"hangover_ms"` // milliseconds
}

// UplinkConfig contains the audio datagram destination
type UplinkConfig struct {
	PeerHost     string `yaml:"peer_host"`
	PeerPort     int    `yaml:"peer_port"`
	Layout       string `yaml:"layout"`
	WriteTimeout int    `yaml:"write_timeout_ms"` // milliseconds
	Redial       int    `yaml:"redial_ms"`        // milliseconds
}

// BindingConfig binds one state flag to its source
type BindingConfig struct {
	Source    string `yaml:"source"` // bus, button, host
	Button    string `yaml:"button"`
	Broadcast bool   `yaml:"broadcast"`
	Initial   bool   `yaml:"initial"`
}

// StateConfig contains the flag bindings
type StateConfig struct {
	Recording BindingConfig `yaml:"recording"`
	AIMode    BindingConfig `yaml:"ai_mode"`
	ClassMode BindingConfig `yaml:"class_mode"`
	Debounce  int           `yaml:"debounce_ms"` // milliseconds
}

// ButtonConfig describes a GPIO button exported through sysfs
type ButtonConfig struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	ActiveLow bool   `yaml:"active_low"`
}

// InputConfig contains local input sources
type InputConfig struct {
	Buttons []ButtonConfig `yaml:"buttons"`
	// LineInput reads button names line by line ("-" for stdin, or a FIFO path).
	LineInput string `yaml:"line_input"`
}

// PresenceConfig contains station presence monitoring parameters
type PresenceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Source    string `yaml:"source"` // iw, receiver
	Interface string `yaml:"interface"`
	Interval  int    `yaml:"interval_ms"` // milliseconds
	Publish   bool   `yaml:"publish"`
}

// HostLinkConfig contains the bridging host link target
type HostLinkConfig struct {
	Target string `yaml:"target"` // "", stdio, tcp://host:port, or a device path
}

// ReceiverConfig contains hub UDP receiver and routing parameters
type ReceiverConfig struct {
	BindAddress     string   `yaml:"bind_address"`
	UDPPort         int      `yaml:"udp_port"`
	BufferSize      int      `yaml:"buffer_size"`
	Workers         int      `yaml:"workers"`
	QueueSize       int      `yaml:"queue_size"`
	Layout          string   `yaml:"layout"`
	SourceTimeout   int      `yaml:"source_timeout_s"`   // seconds
	RegistryTimeout int      `yaml:"registry_timeout_s"` // seconds
	AITargets       []string `yaml:"ai_targets"`
	ClassTargets    []string `yaml:"class_targets"`
	PrivateTargets  []string `yaml:"private_targets"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoopConfig contains cooperative loop timing
type LoopConfig struct {
	IdleSleep int `yaml:"idle_sleep_ms"` // milliseconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every optional field populated.
// Role-specific bindings are applied by ApplyRoleDefaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{Role: RoleGlasses},
		Bus: BusConfig{
			Host:             "127.0.0.1",
			Port:             1883,
			QoS:              0,
			KeepAlive:        30,
			ConnectTimeout:   2000,
			OperationTimeout: 1000,
			InboundBuffer:    64,
			MaxPerPump:       32,
			Reconnect: ReconnectConfig{
				MaxAttempts: 3,
				RetryDelay:  2000,
				StepBudget:  10000,
			},
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			FrameSamples: 256,
			Amplitude:    1000,
		},
		VAD: VADConfig{
			Threshold: 300,
			Hangover:  300,
		},
		Uplink: UplinkConfig{
			PeerPort:     5005,
			Layout:       protocol.LayoutCanonical.String(),
			WriteTimeout: 5,
			Redial:       1000,
		},
		State: StateConfig{
			Debounce: 300,
		},
		Presence: PresenceConfig{
			Source:    "iw",
			Interface: "wlan0",
			Interval:  1000,
			Publish:   true,
		},
		Receiver: ReceiverConfig{
			BindAddress:     "0.0.0.0",
			UDPPort:         5005,
			BufferSize:      65536,
			Workers:         4,
			QueueSize:       1024,
			Layout:          protocol.LayoutCanonical.String(),
			SourceTimeout:   30,
			RegistryTimeout: 120,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
		},
		Loop: LoopConfig{
			IdleSleep: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ApplyRoleDefaults fills the capture source and the flag bindings left
// empty with the defaults of the node role. Glasses follow the bus, the mic
// drives recording and AI mode from buttons and broadcasts them, and the hub
// takes class mode from the host.
func (c *Config) ApplyRoleDefaults() {
	def := func(b *BindingConfig, source, button string, broadcast bool) {
		if b.Source != "" {
			return
		}
		b.Source = source
		if b.Button == "" {
			b.Button = button
		}
		b.Broadcast = b.Broadcast || broadcast
	}

	if c.Audio.Source == "" {
		c.Audio.Source = "pattern"
		if c.Node.Role == RoleHub {
			c.Audio.Source = "none"
		}
	}

	switch c.Node.Role {
	case RoleMic:
		def(&c.State.Recording, "button", "record", true)
		def(&c.State.AIMode, "button", "ai", true)
		def(&c.State.ClassMode, "bus", "", false)
	case RoleHub:
		def(&c.State.Recording, "bus", "", false)
		def(&c.State.AIMode, "bus", "", false)
		def(&c.State.ClassMode, "host", "", true)
	default:
		def(&c.State.Recording, "bus", "", false)
		def(&c.State.AIMode, "bus", "", false)
		def(&c.State.ClassMode, "bus", "", false)
	}
}

// Validate performs comprehensive validation of the configuration and
// reports every failing section.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Node.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("node config: %w", err))
	}
	if err := c.Bus.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bus config: %w", err))
	}
	if err := c.Audio.Validate(c.Node.Role); err != nil {
		errs = append(errs, fmt.Errorf("audio config: %w", err))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad config: %w", err))
	}
	if err := c.Uplink.Validate(c.Node.Role != RoleHub && c.Audio.Source != "none"); err != nil {
		errs = append(errs, fmt.Errorf("uplink config: %w", err))
	}
	if err := c.State.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("state config: %w", err))
	}
	if err := c.Input.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("input config: %w", err))
	}
	if err := c.Presence.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("presence config: %w", err))
	}
	if c.Node.Role == RoleHub {
		if err := c.Receiver.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("receiver config: %w", err))
		}
	}
	if err := c.HTTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("http config: %w", err))
	}
	if c.Loop.IdleSleep < 0 {
		errs = append(errs, fmt.Errorf("loop config: idle_sleep_ms cannot be negative, got %d", c.Loop.IdleSleep))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging config: %w", err))
	}

	return errors.Join(errs...)
}

// Validate validates node identity
func (n *NodeConfig) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if strings.ContainsAny(n.ID, "/+# ") {
		return fmt.Errorf("id %q must not contain '/', '+', '#' or spaces", n.ID)
	}
	switch n.Role {
	case RoleGlasses, RoleMic, RoleHub:
	default:
		return fmt.Errorf("role must be one of [glasses, mic, hub], got '%s'", n.Role)
	}
	return nil
}

// Validate validates control bus configuration
func (b *BusConfig) Validate() error {
	if b.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", b.Port)
	}
	if b.QoS < 0 || b.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", b.QoS)
	}
	if b.KeepAlive < 1 {
		return fmt.Errorf("keepalive_s must be at least 1 second, got %d", b.KeepAlive)
	}
	if b.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout_ms must be positive, got %d", b.ConnectTimeout)
	}
	if b.OperationTimeout < 1 {
		return fmt.Errorf("op_timeout_ms must be positive, got %d", b.OperationTimeout)
	}
	if b.InboundBuffer < 1 {
		return fmt.Errorf("inbound_buffer must be at least 1, got %d", b.InboundBuffer)
	}
	if b.MaxPerPump < 1 {
		return fmt.Errorf("max_per_pump must be at least 1, got %d", b.MaxPerPump)
	}
	return b.Reconnect.Validate()
}

// Validate validates the reconnect policy
func (r *ReconnectConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative, got %d", r.MaxAttempts)
	}
	if r.RetryDelay < 0 {
		return fmt.Errorf("reconnect.retry_delay_ms cannot be negative, got %d", r.RetryDelay)
	}
	if r.StepBudget < 0 {
		return fmt.Errorf("reconnect.step_budget_ms cannot be negative, got %d", r.StepBudget)
	}
	if r.MaxAttempts == 0 {
		if r.RetryDelay == 0 {
			return fmt.Errorf("reconnect.retry_delay_ms must be positive when attempts are unbounded")
		}
		if r.StepBudget == 0 {
			return fmt.Errorf("reconnect.step_budget_ms must be positive when attempts are unbounded")
		}
	}
	return nil
}

// Validate validates the capture source configuration
func (a *AudioConfig) Validate(role string) error {
	switch a.Source {
	case "none":
		return nil
	case "pattern":
	case "pcm", "wav":
		if a.Path == "" {
			return fmt.Errorf("path cannot be empty for %s source", a.Source)
		}
	default:
		return fmt.Errorf("source must be one of [pattern, pcm, wav, none], got '%s'", a.Source)
	}
	if role == RoleHub {
		return fmt.Errorf("hub does not capture audio, source must be 'none'")
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if max := protocol.MaxPayloadSize / 2; a.FrameSamples < 1 || a.FrameSamples > max {
		return fmt.Errorf("frame_samples must be between 1 and %d, got %d", max, a.FrameSamples)
	}
	if a.Amplitude < 0 || a.Amplitude > 32767 {
		return fmt.Errorf("amplitude must be between 0 and 32767, got %d", a.Amplitude)
	}
	return nil
}

// Validate validates detector configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 {
		return fmt.Errorf("threshold cannot be negative, got %d", v.Threshold)
	}
	if v.Hangover < 0 {
		return fmt.Errorf("hangover_ms cannot be negative, got %d", v.Hangover)
	}
	return nil
}

// Validate validates the audio destination. The peer is only required when
// the process actually streams audio.
func (u *UplinkConfig) Validate(required bool) error {
	if _, err := protocol.ParseLayout(u.Layout); err != nil {
		return err
	}
	if u.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout_ms cannot be negative, got %d", u.WriteTimeout)
	}
	if u.Redial < 0 {
		return fmt.Errorf("redial_ms cannot be negative, got %d", u.Redial)
	}
	if !required {
		return nil
	}
	if u.PeerHost == "" {
		return fmt.Errorf("peer_host cannot be empty")
	}
	if u.PeerPort < 1 || u.PeerPort > 65535 {
		return fmt.Errorf("peer_port must be between 1 and 65535, got %d", u.PeerPort)
	}
	return nil
}

// Validate validates the flag bindings
func (s *StateConfig) Validate() error {
	if s.Debounce < 0 {
		return fmt.Errorf("debounce_ms cannot be negative, got %d", s.Debounce)
	}
	for name, b := range map[string]BindingConfig{
		"recording":  s.Recording,
		"ai_mode":    s.AIMode,
		"class_mode": s.ClassMode,
	} {
		switch b.Source {
		case "bus", "host":
		case "button":
			if b.Button == "" {
				return fmt.Errorf("%s: button cannot be empty for button source", name)
			}
		default:
			return fmt.Errorf("%s: source must be one of [bus, button, host], got '%s'", name, b.Source)
		}
	}
	return nil
}

// Validate validates local inputs
func (i *InputConfig) Validate() error {
	seen := make(map[string]bool, len(i.Buttons))
	for _, b := range i.Buttons {
		if b.Name == "" || b.Path == "" {
			return fmt.Errorf("buttons need both a name and a path")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate button %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Validate validates presence monitoring
func (p *PresenceConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	switch p.Source {
	case "iw":
		if p.Interface == "" {
			return fmt.Errorf("interface cannot be empty for iw source")
		}
	case "receiver":
	default:
		return fmt.Errorf("source must be 'iw' or 'receiver', got '%s'", p.Source)
	}
	if p.Interval < 1 {
		return fmt.Errorf("interval_ms must be positive, got %d", p.Interval)
	}
	return nil
}

// Validate validates the hub receiver
func (r *ReceiverConfig) Validate() error {
	if r.UDPPort < 1 || r.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", r.UDPPort)
	}
	if r.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}
	if r.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", r.BufferSize)
	}
	if r.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", r.Workers)
	}
	if r.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", r.QueueSize)
	}
	if _, err := protocol.ParseLayout(r.Layout); err != nil {
		return err
	}
	if r.SourceTimeout < 1 {
		return fmt.Errorf("source_timeout_s must be at least 1 second, got %d", r.SourceTimeout)
	}
	if r.RegistryTimeout < 1 {
		return fmt.Errorf("registry_timeout_s must be at least 1 second, got %d", r.RegistryTimeout)
	}
	for _, list := range [][]string{r.AITargets, r.ClassTargets, r.PrivateTargets} {
		for _, t := range list {
			if !strings.Contains(t, ":") {
				return fmt.Errorf("target %q must be host:port", t)
			}
		}
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetKeepAliveDuration returns the keepalive interval as a time.Duration
func (b *BusConfig) GetKeepAliveDuration() time.Duration {
	return time.Duration(b.KeepAlive) * time.Second
}

// GetConnectTimeoutDuration returns the connect timeout as a time.Duration
func (b *BusConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Millisecond
}

// GetOperationTimeoutDuration returns the subscribe/publish timeout as a time.Duration
func (b *BusConfig) GetOperationTimeoutDuration() time.Duration {
	return time.Duration(b.OperationTimeout) * time.Millisecond
}

// GetRetryDelayDuration returns the delay between connect attempts
func (r *ReconnectConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(r.RetryDelay) * time.Millisecond
}

// GetStepBudgetDuration returns the time box of one reconnect step
func (r *ReconnectConfig) GetStepBudgetDuration() time.Duration {
	return time.Duration(r.StepBudget) * time.Millisecond
}

// GetHangoverDuration returns the detector hangover as a time.Duration
func (v *VADConfig) GetHangoverDuration() time.Duration {
	return time.Duration(v.Hangover) * time.Millisecond
}

// GetWriteTimeoutDuration returns the datagram write deadline
func (u *UplinkConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(u.WriteTimeout) * time.Millisecond
}

// GetRedialDuration returns the minimum interval between dial attempts
func (u *UplinkConfig) GetRedialDuration() time.Duration {
	return time.Duration(u.Redial) * time.Millisecond
}

// GetDebounceDuration returns the button debounce delay
func (s *StateConfig) GetDebounceDuration() time.Duration {
	return time.Duration(s.Debounce) * time.Millisecond
}

// GetIntervalDuration returns the presence poll interval
func (p *PresenceConfig) GetIntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Millisecond
}

// GetSourceTimeoutDuration returns the inactivity timeout of receiver sources
func (r *ReceiverConfig) GetSourceTimeoutDuration() time.Duration {
	return time.Duration(r.SourceTimeout) * time.Second
}

// GetRegistryTimeoutDuration returns the inactivity timeout of registry devices
func (r *ReceiverConfig) GetRegistryTimeoutDuration() time.Duration {
	return time.Duration(r.RegistryTimeout) * time.Second
}

// GetIdleSleepDuration returns the loop idle sleep
func (l *LoopConfig) GetIdleSleepDuration() time.Duration {
	return time.Duration(l.IdleSleep) * time.Millisecond
}

package node

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/protocol"
)

// DefaultDebounce is the button debounce delay
const DefaultDebounce = 300 * time.Millisecond

// Flag identifies one of the node state flags
type Flag int

const (
	FlagRecording Flag = iota
	FlagAIMode
	FlagClassMode
)

var flags = []Flag{FlagRecording, FlagAIMode, FlagClassMode}

// String returns the flag name used in device topics
func (f Flag) String() string {
	switch f {
	case FlagRecording:
		return "recording"
	case FlagAIMode:
		return "ai"
	case FlagClassMode:
		return "mode"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// Source identifies what is allowed to drive a flag
type Source int

const (
	// SourceBus flags follow absolute values from control-bus commands.
	SourceBus Source = iota
	// SourceButton flags toggle on debounced button presses.
	SourceButton
	// SourceHost flags follow the bridging host (host line or HTTP API).
	SourceHost
)

// ParseSource parses "bus", "button" or "host"
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bus":
		return SourceBus, nil
	case "button":
		return SourceButton, nil
	case "host":
		return SourceHost, nil
	default:
		return 0, fmt.Errorf("unknown flag source %q", s)
	}
}

// String returns the configuration name of the source
func (s Source) String() string {
	switch s {
	case SourceBus:
		return "bus"
	case SourceButton:
		return "button"
	case SourceHost:
		return "host"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Binding ties a flag to its single driving source
type Binding struct {
	Source Source
	// Button names the input that toggles the flag when Source is SourceButton.
	Button string
	// Broadcast also publishes the command topic on change so that other
	// nodes bound to the bus follow this node.
	Broadcast bool
	// Initial is the value at startup.
	Initial bool
}

// State holds the node flags
type State struct {
	Recording bool `json:"recording"`
	AIMode    bool `json:"ai_mode"`
	ClassMode bool `json:"class_mode"`
}

// Capturing reports whether audio should be captured and streamed
func (s State) Capturing() bool {
	return s.Recording || s.AIMode
}

// PacketFlags returns the flag byte stamped on outgoing audio
func (s State) PacketFlags() protocol.Flags {
	return protocol.NewFlags(s.AIMode, s.ClassMode)
}

// Mode returns the class/private mode
func (s State) Mode() protocol.Mode {
	return protocol.ModeFromClass(s.ClassMode)
}

// Get returns the value of flag f
func (s State) Get(f Flag) bool {
	switch f {
	case FlagRecording:
		return s.Recording
	case FlagAIMode:
		return s.AIMode
	default:
		return s.ClassMode
	}
}

func (s *State) set(f Flag, v bool) {
	switch f {
	case FlagRecording:
		s.Recording = v
	case FlagAIMode:
		s.AIMode = v
	default:
		s.ClassMode = v
	}
}

// Publisher publishes control messages
type Publisher interface {
	PublishMessage(protocol.Message) bool
}

// MachineConfig configures a Machine
type MachineConfig struct {
	NodeID    string
	Recording Binding
	AIMode    Binding
	ClassMode Binding
	Debounce  time.Duration

	// OnText receives display text and assistant answers. May be nil.
	OnText func(protocol.Message)
}

// Machine owns the node flags and applies local input and bus commands to
// them. Every actual change is announced on the node's device topics.
type Machine struct {
	nodeID     string
	bindings   map[Flag]Binding
	buttons    map[string]Flag
	debouncers map[string]*Debouncer
	publisher  Publisher
	onText     func(protocol.Message)

	state State
	mu    sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMachine validates the bindings and creates a machine in its initial state
func NewMachine(cfg MachineConfig, pub Publisher, logger *slog.Logger, m *metrics.Metrics) (*Machine, error) {
	if cfg.NodeID == "" || strings.ContainsAny(cfg.NodeID, "/+#") {
		return nil, fmt.Errorf("invalid node id %q", cfg.NodeID)
	}
	if cfg.Debounce < 0 {
		return nil, fmt.Errorf("debounce must not be negative, got %s", cfg.Debounce)
	}
	if logger == nil {
		logger = slog.Default()
	}

	mc := &Machine{
		nodeID: cfg.NodeID,
		bindings: map[Flag]Binding{
			FlagRecording: cfg.Recording,
			FlagAIMode:    cfg.AIMode,
			FlagClassMode: cfg.ClassMode,
		},
		buttons:    make(map[string]Flag),
		debouncers: make(map[string]*Debouncer),
		publisher:  pub,
		onText:     cfg.OnText,
		logger:     logger,
		metrics:    m,
	}

	for _, f := range flags {
		b := mc.bindings[f]
		switch b.Source {
		case SourceButton:
			if b.Button == "" {
				return nil, fmt.Errorf("%s: button source requires a button name", f)
			}
			if other, dup := mc.buttons[b.Button]; dup {
				return nil, fmt.Errorf("%s: button %q already drives %s", f, b.Button, other)
			}
			mc.buttons[b.Button] = f
			mc.debouncers[b.Button] = NewDebouncer(cfg.Debounce)
		case SourceBus:
			if b.Button != "" {
				return nil, fmt.Errorf("%s: bus-driven flag cannot also be bound to button %q", f, b.Button)
			}
			if b.Broadcast {
				return nil, fmt.Errorf("%s: bus-driven flag cannot broadcast commands", f)
			}
		case SourceHost:
			if f != FlagClassMode {
				return nil, fmt.Errorf("%s: only the class mode flag can be host-driven", f)
			}
			if b.Button != "" {
				return nil, fmt.Errorf("%s: host-driven flag cannot also be bound to button %q", f, b.Button)
			}
		default:
			return nil, fmt.Errorf("%s: unknown source %s", f, b.Source)
		}
		mc.state.set(f, b.Initial)
	}

	return mc, nil
}

// NodeID returns the node identifier
func (m *Machine) NodeID() string {
	return m.nodeID
}

// State returns a snapshot of the flags
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Binding returns the binding of flag f
func (m *Machine) Binding(f Flag) Binding {
	return m.bindings[f]
}

// Buttons returns the names of all bound buttons
func (m *Machine) Buttons() []string {
	names := make([]string, 0, len(m.buttons))
	for name := range m.buttons {
		names = append(names, name)
	}
	return names
}

// PressButton handles a press edge of the named button observed at now.
// It returns true when the edge passed debounce and toggled a flag.
func (m *Machine) PressButton(name string, now time.Time) bool {
	f, ok := m.buttons[name]
	if !ok {
		m.logger.Debug("Press on unbound button ignored", slog.String("button", name))
		return false
	}

	if !m.debouncers[name].Accept(now) {
		m.metrics.RecordButtonEdge(false)
		return false
	}
	m.metrics.RecordButtonEdge(true)

	m.set(f, !m.State().Get(f), SourceButton)
	return true
}

// HandleMessage applies a parsed control message. Commands only affect flags
// bound to the bus; it returns true when a flag changed.
func (m *Machine) HandleMessage(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindRecording:
		return m.apply(FlagRecording, msg.On, SourceBus)
	case protocol.KindAI:
		return m.apply(FlagAIMode, msg.On, SourceBus)
	case protocol.KindMode:
		return m.apply(FlagClassMode, msg.Mode.IsClass(), SourceBus)
	case protocol.KindText, protocol.KindAnswer:
		if m.onText != nil {
			m.onText(msg)
		} else {
			m.logger.Info("Display text received",
				slog.String("topic", msg.Topic),
				slog.String("text", msg.Text.Text),
			)
		}
		return false
	default:
		return false
	}
}

// HandleHostMode applies a mode selected by the bridging host
func (m *Machine) HandleHostMode(mode protocol.Mode) bool {
	return m.apply(FlagClassMode, mode.IsClass(), SourceHost)
}

func (m *Machine) apply(f Flag, value bool, src Source) bool {
	if b := m.bindings[f]; b.Source != src {
		m.logger.Debug("Flag update ignored",
			slog.String("flag", f.String()),
			slog.String("from", src.String()),
			slog.String("bound_to", b.Source.String()),
		)
		return false
	}
	return m.set(f, value, src)
}

func (m *Machine) set(f Flag, value bool, src Source) bool {
	m.mu.Lock()
	if m.state.Get(f) == value {
		m.mu.Unlock()
		return false
	}
	m.state.set(f, value)
	m.mu.Unlock()

	m.metrics.RecordStateChange(f.String())
	m.logger.Info("Node flag changed",
		slog.String("flag", f.String()),
		slog.Bool("value", value),
		slog.String("source", src.String()),
	)

	m.publish(f, value)
	return true
}

func (m *Machine) publish(f Flag, value bool) {
	if m.publisher == nil {
		return
	}

	m.publisher.PublishMessage(deviceNotice(m.nodeID, f, value))

	if m.bindings[f].Broadcast {
		m.publisher.PublishMessage(command(f, value))
	}
}

// Announce publishes the current value of every flag on the device topics
func (m *Machine) Announce() {
	if m.publisher == nil {
		return
	}
	st := m.State()
	for _, f := range flags {
		m.publisher.PublishMessage(deviceNotice(m.nodeID, f, st.Get(f)))
	}
}

func deviceNotice(node string, f Flag, value bool) protocol.Message {
	msg := protocol.Message{Node: node, On: value}
	switch f {
	case FlagRecording:
		msg.Kind = protocol.KindDeviceRecording
	case FlagAIMode:
		msg.Kind = protocol.KindDeviceAI
	default:
		msg.Kind = protocol.KindDeviceMode
		msg.On = false
		msg.Mode = protocol.ModeFromClass(value)
	}
	return msg
}

func command(f Flag, value bool) protocol.Message {
	switch f {
	case FlagRecording:
		return protocol.Message{Kind: protocol.KindRecording, On: value}
	case FlagAIMode:
		return protocol.Message{Kind: protocol.KindAI, On: value}
	default:
		return protocol.Message{Kind: protocol.KindMode, Mode: protocol.ModeFromClass(value)}
	}
}

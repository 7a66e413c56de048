package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skypro1111/classlink-audio/internal/bus"
	"github.com/skypro1111/classlink-audio/internal/input"
	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/presence"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/transport"
	"github.com/skypro1111/classlink-audio/internal/vad"
)

// Default loop parameters
const (
	DefaultFrameSamples     = 256
	DefaultIdleSleep        = 5 * time.Millisecond
	DefaultPresenceInterval = time.Second
)

// Clock abstracts time for the loop
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BusClient is the part of the control-bus client the loop drives
type BusClient interface {
	EnsureConnected(ctx context.Context) bus.State
	Pump() int
}

// AudioSource fills capture frames
type AudioSource interface {
	Read(ctx context.Context, frame []int16) (int, error)
}

// HostCommandSource yields queued host commands without blocking
type HostCommandSource interface {
	PollCommands() []protocol.HostCommand
}

// PresenceSource samples station presence
type PresenceSource interface {
	Poll(ctx context.Context) (presence.Event, bool, error)
}

// LoopConfig holds loop timing and framing parameters
type LoopConfig struct {
	FrameSamples     int
	IdleSleep        time.Duration
	PresenceInterval time.Duration
}

// LoopDeps wires the loop to its collaborators. Machine is required; every
// other dependency is optional and its step is skipped when nil. The capture
// step needs Source, Detector, Framer and Sender together.
type LoopDeps struct {
	Machine *Machine
	Bus     BusClient
	Inputs  []input.EdgeSource
	Host    []HostCommandSource

	Presence   PresenceSource
	OnPresence func(presence.Event)

	Source   AudioSource
	Detector *vad.Detector
	Framer   *protocol.Framer
	Sender   transport.DatagramSender

	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Loop is the single cooperative loop of a node. It owns the node state,
// the detector and the framer; nothing else mutates them.
type Loop struct {
	cfg  LoopConfig
	deps LoopDeps

	frame   []int16
	payload []byte

	connected    bool
	lastPresence time.Time
	sourceDone   bool

	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLoop validates the wiring and creates a loop
func NewLoop(cfg LoopConfig, deps LoopDeps) (*Loop, error) {
	if deps.Machine == nil {
		return nil, fmt.Errorf("loop requires a state machine")
	}
	if deps.Source != nil && (deps.Detector == nil || deps.Framer == nil || deps.Sender == nil) {
		return nil, fmt.Errorf("capture requires a detector, a framer and a sender")
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = DefaultFrameSamples
	}
	if max := protocol.MaxPayloadSize / 2; cfg.FrameSamples > max {
		return nil, fmt.Errorf("%w: frame of %d samples exceeds the datagram limit of %d samples",
			protocol.ErrPayloadTooLarge, cfg.FrameSamples, max)
	}
	if cfg.IdleSleep < 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = DefaultPresenceInterval
	}

	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		cfg:     cfg,
		deps:    deps,
		frame:   make([]int16, cfg.FrameSamples),
		payload: make([]byte, 0, cfg.FrameSamples*2),
		clock:   clock,
		logger:  logger,
		metrics: deps.Metrics,
	}, nil
}

// Run iterates until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Node loop started",
		slog.String("node", l.deps.Machine.NodeID()),
		slog.Int("frame_samples", l.cfg.FrameSamples),
		slog.Duration("idle_sleep", l.cfg.IdleSleep),
	)

	for {
		if ctx.Err() != nil {
			l.logger.Info("Node loop stopped")
			return nil
		}

		start := time.Now()
		l.Step(ctx)
		l.metrics.RecordLoopIteration(time.Since(start).Seconds())

		if err := l.clock.Sleep(ctx, l.cfg.IdleSleep); err != nil {
			l.logger.Info("Node loop stopped")
			return nil
		}
	}
}

// Step runs one iteration without the idle sleep
func (l *Loop) Step(ctx context.Context) {
	l.stepBus(ctx)
	l.stepHost()
	l.stepInputs()
	l.stepPresence(ctx)
	l.stepCapture(ctx)
}

func (l *Loop) stepBus(ctx context.Context) {
	if l.deps.Bus == nil {
		return
	}

	connected := l.deps.Bus.EnsureConnected(ctx) == bus.StateConnected
	if connected && !l.connected {
		l.deps.Machine.Announce()
	}
	l.connected = connected

	l.deps.Bus.Pump()
}

func (l *Loop) stepHost() {
	for _, src := range l.deps.Host {
		for _, cmd := range src.PollCommands() {
			l.deps.Machine.HandleHostMode(cmd.Mode)
		}
	}
}

func (l *Loop) stepInputs() {
	if len(l.deps.Inputs) == 0 {
		return
	}
	now := l.clock.Now()
	for _, src := range l.deps.Inputs {
		for _, name := range src.PollEdges() {
			l.deps.Machine.PressButton(name, now)
		}
	}
}

func (l *Loop) stepPresence(ctx context.Context) {
	if l.deps.Presence == nil {
		return
	}

	now := l.clock.Now()
	if !l.lastPresence.IsZero() && now.Sub(l.lastPresence) < l.cfg.PresenceInterval {
		return
	}
	l.lastPresence = now

	ev, ok, err := l.deps.Presence.Poll(ctx)
	if err != nil {
		l.logger.Debug("Presence poll failed", slog.String("error", err.Error()))
		return
	}
	if ok && l.deps.OnPresence != nil {
		l.deps.OnPresence(ev)
	}
}

func (l *Loop) stepCapture(ctx context.Context) {
	if l.deps.Source == nil || l.sourceDone || !l.deps.Machine.State().Capturing() {
		return
	}

	n, err := l.deps.Source.Read(ctx, l.frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			l.sourceDone = true
			l.logger.Warn("Audio source ended, capture disabled")
			return
		}
		l.metrics.RecordCaptureError()
		l.logger.Debug("Audio capture failed", slog.String("error", err.Error()))
		return
	}

	samples := l.frame[:n]
	transmit := l.deps.Detector.Process(samples, l.clock.Now())
	if n > 0 {
		l.metrics.RecordFrame(l.deps.Detector.LastEnergy(), transmit)
	}
	if !transmit {
		return
	}

	l.payload = l.payload[:0]
	for _, s := range samples {
		l.payload = binary.LittleEndian.AppendUint16(l.payload, uint16(s))
	}

	flags := l.deps.Machine.State().PacketFlags()
	l.deps.Sender.Send(l.deps.Framer.Frame(flags, l.payload))
}

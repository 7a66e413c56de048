package node

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/skypro1111/classlink-audio/internal/bus"
	"github.com/skypro1111/classlink-audio/internal/bus/mock"
	"github.com/skypro1111/classlink-audio/internal/input"
	"github.com/skypro1111/classlink-audio/internal/presence"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/vad"
)

type fakeClock struct {
	now    time.Time
	trace  *[]string
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.trace != nil {
		*c.trace = append(*c.trace, "sleep")
	}
	c.sleeps++
	c.now = c.now.Add(d)
	return ctx.Err()
}

type traceBus struct{ trace *[]string }

func (b traceBus) EnsureConnected(context.Context) bus.State {
	*b.trace = append(*b.trace, "ensure")
	return bus.StateConnected
}

func (b traceBus) Pump() int {
	*b.trace = append(*b.trace, "pump")
	return 0
}

type traceHost struct{ trace *[]string }

func (h traceHost) PollCommands() []protocol.HostCommand {
	*h.trace = append(*h.trace, "host")
	return nil
}

type traceInput struct {
	trace *[]string
	edges [][]string
}

func (i *traceInput) PollEdges() []string {
	if i.trace != nil {
		*i.trace = append(*i.trace, "input")
	}
	if len(i.edges) == 0 {
		return nil
	}
	e := i.edges[0]
	i.edges = i.edges[1:]
	return e
}

type tracePresence struct {
	trace  *[]string
	events []presence.Event
	polls  int
}

func (p *tracePresence) Poll(context.Context) (presence.Event, bool, error) {
	if p.trace != nil {
		*p.trace = append(*p.trace, "presence")
	}
	p.polls++
	if len(p.events) == 0 {
		return presence.Event{}, false, nil
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, true, nil
}

type scriptedSource struct {
	trace  *[]string
	frames []int16
	err    error
	reads  int
}

func (s *scriptedSource) Read(_ context.Context, frame []int16) (int, error) {
	if s.trace != nil {
		*s.trace = append(*s.trace, "capture")
	}
	s.reads++
	if s.err != nil {
		return 0, s.err
	}
	for i := range frame {
		frame[i] = s.frames[i%len(s.frames)]
	}
	return len(frame), nil
}

type captureSender struct {
	trace     *[]string
	datagrams [][]byte
}

func (s *captureSender) Send(b []byte) bool {
	if s.trace != nil {
		*s.trace = append(*s.trace, "send")
	}
	s.datagrams = append(s.datagrams, b)
	return true
}

func newTestLoop(t *testing.T, cfg MachineConfig, deps LoopDeps) (*Loop, *Machine) {
	t.Helper()
	m, err := NewMachine(cfg, deps.Bus.(interface {
		PublishMessage(protocol.Message) bool
	}), nil, nil)
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	deps.Machine = m
	l, err := NewLoop(LoopConfig{FrameSamples: 4, IdleSleep: 5 * time.Millisecond}, deps)
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return l, m
}

func TestStepOrder(t *testing.T) {
	var trace []string
	m, _ := NewMachine(glassesConfig(), nil, nil, nil)
	det, _ := vad.NewDetector(300, time.Second)
	framer, _ := protocol.NewFramer(protocol.LayoutCanonical)
	clock := &fakeClock{now: time.Unix(0, 0), trace: &trace}

	l, err := NewLoop(LoopConfig{FrameSamples: 4, IdleSleep: time.Millisecond}, LoopDeps{
		Machine:  m,
		Bus:      traceBus{&trace},
		Host:     []HostCommandSource{traceHost{&trace}},
		Inputs:   []input.EdgeSource{&traceInput{trace: &trace}},
		Presence: &tracePresence{trace: &trace},
		Source:   &scriptedSource{trace: &trace, frames: []int16{1000, -1000}},
		Detector: det,
		Framer:   framer,
		Sender:   &captureSender{trace: &trace},
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.Step(ctx)
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	want := []string{"ensure", "pump", "host", "input", "presence", "capture", "send"}
	if len(trace) != len(want) {
		t.Fatalf("Expected trace %v, got %v", want, trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("Step %d: expected %s, got %s", i, want[i], trace[i])
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := NewMachine(glassesConfig(), nil, nil, nil)
	l, _ := NewLoop(LoopConfig{IdleSleep: time.Millisecond}, LoopDeps{Machine: m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestCaptureGatedAndFramed(t *testing.T) {
	broker := mock.NewBroker(8)
	var m *Machine
	client := bus.NewClient(broker, bus.ClientConfig{
		Policy:  bus.ReconnectPolicy{MaxAttempts: 1},
		Handler: func(msg protocol.Message) { m.HandleMessage(msg) },
	}, nil, nil)

	det, _ := vad.NewDetector(300, 0)
	framer, _ := protocol.NewFramer(protocol.LayoutCanonical)
	src := &scriptedSource{frames: []int16{1000, -1000}}
	sender := &captureSender{}
	clock := &fakeClock{now: time.Unix(0, 0)}

	var l *Loop
	l, m = newTestLoop(t, micRemoteConfig(), LoopDeps{
		Bus:      client,
		Inputs:   []input.EdgeSource{&traceInput{edges: [][]string{nil, {"ai"}, nil, {"ai"}}}},
		Source:   src,
		Detector: det,
		Framer:   framer,
		Sender:   sender,
		Clock:    clock,
	})
	ctx := context.Background()

	// Mic remote starts idle: nothing captured.
	l.Step(ctx)
	if src.reads != 0 {
		t.Fatalf("Expected no capture while idle, got %d reads", src.reads)
	}
	if got := len(broker.Published()); got != 3 {
		t.Errorf("Expected state announcement on connect, got %d publishes", got)
	}

	// AI button enables capture within the same iteration.
	l.Step(ctx)
	if !m.State().AIMode {
		t.Fatal("Expected AI mode after button press")
	}
	if len(sender.datagrams) != 1 {
		t.Fatalf("Expected 1 datagram, got %d", len(sender.datagrams))
	}

	p, err := protocol.ParsePacket(sender.datagrams[0])
	if err != nil {
		t.Fatalf("Failed to parse datagram: %v", err)
	}
	if p.Header.Sequence != 0 {
		t.Errorf("Expected first sequence 0, got %d", p.Header.Sequence)
	}
	if !p.Header.Flags.AIMode() || !p.Header.Flags.ClassMode() {
		t.Errorf("Expected ai|class flags, got %v", p.Header.Flags)
	}
	if len(p.Payload) != 8 || int16(binary.LittleEndian.Uint16(p.Payload[2:])) != -1000 {
		t.Errorf("Unexpected payload %x", p.Payload)
	}

	// Quiet frames are gated.
	src.frames = []int16{5}
	clock.now = clock.now.Add(time.Second)
	l.Step(ctx)
	if len(sender.datagrams) != 1 {
		t.Errorf("Expected quiet frame to be gated, got %d datagrams", len(sender.datagrams))
	}

	// A bus start keeps capture alive while the AI button switches AI off
	// in the same iteration; the next frame carries the new flags.
	broker.Deliver(protocol.TopicAudioControl, "start")
	src.frames = []int16{2000}
	clock.now = clock.now.Add(time.Second)
	l.Step(ctx)
	if !m.State().Recording {
		t.Fatal("Expected recording on after bus command")
	}
	if m.State().AIMode {
		t.Fatal("Expected AI mode off after second button press")
	}
	if len(sender.datagrams) != 2 {
		t.Fatalf("Expected 2 datagrams, got %d", len(sender.datagrams))
	}
	p, err = protocol.ParsePacket(sender.datagrams[1])
	if err != nil {
		t.Fatalf("Failed to parse datagram: %v", err)
	}
	if p.Header.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", p.Header.Sequence)
	}
	if p.Header.Flags.AIMode() {
		t.Errorf("Expected AI flag cleared, got %v", p.Header.Flags)
	}
	if !p.Header.Flags.ClassMode() {
		t.Errorf("Expected class flag kept, got %v", p.Header.Flags)
	}
}

func TestSourceEndDisablesCapture(t *testing.T) {
	m, _ := NewMachine(glassesConfig(), nil, nil, nil)
	det, _ := vad.NewDetector(300, 0)
	framer, _ := protocol.NewFramer(protocol.LayoutCanonical)
	src := &scriptedSource{err: io.EOF}

	l, _ := NewLoop(LoopConfig{}, LoopDeps{
		Machine: m, Source: src, Detector: det, Framer: framer, Sender: &captureSender{},
		Clock: &fakeClock{now: time.Unix(0, 0)},
	})

	l.Step(context.Background())
	l.Step(context.Background())
	if src.reads != 1 {
		t.Errorf("Expected capture to stop after EOF, got %d reads", src.reads)
	}

	src2 := &scriptedSource{err: errors.New("overrun")}
	l2, _ := NewLoop(LoopConfig{}, LoopDeps{
		Machine: m, Source: src2, Detector: det, Framer: framer, Sender: &captureSender{},
		Clock: &fakeClock{now: time.Unix(0, 0)},
	})
	l2.Step(context.Background())
	l2.Step(context.Background())
	if src2.reads != 2 {
		t.Errorf("Expected transient errors to be retried, got %d reads", src2.reads)
	}
}

func TestPresenceInterval(t *testing.T) {
	m, _ := NewMachine(hubConfig(), nil, nil, nil)
	pres := &tracePresence{events: []presence.Event{{Type: presence.Join, Previous: 0, Current: 1, Delta: 1}}}
	clock := &fakeClock{now: time.Unix(0, 0)}

	var got []presence.Event
	l, _ := NewLoop(LoopConfig{PresenceInterval: time.Second}, LoopDeps{
		Machine:    m,
		Presence:   pres,
		OnPresence: func(ev presence.Event) { got = append(got, ev) },
		Clock:      clock,
	})

	l.Step(context.Background())
	clock.now = clock.now.Add(500 * time.Millisecond)
	l.Step(context.Background())
	clock.now = clock.now.Add(600 * time.Millisecond)
	l.Step(context.Background())

	if pres.polls != 2 {
		t.Errorf("Expected 2 polls, got %d", pres.polls)
	}
	if len(got) != 1 || got[0].Type != presence.Join {
		t.Errorf("Unexpected events %+v", got)
	}
}

func TestHostCommandsApplyMode(t *testing.T) {
	m, _ := NewMachine(hubConfig(), nil, nil, nil)
	q := NewCommandQueue(4)
	l, _ := NewLoop(LoopConfig{}, LoopDeps{Machine: m, Host: []HostCommandSource{q}})

	q.Submit(protocol.HostCommand{Mode: protocol.ModePrivate})
	l.Step(context.Background())

	if m.State().ClassMode {
		t.Error("Expected private mode after host command")
	}
}

func TestNewLoopValidation(t *testing.T) {
	m, _ := NewMachine(glassesConfig(), nil, nil, nil)

	if _, err := NewLoop(LoopConfig{}, LoopDeps{}); err == nil {
		t.Error("Expected error without machine")
	}
	if _, err := NewLoop(LoopConfig{}, LoopDeps{Machine: m, Source: &scriptedSource{}}); err == nil {
		t.Error("Expected error for capture without detector")
	}
	if _, err := NewLoop(LoopConfig{FrameSamples: 4096}, LoopDeps{Machine: m}); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge for oversized frames, got %v", err)
	}
	if _, err := NewLoop(LoopConfig{FrameSamples: protocol.MaxPayloadSize / 2}, LoopDeps{Machine: m}); err != nil {
		t.Errorf("Expected largest fitting frame to be accepted, got %v", err)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/classlink-audio/internal/bus"
	"github.com/skypro1111/classlink-audio/internal/capture"
	"github.com/skypro1111/classlink-audio/internal/config"
	"github.com/skypro1111/classlink-audio/internal/health"
	"github.com/skypro1111/classlink-audio/internal/hostlink"
	"github.com/skypro1111/classlink-audio/internal/input"
	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/node"
	"github.com/skypro1111/classlink-audio/internal/presence"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/registry"
	"github.com/skypro1111/classlink-audio/internal/server"
	"github.com/skypro1111/classlink-audio/internal/stream"
	"github.com/skypro1111/classlink-audio/internal/transport"
	"github.com/skypro1111/classlink-audio/internal/vad"
)

const (
	commandQueueSize = 8
	stdinName        = "-"
)

// nodeTopics are subscribed by every role
var nodeTopics = []string{
	protocol.TopicAudioControl,
	protocol.TopicGlassesMode,
	protocol.TopicGlassesAI,
	protocol.TopicGlassesText,
	protocol.TopicAIAnswer,
}

// App owns every component of one node or hub process
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	broker   bus.Broker
	client   *bus.Client
	machine  *node.Machine
	loop     *node.Loop
	commands *node.CommandQueue

	source capture.Source
	sender *transport.Sender
	inputs []input.EdgeSource

	// Hub only.
	sessions *stream.Manager
	router   *server.Router
	receiver *server.Receiver
	devices  *registry.Registry
	link     *hostlink.Link
	monitor  *presence.Monitor

	http *server.HTTPServer

	// closers run in order during Close.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New, used to inject test doubles
type Option func(*App)

// WithBroker replaces the MQTT broker
func WithBroker(b bus.Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithAudioSource replaces the configured capture source
func WithAudioSource(s capture.Source) Option {
	return func(a *App) { a.source = s }
}

// WithHostLink replaces the configured host link
func WithHostLink(l *hostlink.Link) Option {
	return func(a *App) { a.link = l }
}

// WithInputs replaces the configured local inputs
func WithInputs(sources ...input.EdgeSource) Option {
	return func(a *App) { a.inputs = sources }
}

// New wires the components selected by cfg.Node.Role. Nothing is started
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.NewMetrics(reg),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	if err := a.checkStdin(); err != nil {
		return err
	}
	if err := a.initBus(); err != nil {
		return fmt.Errorf("app: init bus: %w", err)
	}
	if err := a.initMachine(); err != nil {
		return fmt.Errorf("app: init state machine: %w", err)
	}
	if err := a.initCapture(); err != nil {
		return fmt.Errorf("app: init capture: %w", err)
	}
	if err := a.initInputs(); err != nil {
		return fmt.Errorf("app: init inputs: %w", err)
	}
	if a.IsHub() {
		if err := a.initHub(ctx); err != nil {
			return fmt.Errorf("app: init hub: %w", err)
		}
	}
	if err := a.initLoop(); err != nil {
		return fmt.Errorf("app: init loop: %w", err)
	}
	if a.cfg.HTTP.Enabled {
		if err := a.initHTTP(); err != nil {
			return fmt.Errorf("app: init http: %w", err)
		}
	}
	return nil
}

// checkStdin rejects configurations where two components read stdin
func (a *App) checkStdin() error {
	var users []string
	if a.cfg.Audio.Source == "pcm" && a.cfg.Audio.Path == stdinName {
		users = append(users, "audio.path")
	}
	if a.cfg.Input.LineInput == stdinName {
		users = append(users, "input.line_input")
	}
	if a.IsHub() && a.cfg.HostLink.Target == "stdio" {
		users = append(users, "hostlink.target")
	}
	if len(users) > 1 {
		return fmt.Errorf("app: stdin claimed by more than one component: %v", users)
	}
	return nil
}

func (a *App) initBus() error {
	if a.broker == nil {
		b, err := bus.NewMQTTBroker(bus.MQTTConfig{
			Host:             a.cfg.Bus.Host,
			Port:             a.cfg.Bus.Port,
			ClientID:         bus.ClientID(a.cfg.Node.ID),
			Username:         a.cfg.Bus.Username,
			Password:         a.cfg.Bus.Password,
			QoS:              byte(a.cfg.Bus.QoS),
			KeepAlive:        a.cfg.Bus.GetKeepAliveDuration(),
			ConnectTimeout:   a.cfg.Bus.GetConnectTimeoutDuration(),
			OperationTimeout: a.cfg.Bus.GetOperationTimeoutDuration(),
			InboundBuffer:    a.cfg.Bus.InboundBuffer,
		}, a.logger, a.metrics)
		if err != nil {
			return err
		}
		a.broker = b
	}

	topics := append([]string(nil), nodeTopics...)
	if a.IsHub() {
		topics = append(topics, protocol.DeviceWildcard)
	}

	a.client = bus.NewClient(a.broker, bus.ClientConfig{
		Topics: topics,
		Policy: bus.ReconnectPolicy{
			MaxAttempts: a.cfg.Bus.Reconnect.MaxAttempts,
			RetryDelay:  a.cfg.Bus.Reconnect.GetRetryDelayDuration(),
			StepBudget:  a.cfg.Bus.Reconnect.GetStepBudgetDuration(),
		},
		MaxPerPump: a.cfg.Bus.MaxPerPump,
		Handler:    a.dispatch,
	}, a.logger, a.metrics)
	a.closers = append(a.closers, func() error {
		a.client.Close()
		return nil
	})
	return nil
}

// dispatch runs on the loop goroutine from bus.Client.Pump
func (a *App) dispatch(msg protocol.Message) {
	if a.devices != nil && a.devices.HandleMessage(msg) {
		return
	}
	if a.machine != nil {
		a.machine.HandleMessage(msg)
	}
}

func binding(name string, bc config.BindingConfig) (node.Binding, error) {
	src, err := node.ParseSource(bc.Source)
	if err != nil {
		return node.Binding{}, fmt.Errorf("state.%s: %w", name, err)
	}
	return node.Binding{
		Source:    src,
		Button:    bc.Button,
		Broadcast: bc.Broadcast,
		Initial:   bc.Initial,
	}, nil
}

func (a *App) initMachine() error {
	rec, err := binding("recording", a.cfg.State.Recording)
	if err != nil {
		return err
	}
	ai, err := binding("ai_mode", a.cfg.State.AIMode)
	if err != nil {
		return err
	}
	class, err := binding("class_mode", a.cfg.State.ClassMode)
	if err != nil {
		return err
	}

	m, err := node.NewMachine(node.MachineConfig{
		NodeID:    a.cfg.Node.ID,
		Recording: rec,
		AIMode:    ai,
		ClassMode: class,
		Debounce:  a.cfg.State.GetDebounceDuration(),
		OnText:    a.showText,
	}, a.client, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.machine = m
	return nil
}

// showText is the display hook. Nodes without a display log the text.
func (a *App) showText(msg protocol.Message) {
	a.logger.Info("Display text",
		slog.String("topic", msg.Topic),
		slog.String("text", msg.Text.Text),
		slog.Int("duration_ms", msg.Text.Duration),
		slog.Bool("clear", msg.Text.Clear),
	)
}

func (a *App) initCapture() error {
	if a.source == nil {
		src, err := a.openSource()
		if err != nil {
			return err
		}
		a.source = src
	}
	if a.source == nil {
		return nil
	}
	a.closers = append(a.closers, a.source.Close)

	sender, err := transport.NewSender(transport.SenderConfig{
		Host:           a.cfg.Uplink.PeerHost,
		Port:           a.cfg.Uplink.PeerPort,
		WriteTimeout:   a.cfg.Uplink.GetWriteTimeoutDuration(),
		RedialInterval: a.cfg.Uplink.GetRedialDuration(),
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.sender = sender
	a.closers = append(a.closers, sender.Close)
	return nil
}

func (a *App) openSource() (capture.Source, error) {
	audio := a.cfg.Audio
	switch audio.Source {
	case "", "none":
		return nil, nil
	case "pattern":
		return capture.NewPatternSource(audio.SampleRate, int16(audio.Amplitude)), nil
	case "wav":
		src, err := capture.OpenWAV(audio.Path, audio.SampleRate, audio.Loop)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "pcm":
		if audio.Path == stdinName {
			return capture.NewPCMSource(os.Stdin), nil
		}
		f, err := os.Open(audio.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcm source %s: %w", audio.Path, err)
		}
		return capture.NewPCMSource(f), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", audio.Source)
	}
}

func (a *App) initInputs() error {
	if a.inputs != nil {
		return nil
	}

	if len(a.cfg.Input.Buttons) > 0 {
		buttons := make([]input.Button, 0, len(a.cfg.Input.Buttons))
		for _, b := range a.cfg.Input.Buttons {
			buttons = append(buttons, input.NewSysfsButton(b.Name, b.Path, b.ActiveLow))
		}
		a.inputs = append(a.inputs, input.NewLevelEdges(a.logger, buttons...))
	}

	switch path := a.cfg.Input.LineInput; path {
	case "":
	case stdinName:
		a.inputs = append(a.inputs, input.NewLineButtons(os.Stdin, a.machine.Buttons(), a.logger))
	default:
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("failed to open line input %s: %w", path, err)
		}
		a.closers = append(a.closers, f.Close)
		a.inputs = append(a.inputs, input.NewLineButtons(f, a.machine.Buttons(), a.logger))
	}
	return nil
}

func (a *App) initHub(ctx context.Context) error {
	rc := a.cfg.Receiver

	layout, err := protocol.ParseLayout(rc.Layout)
	if err != nil {
		return err
	}

	a.devices = registry.New(a.logger)
	a.sessions = stream.NewManager(a.logger, rc.GetSourceTimeoutDuration(), a.metrics)
	a.closers = append(a.closers, func() error {
		a.sessions.Stop()
		return nil
	})

	a.router, err = server.DialRouter(server.RouterTargets{
		AI:      rc.AITargets,
		Class:   rc.ClassTargets,
		Private: rc.PrivateTargets,
	}, a.cfg.Uplink.GetWriteTimeoutDuration(), a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		a.router.Close()
		return nil
	})

	a.receiver = server.NewReceiver(server.ReceiverConfig{
		BindAddress: rc.BindAddress,
		UDPPort:     rc.UDPPort,
		BufferSize:  rc.BufferSize,
		Workers:     rc.Workers,
		QueueSize:   rc.QueueSize,
		Layout:      layout,
	}, a.logger, a.sessions, a.router, a.metrics)

	a.commands = node.NewCommandQueue(commandQueueSize)

	if a.link == nil && a.cfg.HostLink.Target != "" {
		a.link, err = hostlink.Open(a.cfg.HostLink.Target, a.logger, a.metrics)
		if err != nil {
			return err
		}
	}
	if a.link != nil {
		a.closers = append(a.closers, a.link.Close)
	}

	if a.cfg.Presence.Enabled {
		var counter presence.Counter
		switch a.cfg.Presence.Source {
		case "receiver":
			counter = presence.CounterFunc(func(context.Context) (int, error) {
				return a.sessions.GetActiveSessionCount(), nil
			})
		default:
			counter = presence.NewIWCounter(a.cfg.Presence.Interface)
		}
		a.monitor = presence.NewMonitor(counter)

		if n, err := a.monitor.Init(ctx); err != nil {
			a.logger.Warn("Presence baseline unavailable, first poll sets it", slog.String("error", err.Error()))
		} else {
			a.logger.Info("Presence baseline", slog.Int("stations", n))
			a.metrics.RecordPresence("baseline", n)
		}
	}
	return nil
}

// announcePresence runs on the loop goroutine for every JOIN or LEAVE
func (a *App) announcePresence(ev presence.Event) {
	a.logger.Info("Station presence changed",
		slog.String("type", string(ev.Type)),
		slog.Int("previous", ev.Previous),
		slog.Int("total", ev.Current),
		slog.Int("delta", ev.Delta),
	)
	a.metrics.RecordPresence(string(ev.Type), ev.Current)

	if a.link != nil {
		if err := a.link.SendPresence(ev); err != nil {
			a.logger.Warn("Failed to notify host of presence change", slog.String("error", err.Error()))
		}
	}

	if a.cfg.Presence.Publish {
		a.client.PublishMessage(protocol.Message{
			Kind: protocol.KindPresence,
			Presence: protocol.PresenceNotice{
				Type:  string(ev.Type),
				Total: ev.Current,
				Delta: ev.Delta,
			},
		})
	}
}

func (a *App) initLoop() error {
	deps := node.LoopDeps{
		Machine: a.machine,
		Bus:     a.client,
		Inputs:  a.inputs,
		Logger:  a.logger,
		Metrics: a.metrics,
	}

	if a.source != nil {
		layout, err := protocol.ParseLayout(a.cfg.Uplink.Layout)
		if err != nil {
			return err
		}
		framer, err := protocol.NewFramer(layout)
		if err != nil {
			return err
		}
		detector, err := vad.NewDetector(uint32(a.cfg.VAD.Threshold), a.cfg.VAD.GetHangoverDuration())
		if err != nil {
			return err
		}
		deps.Source = a.source
		deps.Detector = detector
		deps.Framer = framer
		deps.Sender = a.sender
	}

	if a.link != nil {
		deps.Host = append(deps.Host, a.link)
	}
	if a.commands != nil {
		deps.Host = append(deps.Host, a.commands)
	}
	if a.monitor != nil {
		deps.Presence = a.monitor
		deps.OnPresence = a.announcePresence
	}

	loop, err := node.NewLoop(node.LoopConfig{
		FrameSamples:     a.cfg.Audio.FrameSamples,
		IdleSleep:        a.cfg.Loop.GetIdleSleepDuration(),
		PresenceInterval: a.cfg.Presence.GetIntervalDuration(),
	}, deps)
	if err != nil {
		return err
	}
	a.loop = loop
	return nil
}

func (a *App) initHTTP() error {
	checkers := []health.Checker{
		health.Condition("bus", a.client.Connected, "control bus not connected"),
	}

	deps := server.HTTPDeps{
		Role:     a.cfg.Node.Role,
		Machine:  a.machine,
		Bus:      a.client,
		Gatherer: a.registry,
	}
	if a.IsHub() {
		checkers = append(checkers, health.Condition("receiver", a.receiver.Listening, "audio receiver not listening"))
		deps.Commands = a.commands
		deps.Sessions = a.sessions
		deps.Registry = a.devices
		deps.Receiver = a.receiver
		deps.Router = a.router
	}
	deps.Health = health.New(checkers...)

	h, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:    a.cfg.HTTP.Port,
		Address: a.cfg.HTTP.Address,
		Debug:   a.cfg.Logging.Level == "debug",
	}, deps, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.http = h
	return nil
}

// IsHub reports whether the process runs the hub role
func (a *App) IsHub() bool {
	return a.cfg.Node.Role == config.RoleHub
}

// Machine returns the state machine
func (a *App) Machine() *node.Machine {
	return a.machine
}

// Loop returns the cooperative loop
func (a *App) Loop() *node.Loop {
	return a.loop
}

// Receiver returns the hub audio receiver, or nil on capture nodes
func (a *App) Receiver() *server.Receiver {
	return a.receiver
}

// Commands returns the hub mode command queue, or nil on capture nodes
func (a *App) Commands() *node.CommandQueue {
	return a.commands
}

// Devices returns the hub device registry, or nil on capture nodes
func (a *App) Devices() *registry.Registry {
	return a.devices
}

// Gatherer returns the process metrics registry
func (a *App) Gatherer() prometheus.Gatherer {
	return a.registry
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	if a.receiver != nil {
		if err := a.receiver.Start(); err != nil {
			return fmt.Errorf("app: start receiver: %w", err)
		}
		a.closers = append([]func() error{a.receiver.Stop}, a.closers...)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.loop.Run(gctx)
	})

	if a.http != nil {
		g.Go(func() error {
			return a.http.Run(gctx)
		})
	}

	if a.devices != nil {
		g.Go(func() error {
			a.sweepDevices(gctx)
			return nil
		})
	}

	if a.link != nil {
		g.Go(func() error {
			select {
			case <-a.link.Done():
				a.logger.Warn("Host link closed, mode commands from the host are no longer received")
			case <-gctx.Done():
			}
			return nil
		})
	}

	a.logger.Info("Node running",
		slog.String("node", a.cfg.Node.ID),
		slog.String("role", a.cfg.Node.Role),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sweepDevices removes devices that stopped reporting
func (a *App) sweepDevices(ctx context.Context) {
	timeout := a.cfg.Receiver.GetRegistryTimeoutDuration()
	if timeout <= 0 {
		return
	}
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.devices.RemoveInactive(timeout); n > 0 {
				a.logger.Info("Removed inactive devices", slog.Int("count", n))
			}
		}
	}
}

// Close releases every component. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, closer := range a.closers {
			if err := closer(); err != nil && !errors.Is(err, io.EOF) {
				errs = append(errs, err)
			}
		}

		if a.receiver != nil {
			stats := a.receiver.GetStatistics()
			a.logger.Info("Final receiver statistics",
				slog.Uint64("packets_received", stats.PacketsReceived),
				slog.Uint64("packets_processed", stats.PacketsProcessed),
				slog.Uint64("parse_errors", stats.ParseErrors),
				slog.Uint64("packets_forwarded", stats.PacketsForwarded),
			)
		}
	})
	return errors.Join(errs...)
}

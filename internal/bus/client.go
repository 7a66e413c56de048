package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/protocol"
)

// Default client parameters
const (
	defaultRetryDelay = 2 * time.Second
	defaultStepBudget = 10 * time.Second
	defaultMaxPerPump = 32
)

// State is the connection state of the client
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ReconnectPolicy bounds one EnsureConnected call
type ReconnectPolicy struct {
	// MaxAttempts is the number of connect attempts per call. Zero means
	// keep trying until StepBudget runs out.
	MaxAttempts int

	// RetryDelay is the pause between two failed attempts.
	RetryDelay time.Duration

	// StepBudget caps the total time one call may block. Defaults to 10s
	// when attempts are unbounded.
	StepBudget time.Duration
}

// Handler receives parsed inbound messages
type Handler func(protocol.Message)

// ClientConfig configures a Client
type ClientConfig struct {
	// Topics are subscribed every time the client enters Connected.
	Topics []string

	Policy ReconnectPolicy

	// MaxPerPump limits how many inbound messages one Pump dispatches.
	// Defaults to 32.
	MaxPerPump int

	Handler Handler
}

// Client drives a Broker through the connection state machine. All methods
// except State and Connected must be called from a single goroutine.
type Client struct {
	broker     Broker
	topics     []string
	policy     ReconnectPolicy
	maxPerPump int
	handler    Handler

	state atomic.Int32

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client in the Disconnected state
func NewClient(broker Broker, cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	policy := cfg.Policy
	if policy.RetryDelay < 0 {
		policy.RetryDelay = defaultRetryDelay
	}
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if policy.MaxAttempts == 0 && policy.StepBudget <= 0 {
		policy.StepBudget = defaultStepBudget
	}

	maxPerPump := cfg.MaxPerPump
	if maxPerPump <= 0 {
		maxPerPump = defaultMaxPerPump
	}

	handler := cfg.Handler
	if handler == nil {
		handler = func(protocol.Message) {}
	}

	if logger == nil {
		logger = slog.Default()
	}

	topics := make([]string, len(cfg.Topics))
	copy(topics, cfg.Topics)

	c := &Client{
		broker:     broker,
		topics:     topics,
		policy:     policy,
		maxPerPump: maxPerPump,
		handler:    handler,
		logger:     logger,
		metrics:    m,
	}
	c.setState(StateDisconnected)
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected reports whether the client is in the Connected state
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.metrics.SetBusState(int(s))
	if prev != s {
		c.logger.Debug("Bus state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// EnsureConnected checks the link and, when it is down, runs one bounded
// reconnect sequence. It returns the resulting state. On every transition to
// Connected all configured topics are subscribed exactly once.
func (c *Client) EnsureConnected(ctx context.Context) State {
	if c.State() == StateConnected {
		if c.broker.IsConnected() {
			return StateConnected
		}
		c.logger.Warn("Control bus link lost")
		c.setState(StateDisconnected)
	}

	// A connect abandoned at the step budget can still complete in the
	// background. Adopt such a link instead of dialling again.
	if c.broker.IsConnected() {
		c.setState(StateConnected)
		c.logger.Info("Control bus link established after a previous attempt")
		c.subscribeAll()
		return StateConnected
	}

	c.setState(StateConnecting)

	stepCtx := ctx
	if c.policy.StepBudget > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, c.policy.StepBudget)
		defer cancel()
	}

	for attempt := 1; c.policy.MaxAttempts == 0 || attempt <= c.policy.MaxAttempts; attempt++ {
		err := c.broker.Connect(stepCtx)
		c.metrics.RecordConnectAttempt(err == nil)
		if err == nil {
			c.setState(StateConnected)
			c.logger.Info("Control bus connected", slog.Int("attempt", attempt))
			c.subscribeAll()
			return StateConnected
		}

		c.logger.Warn("Control bus connect failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.policy.MaxAttempts),
			slog.String("error", err.Error()),
		)

		if c.policy.MaxAttempts != 0 && attempt == c.policy.MaxAttempts {
			break
		}
		if !sleepCtx(stepCtx, c.policy.RetryDelay) {
			if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				c.logger.Warn("Control bus reconnect step budget exhausted",
					slog.Duration("budget", c.policy.StepBudget))
			}
			break
		}
	}

	c.setState(StateDisconnected)
	return StateDisconnected
}

func (c *Client) subscribeAll() {
	for _, topic := range c.topics {
		if err := c.broker.Subscribe(topic); err != nil {
			c.logger.Warn("Failed to subscribe",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.logger.Debug("Subscribed", slog.String("topic", topic))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Publish sends payload on topic when connected. While disconnected the
// message is dropped and counted; nothing is queued.
func (c *Client) Publish(topic string, payload []byte, retained bool) bool {
	if c.State() != StateConnected || !c.broker.IsConnected() {
		c.metrics.RecordPublish(false)
		c.logger.Debug("Publish dropped while disconnected", slog.String("topic", topic))
		return false
	}

	if err := c.broker.Publish(topic, payload, retained); err != nil {
		c.metrics.RecordPublish(false)
		c.logger.Warn("Publish failed", slog.String("topic", topic), slog.String("error", err.Error()))
		return false
	}

	c.metrics.RecordPublish(true)
	return true
}

// PublishMessage encodes m and publishes it
func (c *Client) PublishMessage(m protocol.Message) bool {
	topic, payload, err := protocol.EncodeMessage(m)
	if err != nil {
		c.logger.Error("Failed to encode control message",
			slog.String("kind", m.Kind.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return c.Publish(topic, payload, m.Retained())
}

// Pump dispatches up to MaxPerPump buffered inbound messages and returns how
// many were handed to the handler. It never blocks.
func (c *Client) Pump() int {
	if c.State() != StateConnected {
		return 0
	}

	dispatched := 0
	inbound := c.broker.Messages()
	for i := 0; i < c.maxPerPump; i++ {
		select {
		case in, ok := <-inbound:
			if !ok {
				return dispatched
			}
			msg, err := protocol.ParseMessage(in.Topic, in.Payload)
			if err != nil {
				c.metrics.RecordRejectedMessage()
				c.logger.Debug("Control message rejected",
					slog.String("topic", in.Topic),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.metrics.RecordMessage(msg.Kind.String())
			c.handler(msg)
			dispatched++
		default:
			return dispatched
		}
	}
	return dispatched
}

// Close disconnects from the broker
func (c *Client) Close() {
	if c.State() == StateConnected {
		c.broker.Disconnect()
	}
	c.setState(StateDisconnected)
}

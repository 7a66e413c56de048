package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/skypro1111/classlink-audio/internal/metrics"
)

// MQTTConfig configures an MQTTBroker
type MQTTConfig struct {
	Host      string
	Port      int
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive time.Duration

	// ConnectTimeout bounds the MQTT handshake of one attempt.
	ConnectTimeout time.Duration
	// OperationTimeout bounds subscribe and publish acknowledgements.
	OperationTimeout time.Duration
	// InboundBuffer is the capacity of the inbound message queue.
	InboundBuffer int
}

// ClientID builds a broker client identifier unique per process start
func ClientID(nodeID string) string {
	return fmt.Sprintf("classlink-%s-%s", nodeID, uuid.NewString()[:8])
}

// MQTTBroker adapts a paho MQTT client to the Broker interface. Automatic
// reconnection is disabled: the Client owns the retry policy.
type MQTTBroker struct {
	client     mqtt.Client
	qos        byte
	opTimeout  time.Duration
	messages   chan Inbound
	inboundOff atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMQTTBroker creates an MQTT broker adapter. It does not connect.
func NewMQTTBroker(cfg MQTTConfig, logger *slog.Logger, m *metrics.Metrics) (*MQTTBroker, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("broker host cannot be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("broker port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = ClientID("node")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &MQTTBroker{
		qos:       cfg.QoS,
		opTimeout: cfg.OperationTimeout,
		messages:  make(chan Inbound, cfg.InboundBuffer),
		logger:    logger.With(slog.String("broker", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))),
		metrics:   m,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(cfg.KeepAlive).
		SetOrderMatters(false).
		SetDefaultPublishHandler(b.onMessage).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Connect performs one connection attempt, returning early if ctx ends
func (b *MQTTBroker) Connect(ctx context.Context) error {
	token := b.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		// Abort the in-flight attempt so the next one is not refused as
		// already connecting.
		b.client.Disconnect(0)
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
}

// Disconnect closes the connection, waiting briefly for in-flight work
func (b *MQTTBroker) Disconnect() {
	b.client.Disconnect(250)
}

// IsConnected reports whether the MQTT connection is open
func (b *MQTTBroker) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Subscribe subscribes to topic and waits for the acknowledgement
func (b *MQTTBroker) Subscribe(topic string) error {
	token := b.client.Subscribe(topic, b.qos, b.onMessage)
	if !token.WaitTimeout(b.opTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out after %s", topic, b.opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish publishes payload on topic
func (b *MQTTBroker) Publish(topic string, payload []byte, retained bool) error {
	token := b.client.Publish(topic, b.qos, retained, payload)
	if !token.WaitTimeout(b.opTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out after %s", topic, b.opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Messages returns the inbound message queue
func (b *MQTTBroker) Messages() <-chan Inbound {
	return b.messages
}

// Dropped returns how many inbound messages were discarded on a full queue
func (b *MQTTBroker) Dropped() uint64 {
	return b.inboundOff.Load()
}

func (b *MQTTBroker) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case b.messages <- Inbound{Topic: msg.Topic(), Payload: payload}:
	default:
		b.inboundOff.Add(1)
		b.metrics.RecordInboundDropped()
		b.logger.Debug("Inbound queue full, message dropped", slog.String("topic", msg.Topic()))
	}
}

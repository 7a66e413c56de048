// Package mock provides an in-memory Broker for unit tests.
//
// The broker records every call so tests can assert on call counts and
// arguments. Set ConnectErrors to make the next connection attempts fail,
// and use Deliver to queue inbound messages.
package mock

import (
	"context"
	"sync"

	"github.com/skypro1111/classlink-audio/internal/bus"
)

// Published is one recorded Publish call
type Published struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Broker is a mock implementation of bus.Broker
type Broker struct {
	mu sync.Mutex

	connected bool
	messages  chan bus.Inbound

	// ConnectErrors are returned by successive Connect calls; once exhausted
	// Connect succeeds. A nil entry also means success.
	ConnectErrors []error

	// BlockConnect makes Connect wait for context cancellation.
	BlockConnect bool

	// ConnectAfterCancel, with BlockConnect, leaves the broker connected
	// even though Connect returned the context error.
	ConnectAfterCancel bool

	// PublishError is returned by Publish.
	PublishError error

	// SubscribeError is returned by Subscribe.
	SubscribeError error

	ConnectCalls    int
	DisconnectCalls int
	Subscriptions   []string
	PublishedMsgs   []Published
}

// NewBroker creates a disconnected mock broker with an inbound buffer of size
func NewBroker(size int) *Broker {
	return &Broker{messages: make(chan bus.Inbound, size)}
}

// Connect implements bus.Broker
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.ConnectCalls++
	block := b.BlockConnect
	late := b.ConnectAfterCancel
	var err error
	if len(b.ConnectErrors) > 0 {
		err = b.ConnectErrors[0]
		b.ConnectErrors = b.ConnectErrors[1:]
	}
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		if late {
			b.mu.Lock()
			b.connected = true
			b.mu.Unlock()
		}
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Disconnect implements bus.Broker
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DisconnectCalls++
	b.connected = false
}

// DropLink simulates a lost connection
func (b *Broker) DropLink() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

// IsConnected implements bus.Broker
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Subscribe implements bus.Broker
func (b *Broker) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeError != nil {
		return b.SubscribeError
	}
	b.Subscriptions = append(b.Subscriptions, topic)
	return nil
}

// Publish implements bus.Broker
func (b *Broker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishError != nil {
		return b.PublishError
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	b.PublishedMsgs = append(b.PublishedMsgs, Published{Topic: topic, Payload: p, Retained: retained})
	return nil
}

// Messages implements bus.Broker
func (b *Broker) Messages() <-chan bus.Inbound {
	return b.messages
}

// Deliver queues an inbound message. It panics if the buffer is full.
func (b *Broker) Deliver(topic string, payload string) {
	select {
	case b.messages <- bus.Inbound{Topic: topic, Payload: []byte(payload)}:
	default:
		panic("mock broker inbound buffer full")
	}
}

// PublishCount returns the number of recorded publishes
func (b *Broker) PublishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.PublishedMsgs)
}

// Published returns a copy of the recorded publishes
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.PublishedMsgs))
	copy(out, b.PublishedMsgs)
	return out
}

// SubscribedTopics returns a copy of the recorded subscriptions
func (b *Broker) SubscribedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.Subscriptions))
	copy(out, b.Subscriptions)
	return out
}

var _ bus.Broker = (*Broker)(nil)

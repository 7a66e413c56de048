package bus

import "context"

// Inbound is a raw message delivered by a broker
type Inbound struct {
	Topic   string
	Payload []byte
}

// Broker is the transport boundary of the control bus.
//
// Connect must honour ctx cancellation. Messages returns a buffered channel
// fed by the broker's own goroutines; the client drains it without blocking.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Subscribe(topic string) error
	Publish(topic string, payload []byte, retained bool) error
	Messages() <-chan Inbound
}

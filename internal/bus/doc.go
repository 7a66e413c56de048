// Package bus implements the control-bus client used by every node.
//
// The client is a small state machine (Disconnected, Connecting, Connected)
// driven from the node's cooperative loop. EnsureConnected performs a
// bounded, time-boxed reconnect sequence; Pump drains inbound messages that
// the broker adapter buffered and dispatches them synchronously after
// structural parsing; Publish is a no-op while disconnected. The broker
// itself sits behind the Broker interface: MQTTBroker talks to an MQTT
// broker, the mock subpackage records calls for tests.
package bus

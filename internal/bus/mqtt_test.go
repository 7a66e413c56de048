package bus

import (
	"strings"
	"testing"
)

func TestClientID(t *testing.T) {
	a := ClientID("glasses_01")
	b := ClientID("glasses_01")

	if !strings.HasPrefix(a, "classlink-glasses_01-") {
		t.Errorf("Unexpected client id %q", a)
	}
	if len(a) != len("classlink-glasses_01-")+8 {
		t.Errorf("Expected an 8 character suffix, got %q", a)
	}
	if a == b {
		t.Error("Expected client ids to differ between calls")
	}
}

func TestNewMQTTBrokerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
	}{
		{name: "empty host", cfg: MQTTConfig{Port: 1883}},
		{name: "bad port", cfg: MQTTConfig{Host: "localhost", Port: 0}},
		{name: "bad qos", cfg: MQTTConfig{Host: "localhost", Port: 1883, QoS: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMQTTBroker(tt.cfg, nil, nil); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	b, err := NewMQTTBroker(MQTTConfig{Host: "localhost", Port: 1883}, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if b.IsConnected() {
		t.Error("Expected a new broker to be disconnected")
	}
	if cap(b.messages) != 64 {
		t.Errorf("Expected default inbound buffer 64, got %d", cap(b.messages))
	}
}

package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skypro1111/classlink-audio/internal/protocol"
)

func parse(t *testing.T, topic, payload string) protocol.Message {
	t.Helper()
	msg, err := protocol.ParseMessage(topic, []byte(payload))
	if err != nil {
		t.Fatalf("Failed to parse %s %q: %v", topic, payload, err)
	}
	return msg
}

func newRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleMessage(t *testing.T) {
	r := newRegistry()

	tests := []struct {
		name    string
		topic   string
		payload string
		handled bool
	}{
		{"mode notice", "device/mic_01/mode", "class", true},
		{"ai notice", "device/mic_01/ai", "on", true},
		{"recording notice", "device/glasses_01/recording", "stop", true},
		{"command ignored", "audio/control", "start", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.HandleMessage(parse(t, tt.topic, tt.payload)); got != tt.handled {
				t.Errorf("Expected handled=%v, got %v", tt.handled, got)
			}
		})
	}

	if r.Count() != 2 {
		t.Fatalf("Expected 2 devices, got %d", r.Count())
	}

	mic, ok := r.Get("mic_01")
	if !ok {
		t.Fatal("Expected mic_01 to be registered")
	}
	if mic.Mode != "class" {
		t.Errorf("Expected mode class, got %q", mic.Mode)
	}
	if mic.AIMode == nil || !*mic.AIMode {
		t.Errorf("Expected AI mode on")
	}
	if mic.Recording != nil {
		t.Errorf("Expected recording unknown, got %v", *mic.Recording)
	}

	list := r.List()
	if list[0].ID != "glasses_01" || list[1].ID != "mic_01" {
		t.Errorf("Expected devices ordered by id, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestRemoveInactive(t *testing.T) {
	r := newRegistry()
	now := time.Unix(5000, 0)
	r.now = func() time.Time { return now }

	r.HandleMessage(parse(t, "device/a/mode", "private"))
	now = now.Add(90 * time.Second)
	r.HandleMessage(parse(t, "device/b/mode", "private"))
	now = now.Add(40 * time.Second)

	if removed := r.RemoveInactive(2 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 removed device, got %d", removed)
	}
	if _, ok := r.Get("a"); ok {
		t.Errorf("Expected device a to be removed")
	}
	if _, ok := r.Get("b"); !ok {
		t.Errorf("Expected device b to survive")
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/classlink-audio/internal/bus"
	"github.com/skypro1111/classlink-audio/internal/health"
	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/node"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/registry"
	"github.com/skypro1111/classlink-audio/internal/stream"
)

type fixedBus bus.State

func (b fixedBus) State() bus.State { return bus.State(b) }

func newMachine(t *testing.T, class node.Source) *node.Machine {
	t.Helper()
	m, err := node.NewMachine(node.MachineConfig{
		NodeID:    "hub-1",
		Recording: node.Binding{Source: node.SourceBus},
		AIMode:    node.Binding{Source: node.SourceBus},
		ClassMode: node.Binding{Source: class},
	}, nil, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create machine: %v", err)
	}
	return m
}

func newTestServer(t *testing.T, deps HTTPDeps) http.Handler {
	t.Helper()
	srv, err := NewHTTPServer(HTTPServerConfig{Port: 0, Address: "127.0.0.1"}, deps, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create HTTP server: %v", err)
	}
	return srv.Handler()
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHTTPServerRequiresMachine(t *testing.T) {
	if _, err := NewHTTPServer(HTTPServerConfig{}, HTTPDeps{}, testLogger(), nil); err == nil {
		t.Errorf("Expected error without a state machine")
	}
}

func TestHandleState(t *testing.T) {
	h := newTestServer(t, HTTPDeps{
		Role:    "hub",
		Machine: newMachine(t, node.SourceHost),
		Bus:     fixedBus(bus.StateConnected),
	})

	rec := doRequest(h, http.MethodGet, "/api/v1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["node"] != "hub-1" {
		t.Errorf("Expected node hub-1, got %v", body["node"])
	}
	if body["mode"] != "private" {
		t.Errorf("Expected mode private, got %v", body["mode"])
	}
	if body["bus"] != bus.StateConnected.String() {
		t.Errorf("Expected bus %s, got %v", bus.StateConnected, body["bus"])
	}
}

func TestHandleSetMode(t *testing.T) {
	tests := []struct {
		name       string
		class      node.Source
		body       string
		wantStatus int
		wantQueued bool
	}{
		{"class accepted", node.SourceHost, `{"mode":"class"}`, http.StatusAccepted, true},
		{"private accepted", node.SourceHost, `{"mode":" Private "}`, http.StatusAccepted, true},
		{"unknown mode", node.SourceHost, `{"mode":"lecture"}`, http.StatusBadRequest, false},
		{"missing mode", node.SourceHost, `{}`, http.StatusBadRequest, false},
		{"malformed body", node.SourceHost, `{"mode":`, http.StatusBadRequest, false},
		{"not host bound", node.SourceBus, `{"mode":"class"}`, http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := node.NewCommandQueue(1)
			h := newTestServer(t, HTTPDeps{Machine: newMachine(t, tt.class), Commands: queue})

			rec := doRequest(h, http.MethodPost, "/api/v1/mode", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}

			cmds := queue.PollCommands()
			if tt.wantQueued && len(cmds) != 1 {
				t.Errorf("Expected 1 queued command, got %d", len(cmds))
			}
			if !tt.wantQueued && len(cmds) != 0 {
				t.Errorf("Expected no queued command, got %d", len(cmds))
			}
		})
	}
}

func TestHandleSetModeQueueFull(t *testing.T) {
	queue := node.NewCommandQueue(1)
	queue.Submit(protocol.HostCommand{Mode: protocol.ModeClass})

	h := newTestServer(t, HTTPDeps{Machine: newMachine(t, node.SourceHost), Commands: queue})

	rec := doRequest(h, http.MethodPost, "/api/v1/mode", `{"mode":"private"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	h := newTestServer(t, HTTPDeps{Machine: newMachine(t, node.SourceBus)})

	for _, path := range []string{"/api/v1/sources", "/api/v1/devices"} {
		if rec := doRequest(h, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("Expected %s to be absent, got status %d", path, rec.Code)
		}
	}
	if rec := doRequest(h, http.MethodPost, "/api/v1/mode", `{"mode":"class"}`); rec.Code != http.StatusNotFound {
		t.Errorf("Expected /api/v1/mode to be absent, got status %d", rec.Code)
	}
}

func TestHandleSourcesAndDevices(t *testing.T) {
	sessions := stream.NewManager(testLogger(), time.Minute, nil)
	defer sessions.Stop()
	sessions.Observe("10.0.0.5:4000", &protocol.Packet{Layout: protocol.LayoutCanonical})

	reg := registry.New(testLogger())
	reg.HandleMessage(protocol.Message{Kind: protocol.KindDeviceMode, Node: "glasses-1", Mode: protocol.ModeClass})

	h := newTestServer(t, HTTPDeps{
		Machine:  newMachine(t, node.SourceHost),
		Sessions: sessions,
		Registry: reg,
	})

	tests := []struct {
		path  string
		field string
	}{
		{"/api/v1/sources", "total_sources"},
		{"/api/v1/devices", "total_devices"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body[tt.field] != float64(1) {
				t.Errorf("Expected %s 1, got %v", tt.field, body[tt.field])
			}
		})
	}
}

func TestMetricsAndProbes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	connected := false
	srv, err := NewHTTPServer(HTTPServerConfig{}, HTTPDeps{
		Machine:  newMachine(t, node.SourceBus),
		Health:   health.New(health.Condition("bus", func() bool { return connected }, "bus not connected")),
		Gatherer: reg,
	}, testLogger(), m)
	if err != nil {
		t.Fatalf("Failed to create HTTP server: %v", err)
	}
	h := srv.Handler()

	if rec := doRequest(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected /healthz 200, got %d", rec.Code)
	}
	if rec := doRequest(h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected /readyz 503 while disconnected, got %d", rec.Code)
	}
	connected = true
	if rec := doRequest(h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected /readyz 200 once connected, got %d", rec.Code)
	}

	rec := doRequest(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected /metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Errorf("Expected request counter in metrics output")
	}
}

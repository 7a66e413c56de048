package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordFrame(10, true)
	m.RecordDatagram(false)
	m.RecordPublish(true)
	m.RecordStateChange("recording")
	m.RecordSequence(3, true)
	m.RecordHTTPRequest("GET", "/", "200", 0.1)
}

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFrame(120, true)
	m.RecordFrame(10, false)
	if got := testutil.ToFloat64(m.FramesCaptured); got != 2 {
		t.Errorf("Expected 2 captured frames, got %f", got)
	}
	if got := testutil.ToFloat64(m.FramesTransmitted); got != 1 {
		t.Errorf("Expected 1 transmitted frame, got %f", got)
	}
	if got := testutil.ToFloat64(m.VADEnergy); got != 10 {
		t.Errorf("Expected energy gauge 10, got %f", got)
	}

	m.RecordPublish(false)
	m.RecordPublish(false)
	if got := testutil.ToFloat64(m.BusPublishDropped); got != 2 {
		t.Errorf("Expected 2 dropped publishes, got %f", got)
	}

	m.RecordButtonEdge(true)
	m.RecordButtonEdge(false)
	if got := testutil.ToFloat64(m.ButtonEdges.WithLabelValues("debounced")); got != 1 {
		t.Errorf("Expected 1 debounced edge, got %f", got)
	}

	m.RecordSequence(4, false)
	if got := testutil.ToFloat64(m.SequenceLost); got != 4 {
		t.Errorf("Expected 4 lost packets, got %f", got)
	}

	m.RecordPresence("JOIN", 3)
	if got := testutil.ToFloat64(m.PresenceStations); got != 3 {
		t.Errorf("Expected 3 stations, got %f", got)
	}
}

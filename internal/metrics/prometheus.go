package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for capture nodes and the hub.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Capture pipeline metrics
	FramesCaptured    prometheus.Counter
	FramesTransmitted prometheus.Counter
	CaptureErrors     prometheus.Counter
	VADEnergy         prometheus.Gauge

	// Datagram sender metrics
	DatagramsSent    prometheus.Counter
	DatagramsDropped prometheus.Counter

	// Control bus metrics
	BusState            prometheus.Gauge
	BusConnectAttempts  prometheus.Counter
	BusConnectFailures  prometheus.Counter
	BusPublished        prometheus.Counter
	BusPublishDropped   prometheus.Counter
	BusMessagesReceived *prometheus.CounterVec
	BusMessagesRejected prometheus.Counter
	BusInboundDropped   prometheus.Counter

	// Node state metrics
	StateChanges *prometheus.CounterVec
	ButtonEdges  *prometheus.CounterVec
	LoopDuration prometheus.Histogram

	// Presence and host link metrics
	PresenceStations  prometheus.Gauge
	PresenceEvents    *prometheus.CounterVec
	HostCommands      prometheus.Counter
	HostLinesRejected prometheus.Counter

	// Hub receiver metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge
	ActiveSources    prometheus.Gauge
	SourcesCreated   prometheus.Counter
	SourcesExpired   prometheus.Counter
	SequenceLost     prometheus.Counter
	SequenceLate     prometheus.Counter
	PacketsForwarded *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_frames_captured_total",
			Help: "Total number of audio frames captured",
		}),
		FramesTransmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_frames_transmitted_total",
			Help: "Total number of audio frames that passed the voice gate",
		}),
		CaptureErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_capture_errors_total",
			Help: "Total number of audio capture errors",
		}),
		VADEnergy: f.NewGauge(prometheus.GaugeOpts{
			Name: "classlink_vad_energy",
			Help: "Mean absolute amplitude of the last captured frame",
		}),

		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_datagrams_sent_total",
			Help: "Total number of audio datagrams handed to the network",
		}),
		DatagramsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_datagrams_dropped_total",
			Help: "Total number of audio datagrams dropped on send",
		}),

		BusState: f.NewGauge(prometheus.GaugeOpts{
			Name: "classlink_bus_state",
			Help: "Control bus connection state (0 disconnected, 1 connecting, 2 connected)",
		}),
		BusConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_bus_connect_attempts_total",
			Help: "Total number of control bus connection attempts",
		}),
		BusConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_bus_connect_failures_total",
			Help: "Total number of failed control bus connection attempts",
		}),
		BusPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_bus_published_total",
			Help: "Total number of control messages published",
		}),
		BusPublishDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_bus_publish_dropped_total",
			Help: "Total number of control messages dropped while disconnected",
		}),
		BusMessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classlink_bus_messages_received_total",
			Help: "Total number of control messages dispatched by kind",
		}, []string{"kind"}),
		BusMessagesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_bus_messages_rejected_total",
			Help: "Total number of inbound control messages rejected by the parser",
		}),
		BusInboundDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_bus_inbound_dropped_total",
			Help: "Total number of inbound control messages dropped on a full queue",
		}),

		StateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classlink_state_changes_total",
			Help: "Total number of node flag changes",
		}, []string{"flag"}),
		ButtonEdges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classlink_button_edges_total",
			Help: "Total number of button edges by debounce result",
		}, []string{"result"}),
		LoopDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "classlink_loop_iteration_seconds",
			Help:    "Duration of one cooperative loop iteration excluding the idle sleep",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		}),

		PresenceStations: f.NewGauge(prometheus.GaugeOpts{
			Name: "classlink_presence_stations",
			Help: "Current number of stations connected to the hub cell",
		}),
		PresenceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classlink_presence_events_total",
			Help: "Total number of presence events by type",
		}, []string{"type"}),
		HostCommands: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_host_commands_total",
			Help: "Total number of accepted host line commands",
		}),
		HostLinesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_host_lines_rejected_total",
			Help: "Total number of rejected host lines",
		}),

		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_packets_received_total",
			Help: "Total number of audio datagrams received by the hub",
		}),
		PacketsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_packets_processed_total",
			Help: "Total number of audio datagrams successfully processed",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_packets_dropped_total",
			Help: "Total number of audio datagrams dropped on a full queue",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_parse_errors_total",
			Help: "Total number of datagram parsing errors",
		}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "classlink_packet_queue_size",
			Help: "Current number of datagrams in the processing queue",
		}),
		ActiveSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "classlink_active_sources",
			Help: "Current number of audio sources streaming to the hub",
		}),
		SourcesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_sources_created_total",
			Help: "Total number of audio source sessions created",
		}),
		SourcesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_sources_expired_total",
			Help: "Total number of audio source sessions expired",
		}),
		SequenceLost: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_sequence_lost_total",
			Help: "Total number of datagrams inferred lost from sequence gaps",
		}),
		SequenceLate: f.NewCounter(prometheus.CounterOpts{
			Name: "classlink_sequence_late_total",
			Help: "Total number of late or duplicate datagrams",
		}),
		PacketsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classlink_packets_forwarded_total",
			Help: "Total number of datagrams forwarded by route",
		}, []string{"route"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classlink_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classlink_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrame records one captured frame and whether it was transmitted
func (m *Metrics) RecordFrame(energy uint32, transmitted bool) {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
	m.VADEnergy.Set(float64(energy))
	if transmitted {
		m.FramesTransmitted.Inc()
	}
}

// RecordCaptureError increments the capture error counter
func (m *Metrics) RecordCaptureError() {
	if m == nil {
		return
	}
	m.CaptureErrors.Inc()
}

// RecordDatagram records the outcome of one datagram send
func (m *Metrics) RecordDatagram(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.DatagramsSent.Inc()
	} else {
		m.DatagramsDropped.Inc()
	}
}

// SetBusState sets the control bus state gauge
func (m *Metrics) SetBusState(state int) {
	if m == nil {
		return
	}
	m.BusState.Set(float64(state))
}

// RecordConnectAttempt records one control bus connection attempt
func (m *Metrics) RecordConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	m.BusConnectAttempts.Inc()
	if !ok {
		m.BusConnectFailures.Inc()
	}
}

// RecordPublish records a publish attempt on the control bus
func (m *Metrics) RecordPublish(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BusPublished.Inc()
	} else {
		m.BusPublishDropped.Inc()
	}
}

// RecordMessage records a dispatched inbound control message
func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.BusMessagesReceived.WithLabelValues(kind).Inc()
}

// RecordRejectedMessage records an inbound control message the parser refused
func (m *Metrics) RecordRejectedMessage() {
	if m == nil {
		return
	}
	m.BusMessagesRejected.Inc()
}

// RecordInboundDropped records an inbound message dropped on a full queue
func (m *Metrics) RecordInboundDropped() {
	if m == nil {
		return
	}
	m.BusInboundDropped.Inc()
}

// RecordStateChange records a node flag change
func (m *Metrics) RecordStateChange(flag string) {
	if m == nil {
		return
	}
	m.StateChanges.WithLabelValues(flag).Inc()
}

// RecordButtonEdge records a button edge and whether debounce accepted it
func (m *Metrics) RecordButtonEdge(accepted bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "debounced"
	}
	m.ButtonEdges.WithLabelValues(result).Inc()
}

// RecordLoopIteration observes the duration of one loop iteration
func (m *Metrics) RecordLoopIteration(seconds float64) {
	if m == nil {
		return
	}
	m.LoopDuration.Observe(seconds)
}

// RecordPresence records a presence event with the new station total
func (m *Metrics) RecordPresence(eventType string, total int) {
	if m == nil {
		return
	}
	m.PresenceStations.Set(float64(total))
	if eventType != "" {
		m.PresenceEvents.WithLabelValues(eventType).Inc()
	}
}

// RecordHostLine records an inbound host line and whether it was accepted
func (m *Metrics) RecordHostLine(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.HostCommands.Inc()
	} else {
		m.HostLinesRejected.Inc()
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordPacketDropped increments the dropped packets counter
func (m *Metrics) RecordPacketDropped() {
	if m == nil {
		return
	}
	m.PacketsDropped.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveSources sets the current number of active sources
func (m *Metrics) SetActiveSources(count int) {
	if m == nil {
		return
	}
	m.ActiveSources.Set(float64(count))
}

// RecordSourceCreated increments the sources created counter
func (m *Metrics) RecordSourceCreated() {
	if m == nil {
		return
	}
	m.SourcesCreated.Inc()
}

// RecordSourceExpired increments the sources expired counter
func (m *Metrics) RecordSourceExpired() {
	if m == nil {
		return
	}
	m.SourcesExpired.Inc()
}

// RecordSequence records sequence tracking results for one datagram
func (m *Metrics) RecordSequence(lost uint64, late bool) {
	if m == nil {
		return
	}
	if lost > 0 {
		m.SequenceLost.Add(float64(lost))
	}
	if late {
		m.SequenceLate.Inc()
	}
}

// RecordForward records a datagram forwarded on route
func (m *Metrics) RecordForward(route string) {
	if m == nil {
		return
	}
	m.PacketsForwarded.WithLabelValues(route).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

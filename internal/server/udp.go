package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/stream"
)

// ReceiverConfig contains UDP receiver parameters
type ReceiverConfig struct {
	BindAddress string
	UDPPort     int
	BufferSize  int
	Workers     int
	QueueSize   int
	Layout      protocol.Layout
}

// Receiver accepts audio datagrams from capture nodes, tracks their sources
// and forwards them through the router
type Receiver struct {
	conn     *net.UDPConn
	config   ReceiverConfig
	logger   *slog.Logger
	sessions *stream.Manager
	router   Forwarder
	metrics  *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	recvWG    sync.WaitGroup
	workersWG sync.WaitGroup
	stopOnce  sync.Once

	packetChan chan *incomingPacket

	packetsReceived  uint64
	packetsProcessed uint64
	packetsDropped   uint64
	parseErrors      uint64
	packetsForwarded uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewReceiver creates a receiver. router may be nil, in which case packets
// are tracked but not forwarded.
func NewReceiver(cfg ReceiverConfig, logger *slog.Logger, sessions *stream.Manager, router Forwarder, m *metrics.Metrics) *Receiver {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.BufferSize < protocol.MaxDatagramSize {
		cfg.BufferSize = 65536
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Receiver{
		config:     cfg,
		logger:     logger,
		sessions:   sessions,
		router:     router,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, cfg.QueueSize),
	}
}

// Start begins listening for datagrams
func (s *Receiver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.UDPPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Audio receiver started",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("layout", s.config.Layout.String()),
		slog.Int("workers", s.config.Workers),
	)

	for i := 0; i < s.config.Workers; i++ {
		s.workersWG.Add(1)
		go s.packetProcessor(i)
	}

	s.recvWG.Add(1)
	go s.receiveLoop(conn)

	return nil
}

// Stop closes the socket, drains the queue and waits for the workers. It is
// safe to call more than once.
func (s *Receiver) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *Receiver) stop() {
	s.logger.Info("Stopping audio receiver...")

	s.cancel()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// The receive loop is the only producer; the channel is closed after it
	// has returned.
	s.recvWG.Wait()
	close(s.packetChan)
	s.workersWG.Wait()

	stats := s.GetStatistics()
	s.logger.Info("Audio receiver stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)
}

// Addr returns the bound address, or nil before Start
func (s *Receiver) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Listening reports whether the receiver is bound and not stopped
func (s *Receiver) Listening() bool {
	return s.Addr() != nil && s.ctx.Err() == nil
}

// receiveLoop is the main datagram receiving loop
func (s *Receiver) receiveLoop(conn *net.UDPConn) {
	defer s.recvWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		if s.ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
			s.metrics.SetQueueSize(len(s.packetChan))
		default:
			s.mu.Lock()
			s.packetsDropped++
			s.mu.Unlock()
			s.metrics.RecordPacketDropped()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor processes packets from the packet channel
func (s *Receiver) packetProcessor(workerID int) {
	defer s.workersWG.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.packetChan {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket decodes one datagram, updates its source session and
// forwards it unchanged
func (s *Receiver) handlePacket(packet *incomingPacket, workerID int) {
	source := packet.remoteAddr.String()

	parsed, err := protocol.DecodeLayout(s.config.Layout, packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Debug("Failed to parse packet",
			slog.String("remote_addr", source),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	if s.sessions != nil {
		s.sessions.Observe(source, parsed)
	}

	if s.router != nil {
		if n := s.router.Forward(parsed.Header.Flags, packet.data); n > 0 {
			s.mu.Lock()
			s.packetsForwarded++
			s.mu.Unlock()
		}
	}
}

// GetStatistics returns current receiver statistics
func (s *Receiver) GetStatistics() ReceiverStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ReceiverStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		PacketsDropped:   s.packetsDropped,
		ParseErrors:      s.parseErrors,
		PacketsForwarded: s.packetsForwarded,
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
		Layout:           s.config.Layout.String(),
	}
	if s.sessions != nil {
		stats.ActiveSources = uint64(s.sessions.GetActiveSessionCount())
	}
	return stats
}

// ReceiverStatistics represents receiver performance metrics
type ReceiverStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	ParseErrors      uint64 `json:"parse_errors"`
	PacketsForwarded uint64 `json:"packets_forwarded"`
	ActiveSources    uint64 `json:"active_sources"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
	Layout           string `json:"layout"`
}

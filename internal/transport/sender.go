package transport

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
)

// Default sender parameters
const (
	DefaultWriteTimeout   = 5 * time.Millisecond
	DefaultRedialInterval = time.Second
)

// DatagramSender is implemented by anything that can emit one datagram.
// Send reports whether the datagram was handed to the network.
type DatagramSender interface {
	Send(datagram []byte) bool
}

// SenderConfig configures a Sender
type SenderConfig struct {
	Host           string
	Port           int
	WriteTimeout   time.Duration
	RedialInterval time.Duration
}

// Sender is a fire-and-forget UDP sender bound to one peer
type Sender struct {
	addr           string
	peer           *net.UDPAddr
	writeTimeout   time.Duration
	redialInterval time.Duration

	conn       net.Conn
	lastDialAt time.Time
	mu         sync.Mutex

	dial func(peer *net.UDPAddr) (net.Conn, error)
	now  func() time.Time

	sent    atomic.Uint64
	dropped atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SenderStats contains sender counters
type SenderStats struct {
	Peer      string `json:"peer"`
	Connected bool   `json:"connected"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
}

// NewSender creates a sender for the configured peer. The peer name is
// resolved here, once, so Send never waits on a resolver. The socket is
// opened lazily on the first Send so a node can start before its network
// is up.
func NewSender(cfg SenderConfig, logger *slog.Logger, m *metrics.Metrics) (*Sender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("peer host cannot be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("peer port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = DefaultRedialInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer %s: %w", addr, err)
	}

	return &Sender{
		addr:           addr,
		peer:           peer,
		writeTimeout:   cfg.WriteTimeout,
		redialInterval: cfg.RedialInterval,
		dial:           dialUDP,
		now:            time.Now,
		logger:         logger.With(slog.String("peer", addr)),
		metrics:        m,
	}, nil
}

func dialUDP(peer *net.UDPAddr) (net.Conn, error) {
	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Send transmits datagram to the peer. It never returns an error: failures
// are counted and logged at debug level and the datagram is discarded.
func (s *Sender) Send(datagram []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.connLocked()
	if conn == nil {
		s.drop()
		return false
	}

	if err := conn.SetWriteDeadline(s.now().Add(s.writeTimeout)); err != nil {
		s.logger.Debug("Failed to set write deadline", slog.String("error", err.Error()))
	}

	if _, err := conn.Write(datagram); err != nil {
		s.logger.Debug("Datagram dropped", slog.Int("size", len(datagram)), slog.String("error", err.Error()))
		s.drop()
		return false
	}

	s.sent.Add(1)
	s.metrics.RecordDatagram(true)
	return true
}

func (s *Sender) connLocked() net.Conn {
	if s.conn != nil {
		return s.conn
	}

	now := s.now()
	if !s.lastDialAt.IsZero() && now.Sub(s.lastDialAt) < s.redialInterval {
		return nil
	}
	s.lastDialAt = now

	conn, err := s.dial(s.peer)
	if err != nil {
		s.logger.Debug("Failed to open datagram socket", slog.String("error", err.Error()))
		return nil
	}

	s.conn = conn
	s.logger.Info("Datagram socket opened", slog.String("local", conn.LocalAddr().String()))
	return conn
}

func (s *Sender) drop() {
	s.dropped.Add(1)
	s.metrics.RecordDatagram(false)
}

// Peer returns the peer address in host:port form
func (s *Sender) Peer() string {
	return s.addr
}

// GetStats returns current sender counters
func (s *Sender) GetStats() SenderStats {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()

	return SenderStats{
		Peer:      s.addr,
		Connected: connected,
		Sent:      s.sent.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close releases the socket
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

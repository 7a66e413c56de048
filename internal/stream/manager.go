package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/protocol"
)

// Session is the receiver-side view of one audio source, keyed by its
// remote address.
type Session struct {
	ID           string
	StartTime    time.Time
	LastActivity time.Time

	flags   protocol.Flags
	tracker Tracker
	packets uint64
	bytes   uint64

	mu sync.RWMutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID           string        `json:"id"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	Flags        string        `json:"flags"`
	AIMode       bool          `json:"ai_mode"`
	ClassMode    bool          `json:"class_mode"`
	Packets      uint64        `json:"packets"`
	Bytes        uint64        `json:"bytes"`
	Sequence     TrackerStats  `json:"sequence"`
}

// Info returns a snapshot of the session
func (s *Session) Info(now time.Time) SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:           s.ID,
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		Duration:     now.Sub(s.StartTime),
		Flags:        s.flags.String(),
		AIMode:       s.flags.AIMode(),
		ClassMode:    s.flags.ClassMode(),
		Packets:      s.packets,
		Bytes:        s.bytes,
		Sequence:     s.tracker.Stats(),
	}
}

// Observation is what the manager learned from one packet
type Observation struct {
	Session *Session
	Created bool
	Lost    uint64
	Late    bool
}

// Manager manages all active source sessions and expires idle ones
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager. Sessions idle for longer than
// timeout are removed by a background cleanup routine until Stop.
func NewManager(logger *slog.Logger, timeout time.Duration, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		metrics:  m,
		timeout:  timeout,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Observe records a decoded packet from addr, creating the session on first
// contact. Sequence tracking is skipped for layouts without a sequence.
func (m *Manager) Observe(addr string, pkt *protocol.Packet) Observation {
	now := m.now()

	m.mu.Lock()
	session, exists := m.sessions[addr]
	if !exists {
		session = &Session{ID: addr, StartTime: now}
		m.sessions[addr] = session
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		m.metrics.RecordSourceCreated()
		m.metrics.SetActiveSources(count)
		m.logger.Info("Created new source session",
			slog.String("source", addr),
			slog.String("layout", pkt.Layout.String()),
			slog.String("flags", pkt.Header.Flags.String()),
		)
	}

	obs := Observation{Session: session, Created: !exists}

	session.mu.Lock()
	session.LastActivity = now
	session.flags = pkt.Header.Flags
	session.packets++
	session.bytes += uint64(len(pkt.Payload))
	if pkt.Layout.HasSequence() {
		obs.Lost, obs.Late = session.tracker.Observe(pkt.Header.Sequence)
	}
	session.mu.Unlock()

	if pkt.Layout.HasSequence() {
		m.metrics.RecordSequence(obs.Lost, obs.Late)
	}
	if obs.Lost > 0 {
		m.logger.Debug("Sequence gap",
			slog.String("source", addr),
			slog.Uint64("sequence", uint64(pkt.Header.Sequence)),
			slog.Uint64("lost", obs.Lost),
		)
	}

	return obs
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(addr string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[addr]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all sessions ordered by id
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	now := m.now()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info(now))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// RemoveSession removes a session
func (m *Manager) RemoveSession(addr string) bool {
	m.mu.Lock()
	session, exists := m.sessions[addr]
	if exists {
		delete(m.sessions, addr)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.metrics.SetActiveSources(count)
	info := session.Info(m.now())
	m.logger.Info("Source session removed",
		slog.String("source", addr),
		slog.Duration("duration", info.Duration),
		slog.Uint64("packets", info.Packets),
		slog.Uint64("lost", info.Sequence.Lost),
		slog.Uint64("late", info.Sequence.Late),
	)
	return true
}

// CleanupExpired removes sessions inactive for longer than the timeout and
// returns how many were removed.
func (m *Manager) CleanupExpired() int {
	now := m.now()
	expired := make([]string, 0)

	m.mu.RLock()
	for addr, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, addr)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, addr := range expired {
		if m.RemoveSession(addr) {
			m.metrics.RecordSourceExpired()
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Cleaned up expired sessions", slog.Int("expired_count", removed))
	}
	return removed
}

// Stop stops the cleanup routine
func (m *Manager) Stop() {
	m.cancel()
	<-m.cleanup

	m.logger.Info("Stream manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
	)
}

func (m *Manager) cleanupInterval() time.Duration {
	interval := m.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	interval := m.cleanupInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Debug("Stream cleanup routine started",
		slog.Duration("timeout", m.timeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/protocol"
	"github.com/skypro1111/classlink-audio/internal/transport"
)

// Route names where a datagram goes
type Route string

const (
	RouteAI      Route = "ai"
	RouteClass   Route = "class"
	RoutePrivate Route = "private"
)

// SelectRoute picks the route for the flags of a packet. AI mode wins over
// class mode; audio with neither flag is private.
func SelectRoute(flags protocol.Flags) Route {
	switch {
	case flags.AIMode():
		return RouteAI
	case flags.ClassMode():
		return RouteClass
	default:
		return RoutePrivate
	}
}

// Forwarder relays a received datagram according to its flags
type Forwarder interface {
	Forward(flags protocol.Flags, datagram []byte) int
}

// RouterTargets lists the "host:port" destinations of each route
type RouterTargets struct {
	AI      []string
	Class   []string
	Private []string
}

// Router forwards datagrams unchanged to the targets of their route. A
// route without targets drops its audio.
type Router struct {
	targets map[Route][]transport.DatagramSender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a router over prepared senders
func NewRouter(targets map[Route][]transport.DatagramSender, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[Route][]transport.DatagramSender, len(targets))
	for route, senders := range targets {
		copied[route] = append([]transport.DatagramSender(nil), senders...)
	}
	return &Router{targets: copied, logger: logger, metrics: m}
}

// DialRouter creates one UDP sender per target address
func DialRouter(t RouterTargets, writeTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) (*Router, error) {
	targets := make(map[Route][]transport.DatagramSender)
	for route, addrs := range map[Route][]string{
		RouteAI:      t.AI,
		RouteClass:   t.Class,
		RoutePrivate: t.Private,
	} {
		for _, addr := range addrs {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid %s target %q: %w", route, addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid %s target port %q: %w", route, addr, err)
			}
			sender, err := transport.NewSender(transport.SenderConfig{
				Host:         host,
				Port:         port,
				WriteTimeout: writeTimeout,
			}, logger, m)
			if err != nil {
				return nil, fmt.Errorf("failed to create %s target %q: %w", route, addr, err)
			}
			targets[route] = append(targets[route], sender)
		}
	}
	return NewRouter(targets, logger, m), nil
}

// Forward sends datagram to every target of the route chosen by flags and
// returns how many accepted it.
func (r *Router) Forward(flags protocol.Flags, datagram []byte) int {
	route := SelectRoute(flags)
	senders := r.targets[route]
	if len(senders) == 0 {
		r.metrics.RecordForward("none")
		return 0
	}

	sent := 0
	for _, s := range senders {
		if s.Send(datagram) {
			sent++
		}
	}
	r.metrics.RecordForward(string(route))
	return sent
}

// Stats returns the counters of every target that exposes them
func (r *Router) Stats() map[Route][]transport.SenderStats {
	out := make(map[Route][]transport.SenderStats, len(r.targets))
	for route, senders := range r.targets {
		for _, s := range senders {
			if st, ok := s.(interface{ GetStats() transport.SenderStats }); ok {
				out[route] = append(out[route], st.GetStats())
			}
		}
	}
	return out
}

// Close releases every target socket
func (r *Router) Close() {
	for _, senders := range r.targets {
		for _, s := range senders {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					r.logger.Warn("Error closing route target", slog.String("error", err.Error()))
				}
			}
		}
	}
}

package hostlink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/classlink-audio/internal/metrics"
	"github.com/skypro1111/classlink-audio/internal/presence"
	"github.com/skypro1111/classlink-audio/internal/protocol"
)

const (
	queueSize    = 16
	maxLineBytes = 4096
	writeTimeout = 2 * time.Second
)

// ErrWriteQueueFull is returned by SendPresence while the host is not
// draining its side of the link.
var ErrWriteQueueFull = errors.New("host link write queue full")

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Link is a bidirectional line link to the host. Writes go through a
// bounded queue so a stalled host never blocks the caller.
type Link struct {
	w            io.Writer
	closer       io.Closer
	lines        chan []byte
	out          chan []byte
	done         chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	writeTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Open connects to target: "stdio", "tcp://host:port", or a path to a
// character device or FIFO opened read-write.
func Open(target string, logger *slog.Logger, m *metrics.Metrics) (*Link, error) {
	switch {
	case target == "stdio":
		return New(os.Stdin, os.Stdout, nil, logger, m), nil
	case strings.HasPrefix(target, "tcp://"):
		addr := strings.TrimPrefix(target, "tcp://")
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to host link %s: %w", addr, err)
		}
		return New(conn, conn, conn, logger, m), nil
	case target != "":
		f, err := os.OpenFile(target, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open host link %s: %w", target, err)
		}
		return New(f, f, f, logger, m), nil
	default:
		return nil, fmt.Errorf("host link target cannot be empty")
	}
}

// New creates a link reading commands from r and writing events to w.
// closer, when not nil, is closed by Close.
func New(r io.Reader, w io.Writer, closer io.Closer, logger *slog.Logger, m *metrics.Metrics) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		w:            w,
		closer:       closer,
		lines:        make(chan []byte, queueSize),
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      m,
	}
	go l.readLoop(r)
	go l.writeLoop()
	return l
}

func (l *Link) readLoop(r io.Reader) {
	defer close(l.done)

	br := bufio.NewReaderSize(r, 256)
	for {
		line, err := protocol.ReadLine(br, maxLineBytes)
		if errors.Is(err, protocol.ErrLineTooLong) {
			l.metrics.RecordHostLine(false)
			l.logger.Warn("Host line over length limit dropped", slog.Int("limit", maxLineBytes))
			continue
		}
		if len(line) > 0 {
			select {
			case l.lines <- line:
			default:
				l.metrics.RecordHostLine(false)
				l.logger.Warn("Host link queue full, line dropped")
			}
		}
		if err != nil {
			if err != io.EOF {
				l.logger.Warn("Host link read stopped", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.stop:
			return
		case line := <-l.out:
			if dw, ok := l.w.(deadlineWriter); ok {
				// Not every file supports deadlines; such writes stay unbounded.
				_ = dw.SetWriteDeadline(time.Now().Add(l.writeTimeout))
			}
			if _, err := l.w.Write(line); err != nil {
				l.logger.Warn("Failed to write host line", slog.String("error", err.Error()))
			}
		}
	}
}

// PollCommands drains queued lines without blocking and returns the valid
// commands. Invalid lines are logged and counted.
func (l *Link) PollCommands() []protocol.HostCommand {
	var cmds []protocol.HostCommand
	for {
		select {
		case line := <-l.lines:
			cmd, err := protocol.ParseHostLine(line)
			if err != nil {
				l.metrics.RecordHostLine(false)
				l.logger.Warn("Host line rejected", slog.String("error", err.Error()))
				continue
			}
			l.metrics.RecordHostLine(true)
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}

// SendPresence queues a DEV_JOIN or DEV_LEAVE line for ev. It never blocks
// and returns ErrWriteQueueFull when the host has stopped reading.
func (l *Link) SendPresence(ev presence.Event) error {
	line := protocol.EncodePresenceLine(ev.Type == presence.Join, ev.Current)

	select {
	case <-l.stop:
		return fmt.Errorf("failed to write host line: link closed")
	default:
	}
	select {
	case l.out <- line:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Done is closed when the host side of the link ends
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close stops the writer and closes the underlying connection, if any
func (l *Link) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

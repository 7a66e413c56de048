package input

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/skypro1111/classlink-audio/internal/protocol"
)

// EdgeSource reports buttons that were pressed since the last poll
type EdgeSource interface {
	PollEdges() []string
}

// Button is a level-sampled input
type Button interface {
	Name() string
	Pressed() (bool, error)
}

// SysfsButton reads a GPIO value file such as /sys/class/gpio/gpio17/value
type SysfsButton struct {
	name      string
	path      string
	activeLow bool
}

// NewSysfsButton creates a button backed by a GPIO value file. With
// activeLow a "0" reading means pressed, as with a pull-up wired button.
func NewSysfsButton(name, path string, activeLow bool) *SysfsButton {
	return &SysfsButton{name: name, path: path, activeLow: activeLow}
}

// Name implements Button
func (b *SysfsButton) Name() string { return b.name }

// Pressed implements Button
func (b *SysfsButton) Pressed() (bool, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return false, fmt.Errorf("failed to read gpio %s: %w", b.path, err)
	}

	switch v := string(bytes.TrimSpace(data)); v {
	case "0":
		return b.activeLow, nil
	case "1":
		return !b.activeLow, nil
	default:
		return false, fmt.Errorf("unexpected gpio value %q in %s", v, b.path)
	}
}

// LevelEdges samples level buttons and reports released-to-pressed edges.
// A button that cannot be read keeps its previous level.
type LevelEdges struct {
	buttons []Button
	last    map[string]bool
	logger  *slog.Logger
}

// NewLevelEdges creates an edge detector over buttons
func NewLevelEdges(logger *slog.Logger, buttons ...Button) *LevelEdges {
	if logger == nil {
		logger = slog.Default()
	}
	return &LevelEdges{
		buttons: buttons,
		last:    make(map[string]bool, len(buttons)),
		logger:  logger,
	}
}

// PollEdges implements EdgeSource
func (l *LevelEdges) PollEdges() []string {
	var edges []string
	for _, b := range l.buttons {
		pressed, err := b.Pressed()
		if err != nil {
			l.logger.Debug("Button read failed", slog.String("button", b.Name()), slog.String("error", err.Error()))
			continue
		}
		if pressed && !l.last[b.Name()] {
			edges = append(edges, b.Name())
		}
		l.last[b.Name()] = pressed
	}
	return edges
}

const maxButtonLine = 256

// LineButtons reads button names, one per line, from a stream in the
// background and reports each as a press. Lines naming unknown buttons are
// dropped; a full queue drops presses.
type LineButtons struct {
	known  map[string]bool
	queue  chan string
	logger *slog.Logger

	done chan struct{}
	once sync.Once
}

// NewLineButtons starts reading r. known restricts the accepted names; an
// empty list accepts any name.
func NewLineButtons(r io.Reader, known []string, logger *slog.Logger) *LineButtons {
	if logger == nil {
		logger = slog.Default()
	}
	lb := &LineButtons{
		known:  make(map[string]bool, len(known)),
		queue:  make(chan string, 16),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, k := range known {
		lb.known[k] = true
	}

	go lb.readLoop(r)
	return lb
}

func (lb *LineButtons) readLoop(r io.Reader) {
	defer lb.once.Do(func() { close(lb.done) })

	br := bufio.NewReaderSize(r, 64)
	for {
		raw, err := protocol.ReadLine(br, maxButtonLine)
		if errors.Is(err, protocol.ErrLineTooLong) {
			lb.logger.Warn("Button line over length limit dropped", slog.Int("limit", maxButtonLine))
			continue
		}
		lb.accept(string(raw))
		if err != nil {
			if err != io.EOF {
				lb.logger.Warn("Button input closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (lb *LineButtons) accept(line string) {
	name := strings.ToLower(strings.TrimSpace(line))
	if name == "" {
		return
	}
	if len(lb.known) > 0 && !lb.known[name] {
		lb.logger.Debug("Unknown button name", slog.String("line", name))
		return
	}
	select {
	case lb.queue <- name:
	default:
		lb.logger.Debug("Button queue full, press dropped", slog.String("button", name))
	}
}

// PollEdges implements EdgeSource
func (lb *LineButtons) PollEdges() []string {
	var edges []string
	for {
		select {
		case name := <-lb.queue:
			edges = append(edges, name)
		default:
			return edges
		}
	}
}

// Done is closed when the underlying stream ends
func (lb *LineButtons) Done() <-chan struct{} {
	return lb.done
}

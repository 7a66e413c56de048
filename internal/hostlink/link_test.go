package hostlink

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/classlink-audio/internal/presence"
	"github.com/skypro1111/classlink-audio/internal/protocol"
)

func waitDone(t *testing.T, l *Link) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestPollCommands(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"type":"MODE_SET","mode":"PRIVATE"}`,
		`garbage`,
		`{"type":"MODE_SET","mode":"CLASS"}`,
		`{"type":"DEV_JOIN","total":2}`,
	}, "\n") + "\n")

	l := New(in, &bytes.Buffer{}, nil, nil, nil)
	waitDone(t, l)

	cmds := l.PollCommands()
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Mode != protocol.ModePrivate || cmds[1].Mode != protocol.ModeClass {
		t.Errorf("Unexpected commands %+v", cmds)
	}
	if more := l.PollCommands(); len(more) != 0 {
		t.Errorf("Expected empty queue, got %+v", more)
	}
}

func TestOversizedLineSkipped(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []protocol.Mode
	}{
		{
			name:  "long line then command",
			input: strings.Repeat("x", 5000) + "\n" + `{"type":"MODE_SET","mode":"PRIVATE"}` + "\n",
			want:  []protocol.Mode{protocol.ModePrivate},
		},
		{
			name:  "command around long line",
			input: `{"type":"MODE_SET","mode":"CLASS"}` + "\n" + strings.Repeat("y", 9000) + "\n" + `{"type":"MODE_SET","mode":"PRIVATE"}`,
			want:  []protocol.Mode{protocol.ModeClass, protocol.ModePrivate},
		},
		{
			name:  "unterminated long line",
			input: strings.Repeat("z", 5000),
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(strings.NewReader(tt.input), &bytes.Buffer{}, nil, nil, nil)
			waitDone(t, l)

			cmds := l.PollCommands()
			if len(cmds) != len(tt.want) {
				t.Fatalf("Expected %d commands, got %d", len(tt.want), len(cmds))
			}
			for i, mode := range tt.want {
				if cmds[i].Mode != mode {
					t.Errorf("Expected command %d mode %v, got %v", i, mode, cmds[i].Mode)
				}
			}
		})
	}
}

func TestSendPresence(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := New(strings.NewReader(""), local, local, nil, nil)
	defer l.Close()

	if err := l.SendPresence(presence.Event{Type: presence.Join, Previous: 0, Current: 1, Delta: 1}); err != nil {
		t.Fatalf("SendPresence failed: %v", err)
	}
	if err := l.SendPresence(presence.Event{Type: presence.Leave, Previous: 1, Current: 0, Delta: -1}); err != nil {
		t.Fatalf("SendPresence failed: %v", err)
	}

	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(remote)
	for _, want := range []string{
		"{\"type\":\"DEV_JOIN\",\"total\":1}\n",
		"{\"type\":\"DEV_LEAVE\",\"total\":0}\n",
	} {
		got, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read host line: %v", err)
		}
		if got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestSendPresenceStalledHost(t *testing.T) {
	// Nobody reads the remote end, so every write stalls.
	local, remote := net.Pipe()
	defer remote.Close()
	l := New(strings.NewReader(""), local, local, nil, nil)
	l.writeTimeout = 50 * time.Millisecond
	defer l.Close()

	ev := presence.Event{Type: presence.Join, Previous: 0, Current: 1, Delta: 1}
	start := time.Now()
	var full int
	for i := 0; i < queueSize+4; i++ {
		if err := l.SendPresence(ev); errors.Is(err, ErrWriteQueueFull) {
			full++
		} else if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected SendPresence not to block, took %v", elapsed)
	}
	if full == 0 {
		t.Error("Expected queue full errors while host is stalled")
	}

	// Timed-out writes drain the queue, so sends are accepted again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := l.SendPresence(ev); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected queue to drain after write timeouts")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSendAfterClose(t *testing.T) {
	l := New(strings.NewReader(""), &bytes.Buffer{}, nil, nil, nil)
	l.Close()
	if err := l.SendPresence(presence.Event{Type: presence.Join, Current: 1, Delta: 1}); err == nil {
		t.Error("Expected error after Close")
	}
}

func TestOpenRejectsEmptyTarget(t *testing.T) {
	if _, err := Open("", nil, nil); err == nil {
		t.Error("Expected error for empty target")
	}
	if _, err := Open("/nonexistent/dir/tty", nil, nil); err == nil {
		t.Error("Expected error for missing device")
	}
}

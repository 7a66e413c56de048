package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Host line message types. Lines are single JSON objects terminated by '\n'.
const (
	HostDevJoin  = "DEV_JOIN"
	HostDevLeave = "DEV_LEAVE"
	HostModeSet  = "MODE_SET"
)

type hostEvent struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
}

type hostCommand struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// HostCommand is a decoded inbound host line
type HostCommand struct {
	Mode Mode
}

// EncodePresenceLine encodes a DEV_JOIN (joined) or DEV_LEAVE line with the
// current station total, including the trailing newline.
func EncodePresenceLine(joined bool, total int) []byte {
	ev := hostEvent{Type: HostDevLeave, Total: total}
	if joined {
		ev.Type = HostDevJoin
	}
	data, _ := json.Marshal(ev)
	return append(data, '\n')
}

// ParseHostLine decodes one inbound host line. Only MODE_SET with mode
// CLASS or PRIVATE is accepted.
func ParseHostLine(line []byte) (HostCommand, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return HostCommand{}, fmt.Errorf("%w: empty line", ErrInvalidPayload)
	}

	var cmd hostCommand
	if err := json.Unmarshal(line, &cmd); err != nil {
		return HostCommand{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if cmd.Type != HostModeSet {
		return HostCommand{}, fmt.Errorf("%w: unsupported host message type %q", ErrInvalidPayload, cmd.Type)
	}

	switch strings.ToUpper(cmd.Mode) {
	case "CLASS":
		return HostCommand{Mode: ModeClass}, nil
	case "PRIVATE":
		return HostCommand{Mode: ModePrivate}, nil
	default:
		return HostCommand{}, fmt.Errorf("%w: mode %q", ErrInvalidPayload, cmd.Mode)
	}
}

// ReadLine returns the next line from br without its terminator. A line
// longer than max bytes is consumed up to its newline and reported with
// ErrLineTooLong so the caller can skip it and keep reading. A final line
// without a newline is returned before the read error.
func ReadLine(br *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > max+2 {
				tooLong = true
				line = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}

		line = bytes.TrimRight(line, "\r\n")
		if !tooLong && len(line) > max {
			tooLong = true
		}
		switch {
		case tooLong:
			return nil, ErrLineTooLong
		case err != nil && len(line) > 0:
			return line, nil
		default:
			return line, err
		}
	}
}

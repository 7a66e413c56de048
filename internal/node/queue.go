package node

import "github.com/skypro1111/classlink-audio/internal/protocol"

// CommandQueue hands host commands from other goroutines (such as HTTP
// handlers) to the loop. Submit never blocks; a full queue rejects.
type CommandQueue struct {
	ch chan protocol.HostCommand
}

// NewCommandQueue creates a queue holding up to size commands
func NewCommandQueue(size int) *CommandQueue {
	if size <= 0 {
		size = 1
	}
	return &CommandQueue{ch: make(chan protocol.HostCommand, size)}
}

// Submit enqueues cmd and reports whether it was accepted
func (q *CommandQueue) Submit(cmd protocol.HostCommand) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// PollCommands implements HostCommandSource
func (q *CommandQueue) PollCommands() []protocol.HostCommand {
	var cmds []protocol.HostCommand
	for {
		select {
		case cmd := <-q.ch:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}

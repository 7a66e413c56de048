// Package node implements the per-node control state and the cooperative
// loop that drives a capture node or the hub.
//
// Machine holds the recording, AI-mode and class-mode flags. Each flag is
// driven by exactly one source: a debounced local button (toggle), the
// control bus (absolute value), or, on the hub, the bridging host. Every
// change is published on the node's device topics and picked up by the next
// outgoing audio frame.
//
// Loop runs one iteration after another in a fixed order: control-bus
// maintenance, inbound dispatch, host commands, local input, presence
// sampling, then capture, voice gating, framing and sending, followed by a
// short idle sleep. All state is owned by the loop goroutine.
package node

// Package protocol defines everything that crosses a process boundary:
// the audio datagram layout (the canonical v1 schema and the legacy layouts
// it replaces), the control-bus topics with their message schema, and the
// newline-delimited host line protocol.
package protocol

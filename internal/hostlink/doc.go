// Package hostlink connects the hub to its bridging host over a
// newline-delimited link: presence events go out as DEV_JOIN/DEV_LEAVE
// lines, MODE_SET commands come in. Reading happens on a background
// goroutine that only feeds a bounded queue; the hub loop drains it.
package hostlink

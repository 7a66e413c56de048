// Package stream tracks the audio sources seen by the hub receiver: one
// session per remote address with packet counters and a wraparound-aware
// sequence tracker. Idle sessions are expired in the background.
package stream

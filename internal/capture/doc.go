// Package capture provides audio sources for capture nodes: raw signed
// 16-bit little-endian PCM from a stream (for example an arecord pipe), mono
// WAV files played back in real time, and a synthetic test pattern.
package capture

// Package vad implements an energy-based voice activity detector with a
// hangover period. A block of samples is considered voiced when its mean
// absolute amplitude exceeds the threshold; after the last voiced block the
// detector keeps gating frames through until the hangover deadline passes so
// that word endings and short pauses are not clipped.
package vad

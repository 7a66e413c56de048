package vad

import (
	"fmt"
	"sync"
	"time"
)

// Default detector parameters used by the capture nodes
const (
	DefaultThreshold = 300
	DefaultHangover  = 300 * time.Millisecond
)

// State is the complete detector state. It is a plain value so that the
// detection step can be expressed as a pure function over it.
type State struct {
	Threshold        uint32        `json:"threshold"`
	Hangover         time.Duration `json:"hangover"`
	LastEnergy       uint32        `json:"last_energy"`
	Speaking         bool          `json:"speaking"`
	HangoverDeadline time.Time     `json:"hangover_deadline"`
}

// Energy returns the mean absolute amplitude of samples, 0 for an empty block
func Energy(samples []int16) uint32 {
	if len(samples) == 0 {
		return 0
	}

	var sum int64
	for _, s := range samples {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}

	return uint32(sum / int64(len(samples)))
}

// Process runs one detection step and returns whether the block should be
// transmitted together with the next state.
//
// A block above the threshold marks the node as speaking and pushes the
// hangover deadline to now+Hangover. A quiet block before the deadline is
// still transmitted but reports Speaking=false. Empty blocks are never
// transmitted and leave the state untouched.
func Process(samples []int16, now time.Time, st State) (bool, State) {
	if len(samples) == 0 {
		return false, st
	}

	st.LastEnergy = Energy(samples)

	if st.LastEnergy > st.Threshold {
		st.Speaking = true
		st.HangoverDeadline = now.Add(st.Hangover)
		return true, st
	}

	st.Speaking = false
	if now.Before(st.HangoverDeadline) {
		return true, st
	}

	return false, st
}

// Detector owns a detection State and accumulates statistics.
// Process is meant to be driven from a single loop; the accessors may be
// called from other goroutines.
type Detector struct {
	state State

	frames      uint64
	transmitted uint64
	voiced      uint64

	mu sync.RWMutex
}

// Stats is a snapshot of the detector counters and parameters
type Stats struct {
	Threshold        uint32        `json:"threshold"`
	Hangover         time.Duration `json:"hangover"`
	LastEnergy       uint32        `json:"last_energy"`
	Speaking         bool          `json:"speaking"`
	Frames           uint64        `json:"frames"`
	VoicedFrames     uint64        `json:"voiced_frames"`
	TransmitFrames   uint64        `json:"transmit_frames"`
	TransmitFraction float64       `json:"transmit_fraction"`
}

// NewDetector creates a detector with the given threshold and hangover
func NewDetector(threshold uint32, hangover time.Duration) (*Detector, error) {
	if hangover < 0 {
		return nil, fmt.Errorf("hangover must not be negative, got %s", hangover)
	}

	return &Detector{
		state: State{
			Threshold: threshold,
			Hangover:  hangover,
		},
	}, nil
}

// Process runs one detection step on samples captured at now
func (d *Detector) Process(samples []int16, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(samples) == 0 {
		return false
	}

	transmit, next := Process(samples, now, d.state)
	d.state = next

	d.frames++
	if next.Speaking {
		d.voiced++
	}
	if transmit {
		d.transmitted++
	}

	return transmit
}

// SetThreshold changes the energy threshold. The last measured energy is kept.
func (d *Detector) SetThreshold(threshold uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Threshold = threshold
}

// SetHangover changes the hangover period for subsequent voiced blocks
func (d *Detector) SetHangover(hangover time.Duration) error {
	if hangover < 0 {
		return fmt.Errorf("hangover must not be negative, got %s", hangover)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Hangover = hangover
	return nil
}

// LastEnergy returns the energy of the last processed non-empty block
func (d *Detector) LastEnergy() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.LastEnergy
}

// Speaking reports whether the last processed block was above the threshold
func (d *Detector) Speaking() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Speaking
}

// State returns a copy of the detector state
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fraction := float64(0)
	if d.frames > 0 {
		fraction = float64(d.transmitted) / float64(d.frames)
	}

	return Stats{
		Threshold:        d.state.Threshold,
		Hangover:         d.state.Hangover,
		LastEnergy:       d.state.LastEnergy,
		Speaking:         d.state.Speaking,
		Frames:           d.frames,
		VoicedFrames:     d.voiced,
		TransmitFrames:   d.transmitted,
		TransmitFraction: fraction,
	}
}

// Reset clears the hangover deadline, the speaking flag and the counters.
// Threshold and hangover are kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.Speaking = false
	d.state.HangoverDeadline = time.Time{}
	d.state.LastEnergy = 0
	d.frames = 0
	d.voiced = 0
	d.transmitted = 0
}

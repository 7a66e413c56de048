package node

import "time"

// Debouncer accepts an input edge only when at least Delay has passed since
// the last accepted edge. Rejected edges do not restart the window.
type Debouncer struct {
	Delay time.Duration

	last     time.Time
	accepted bool
}

// NewDebouncer creates a debouncer with the given delay
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{Delay: delay}
}

// Accept reports whether an edge observed at now is accepted
func (d *Debouncer) Accept(now time.Time) bool {
	if d.accepted && now.Sub(d.last) < d.Delay {
		return false
	}
	d.last = now
	d.accepted = true
	return true
}

// LastAccepted returns the time of the last accepted edge
func (d *Debouncer) LastAccepted() (time.Time, bool) {
	return d.last, d.accepted
}

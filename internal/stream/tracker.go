package stream

// Tracker follows the sequence numbers of one source. Sequence numbers wrap
// at 2^32, so distances are taken as signed 32-bit differences: a packet up to
// 2^31-1 ahead of the expected number is a gap, anything behind is late or a
// duplicate.
type Tracker struct {
	primed   bool
	expected uint32

	received uint64
	lost     uint64
	late     uint64
}

// TrackerStats is a snapshot of a tracker's counters
type TrackerStats struct {
	Received uint64  `json:"received"`
	Lost     uint64  `json:"lost"`
	Late     uint64  `json:"late"`
	LossRate float64 `json:"loss_rate"`
	Expected uint32  `json:"expected_sequence"`
}

// Observe records seq and returns how many packets it reveals as lost and
// whether it arrived late. The first packet primes the tracker.
func (t *Tracker) Observe(seq uint32) (lost uint64, late bool) {
	t.received++

	if !t.primed {
		t.primed = true
		t.expected = seq + 1
		return 0, false
	}

	d := int32(seq - t.expected)
	switch {
	case d == 0:
		t.expected = seq + 1
	case d > 0:
		lost = uint64(d)
		t.lost += lost
		t.expected = seq + 1
	default:
		// Late or duplicate: counted but does not move the window. A late
		// packet previously counted as lost stays lost.
		t.late++
		late = true
	}
	return lost, late
}

// Stats returns the tracker counters
func (t *Tracker) Stats() TrackerStats {
	st := TrackerStats{
		Received: t.received,
		Lost:     t.lost,
		Late:     t.late,
		Expected: t.expected,
	}
	if total := t.received + t.lost; total > 0 {
		st.LossRate = float64(t.lost) / float64(total)
	}
	return st
}

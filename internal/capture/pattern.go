package capture

import "context"

// PatternSource generates a link-test signal: every sample of frame k has
// both bytes equal to k mod 256, one frame per frame period. Amplitude, when
// non-zero, replaces the pattern with an alternating square wave of that
// height, which is useful to exercise the voice gate.
type PatternSource struct {
	sampleRate int
	amplitude  int16
	frame      uint32
	pacer      *pacer
}

// NewPatternSource creates a pattern generator
func NewPatternSource(sampleRate int, amplitude int16) *PatternSource {
	return &PatternSource{
		sampleRate: sampleRate,
		amplitude:  amplitude,
		pacer:      newPacer(),
	}
}

// Read implements Source
func (s *PatternSource) Read(ctx context.Context, frame []int16) (int, error) {
	if err := s.pacer.wait(ctx, FramePeriod(len(frame), s.sampleRate)); err != nil {
		return 0, err
	}

	b := uint16(s.frame & 0xFF)
	value := int16(b<<8 | b)
	for i := range frame {
		switch {
		case s.amplitude == 0:
			frame[i] = value
		case i%2 == 0:
			frame[i] = s.amplitude
		default:
			frame[i] = -s.amplitude
		}
	}
	s.frame++
	return len(frame), nil
}

// Close implements Source
func (s *PatternSource) Close() error {
	return nil
}

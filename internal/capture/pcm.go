package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
)

// PCMSource reads raw s16le mono samples from a stream. The stream sets the
// pace, so a read blocks until a full frame is available.
type PCMSource struct {
	r      io.Reader
	closer io.Closer
	buf    []byte
}

// NewPCMSource wraps r. If r is an io.Closer it is closed by Close.
func NewPCMSource(r io.Reader) *PCMSource {
	s := &PCMSource{r: r}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Read implements Source. A trailing partial frame is returned with a nil
// error; the next call reports io.EOF.
func (s *PCMSource) Read(ctx context.Context, frame []int16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	need := len(frame) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n, err := io.ReadFull(s.r, buf)
	samples := n / 2
	for i := 0; i < samples; i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}

	switch {
	case err == nil:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF) && samples > 0:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return 0, io.EOF
	default:
		return samples, err
	}
}

// Close implements Source
func (s *PCMSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// wavHeader is the canonical 44-byte PCM WAV header
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16 // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// DecodeWAV decodes a mono 16-bit PCM WAV file into samples and sample rate
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 44 {
		return nil, 0, fmt.Errorf("WAV data too short: need at least 44 bytes, got %d", len(data))
	}

	var header wavHeader
	buf := bytes.NewReader(data)
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, 0, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, 0, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt ":
		return nil, 0, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, 0, fmt.Errorf("invalid WAV file: missing data chunk")
	case header.AudioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	case header.BitsPerSample != 16:
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	case header.NumChannels != 1:
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	numSamples := int(header.Subchunk2Size) / 2
	if avail := (len(data) - 44) / 2; numSamples > avail {
		numSamples = avail
	}
	if numSamples <= 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	samples := make([]int16, numSamples)
	if err := binary.Read(buf, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, int(header.SampleRate), nil
}

// WAVSource plays a decoded WAV file frame by frame in real time
type WAVSource struct {
	samples    []int16
	sampleRate int
	loop       bool
	pos        int
	pacer      *pacer
}

// OpenWAV loads a WAV file. expectedRate, when non-zero, must match the file.
func OpenWAV(path string, expectedRate int, loop bool) (*WAVSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV file %s: %w", path, err)
	}

	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV file %s: %w", path, err)
	}
	if expectedRate != 0 && rate != expectedRate {
		return nil, fmt.Errorf("WAV file %s has sample rate %d, expected %d", path, rate, expectedRate)
	}

	return NewWAVSource(samples, rate, loop), nil
}

// NewWAVSource creates a source over already decoded samples
func NewWAVSource(samples []int16, sampleRate int, loop bool) *WAVSource {
	return &WAVSource{
		samples:    samples,
		sampleRate: sampleRate,
		loop:       loop,
		pacer:      newPacer(),
	}
}

// Read implements Source
func (s *WAVSource) Read(ctx context.Context, frame []int16) (int, error) {
	if s.pos >= len(s.samples) {
		if !s.loop || len(s.samples) == 0 {
			return 0, io.EOF
		}
		s.pos = 0
	}

	if err := s.pacer.wait(ctx, FramePeriod(len(frame), s.sampleRate)); err != nil {
		return 0, err
	}

	n := copy(frame, s.samples[s.pos:])
	s.pos += n
	return n, nil
}

// Close implements Source
func (s *WAVSource) Close() error {
	return nil
}

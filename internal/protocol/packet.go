package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Canonical audio datagram, little-endian, no padding:
//
//	offset 0  u8   schema   (SchemaV1)
//	offset 1  u8   flags    (bit0 AI mode, bit1 class mode)
//	offset 2  u32  sequence
//	offset 6  ...  payload  (signed 16-bit PCM, native sample order)
const (
	SchemaV1 = 0xA1

	HeaderSize = 6

	// MaxDatagramSize keeps one frame inside a single Ethernet MTU.
	MaxDatagramSize = 1472
	MaxPayloadSize  = MaxDatagramSize - HeaderSize
)

// Flags is the per-packet flag byte
type Flags uint8

const (
	FlagAIMode    Flags = 1 << 0
	FlagClassMode Flags = 1 << 1
)

// NewFlags builds a flag byte from the node mode bits
func NewFlags(aiMode, classMode bool) Flags {
	var f Flags
	if aiMode {
		f |= FlagAIMode
	}
	if classMode {
		f |= FlagClassMode
	}
	return f
}

// AIMode reports whether the packet is addressed to the AI assistant
func (f Flags) AIMode() bool { return f&FlagAIMode != 0 }

// ClassMode reports whether the sender was in class mode
func (f Flags) ClassMode() bool { return f&FlagClassMode != 0 }

// String returns a compact representation like "ai|class"
func (f Flags) String() string {
	var parts []string
	if f.AIMode() {
		parts = append(parts, "ai")
	}
	if f.ClassMode() {
		parts = append(parts, "class")
	} else {
		parts = append(parts, "private")
	}
	if rest := f &^ (FlagAIMode | FlagClassMode); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Header is the decoded packet header
type Header struct {
	Flags    Flags
	Sequence uint32
}

// Packet is a decoded audio datagram
type Packet struct {
	Layout  Layout
	Header  Header
	Payload []byte
}

// Encode serializes header and payload in the canonical layout.
// The payload is copied and not validated.
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = SchemaV1
	buf[1] = byte(h.Flags)
	binary.LittleEndian.PutUint32(buf[2:6], h.Sequence)
	copy(buf[HeaderSize:], payload)
	return buf
}

// ParseHeader parses the canonical header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrShortPacket, HeaderSize, len(data))
	}

	if data[0] != SchemaV1 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadSchema, data[0])
	}

	return &Header{
		Flags:    Flags(data[1]),
		Sequence: binary.LittleEndian.Uint32(data[2:6]),
	}, nil
}

// ParsePacket parses a canonical datagram. The payload is copied.
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	return &Packet{
		Layout:  LayoutCanonical,
		Header:  *header,
		Payload: clonePayload(data[HeaderSize:]),
	}, nil
}

func clonePayload(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Framer turns captured frames into datagrams. It owns the sequence counter
// of one streaming session: the first frame carries 0 and every frame after
// that carries the previous value plus one, wrapping at 2^32.
type Framer struct {
	layout Layout
	next   uint32
}

// NewFramer creates a framer emitting the given layout
func NewFramer(layout Layout) (*Framer, error) {
	if !layout.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLayout, int(layout))
	}
	return &Framer{layout: layout}, nil
}

// Frame stamps payload with flags and the next sequence number
func (f *Framer) Frame(flags Flags, payload []byte) []byte {
	h := Header{Flags: flags, Sequence: f.next}
	f.next++
	return EncodeLayout(f.layout, h, payload)
}

// NextSequence returns the sequence number the next frame will carry
func (f *Framer) NextSequence() uint32 {
	return f.next
}

// Layout returns the layout the framer emits
func (f *Framer) Layout() Layout {
	return f.layout
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Layout selects the on-wire datagram format. Only the canonical layout is
// produced by default; the legacy layouts exist so that deployments with
// older firmware can be decoded (and emulated) while they migrate.
type Layout int

const (
	LayoutCanonical Layout = iota
	// LayoutRaw is bare PCM with no header.
	LayoutRaw
	// LayoutSeq is [u32 seq][pcm].
	LayoutSeq
	// LayoutSeqFlags is [u32 seq][u8 flags][pcm].
	LayoutSeqFlags
	// LayoutFlagsSeq is [u8 flags][u32 seq][pcm].
	LayoutFlagsSeq
)

var layoutNames = map[Layout]string{
	LayoutCanonical: "canonical",
	LayoutRaw:       "raw",
	LayoutSeq:       "seq",
	LayoutSeqFlags:  "seq_flags",
	LayoutFlagsSeq:  "flags_seq",
}

// ParseLayout maps a configuration name to a Layout
func ParseLayout(name string) (Layout, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return LayoutCanonical, nil
	}
	for l, n := range layoutNames {
		if n == name {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
}

// Valid reports whether l is a known layout
func (l Layout) Valid() bool {
	_, ok := layoutNames[l]
	return ok
}

// String returns the configuration name of the layout
func (l Layout) String() string {
	if n, ok := layoutNames[l]; ok {
		return n
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// HeaderSize returns the number of header bytes preceding the payload
func (l Layout) HeaderSize() int {
	switch l {
	case LayoutCanonical:
		return HeaderSize
	case LayoutRaw:
		return 0
	case LayoutSeq:
		return 4
	case LayoutSeqFlags, LayoutFlagsSeq:
		return 5
	default:
		return 0
	}
}

// HasSequence reports whether the layout carries a sequence number
func (l Layout) HasSequence() bool {
	return l != LayoutRaw
}

// HasFlags reports whether the layout carries the flag byte
func (l Layout) HasFlags() bool {
	return l == LayoutCanonical || l == LayoutSeqFlags || l == LayoutFlagsSeq
}

// EncodeLayout serializes header and payload in layout l. Fields a layout
// cannot carry are dropped. Unknown layouts fall back to the canonical one.
func EncodeLayout(l Layout, h Header, payload []byte) []byte {
	switch l {
	case LayoutRaw:
		return clonePayload(payload)
	case LayoutSeq:
		buf := make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint32(buf[0:4], h.Sequence)
		copy(buf[4:], payload)
		return buf
	case LayoutSeqFlags:
		buf := make([]byte, 5+len(payload))
		binary.LittleEndian.PutUint32(buf[0:4], h.Sequence)
		buf[4] = byte(h.Flags)
		copy(buf[5:], payload)
		return buf
	case LayoutFlagsSeq:
		buf := make([]byte, 5+len(payload))
		buf[0] = byte(h.Flags)
		binary.LittleEndian.PutUint32(buf[1:5], h.Sequence)
		copy(buf[5:], payload)
		return buf
	default:
		return Encode(h, payload)
	}
}

// DecodeLayout parses a datagram produced in layout l and migrates it to
// a Packet. Fields the layout does not carry are left zero.
func DecodeLayout(l Layout, data []byte) (*Packet, error) {
	if l == LayoutCanonical {
		return ParsePacket(data)
	}
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLayout, int(l))
	}

	size := l.HeaderSize()
	if len(data) < size {
		return nil, fmt.Errorf("%w: %s layout expects at least %d bytes, got %d",
			ErrShortPacket, l, size, len(data))
	}

	p := &Packet{Layout: l, Payload: clonePayload(data[size:])}
	switch l {
	case LayoutSeq:
		p.Header.Sequence = binary.LittleEndian.Uint32(data[0:4])
	case LayoutSeqFlags:
		p.Header.Sequence = binary.LittleEndian.Uint32(data[0:4])
		p.Header.Flags = Flags(data[4])
	case LayoutFlagsSeq:
		p.Header.Flags = Flags(data[0])
		p.Header.Sequence = binary.LittleEndian.Uint32(data[1:5])
	}

	return p, nil
}

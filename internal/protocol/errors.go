package protocol

import "errors"

var (
	// ErrShortPacket is returned when a datagram is smaller than its header.
	ErrShortPacket = errors.New("packet too short")
	// ErrBadSchema is returned when a canonical datagram carries an unknown schema byte.
	ErrBadSchema = errors.New("unknown packet schema")
	// ErrUnknownLayout is returned for an unsupported layout name or value.
	ErrUnknownLayout = errors.New("unknown packet layout")
	// ErrPayloadTooLarge is returned when a payload does not fit one datagram.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnknownTopic is returned for a control message on a topic outside the fixed set.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrInvalidPayload is returned when a control or host message payload is malformed.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrLineTooLong is returned by ReadLine for a line over the length limit.
	ErrLineTooLong = errors.New("line too long")
)

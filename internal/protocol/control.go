package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Control bus topics
const (
	TopicAudioControl = "audio/control"
	TopicGlassesText  = "glasses/text"
	TopicAIAnswer     = "ai/answer"
	TopicGlassesMode  = "glasses/mode"
	TopicGlassesAI    = "glasses/ai"
	TopicPresence     = "hub/presence"

	devicePrefix = "device/"
)

// Payload tokens
const (
	TokenStart   = "start"
	TokenStop    = "stop"
	TokenOn      = "on"
	TokenOff     = "off"
	TokenClass   = "class"
	TokenPrivate = "private"
)

// DeviceTopic returns the notification topic for one flag of a node,
// e.g. DeviceTopic("mic_01", "mode") == "device/mic_01/mode".
func DeviceTopic(node, flag string) string {
	return devicePrefix + node + "/" + flag
}

// DeviceWildcard matches every device notification
const DeviceWildcard = "device/+/+"

// Kind tags the variant held by a Message
type Kind int

const (
	KindUnknown Kind = iota
	// KindRecording is a start/stop command on audio/control.
	KindRecording
	// KindMode is a class/private command on glasses/mode.
	KindMode
	// KindAI is an on/off command on glasses/ai.
	KindAI
	// KindText is display text on glasses/text.
	KindText
	// KindAnswer is an assistant answer on ai/answer.
	KindAnswer
	// KindDeviceRecording, KindDeviceMode and KindDeviceAI are state
	// notifications published by a node on device/<node>/<flag>.
	KindDeviceRecording
	KindDeviceMode
	KindDeviceAI
	// KindPresence is a hub presence notice on hub/presence.
	KindPresence
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindRecording:       "recording",
	KindMode:            "mode",
	KindAI:              "ai",
	KindText:            "text",
	KindAnswer:          "answer",
	KindDeviceRecording: "device_recording",
	KindDeviceMode:      "device_mode",
	KindDeviceAI:        "device_ai",
	KindPresence:        "presence",
}

// String returns a human-readable kind name
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Mode is the class/private operating mode
type Mode uint8

const (
	ModePrivate Mode = iota
	ModeClass
)

// ParseMode parses "class" or "private", case-insensitive
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case TokenClass:
		return ModeClass, nil
	case TokenPrivate:
		return ModePrivate, nil
	default:
		return 0, fmt.Errorf("%w: mode %q", ErrInvalidPayload, s)
	}
}

// ModeFromClass maps the class-mode flag to a Mode
func ModeFromClass(class bool) Mode {
	if class {
		return ModeClass
	}
	return ModePrivate
}

// IsClass reports whether m is class mode
func (m Mode) IsClass() bool { return m == ModeClass }

// String returns the bus token for the mode
func (m Mode) String() string {
	if m == ModeClass {
		return TokenClass
	}
	return TokenPrivate
}

// Text is the display payload of glasses/text and ai/answer
type Text struct {
	Text     string `json:"text"`
	Duration int    `json:"duration,omitempty"` // milliseconds
	Clear    bool   `json:"clear,omitempty"`
}

// PresenceNotice is the payload of hub/presence
type PresenceNotice struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
	Delta int    `json:"delta"`
}

// Message is a decoded control-bus message. Kind selects which of the
// remaining fields are meaningful.
type Message struct {
	Kind  Kind
	Topic string

	// Node is set for device notifications.
	Node string
	// On carries start/stop and on/off values.
	On bool
	// Mode carries class/private values.
	Mode Mode
	// Text is set for KindText and KindAnswer.
	Text Text
	// Presence is set for KindPresence.
	Presence PresenceNotice
}

// Retained reports whether the message should be kept by the broker for
// late subscribers. State notifications are retained, commands are not.
func (m Message) Retained() bool {
	switch m.Kind {
	case KindDeviceRecording, KindDeviceMode, KindDeviceAI, KindPresence:
		return true
	default:
		return false
	}
}

// ParseMessage decodes a message received on topic. Tokens are compared
// exactly after trimming whitespace and folding case. Messages on topics
// outside the fixed set fail with ErrUnknownTopic, malformed payloads with
// ErrInvalidPayload.
func ParseMessage(topic string, payload []byte) (Message, error) {
	msg := Message{Topic: topic}
	var err error

	switch topic {
	case TopicAudioControl:
		msg.Kind = KindRecording
		msg.On, err = parseSwitch(payload, TokenStart, TokenStop)
	case TopicGlassesMode:
		msg.Kind = KindMode
		msg.Mode, err = ParseMode(string(payload))
	case TopicGlassesAI:
		msg.Kind = KindAI
		msg.On, err = parseSwitch(payload, TokenOn, TokenOff)
	case TopicGlassesText:
		msg.Kind = KindText
		msg.Text, err = parseText(payload)
	case TopicAIAnswer:
		msg.Kind = KindAnswer
		msg.Text, err = parseText(payload)
	case TopicPresence:
		msg.Kind = KindPresence
		msg.Presence, err = parsePresence(payload)
	default:
		if !strings.HasPrefix(topic, devicePrefix) {
			return Message{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
		}
		return parseDevice(topic, payload)
	}

	if err != nil {
		return Message{}, fmt.Errorf("topic %s: %w", topic, err)
	}
	return msg, nil
}

func parseDevice(topic string, payload []byte) (Message, error) {
	parts := strings.Split(strings.TrimPrefix(topic, devicePrefix), "/")
	if len(parts) != 2 || parts[0] == "" {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	msg := Message{Topic: topic, Node: parts[0]}
	var err error

	switch parts[1] {
	case "recording":
		msg.Kind = KindDeviceRecording
		msg.On, err = parseSwitch(payload, TokenStart, TokenStop)
	case "mode":
		msg.Kind = KindDeviceMode
		msg.Mode, err = ParseMode(string(payload))
	case "ai":
		msg.Kind = KindDeviceAI
		msg.On, err = parseSwitch(payload, TokenOn, TokenOff)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	if err != nil {
		return Message{}, fmt.Errorf("topic %s: %w", topic, err)
	}
	return msg, nil
}

func parseSwitch(payload []byte, on, off string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case on:
		return true, nil
	case off:
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected %q or %q, got %q", ErrInvalidPayload, on, off, payload)
	}
}

func parseText(payload []byte) (Text, error) {
	if !utf8.Valid(payload) {
		return Text{}, fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidPayload)
	}

	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var t Text
		if err := json.Unmarshal([]byte(trimmed), &t); err != nil {
			return Text{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if t.Text == "" && !t.Clear {
			return Text{}, fmt.Errorf("%w: empty text", ErrInvalidPayload)
		}
		if t.Duration < 0 {
			return Text{}, fmt.Errorf("%w: negative duration %d", ErrInvalidPayload, t.Duration)
		}
		return t, nil
	}

	if trimmed == "" {
		return Text{}, fmt.Errorf("%w: empty text", ErrInvalidPayload)
	}
	return Text{Text: trimmed}, nil
}

func parsePresence(payload []byte) (PresenceNotice, error) {
	var n PresenceNotice
	if err := json.Unmarshal(payload, &n); err != nil {
		return PresenceNotice{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if n.Type != HostDevJoin && n.Type != HostDevLeave {
		return PresenceNotice{}, fmt.Errorf("%w: presence type %q", ErrInvalidPayload, n.Type)
	}
	if n.Total < 0 {
		return PresenceNotice{}, fmt.Errorf("%w: negative total %d", ErrInvalidPayload, n.Total)
	}
	return n, nil
}

// EncodeMessage returns the topic and payload for m
func EncodeMessage(m Message) (string, []byte, error) {
	switch m.Kind {
	case KindRecording:
		return TopicAudioControl, []byte(switchToken(m.On, TokenStart, TokenStop)), nil
	case KindMode:
		return TopicGlassesMode, []byte(m.Mode.String()), nil
	case KindAI:
		return TopicGlassesAI, []byte(switchToken(m.On, TokenOn, TokenOff)), nil
	case KindText, KindAnswer:
		data, err := json.Marshal(m.Text)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode text: %w", err)
		}
		topic := TopicGlassesText
		if m.Kind == KindAnswer {
			topic = TopicAIAnswer
		}
		return topic, data, nil
	case KindDeviceRecording, KindDeviceMode, KindDeviceAI:
		if m.Node == "" || strings.ContainsAny(m.Node, "/+#") {
			return "", nil, fmt.Errorf("%w: node id %q", ErrInvalidPayload, m.Node)
		}
		switch m.Kind {
		case KindDeviceRecording:
			return DeviceTopic(m.Node, "recording"), []byte(switchToken(m.On, TokenStart, TokenStop)), nil
		case KindDeviceMode:
			return DeviceTopic(m.Node, "mode"), []byte(m.Mode.String()), nil
		default:
			return DeviceTopic(m.Node, "ai"), []byte(switchToken(m.On, TokenOn, TokenOff)), nil
		}
	case KindPresence:
		data, err := json.Marshal(m.Presence)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode presence: %w", err)
		}
		return TopicPresence, data, nil
	default:
		return "", nil, fmt.Errorf("cannot encode message of kind %s", m.Kind)
	}
}

func switchToken(v bool, on, off string) string {
	if v {
		return on
	}
	return off
}

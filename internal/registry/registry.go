package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/classlink-audio/internal/protocol"
)

// Device is the last state a node announced on its device topics
type Device struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode,omitempty"`
	AIMode    *bool     `json:"ai_mode,omitempty"`
	Recording *bool     `json:"recording,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry keeps the table of nodes learned from device notifications
type Registry struct {
	devices map[string]*Device
	mu      sync.RWMutex
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty registry
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices: make(map[string]*Device),
		now:     time.Now,
		logger:  logger,
	}
}

// HandleMessage applies a device notification and reports whether msg was
// one. Other kinds are ignored.
func (r *Registry) HandleMessage(msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindDeviceMode, protocol.KindDeviceAI, protocol.KindDeviceRecording:
	default:
		return false
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[msg.Node]
	if !ok {
		d = &Device{ID: msg.Node, FirstSeen: now}
		r.devices[msg.Node] = d
		r.logger.Info("Device registered", slog.String("node", msg.Node))
	}
	d.LastSeen = now

	switch msg.Kind {
	case protocol.KindDeviceMode:
		d.Mode = msg.Mode.String()
	case protocol.KindDeviceAI:
		v := msg.On
		d.AIMode = &v
	case protocol.KindDeviceRecording:
		v := msg.On
		d.Recording = &v
	}
	return true
}

// Get returns a copy of one device
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns copies of every device ordered by id
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of known devices
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// RemoveInactive drops devices silent for longer than timeout
func (r *Registry) RemoveInactive(timeout time.Duration) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, d := range r.devices {
		if now.Sub(d.LastSeen) > timeout {
			delete(r.devices, id)
			removed++
			r.logger.Info("Device expired",
				slog.String("node", id),
				slog.Time("last_seen", d.LastSeen),
			)
		}
	}
	return removed
}

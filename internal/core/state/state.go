// Package state holds the in-memory device table and the event bus that
// carries change notifications to the entity surfaces (MQTT, HTTP API).
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Device is one camera as reported by the server. ID is the only key used to
// correlate state changes across poll cycles.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Online       bool      `json:"online"`
	MotionActive bool      `json:"motion_active"`
	PTZCapable   bool      `json:"ptz_capable"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
}

// observableEqual reports whether the fields surfaced to subscribers match.
func observableEqual(a, b Device) bool {
	return a.Online == b.Online && a.MotionActive == b.MotionActive
}

// EventType identifies event categories.
type EventType string

const (
	// EventDeviceChanged fires when a device appears or its observable
	// fields (online, motion_active) change.
	EventDeviceChanged EventType = "device_changed"
	// EventDeviceRemoved fires when a device has been absent long enough
	// to be dropped from the table.
	EventDeviceRemoved EventType = "device_removed"
)

// Event represents a device state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Device    Device    `json:"device"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, unsub
}

// --- DeviceStore ---

// missThreshold is how many consecutive polls a device must be absent from
// before it is marked offline and removed. A single dropped poll never flaps
// a device.
const missThreshold = 2

type deviceEntry struct {
	dev    Device
	misses int
}

// DeviceStore holds the reconciled device table with thread-safe access.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*deviceEntry
	bus     *EventBus
	log     *slog.Logger
	now     func() time.Time
}

// NewDeviceStore creates a device store wired to the event bus.
func NewDeviceStore(bus *EventBus, log *slog.Logger) *DeviceStore {
	return &DeviceStore{
		devices: make(map[string]*deviceEntry),
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Snapshot returns a copy of all known devices, sorted by ID.
func (s *DeviceStore) Snapshot() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single device by ID.
func (s *DeviceStore) Get(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.dev, true
}

// Reconcile applies one complete poll response to the table. Reported
// devices are upserted and their miss counters reset; devices absent from
// the response accumulate misses and are dropped once the threshold is
// reached. One EventDeviceChanged is published per device whose observable
// fields changed (or that is new), one EventDeviceRemoved per dropped
// device.
//
// Reconcile must only be called with a response that was fully received; a
// failed or truncated poll is skipped upstream and never reaches the table.
func (s *DeviceStore) Reconcile(reported []Device) {
	now := s.now()

	s.mu.Lock()

	seen := make(map[string]bool, len(reported))
	var changed []Device
	var removed []Device

	for _, d := range reported {
		if d.ID == "" {
			s.log.Warn("device without id in poll response, skipping")
			continue
		}
		seen[d.ID] = true
		d.LastSeen = now

		e, ok := s.devices[d.ID]
		if !ok {
			s.devices[d.ID] = &deviceEntry{dev: d}
			changed = append(changed, d)
			continue
		}

		if !observableEqual(e.dev, d) {
			changed = append(changed, d)
		}
		e.dev = d
		e.misses = 0
	}

	for id, e := range s.devices {
		if seen[id] {
			continue
		}
		e.misses++
		if e.misses >= missThreshold {
			e.dev.Online = false
			removed = append(removed, e.dev)
			delete(s.devices, id)
		}
	}

	s.mu.Unlock()

	for _, d := range changed {
		s.log.Debug("device changed", "id", d.ID, "online", d.Online, "motion", d.MotionActive)
		s.bus.Publish(Event{Type: EventDeviceChanged, Device: d})
	}
	for _, d := range removed {
		s.log.Info("device offline, removed from table", "id", d.ID)
		s.bus.Publish(Event{Type: EventDeviceRemoved, Device: d})
	}
}

package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pik2mqtt/pik2mqtt/internal/pik"
)

// Category identifies one independently polled slice of vendor state.
type Category string

const (
	CategoryIntercoms Category = "intercoms"
	CategoryLastCall  Category = "last_call"
	CategoryMeters    Category = "meters"
)

// CategoryStatus carries the freshness of one polled category.
type CategoryStatus struct {
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Devices is the intercom inventory: ICM door stations plus the IoT side.
type Devices struct {
	Intercoms    []pik.Intercom    `json:"intercoms"`
	IotIntercoms []pik.IotIntercom `json:"iot_intercoms"`
}

// LastCall is the most recent call session, with its snapshot image when
// one was fetched. Session is nil when the account has no call history.
type LastCall struct {
	Session  *pik.CallSession `json:"session"`
	Snapshot []byte           `json:"-"`
}

// State is a full snapshot of everything the bridge knows.
type State struct {
	Devices  Devices                     `json:"devices"`
	LastCall LastCall                    `json:"last_call"`
	Meters   []pik.Meter                 `json:"meters"`
	Status   map[Category]CategoryStatus `json:"status"`
}

// EventType identifies event categories.
type EventType string

const (
	EventDevicesUpdate  EventType = "devices_update"
	EventLastCallUpdate EventType = "last_call_update"
	EventMetersUpdate   EventType = "meters_update"
	EventUnavailable    EventType = "unavailable"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Category  Category  `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// Reader provides read-only access to state.
type Reader interface {
	Snapshot() State
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
	if log == nil {
		log = slog.Default()
	}
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
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- Store ---

// Store holds the current vendor state with thread-safe access. Categories
// are replaced wholesale on each poll, last value wins.
type Store struct {
	mu       sync.RWMutex
	devices  Devices
	lastCall LastCall
	meters   []pik.Meter
	status   map[Category]CategoryStatus
	bus      *EventBus
}

// NewStore creates a new store wired to the event bus. All categories start
// unavailable until their first successful poll.
func NewStore(bus *EventBus) *Store {
	return &Store{
		status: map[Category]CategoryStatus{
			CategoryIntercoms: {},
			CategoryLastCall:  {},
			CategoryMeters:    {},
		},
		bus: bus,
	}
}

// Snapshot returns a copy of all state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[Category]CategoryStatus, len(s.status))
	for k, v := range s.status {
		status[k] = v
	}
	return State{
		Devices:  s.devices,
		LastCall: s.lastCall,
		Meters:   s.meters,
		Status:   status,
	}
}

// SetDevices replaces the intercom inventory.
func (s *Store) SetDevices(devices Devices) {
	s.mu.Lock()
	s.devices = devices
	s.status[CategoryIntercoms] = CategoryStatus{Available: true, UpdatedAt: time.Now()}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventDevicesUpdate, Category: CategoryIntercoms})
}

// SetLastCall replaces the last call session. A nil session means the API
// returned no call history, which drives the category unavailable rather
// than leaving a stale session in place.
func (s *Store) SetLastCall(session *pik.CallSession, snapshot []byte) {
	s.mu.Lock()
	s.lastCall = LastCall{Session: session, Snapshot: snapshot}
	s.status[CategoryLastCall] = CategoryStatus{Available: session != nil, UpdatedAt: time.Now()}
	s.mu.Unlock()

	if session == nil {
		s.bus.Publish(Event{Type: EventUnavailable, Category: CategoryLastCall})
		return
	}
	s.bus.Publish(Event{Type: EventLastCallUpdate, Category: CategoryLastCall})
}

// SetMeters replaces the meter readings.
func (s *Store) SetMeters(meters []pik.Meter) {
	s.mu.Lock()
	s.meters = meters
	s.status[CategoryMeters] = CategoryStatus{Available: true, UpdatedAt: time.Now()}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventMetersUpdate, Category: CategoryMeters})
}

// MarkUnavailable flags one category after a failed poll without touching
// its last known data or any other category.
func (s *Store) MarkUnavailable(category Category) {
	s.mu.Lock()
	entry := s.status[category]
	entry.Available = false
	s.status[category] = entry
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventUnavailable, Category: category})
}

// LastCallSession returns the current last call session, nil when absent.
func (s *Store) LastCallSession() *pik.CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCall.Session
}

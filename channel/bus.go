package channel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is a named payload delivered over the channel. ReceivedAt is when
// the frame was read off the socket and is zero for local events.
type Event struct {
	Name       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}

type Handler func(Event)

// Subscription is the handle returned by On. Unsubscribe is idempotent.
type Subscription struct {
	bus     *Bus
	id      uint64
	name    string
	handler Handler
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Off(s)
}

// Bus is an ordered publish/subscribe registry keyed by event name.
// Handlers for one name run in registration order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

func (b *Bus) On(name string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{bus: b, id: b.nextID, name: name, handler: h}
	b.subs[name] = append(b.subs[name], s)
	return s
}

func (b *Bus) Off(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subs[s.name]
	for i, h := range handlers {
		if h.id == s.id {
			b.subs[s.name] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(b.subs[s.name]) == 0 {
		delete(b.subs, s.name)
	}
}

// Emit delivers evt to every current handler of evt.Name on the calling
// goroutine. A panicking handler is logged and does not stop the others.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	handlers := append([]*Subscription(nil), b.subs[evt.Name]...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.invoke(s, evt)
	}
}

func (b *Bus) invoke(s *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Channel handler panicked",
				slog.String("event", evt.Name),
				slog.String("stack", fmt.Sprint(r)))
		}
	}()
	s.handler(evt)
}

// NewEvent marshals payload into an Event, mostly useful for emitting
// local events and in tests.
func NewEvent(name string, payload any) Event {
	if payload == nil {
		return Event{Name: name}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal event payload", slog.String("event", name), slog.String("stack", err.Error()))
		return Event{Name: name}
	}
	return Event{Name: name, Data: data}
}

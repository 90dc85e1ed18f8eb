// Package realtime distributes mod-list events to live subscribers. Each
// mod list is a topic; the bus fans events out synchronously and tracks
// which viewers currently have the list open.
package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is a single published message. Events are immutable once published.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// Subscriber receives events for one topic.
type Subscriber func(Event)

// Viewer identifies a connected user viewing a mod list.
type Viewer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type subscription struct {
	id uint64
	fn Subscriber
}

type presenceEntry struct {
	viewer Viewer
	refs   int
}

// Bus is a per-topic publish/subscribe fan-out with viewer presence.
// Construct one instance at startup and pass it by reference; there is no
// ambient global.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	subs     map[string][]subscription
	presence map[string][]*presenceEntry
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:     make(map[string][]subscription),
		presence: make(map[string][]*presenceEntry),
	}
}

// Publish delivers an event to every subscriber currently registered for
// the topic, in registration order. Delivery is synchronous and unbuffered:
// a subscriber registered after this call starts never sees this event.
func (b *Bus) Publish(topic, eventType string, data any) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	// Iterate over a snapshot so (un)subscribes from inside a callback
	// cannot corrupt the delivery pass.
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs[topic]))
	copy(snapshot, b.subs[topic])
	b.mu.Unlock()

	eventsPublished.WithLabelValues(eventType).Inc()

	for _, sub := range snapshot {
		b.deliver(topic, sub, event)
	}
}

// deliver invokes one subscriber, isolating panics so a faulty consumer
// never blocks delivery to the rest.
func (b *Bus) deliver(topic string, sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("topic", topic).
				Str("type", event.Type).
				Interface("panic", r).
				Msg("subscriber panicked during delivery")
		}
	}()
	sub.fn(event)
}

// Subscribe registers fn for a topic and returns a function removing
// exactly this registration.
func (b *Bus) Subscribe(topic string, fn Subscriber) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	subscriberCount.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			subscriberCount.Dec()
		})
	}
}

// AddViewer records a viewer opening the topic. A second add for the same
// viewer (another window) increments a refcount instead of duplicating the
// entry. Every add and release publishes a presence-update carrying the
// full viewer list. The returned release is safe to call once per add.
func (b *Bus) AddViewer(topic, viewerID, username string) func() {
	b.mu.Lock()
	entries := b.presence[topic]
	var entry *presenceEntry
	for _, e := range entries {
		if e.viewer.ID == viewerID {
			entry = e
			break
		}
	}
	if entry != nil {
		entry.refs++
	} else {
		b.presence[topic] = append(entries, &presenceEntry{
			viewer: Viewer{ID: viewerID, Username: username},
			refs:   1,
		})
	}
	viewers := b.viewersLocked(topic)
	b.mu.Unlock()

	b.publishPresence(topic, viewers)

	var once sync.Once
	return func() {
		once.Do(func() { b.releaseViewer(topic, viewerID) })
	}
}

func (b *Bus) releaseViewer(topic, viewerID string) {
	b.mu.Lock()
	entries := b.presence[topic]
	for i, e := range entries {
		if e.viewer.ID == viewerID {
			e.refs--
			if e.refs <= 0 {
				b.presence[topic] = append(entries[:i:i], entries[i+1:]...)
			}
			break
		}
	}
	if len(b.presence[topic]) == 0 {
		delete(b.presence, topic)
	}
	viewers := b.viewersLocked(topic)
	b.mu.Unlock()

	b.publishPresence(topic, viewers)
}

// ActiveViewers returns a point-in-time snapshot of the topic's viewers.
func (b *Bus) ActiveViewers(topic string) []Viewer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewersLocked(topic)
}

func (b *Bus) viewersLocked(topic string) []Viewer {
	entries := b.presence[topic]
	viewers := make([]Viewer, 0, len(entries))
	for _, e := range entries {
		viewers = append(viewers, e.viewer)
	}
	return viewers
}

func (b *Bus) publishPresence(topic string, viewers []Viewer) {
	b.Publish(topic, "presence-update", map[string]any{"viewers": viewers})
}

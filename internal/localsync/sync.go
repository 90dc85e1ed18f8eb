// Package localsync mirrors realtime events across same-machine UI
// contexts so windows sharing one session update without a second server
// round trip. Events relayed here are idempotent hints, not an
// authoritative log: duplicate or out-of-order delivery across contexts
// must stay harmless.
package localsync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Envelope is the shared wire form. A batched envelope folds several
// events of the same type and topic into one, with
// Data = {"batch": true, "events": [...]}.
type Envelope struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Listener receives the data payload of one original event.
type Listener func(data any)

// batchDelay is the debounce window for folding bursts into one envelope.
const batchDelay = 100 * time.Millisecond

// Syncer fans events out to the other local contexts and dispatches
// incoming ones to registered listeners.
type Syncer struct {
	transport Transport

	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]Listener // "type" or "type:topic"
	queue     []Envelope
	timer     *time.Timer
	closed    bool
}

// New creates a syncer on the given transport and starts receiving.
func New(transport Transport) *Syncer {
	s := &Syncer{
		transport: transport,
		listeners: make(map[string]map[uint64]Listener),
	}
	transport.Listen(s.receive)
	return s
}

// Broadcast queues an event for the other local contexts. Bursts within
// the debounce window are folded per (type, topic) on flush.
func (s *Syncer) Broadcast(eventType, topic string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.queue = append(s.queue, Envelope{
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})

	// Single debounced flush timer, re-armed on every enqueue.
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(batchDelay, s.flush)
}

// Subscribe registers a listener under "type" or "type:topic" and returns
// its removal function.
func (s *Syncer) Subscribe(key string, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[uint64]Listener)
	}
	s.listeners[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
		if len(s.listeners[key]) == 0 {
			delete(s.listeners, key)
		}
	}
}

// Close flushes anything still queued, detaches the transport and clears
// all listener registries.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.drainLocked()
	s.mu.Unlock()

	s.send(pending)
	_ = s.transport.Close()

	s.mu.Lock()
	s.listeners = make(map[string]map[uint64]Listener)
	s.mu.Unlock()
}

func (s *Syncer) flush() {
	s.mu.Lock()
	pending := s.drainLocked()
	s.mu.Unlock()
	s.send(pending)
}

func (s *Syncer) drainLocked() []Envelope {
	pending := s.queue
	s.queue = nil
	return pending
}

// send groups the drained queue by (type, topic), folding groups of two or
// more into a single batch envelope in arrival order.
func (s *Syncer) send(pending []Envelope) {
	if len(pending) == 0 {
		return
	}

	groupOrder := make([]string, 0, len(pending))
	groups := make(map[string][]Envelope)
	for _, env := range pending {
		key := env.Type + ":" + env.Topic
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], env)
	}

	for _, key := range groupOrder {
		events := groups[key]
		out := events[0]
		if len(events) > 1 {
			payloads := make([]any, len(events))
			for i, e := range events {
				payloads[i] = e.Data
			}
			out = Envelope{
				Type:      events[0].Type,
				Topic:     events[0].Topic,
				Data:      map[string]any{"batch": true, "events": payloads},
				Timestamp: time.Now().UnixMilli(),
			}
		}

		data, err := json.Marshal(out)
		if err != nil {
			log.Warn().Err(err).Str("type", out.Type).Msg("failed to encode sync envelope")
			continue
		}
		if err := s.transport.Send(data); err != nil {
			log.Warn().Err(err).Str("type", out.Type).Msg("failed to send sync envelope")
		}
	}
}

// receive handles an envelope arriving from another context. Malformed
// envelopes are dropped with a warning; batch envelopes are unpacked into
// one listener invocation per original payload, preserving order.
func (s *Syncer) receive(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("dropping malformed sync envelope")
		return
	}

	if batch, ok := env.Data.(map[string]any); ok {
		if isBatch, _ := batch["batch"].(bool); isBatch {
			if events, ok := batch["events"].([]any); ok {
				for _, data := range events {
					s.dispatch(env.Type, env.Topic, data)
				}
				return
			}
		}
	}

	s.dispatch(env.Type, env.Topic, env.Data)
}

// dispatch fires both the type-only and the type:topic registries.
func (s *Syncer) dispatch(eventType, topic string, data any) {
	s.mu.Lock()
	var fns []Listener
	for _, fn := range s.listeners[eventType] {
		fns = append(fns, fn)
	}
	for _, fn := range s.listeners[eventType+":"+topic] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

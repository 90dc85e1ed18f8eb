package localsync

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Transport delivers serialized envelopes to every other attached context,
// never back to the originator.
type Transport interface {
	Send(payload []byte) error
	Listen(fn func(payload []byte))
	Close() error
}

// Detect picks the best available transport: the shared broadcast broker
// when one exists in this process, otherwise the shared file slot.
func Detect(broker *Broker, slotPath string) Transport {
	if broker != nil {
		return broker.Attach()
	}
	return NewFileTransport(slotPath)
}

// Broker is an explicitly constructed in-process broadcast channel shared
// by same-process contexts.
type Broker struct {
	mu      sync.Mutex
	members map[*channelTransport]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{members: make(map[*channelTransport]struct{})}
}

// Attach joins the broker and returns this context's transport endpoint.
func (b *Broker) Attach() Transport {
	t := &channelTransport{broker: b}
	b.mu.Lock()
	b.members[t] = struct{}{}
	b.mu.Unlock()
	return t
}

type channelTransport struct {
	broker *Broker
	mu     sync.Mutex
	fn     func([]byte)
}

func (t *channelTransport) Send(payload []byte) error {
	t.broker.mu.Lock()
	members := make([]*channelTransport, 0, len(t.broker.members))
	for m := range t.broker.members {
		if m != t {
			members = append(members, m)
		}
	}
	t.broker.mu.Unlock()

	for _, m := range members {
		m.mu.Lock()
		fn := m.fn
		m.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	}
	return nil
}

func (t *channelTransport) Listen(fn func([]byte)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func (t *channelTransport) Close() error {
	t.broker.mu.Lock()
	delete(t.broker.members, t)
	t.broker.mu.Unlock()
	return nil
}

// fileTransport is the fallback for contexts without a shared broker: it
// writes the serialized envelope to a shared slot file and clears it
// shortly after, while polling the slot for writes from other contexts.
type fileTransport struct {
	path   string
	origin string

	mu       sync.Mutex
	fn       func([]byte)
	lastSeen string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// slotRecord wraps a payload with its originator so a context never
// redelivers its own writes.
type slotRecord struct {
	Origin  string          `json:"origin"`
	Nonce   string          `json:"nonce"`
	Payload json.RawMessage `json:"payload"`
}

const (
	slotPollEvery = 25 * time.Millisecond
	slotClearAt   = 100 * time.Millisecond
)

// NewFileTransport creates a file-slot transport rooted at path.
func NewFileTransport(path string) Transport {
	t := &fileTransport{
		path:   path,
		origin: uuid.NewString(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.poll()
	return t
}

func (t *fileTransport) Send(payload []byte) error {
	record, err := json.Marshal(slotRecord{
		Origin:  t.origin,
		Nonce:   uuid.NewString(),
		Payload: payload,
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(t.path, record, 0o600); err != nil {
		return err
	}

	// Clear the slot so repeated identical events are observable again.
	time.AfterFunc(slotClearAt, func() {
		data, err := os.ReadFile(t.path)
		if err == nil && string(data) == string(record) {
			_ = os.Remove(t.path)
		}
	})
	return nil
}

func (t *fileTransport) Listen(fn func(payload []byte)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func (t *fileTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
	return nil
}

func (t *fileTransport) poll() {
	defer close(t.done)
	ticker := time.NewTicker(slotPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.check()
		}
	}
}

func (t *fileTransport) check() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}

	t.mu.Lock()
	seen := t.lastSeen == string(data)
	if !seen {
		t.lastSeen = string(data)
	}
	fn := t.fn
	t.mu.Unlock()
	if seen || fn == nil {
		return
	}

	var record slotRecord
	if err := json.Unmarshal(data, &record); err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("dropping malformed sync slot record")
		return
	}
	if record.Origin == t.origin {
		return
	}

	fn(record.Payload)
}

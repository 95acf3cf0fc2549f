// Package events fans file system events out to event stream subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/cache"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

// historySize is the number of recent events kept for late subscribers.
const historySize = 64

// Subscription receives published events of the requested types.
type Subscription struct {
	C      <-chan vfs.Event
	ch     chan vfs.Event
	types  map[vfs.EventType]bool
	mu     sync.Mutex
	missed int
}

// Missed returns how many events were dropped because the subscriber was
// too slow.
func (s *Subscription) Missed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

func (s *Subscription) wants(t vfs.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broadcaster manages subscribers and publishes events. Its Listen method
// is a vfs.Listener and it implements cache.Observer.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	history     []vfs.Event
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe adds a subscriber for the given types, or for every type when
// none are given. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(types ...vfs.EventType) *Subscription {
	ch := make(chan vfs.Event, 64)
	s := &Subscription{C: ch, ch: ch, types: make(map[vfs.EventType]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subscribers[s]; ok {
		delete(b.subscribers, s)
		close(s.ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all interested subscribers without blocking;
// slow subscribers miss events.
func (b *Broadcaster) Publish(e vfs.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for s := range b.subscribers {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.mu.Lock()
			s.missed++
			s.mu.Unlock()
		}
	}
	b.mu.Unlock()
	metrics.RecordEvent(string(e.Type))
}

// Listen is Publish with the signature of vfs.Listener.
func (b *Broadcaster) Listen(e vfs.Event) { b.Publish(e) }

// CacheEvent publishes evictions and reclaims of the file object cache.
func (b *Broadcaster) CacheEvent(policy string, ev cache.Event) {
	switch ev {
	case cache.EventEvict:
		b.Publish(vfs.Event{Type: vfs.EventEvict, Target: policy})
	case cache.EventReclaim:
		b.Publish(vfs.Event{Type: vfs.EventReclaim, Target: policy})
	}
}

// Recent returns up to the last 64 events, oldest first.
func (b *Broadcaster) Recent() []vfs.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]vfs.Event(nil), b.history...)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// WriteSSE writes e as one server-sent event frame.
func WriteSSE(w io.Writer, e vfs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

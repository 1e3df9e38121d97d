// Package events provides the engine-wide event bus fanning engine
// notifications out to subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aklyne/cadenza/internal/app/playback"
	"github.com/aklyne/cadenza/internal/domain/track"
)

// subscriptionBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events rather than stalling the engine.
const subscriptionBuffer = 64

// Kind identifies the event type.
type Kind int

const (
	KindStateChanged Kind = iota
	KindTrackChanged
	KindProgress
	KindQueueChanged
	KindLibraryChanged
	KindPlaylistsChanged
	KindSpectrumFrame
	KindPlaybackError
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "state_changed"
	case KindTrackChanged:
		return "track_changed"
	case KindProgress:
		return "progress"
	case KindQueueChanged:
		return "queue_changed"
	case KindLibraryChanged:
		return "library_changed"
	case KindPlaylistsChanged:
		return "playlists_changed"
	case KindSpectrumFrame:
		return "spectrum_frame"
	case KindPlaybackError:
		return "playback_error"
	default:
		return "unknown"
	}
}

// Event is the bus envelope. Sequence is assigned at publish time and is
// strictly increasing across all kinds.
type Event struct {
	Kind     Kind
	Sequence uint64

	State    playback.State // KindStateChanged
	Track    *track.Track   // KindTrackChanged, KindPlaybackError
	Position time.Duration  // KindProgress, KindSpectrumFrame
	Duration time.Duration  // KindProgress
	Bands    []float64      // KindSpectrumFrame
	Err      error          // KindPlaybackError
}

// Subscription is one subscriber's feed.
type Subscription struct {
	ID string
	ch chan Event
}

// C returns the event channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Bus fans events out to subscribers. Publishing never blocks.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	closed   bool
	sequence atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber. After Close the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		ID: uuid.New().String(),
		ch: make(chan Event, subscriptionBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Publish stamps the event with the next sequence number and delivers it to
// every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	e.Sequence = b.sequence.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
			// Delivered.
		default:
			// Subscriber buffer full, drop for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close terminates all subscriptions. Further publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

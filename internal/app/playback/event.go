package playback

import (
	"time"

	"github.com/aklyne/cadenza/internal/domain/track"
)

// EventType represents the type of playback event.
type EventType int

const (
	// EventStateChanged is emitted on every transport state transition.
	EventStateChanged EventType = iota
	// EventTrackChanged is emitted when a track enters the session.
	EventTrackChanged
	// EventTrackCompleted is emitted at most once per loaded track, when
	// the departing listen qualifies as completed.
	EventTrackCompleted
	// EventProgress is emitted periodically while a track is loaded.
	EventProgress
	// EventQueueExhausted is emitted when a natural advance finds nothing.
	EventQueueExhausted
	// EventError is emitted on open or decode failures.
	EventError
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventTrackChanged:
		return "track_changed"
	case EventTrackCompleted:
		return "track_completed"
	case EventProgress:
		return "progress"
	case EventQueueExhausted:
		return "queue_exhausted"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type     EventType
	State    State
	Track    *track.Track
	Position time.Duration
	Duration time.Duration
	Err      error
}

package playback

// State represents the transport state.
type State int

const (
	StateStopped State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateSeeking
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

package session

import "fmt"

// State is the session's interaction state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaitingResponse
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "listening":
		*s = StateListening
	case "awaiting_response":
		*s = StateAwaitingResponse
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown session state %q", string(text))
	}
	return nil
}

// Status line texts.
const (
	StatusReady       = "Ready to chat"
	StatusListening   = "Listening..."
	StatusProcessing  = "Processing..."
	StatusUnsupported = "Speech recognition unavailable"
	StatusPlayback    = "Audio playback failed. Open the audio link to hear the response."
)

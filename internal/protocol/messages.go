package protocol

import "time"

// SessionEvent is a voice session change broadcast to presentation layers.
// Index is set only on entry events.
type SessionEvent struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	State     string           `json:"state,omitempty"`
	Status    string           `json:"status,omitempty"`
	Entry     *TranscriptEntry `json:"entry,omitempty"`
	Index     *int             `json:"index,omitempty"`
	Message   string           `json:"message,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// TranscriptEntry is one conversation line on the wire.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	AudioURL  string    `json:"audio_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlCommand drives the session from a remote surface.
type ControlCommand struct {
	Cmd string `json:"cmd"`
}

// ControlReply answers a ControlCommand with the resulting session view.
type ControlReply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Status    string `json:"status,omitempty"`
	Banner    string `json:"banner,omitempty"`
	Entries   int    `json:"entries"`
}

const (
	CmdToggle  = "toggle"
	CmdStart   = "start"
	CmdStop    = "stop"
	CmdStatus  = "status"
	CmdDismiss = "dismiss"
)

const (
	SubjectSessionPrefix = "voice.session"
	SubjectControl       = "voice.session.control"
	SubjectAll           = "voice.session.>"
)

// Subject returns the bus subject for an event type, e.g. voice.session.entry.
func Subject(eventType string) string {
	return SubjectSessionPrefix + "." + eventType
}

// EventSubjects lists the subjects session events are published on. The
// control subject is excluded so streams never capture requests.
func EventSubjects() []string {
	return []string{Subject("state"), Subject("entry"), Subject("status"), Subject("error.*")}
}

// Envelope frames WebSocket traffic from the gateway: either a pushed event
// or the reply to a command.
type Envelope struct {
	Event *SessionEvent `json:"event,omitempty"`
	Reply *ControlReply `json:"reply,omitempty"`
}

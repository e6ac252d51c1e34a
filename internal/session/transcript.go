package session

import (
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Entry is one line of the conversation. Entries are never changed once appended.
type Entry struct {
	Speaker  Speaker   `json:"speaker"`
	Text     string    `json:"text"`
	AudioURL string    `json:"audio_url,omitempty"`
	At       time.Time `json:"at"`
}

// Transcript is an append-only, ordered list of entries safe for concurrent readers.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

// Append adds e and returns its index.
func (t *Transcript) Append(e Entry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return len(t.entries) - 1
}

// Entries returns a copy in insertion order.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}


package stt

import (
	"context"
	"sync"
)

type mockRecognizer struct {
	mu     sync.Mutex
	script []MockTurn
	next   int
}

// MockTurn is one scripted recognition outcome.
type MockTurn struct {
	Result TranscriptResult
	Err    error
}

// NewMockRecognizer replays the script in order, repeating the last turn once
// it runs out.
func NewMockRecognizer(script ...MockTurn) Recognizer {
	if len(script) == 0 {
		script = []MockTurn{{}}
	}
	return &mockRecognizer{script: script}
}

func (m *mockRecognizer) Name() string { return "mock" }

func (m *mockRecognizer) Listen(ctx context.Context) (Listening, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	turn := m.script[m.next]
	if m.next < len(m.script)-1 {
		m.next++
	}
	m.mu.Unlock()
	return &mockListening{turn: turn}, nil
}

type mockListening struct {
	turn MockTurn
}

func (l *mockListening) Stop() {}

func (l *mockListening) Wait() (TranscriptResult, error) {
	return l.turn.Result, l.turn.Err
}

package session

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventState        EventType = "state"
	EventEntry        EventType = "entry"
	EventStatus       EventType = "status"
	EventErrorShown   EventType = "error.shown"
	EventErrorCleared EventType = "error.cleared"
)

// Event describes one observable change of the session. Only the fields
// relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID string
	State     State
	Entry     *Entry
	Index     int
	Status    string
	Message   string
	Kind      Kind
	At        time.Time
}

// Observer receives session events in the order the transitions happened.
// Delivery happens outside the session lock, so an observer may call back into
// the Session from OnEvent.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

// NoOpObserver discards events.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(context.Context, Event) {}

// MultiObserver fans events out to several observers.
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return &MultiObserver{observers: filtered}
}

func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, o := range m.observers {
		o.OnEvent(ctx, event)
	}
}

// LogObserver writes events to a slog logger.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnEvent(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.String("event", string(event.Type)),
		slog.String("session_id", event.SessionID),
	}
	level := slog.LevelDebug
	switch event.Type {
	case EventState:
		attrs = append(attrs, slog.String("state", event.State.String()))
	case EventEntry:
		level = slog.LevelInfo
		attrs = append(attrs, slog.String("speaker", string(event.Entry.Speaker)), slog.Int("index", event.Index))
		if event.Entry.AudioURL != "" {
			attrs = append(attrs, slog.String("audio_url", event.Entry.AudioURL))
		}
	case EventStatus:
		attrs = append(attrs, slog.String("status", event.Status))
	case EventErrorShown:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("kind", string(event.Kind)), slog.String("message", event.Message))
	}
	o.logger.LogAttrs(ctx, level, "session event", attrs...)
}

package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/session"
)

// Journal records session events into the store. Status updates are not
// journaled.
type Journal struct {
	store    *Store
	username string
	endpoint string
	log      *slog.Logger

	mu    sync.Mutex
	known map[string]bool
}

func NewJournal(store *Store, username, endpoint string, log *slog.Logger) *Journal {
	return &Journal{
		store:    store,
		username: username,
		endpoint: endpoint,
		log:      log.With(slog.String("component", "journal")),
		known:    make(map[string]bool),
	}
}

// begin registers the session row the first time a session is seen.
func (j *Journal) begin(ctx context.Context, sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.known[sessionID] {
		return nil
	}
	if err := j.store.AppendSession(ctx, sessionID, j.username, j.endpoint); err != nil {
		return err
	}
	j.known[sessionID] = true
	return nil
}

func (j *Journal) OnEvent(ctx context.Context, event session.Event) {
	if !j.store.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if event.Type == session.EventStatus {
		return
	}
	if err := j.begin(ctx, event.SessionID); err != nil {
		j.log.Warn("failed to register session", slog.String("error", err.Error()))
		return
	}

	var err error
	switch event.Type {
	case session.EventEntry:
		err = j.store.AppendEntry(ctx, EntryRow{
			SessionID: event.SessionID,
			Index:     event.Index,
			Speaker:   string(event.Entry.Speaker),
			Text:      event.Entry.Text,
			AudioURL:  event.Entry.AudioURL,
			CreatedAt: event.Entry.At,
		})
	case session.EventState, session.EventErrorShown, session.EventErrorCleared:
		payload, merr := json.Marshal(event.Wire())
		if merr != nil {
			err = merr
			break
		}
		err = j.store.AppendRecord(ctx, Record{
			SessionID: event.SessionID,
			Type:      string(event.Type),
			Kind:      string(event.Kind),
			Payload:   payload,
			CreatedAt: event.At,
		})
	default:
		return
	}
	if err != nil {
		j.log.Warn("failed to journal session event",
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

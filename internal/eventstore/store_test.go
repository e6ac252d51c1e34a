package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not be enabled")
	}
	if err := es.AppendEntry(ctx, EntryRow{SessionID: "voice_1", Text: "Hej"}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
	rows, err := es.ListEntries(ctx, "voice_1", 10)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected nothing stored, got %v %v", rows, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "voice_123"
	if err := es.AppendSession(ctx, sessionID, "Jonas", "http://localhost:5678/webhook/voice-chat"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	at := time.Date(2025, 1, 1, 12, 0, 0, 500, time.UTC)
	if err := es.AppendEntry(ctx, EntryRow{SessionID: sessionID, Index: 1, Speaker: "assistant", Text: "Hej då", AudioURL: "https://cdn.test/a.mp3", CreatedAt: at}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if err := es.AppendEntry(ctx, EntryRow{SessionID: sessionID, Index: 0, Speaker: "user", Text: "Hej", CreatedAt: at}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if err := es.AppendRecord(ctx, Record{SessionID: sessionID, Type: "error.shown", Kind: "not_found", Payload: []byte("{}")}); err != nil {
		t.Fatalf("append record: %v", err)
	}

	rows, err := es.ListEntries(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(rows) != 2 || rows[0].Text != "Hej" || rows[1].AudioURL != "https://cdn.test/a.mp3" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if !rows[0].CreatedAt.Equal(at) {
		t.Fatalf("timestamp not preserved: %v", rows[0].CreatedAt)
	}

	records, err := es.ListRecords(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Kind != "not_found" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "Jonas", "e"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEntry(context.Background(), EntryRow{SessionID: "old-session", Speaker: "user", Text: "Hej"}); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "Jonas", "e"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	rows, err := es.ListEntries(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestSessionRetentionResetsOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: "session"}
	ctx := context.Background()

	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = es.AppendSession(ctx, "voice_1", "Jonas", "e")
	if err := es.AppendEntry(ctx, EntryRow{SessionID: "voice_1", Speaker: "user", Text: "Hej"}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	_ = es.Close()

	es, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	rows, err := es.ListEntries(ctx, "voice_1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected journal reset, got %+v", rows)
	}
}

func TestJournalRecordsSessionEvents(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	j := NewJournal(es, "Jonas", "http://localhost:5678/webhook/voice-chat", newLogger())
	ctx := context.Background()
	at := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	j.OnEvent(ctx, session.Event{Type: session.EventStatus, SessionID: "voice_9", Status: session.StatusListening, At: at})
	j.OnEvent(ctx, session.Event{Type: session.EventState, SessionID: "voice_9", State: session.StateListening, At: at})
	j.OnEvent(ctx, session.Event{Type: session.EventEntry, SessionID: "voice_9", Index: 0, Entry: &session.Entry{Speaker: session.SpeakerUser, Text: "Hej", At: at}, At: at})
	j.OnEvent(ctx, session.Event{Type: session.EventErrorShown, SessionID: "voice_9", Kind: session.KindNotFound, Message: "Service not found.", At: at.Add(time.Second)})

	rows, err := es.ListEntries(ctx, "voice_9", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(rows) != 1 || rows[0].Speaker != "user" || rows[0].Text != "Hej" {
		t.Fatalf("unexpected entries %+v", rows)
	}

	records, err := es.ListRecords(ctx, "voice_9", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected state and error records, got %d", len(records))
	}
	var shown protocol.SessionEvent
	if err := json.Unmarshal(records[1].Payload, &shown); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if records[1].Kind != "not_found" || shown.Message != "Service not found." {
		t.Fatalf("unexpected error record %+v / %+v", records[1], shown)
	}
}

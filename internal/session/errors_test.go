package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/webhook"
)

func TestKindOf(t *testing.T) {
	cases := map[Kind]error{
		KindUnsupported:      fmt.Errorf("select: %w", stt.ErrUnsupported),
		KindPermissionDenied: fmt.Errorf("%w: device", ErrPermissionDenied),
		KindLowConfidence:    fmt.Errorf("%w: 0.10", ErrLowConfidence),
		KindNoResult:         ErrNoResult,
		KindRecognition:      stt.Fail(stt.ReasonNetwork, nil),
		KindConnection:       &webhook.ConnectionError{Err: errors.New("refused")},
		KindNotFound:         &webhook.StatusError{Code: 404},
		KindRequest:          &webhook.StatusError{Code: 502},
	}
	for want, err := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestDescribeDistinguishesWebhookFailures(t *testing.T) {
	notFound := Describe(&webhook.StatusError{Code: 404})
	connection := Describe(&webhook.ConnectionError{Err: errors.New("refused")})
	generic := Describe(errors.New("boom"))
	if notFound == connection || notFound == generic || connection == generic {
		t.Fatalf("expected distinct messages, got %q %q %q", notFound, connection, generic)
	}
	if Describe(nil) != "" {
		t.Fatal("expected empty description for nil")
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	counted := 0
	obs := NewMultiObserver(nil, NewLogObserver(logger), ObserverFunc(func(context.Context, Event) { counted++ }))

	obs.OnEvent(context.Background(), Event{Type: EventEntry, SessionID: "voice_1", Entry: &Entry{Speaker: SpeakerUser, Text: "Hej"}})
	obs.OnEvent(context.Background(), Event{Type: EventErrorShown, SessionID: "voice_1", Kind: KindNotFound, Message: "Service not found."})

	out := buf.String()
	if !strings.Contains(out, "speaker=user") || !strings.Contains(out, "kind=not_found") {
		t.Fatalf("unexpected log output %q", out)
	}
	if counted != 2 {
		t.Fatalf("expected both events forwarded, got %d", counted)
	}
}

func TestStateText(t *testing.T) {
	for _, s := range []State{StateIdle, StateListening, StateAwaitingResponse, StateError} {
		text, _ := s.MarshalText()
		var back State
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Fatalf("state %s did not survive text encoding: %v", s, err)
		}
	}
}

func TestWireEntryIndex(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	first := Event{Type: EventEntry, SessionID: "voice_1", Entry: &Entry{Speaker: SpeakerUser, Text: "Hej", At: at}, Index: 0, At: at}
	data, err := json.Marshal(first.Wire())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"index":0`) {
		t.Fatalf("expected index 0 on the first entry, got %s", data)
	}

	status := Event{Type: EventStatus, SessionID: "voice_1", Status: StatusReady, At: at}
	data, err = json.Marshal(status.Wire())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"index"`) {
		t.Fatalf("status events carry no index, got %s", data)
	}
}

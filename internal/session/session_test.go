package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/webhook"
)

const testEndpoint = "http://webhook.test/voice-chat"

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		Username:            "Jonas",
		Source:              "web_voice",
		ConfidenceThreshold: 0.3,
		ErrorDismissMS:      5000,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu       sync.Mutex
	requests []webhook.Request
	reply    webhook.Reply
	err      error
}

func (f *fakeSender) Send(_ context.Context, req webhook.Request) (webhook.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.reply, f.err
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakePlayer struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (p *fakePlayer) Play(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, url)
	return p.err
}

func (p *fakePlayer) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

type fakeMic struct {
	err     error
	release chan struct{}
}

func (m *fakeMic) Request(ctx context.Context) error {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// fireActive runs every timer that has not been stopped.
func (c *fakeClock) fireActive() {
	for _, t := range c.all() {
		if !t.stopped {
			t.stopped = true
			t.f()
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	states chan State
}

func newRecorder() *recorder {
	return &recorder{states: make(chan State, 64)}
}

func (r *recorder) OnEvent(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Type == EventState {
		select {
		case r.states <- e.State:
		default:
		}
	}
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.states:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// gateRecognizer hands out recognitions that finish only when stopped.
type gateRecognizer struct {
	mu      sync.Mutex
	listens int
	result  stt.TranscriptResult
}

func (g *gateRecognizer) Name() string { return "gate" }

func (g *gateRecognizer) Listen(context.Context) (stt.Listening, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listens++
	return &gateListening{stopped: make(chan struct{}), result: g.result}, nil
}

func (g *gateRecognizer) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listens
}

type gateListening struct {
	once    sync.Once
	stopped chan struct{}
	result  stt.TranscriptResult
}

func (l *gateListening) Stop() { l.once.Do(func() { close(l.stopped) }) }

func (l *gateListening) Wait() (stt.TranscriptResult, error) {
	<-l.stopped
	return l.result, nil
}

type harness struct {
	session *Session
	sender  *fakeSender
	player  *fakePlayer
	clock   *fakeClock
	events  *recorder
}

func newHarness(t *testing.T, rec stt.Recognizer, mic Microphone, sender Sender) *harness {
	t.Helper()
	h := &harness{
		player: &fakePlayer{},
		clock:  &fakeClock{},
		events: newRecorder(),
	}
	if sender == nil {
		sender = &fakeSender{reply: webhook.Reply{Message: "Hej då"}}
	}
	if fs, ok := sender.(*fakeSender); ok {
		h.sender = fs
	}
	s, err := New(testConfig(), testEndpoint, Deps{
		Recognizer: rec,
		Microphone: mic,
		Sender:     sender,
		Player:     h.player,
		Observer:   h.events,
		Logger:     discardLogger(),
		AfterFunc:  h.clock.AfterFunc,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	h.session = s
	return h
}

func mockTurn(text string, confidence float64) stt.Recognizer {
	return stt.NewMockRecognizer(stt.MockTurn{Result: stt.TranscriptResult{Text: text, Confidence: confidence}})
}

func (h *harness) runTurn(t *testing.T) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.session.Wait()
}

func TestHejScenario(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":"Hej då","audio_url":null}`)
	}))
	defer srv.Close()

	client, err := webhook.NewClient(srv.URL, config.WebhookConfig{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h := newHarness(t, mockTurn("Hej", 0.9), nil, client)
	h.runTurn(t)

	mu.Lock()
	defer mu.Unlock()
	if body["message"] != "Hej" {
		t.Fatalf("expected message Hej, got %v", body["message"])
	}
	if body["source"] != "web_voice" || body["username"] != "Jonas" {
		t.Fatalf("unexpected payload %v", body)
	}
	if body["session_id"] != h.session.ID() {
		t.Fatalf("expected session id %s, got %v", h.session.ID(), body["session_id"])
	}
	ts, _ := body["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Fatalf("timestamp %q is not ISO-8601: %v", ts, err)
	}

	entries := h.session.Transcript()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Speaker != SpeakerUser || entries[0].Text != "Hej" {
		t.Fatalf("unexpected user entry %+v", entries[0])
	}
	if entries[1].Speaker != SpeakerAssistant || entries[1].Text != "Hej då" || entries[1].AudioURL != "" {
		t.Fatalf("unexpected assistant entry %+v", entries[1])
	}
	if got := h.player.played(); len(got) != 0 {
		t.Fatalf("expected no playback, got %v", got)
	}
	snap := h.session.Snapshot()
	if snap.State != StateIdle || snap.Status != StatusReady || snap.Error.Visible {
		t.Fatalf("unexpected final snapshot %+v", snap)
	}
}

func TestConfidenceThreshold(t *testing.T) {
	cases := []struct {
		confidence float64
		accepted   bool
	}{
		{0, false},
		{0.1, false},
		{0.29, false},
		{0.3, true},
		{0.5, true},
		{1, true},
		{math.NaN(), false},
		{-0.5, false},
		{1.5, false},
	}
	for _, tc := range cases {
		h := newHarness(t, mockTurn("Hej", tc.confidence), nil, nil)
		h.runTurn(t)

		snap := h.session.Snapshot()
		if snap.State != StateIdle {
			t.Fatalf("confidence %.2f: expected idle, got %s", tc.confidence, snap.State)
		}
		if tc.accepted {
			if h.sender.calls() != 1 || len(snap.Transcript) != 2 || snap.Error.Visible {
				t.Fatalf("confidence %.2f: expected exchange, got calls=%d snapshot=%+v", tc.confidence, h.sender.calls(), snap)
			}
			continue
		}
		if h.sender.calls() != 0 || len(snap.Transcript) != 0 {
			t.Fatalf("confidence %.2f: expected no exchange, got calls=%d entries=%d", tc.confidence, h.sender.calls(), len(snap.Transcript))
		}
		if !snap.Error.Visible || snap.Error.Kind != KindLowConfidence {
			t.Fatalf("confidence %.2f: expected low confidence banner, got %+v", tc.confidence, snap.Error)
		}
		if snap.Error.Message != "Could not understand clearly. Please try again." {
			t.Fatalf("unexpected message %q", snap.Error.Message)
		}
	}
}

func TestNullReplyIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "null")
	}))
	defer srv.Close()

	client, err := webhook.NewClient(srv.URL, config.WebhookConfig{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h := newHarness(t, mockTurn("Hej", 0.9), nil, client)
	h.runTurn(t)

	snap := h.session.Snapshot()
	if snap.State != StateIdle || len(snap.Transcript) != 1 {
		t.Fatalf("expected only the user entry, got %+v", snap)
	}
	if !snap.Error.Visible || snap.Error.Kind != KindRequest || snap.Error.Message != "Failed to process your message." {
		t.Fatalf("unexpected banner %+v", snap.Error)
	}
}

func TestEmptyResultIsNoResult(t *testing.T) {
	h := newHarness(t, mockTurn("   ", 0.95), nil, nil)
	h.runTurn(t)

	snap := h.session.Snapshot()
	if snap.Error.Kind != KindNoResult || h.sender.calls() != 0 || len(snap.Transcript) != 0 {
		t.Fatalf("expected no-result failure, got %+v calls=%d", snap, h.sender.calls())
	}
}

func TestNotFoundResponse(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client, err := webhook.NewClient(srv.URL, config.WebhookConfig{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h := newHarness(t, mockTurn("Hej", 0.9), nil, client)
	h.runTurn(t)

	snap := h.session.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
	if len(snap.Transcript) != 1 || snap.Transcript[0].Speaker != SpeakerUser {
		t.Fatalf("expected only the user entry, got %+v", snap.Transcript)
	}
	if snap.Error.Kind != KindNotFound || snap.Error.Message != "Service not found. Please check the webhook configuration." {
		t.Fatalf("unexpected banner %+v", snap.Error)
	}
}

func TestWebhookFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
		msg  string
	}{
		{"connection", &webhook.ConnectionError{Err: errors.New("dial tcp: refused")}, KindConnection, "Connection error. Please check your internet connection and try again."},
		{"server error", &webhook.StatusError{Code: 500}, KindRequest, "Failed to process your message."},
		{"malformed", &webhook.DecodeError{Err: errors.New("unexpected EOF")}, KindRequest, "Failed to process your message."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{err: tc.err}
			h := newHarness(t, mockTurn("Hej", 0.9), nil, sender)
			h.runTurn(t)

			snap := h.session.Snapshot()
			if snap.State != StateIdle || len(snap.Transcript) != 1 {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			if snap.Error.Kind != tc.kind || snap.Error.Message != tc.msg {
				t.Fatalf("unexpected banner %+v", snap.Error)
			}
		})
	}
}

func TestRecognitionFailures(t *testing.T) {
	cases := []struct {
		reason stt.Reason
		err    error
		msg    string
	}{
		{stt.ReasonNoSpeech, nil, "No speech detected. Please try again."},
		{stt.ReasonAudioCapture, nil, "Microphone access denied. Please allow microphone access."},
		{stt.ReasonNotAllowed, nil, "Microphone access denied. Please allow microphone access and refresh the page."},
		{stt.ReasonNetwork, nil, "Network error. Please check your connection."},
		{stt.ReasonOther, nil, "Speech recognition error: other"},
		{stt.ReasonOther, errors.New("aborted"), "Speech recognition error: aborted"},
	}
	for _, tc := range cases {
		rec := stt.NewMockRecognizer(stt.MockTurn{Err: stt.Fail(tc.reason, tc.err)})
		h := newHarness(t, rec, nil, nil)
		h.runTurn(t)

		snap := h.session.Snapshot()
		if snap.State != StateIdle || snap.Error.Kind != KindRecognition || snap.Error.Message != tc.msg {
			t.Fatalf("%s: unexpected snapshot %+v", tc.reason, snap)
		}
		if h.sender.calls() != 0 {
			t.Fatalf("%s: webhook must not be called", tc.reason)
		}
	}
}

func TestPermissionDenied(t *testing.T) {
	rec := &gateRecognizer{}
	h := newHarness(t, rec, &fakeMic{err: errors.New("no input device")}, nil)
	h.runTurn(t)

	snap := h.session.Snapshot()
	if rec.count() != 0 {
		t.Fatalf("recognizer must not start without permission")
	}
	if snap.State != StateIdle || snap.Error.Kind != KindPermissionDenied {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Error.Message != "Microphone access denied. Please allow microphone access and try again." {
		t.Fatalf("unexpected message %q", snap.Error.Message)
	}
}

func TestStartWhileBusyIsRejected(t *testing.T) {
	rec := &gateRecognizer{result: stt.TranscriptResult{Text: "Hej", Confidence: 0.9}}
	h := newHarness(t, rec, nil, nil)

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events.waitFor(t, StateListening)

	for i := 0; i < 3; i++ {
		if err := h.session.Start(context.Background()); !errors.Is(err, ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
	}
	if rec.count() != 1 {
		t.Fatalf("expected a single recognition, got %d", rec.count())
	}

	if err := h.session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.session.Wait()

	if rec.count() != 1 || h.sender.calls() != 1 {
		t.Fatalf("expected one recognition and one request, got %d and %d", rec.count(), h.sender.calls())
	}
	if got := len(h.session.Transcript()); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
}

func TestStartDuringPermissionRequest(t *testing.T) {
	mic := &fakeMic{release: make(chan struct{})}
	rec := &gateRecognizer{result: stt.TranscriptResult{Text: "Hej", Confidence: 0.9}}
	h := newHarness(t, rec, mic, nil)

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while permission pending, got %v", err)
	}
	if err := h.session.Stop(); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}

	close(mic.release)
	h.events.waitFor(t, StateListening)
	if err := h.session.Toggle(context.Background()); err != nil {
		t.Fatalf("toggle stop: %v", err)
	}
	h.session.Wait()
	if rec.count() != 1 {
		t.Fatalf("expected a single recognition, got %d", rec.count())
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.9), nil, nil)
	if err := h.session.Stop(); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
}

func TestTranscriptGrowsByTwoPerExchange(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.9), nil, nil)
	for i := 1; i <= 3; i++ {
		h.runTurn(t)
		if got := len(h.session.Transcript()); got != 2*i {
			t.Fatalf("after %d exchanges expected %d entries, got %d", i, 2*i, got)
		}
	}
	if entries := h.events.ofType(EventEntry); len(entries) != 6 {
		t.Fatalf("expected 6 entry events, got %d", len(entries))
	}
}

func TestStateSequence(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.9), nil, nil)
	h.runTurn(t)

	var got []State
	for _, e := range h.events.ofType(EventState) {
		got = append(got, e.State)
	}
	want := []State{StateListening, StateAwaitingResponse, StateIdle}
	if len(got) != len(want) {
		t.Fatalf("unexpected states %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected states %v", got)
		}
	}

	h2 := newHarness(t, mockTurn("Hej", 0.1), nil, nil)
	h2.runTurn(t)
	got = nil
	for _, e := range h2.events.ofType(EventState) {
		got = append(got, e.State)
	}
	want = []State{StateListening, StateError, StateIdle}
	if len(got) != len(want) || got[1] != StateError || got[2] != StateIdle {
		t.Fatalf("unexpected failure states %v", got)
	}
}

func TestBannerAutoDismiss(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.1), nil, nil)
	h.runTurn(t)

	timers := h.clock.all()
	if len(timers) != 1 || timers[0].d != 5*time.Second {
		t.Fatalf("expected one 5s dismissal timer, got %+v", timers)
	}
	if !h.session.Snapshot().Error.Visible {
		t.Fatal("expected banner to be visible")
	}
	h.clock.fireActive()
	if h.session.Snapshot().Error.Visible {
		t.Fatal("expected banner to be hidden after the delay")
	}
	if got := len(h.events.ofType(EventErrorCleared)); got != 1 {
		t.Fatalf("expected one cleared event, got %d", got)
	}
}

func TestNewerErrorRestartsDismissal(t *testing.T) {
	h := newHarness(t, stt.NewMockRecognizer(stt.MockTurn{Err: stt.Fail(stt.ReasonNoSpeech, nil)}), nil, nil)
	h.runTurn(t)
	first := h.clock.all()[0]

	// Start hides a visible banner, so raise the second error while the
	// first one is still showing.
	h.session.mu.Lock()
	h.session.emitUnlock(h.session.failLocked(stt.Fail(stt.ReasonNetwork, nil)))

	if !first.stopped {
		t.Fatal("expected the earlier dismissal to be stopped")
	}
	first.f()
	snap := h.session.Snapshot()
	if !snap.Error.Visible || snap.Error.Message != "Network error. Please check your connection." {
		t.Fatalf("a stale dismissal must not hide the newer error: %+v", snap.Error)
	}
	h.clock.fireActive()
	if h.session.Snapshot().Error.Visible {
		t.Fatal("expected the newer banner to be dismissed")
	}
}

func TestStartHidesBanner(t *testing.T) {
	h := newHarness(t, stt.NewMockRecognizer(
		stt.MockTurn{Result: stt.TranscriptResult{Text: "Hej", Confidence: 0.1}},
		stt.MockTurn{Result: stt.TranscriptResult{Text: "Hej", Confidence: 0.9}},
	), nil, nil)
	h.runTurn(t)
	if !h.session.Snapshot().Error.Visible {
		t.Fatal("expected banner after low confidence")
	}
	h.runTurn(t)
	if h.session.Snapshot().Error.Visible {
		t.Fatal("expected start to hide the banner")
	}
	if len(h.session.Transcript()) != 2 {
		t.Fatalf("expected second turn to succeed")
	}
}

func TestDismiss(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.1), nil, nil)
	h.runTurn(t)
	h.session.Dismiss()
	if h.session.Snapshot().Error.Visible {
		t.Fatal("expected banner hidden")
	}
	if !h.clock.all()[0].stopped {
		t.Fatal("expected dismissal timer stopped")
	}
	h.session.Dismiss()
	if got := len(h.events.ofType(EventErrorCleared)); got != 1 {
		t.Fatalf("expected one cleared event, got %d", got)
	}
}

func TestUnsupportedRecognizer(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	snap := h.session.Snapshot()
	if snap.Status != StatusUnsupported || snap.Error.Kind != KindUnsupported {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.session.Supported() {
		t.Fatal("expected session to report unsupported")
	}
}

func TestPlayback(t *testing.T) {
	sender := &fakeSender{reply: webhook.Reply{Message: "Hej då", AudioURL: "https://cdn.test/reply.mp3"}}
	h := newHarness(t, mockTurn("Hej", 0.9), nil, sender)
	h.runTurn(t)

	if got := h.player.played(); len(got) != 1 || got[0] != "https://cdn.test/reply.mp3" {
		t.Fatalf("unexpected playback %v", got)
	}
	entries := h.session.Transcript()
	if entries[1].AudioURL != "https://cdn.test/reply.mp3" {
		t.Fatalf("expected audio url on assistant entry, got %+v", entries[1])
	}
}

func TestPlaybackFailureIsOnlyAHint(t *testing.T) {
	sender := &fakeSender{reply: webhook.Reply{Message: "Hej då", AudioURL: "https://cdn.test/reply.mp3"}}
	h := newHarness(t, mockTurn("Hej", 0.9), nil, sender)
	h.player.err = errors.New("speaker busy")
	h.runTurn(t)

	snap := h.session.Snapshot()
	if snap.State != StateIdle || snap.Error.Visible {
		t.Fatalf("playback failure must not show an error: %+v", snap)
	}
	if snap.Status != StatusPlayback {
		t.Fatalf("expected playback hint, got %q", snap.Status)
	}
	if len(snap.Transcript) != 2 {
		t.Fatalf("expected assistant entry despite playback failure")
	}
}

func TestEmptyReplyMessageFallback(t *testing.T) {
	sender := &fakeSender{reply: webhook.Reply{}}
	h := newHarness(t, mockTurn("Hej", 0.9), nil, sender)
	h.runTurn(t)

	entries := h.session.Transcript()
	if len(entries) != 2 || entries[1].Text != "Response received" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestSessionIDStable(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.9), nil, nil)
	h.runTurn(t)
	h.runTurn(t)

	id := h.session.ID()
	for _, req := range h.sender.requests {
		if req.SessionID != id {
			t.Fatalf("expected session id %s, got %s", id, req.SessionID)
		}
		if req.Username != "Jonas" || req.Source != "web_voice" {
			t.Fatalf("unexpected request %+v", req)
		}
	}
}

func TestCloseRejectsStart(t *testing.T) {
	h := newHarness(t, mockTurn("Hej", 0.9), nil, nil)
	h.session.Close()
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after close, got %v", err)
	}
}

func TestNewRequiresSender(t *testing.T) {
	if _, err := New(testConfig(), testEndpoint, Deps{}); err == nil {
		t.Fatal("expected error without sender")
	}
}

func TestObserverMayCallBack(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []State
	)
	var s *Session
	observer := ObserverFunc(func(_ context.Context, e Event) {
		if e.Type != EventState {
			return
		}
		snap := s.Snapshot()
		mu.Lock()
		seen = append(seen, snap.State)
		mu.Unlock()
	})
	s, err := New(testConfig(), testEndpoint, Deps{
		Recognizer: mockTurn("Hej", 0.9),
		Sender:     &fakeSender{reply: webhook.Reply{Message: "Hej då"}},
		Observer:   observer,
		Logger:     discardLogger(),
		AfterFunc:  (&fakeClock{}).AfterFunc,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected a snapshot per transition, got %v", seen)
	}
	if seen[2] != StateIdle {
		t.Fatalf("expected final snapshot idle, got %v", seen)
	}
}

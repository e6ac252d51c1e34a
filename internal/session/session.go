package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentation  = "github.com/loqalabs/loqa-voice/session"
	responseFallback = "Response received"
)

// Microphone grants access to audio capture.
type Microphone interface {
	Request(ctx context.Context) error
}

// Sender delivers one turn to the conversational endpoint.
type Sender interface {
	Send(ctx context.Context, req webhook.Request) (webhook.Reply, error)
}

// Player plays a response audio URL.
type Player interface {
	Play(ctx context.Context, url string) error
}

// Timer is the handle of a deferred banner dismissal.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Deps are the collaborators of a Session. A nil Recognizer marks speech
// recognition as unsupported; a nil Microphone always grants access; a nil
// Player skips playback.
type Deps struct {
	Recognizer stt.Recognizer
	Microphone Microphone
	Sender     Sender
	Player     Player
	Observer   Observer
	Logger     *slog.Logger
	Clock      func() time.Time
	AfterFunc  AfterFunc
}

// Banner is the visible error, if any.
type Banner struct {
	Visible bool   `json:"visible"`
	Message string `json:"message,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// Snapshot is a consistent view of the session for presentation layers.
type Snapshot struct {
	SessionID  string  `json:"session_id"`
	State      State   `json:"state"`
	Status     string  `json:"status"`
	Recognizer string  `json:"recognizer,omitempty"`
	Error      Banner  `json:"error"`
	Transcript []Entry `json:"transcript"`
}

// Session is the single-flight voice interaction loop: permission, recognition,
// webhook exchange, then back to idle. Every failure is shown on the banner and
// resolves to idle.
type Session struct {
	id         string
	cfg        config.SessionConfig
	endpoint   string
	recognizer stt.Recognizer
	mic        Microphone
	sender     Sender
	player     Player
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
	afterFunc  AfterFunc
	threshold  float64
	dismiss    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  []Event
	flushing bool
	state    State
	starting bool
	closed   bool
	active   stt.Listening
	status   string
	banner   Banner
	bannerGn uint64
	timer    Timer

	transcript Transcript

	turns      metric.Int64Counter
	errorCount metric.Int64Counter
}

// New creates a session bound to endpoint. The session id is generated once
// and never changes.
func New(cfg config.SessionConfig, endpoint string, deps Deps) (*Session, error) {
	if deps.Sender == nil {
		return nil, fmt.Errorf("session requires a webhook sender")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("session requires an endpoint")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	after := deps.AfterFunc
	if after == nil {
		after = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         "voice_" + uuid.NewString(),
		cfg:        cfg,
		endpoint:   endpoint,
		recognizer: deps.Recognizer,
		mic:        deps.Microphone,
		sender:     deps.Sender,
		player:     deps.Player,
		observer:   observer,
		logger:     logger.With(slog.String("component", "session")),
		now:        clock,
		afterFunc:  after,
		threshold:  cfg.ConfidenceThreshold,
		dismiss:    time.Duration(cfg.ErrorDismissMS) * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		status:     StatusReady,
	}

	meter := otel.Meter(instrumentation)
	if c, err := meter.Int64Counter("loqa.voice.turns", metric.WithDescription("Completed webhook exchanges")); err == nil {
		s.turns = c
	}
	if c, err := meter.Int64Counter("loqa.voice.errors", metric.WithDescription("Errors shown to the user")); err == nil {
		s.errorCount = c
	}

	if s.recognizer == nil {
		var events []Event
		s.mu.Lock()
		s.status = StatusUnsupported
		events = append(events, s.statusEvent())
		events = append(events, s.showLocked(ErrUnsupported)...)
		s.emitUnlock(events)
	}

	s.logger.Info("voice session created",
		slog.String("session_id", s.id),
		slog.String("endpoint", endpoint),
		slog.String("recognizer", s.recognizerName()),
	)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Endpoint() string { return s.endpoint }

// Supported reports whether a recognizer is available.
func (s *Session) Supported() bool { return s.recognizer != nil }

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []Entry { return s.transcript.Entries() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:  s.id,
		State:      s.state,
		Status:     s.status,
		Recognizer: s.recognizerName(),
		Error:      s.banner,
		Transcript: s.transcript.Entries(),
	}
}

// Start begins one turn. It is only accepted from idle with no other start in
// flight; otherwise ErrBusy is returned and nothing changes. Permission,
// recognition and the webhook exchange run asynchronously.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.recognizer == nil {
		return ErrUnsupported
	}

	s.mu.Lock()
	if s.closed || s.state != StateIdle || s.starting {
		s.mu.Unlock()
		return ErrBusy
	}
	s.starting = true
	s.wg.Add(1)
	s.emitUnlock(s.hideLocked())

	go s.turn()
	return nil
}

// Stop asks the active recognition to end early. The recognition still
// reports exactly one outcome.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateListening || s.active == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	active := s.active
	s.mu.Unlock()

	active.Stop()
	return nil
}

// Toggle is the single user control: stop while listening, start otherwise.
func (s *Session) Toggle(ctx context.Context) error {
	s.mu.Lock()
	listening := s.state == StateListening
	s.mu.Unlock()
	if listening {
		if err := s.Stop(); !errors.Is(err, ErrNotListening) {
			return err
		}
		return ErrBusy
	}
	return s.Start(ctx)
}

// Dismiss hides the error banner.
func (s *Session) Dismiss() {
	s.mu.Lock()
	s.emitUnlock(s.hideLocked())
}

// Wait blocks until in-flight turns and playbacks have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels in-flight work and waits for it. Later Start calls return ErrBusy.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	active := s.active
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Session) turn() {
	defer s.wg.Done()
	ctx := s.ctx

	if s.mic != nil {
		if err := s.mic.Request(ctx); err != nil {
			s.mu.Lock()
			s.starting = false
			s.emitUnlock(s.failLocked(fmt.Errorf("%w: %v", ErrPermissionDenied, err)))
			return
		}
	}

	listening, err := s.recognizer.Listen(ctx)
	if err != nil {
		var failure *stt.Failure
		if !errors.As(err, &failure) {
			err = stt.Fail(stt.ReasonOther, err)
		}
		s.mu.Lock()
		s.starting = false
		s.emitUnlock(s.failLocked(err))
		return
	}

	s.mu.Lock()
	s.starting = false
	s.active = listening
	events := s.transitionLocked(StateListening, StatusListening)
	closed := s.closed
	s.emitUnlock(events)
	if closed {
		listening.Stop()
	}

	result, err := listening.Wait()

	s.mu.Lock()
	s.active = nil
	if err != nil {
		s.emitUnlock(s.failLocked(err))
		return
	}
	text := strings.TrimSpace(result.Text)
	switch {
	case text == "":
		s.emitUnlock(s.failLocked(ErrNoResult))
		return
	case !validConfidence(result.Confidence, s.threshold):
		s.logger.Debug("discarding low confidence result", slog.Float64("confidence", result.Confidence))
		s.emitUnlock(s.failLocked(fmt.Errorf("%w: %.2f", ErrLowConfidence, result.Confidence)))
		return
	}
	events = s.appendLocked(Entry{Speaker: SpeakerUser, Text: text, At: s.now()})
	events = append(events, s.transitionLocked(StateAwaitingResponse, StatusProcessing)...)
	s.emitUnlock(events)

	s.exchange(ctx, text)
}

func (s *Session) exchange(ctx context.Context, text string) {
	reply, err := s.sender.Send(ctx, webhook.Request{
		Source:    s.cfg.Source,
		Message:   text,
		SessionID: s.id,
		Username:  s.cfg.Username,
		Timestamp: s.now(),
	})

	s.mu.Lock()
	if err != nil {
		s.logger.Warn("webhook request failed", slogError(err))
		s.emitUnlock(s.failLocked(err))
		return
	}
	message := strings.TrimSpace(reply.Message)
	if message == "" {
		message = responseFallback
	}
	events := s.appendLocked(Entry{Speaker: SpeakerAssistant, Text: message, AudioURL: reply.AudioURL, At: s.now()})
	events = append(events, s.transitionLocked(StateIdle, StatusReady)...)
	play := reply.AudioURL != "" && s.player != nil && !s.closed
	if play {
		s.wg.Add(1)
	}
	s.emitUnlock(events)

	if s.turns != nil {
		s.turns.Add(ctx, 1)
	}
	if play {
		go s.play(reply.AudioURL)
	}
}

func (s *Session) play(url string) {
	defer s.wg.Done()
	if err := s.player.Play(s.ctx, url); err != nil {
		s.logger.Warn("audio playback failed", slog.String("audio_url", url), slogError(err))
		s.mu.Lock()
		var events []Event
		if s.state == StateIdle {
			s.status = StatusPlayback
			events = append(events, s.statusEvent())
		}
		s.emitUnlock(events)
	}
}

// failLocked shows err and passes through Error back to Idle.
func (s *Session) failLocked(err error) []Event {
	events := s.transitionLocked(StateError, s.status)
	events = append(events, s.showLocked(err)...)
	events = append(events, s.transitionLocked(StateIdle, StatusReady)...)
	if s.errorCount != nil {
		s.errorCount.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", string(KindOf(err)))))
	}
	return events
}

func (s *Session) transitionLocked(next State, status string) []Event {
	var events []Event
	if s.state != next {
		s.state = next
		events = append(events, Event{Type: EventState, SessionID: s.id, State: next, At: s.now()})
	}
	if s.status != status {
		s.status = status
		events = append(events, s.statusEvent())
	}
	return events
}

func (s *Session) statusEvent() Event {
	return Event{Type: EventStatus, SessionID: s.id, State: s.state, Status: s.status, At: s.now()}
}

func (s *Session) appendLocked(e Entry) []Event {
	idx := s.transcript.Append(e)
	return []Event{{Type: EventEntry, SessionID: s.id, State: s.state, Entry: &e, Index: idx, At: e.At}}
}

// showLocked displays err on the banner and schedules its dismissal. A newer
// error replaces the message and restarts the delay.
func (s *Session) showLocked(err error) []Event {
	kind := KindOf(err)
	message := Describe(err)
	s.banner = Banner{Visible: true, Message: message, Kind: kind}
	s.bannerGn++
	gen := s.bannerGn
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.afterFunc(s.dismiss, func() { s.expire(gen) })
	s.logger.Warn("showing error", slog.String("kind", string(kind)), slogError(err))
	return []Event{{Type: EventErrorShown, SessionID: s.id, State: s.state, Message: message, Kind: kind, At: s.now()}}
}

func (s *Session) hideLocked() []Event {
	if !s.banner.Visible {
		return nil
	}
	s.bannerGn++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	kind := s.banner.Kind
	s.banner = Banner{}
	return []Event{{Type: EventErrorCleared, SessionID: s.id, State: s.state, Kind: kind, At: s.now()}}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.bannerGn {
		s.mu.Unlock()
		return
	}
	s.emitUnlock(s.hideLocked())
}

// emitUnlock queues events, releases s.mu and delivers everything pending.
// Only one goroutine delivers at a time, so observers see transition order and
// may call back into the session.
func (s *Session) emitUnlock(events []Event) {
	s.pending = append(s.pending, events...)
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for {
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, e := range batch {
			s.observer.OnEvent(s.ctx, e)
		}
		s.mu.Lock()
	}
}

func (s *Session) recognizerName() string {
	if s.recognizer == nil {
		return ""
	}
	return s.recognizer.Name()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// validConfidence reports whether c is a usable score at or above threshold.
// NaN and values outside [0, 1] never pass.
func validConfidence(c, threshold float64) bool {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return false
	}
	return c >= threshold
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/console"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/ipc"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/webhook"
	"github.com/loqalabs/loqa-voice/internal/wsgate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const eventStream = "VOICE_SESSIONS"

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	httpServer      *http.Server
	metricsHandler  http.Handler
	telemetryClose  func(context.Context) error
	store           *eventstore.Store
	embeddedNATS    *natsserver.EmbeddedServer
	busClient       *bus.Client
	recorder        *audio.Recorder
	releaseSTT      func()
	hub             *wsgate.Hub
	ipcServer       *ipc.Server
	session         *session.Session
	consoleObserver deferredObserver
	controlProxy    deferredController
	ready           atomic.Bool
	wg              sync.WaitGroup
}

type Option func(*Runtime)

// WithConsoleIO replaces stdin/stdout for the terminal surface.
func WithConsoleIO(in io.Reader, out io.Writer) Option {
	return func(r *Runtime) {
		r.stdin = in
		r.stdout = out
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session is available once Start has wired it.
func (r *Runtime) Session() *session.Session {
	return r.session
}

// Start wires the voice session and its surfaces, then blocks until ctx is
// cancelled or the console quits.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler
	defer func() {
		cancel()
		r.shutdown()
	}()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	sess, err := r.buildSession()
	if err != nil {
		return err
	}
	r.session = sess

	if r.busClient != nil {
		if _, err := r.busClient.ServeControl(ctx, sess); err != nil {
			return fmt.Errorf("failed to subscribe control subject: %w", err)
		}
	}

	if r.cfg.IPC.Enabled {
		srv, err := ipc.StartServer(ctx, r.cfg.IPC.SocketPath, sess, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start control socket: %w", err)
		}
		r.ipcServer = srv
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP()
	}

	if r.cfg.Console.Enabled {
		c := console.New(r.stdin, r.stdout, sess, r.logger)
		r.consoleObserver.set(c)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			err := c.Run(ctx)
			switch {
			case err == nil:
				cancel()
			case errors.Is(err, io.EOF):
				r.logger.Debug("console input closed")
			default:
				r.logger.Warn("console stopped", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", sess.ID()),
		slog.String("endpoint", sess.Endpoint()),
		slog.String("environment", r.cfg.Environment))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embeddedNATS = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client

	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureStream(eventStream, protocol.EventSubjects(), maxAge); err != nil {
		r.logger.Warn("session event stream unavailable", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) buildSession() (*session.Session, error) {
	sttCfg := r.cfg.STT
	var source stt.Source
	var mic session.Microphone
	if sttCfg.Mode != "mock" && sttCfg.Capture == "portaudio" {
		r.recorder = audio.NewRecorder(sttCfg.SampleRate, time.Duration(sttCfg.SilenceMS)*time.Millisecond)
		source = r.recorder
		mic = r.recorder
	}

	sttLogger := r.logger.With(slog.String("component", "stt"))
	recognizer, release, err := stt.Select(sttCfg, source, sttLogger)
	if err != nil {
		if !errors.Is(err, stt.ErrUnsupported) {
			return nil, fmt.Errorf("failed to select recognizer: %w", err)
		}
		sttLogger.Warn("speech recognition unavailable", slog.String("error", err.Error()))
		recognizer = nil
	}
	r.releaseSTT = release

	endpoint := r.cfg.WebhookEndpoint()
	sender, err := webhook.NewClient(endpoint, r.cfg.Webhook)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook client: %w", err)
	}

	var player session.Player
	if r.cfg.Playback.Enabled {
		player = playback.NewSpeakerPlayer(r.cfg.Playback, r.logger)
	}

	observers := []session.Observer{
		session.NewLogObserver(r.logger.With(slog.String("component", "session-events"))),
		&r.consoleObserver,
	}
	if r.store.Enabled() {
		observers = append(observers, eventstore.NewJournal(r.store, r.cfg.Session.Username, endpoint, r.logger))
	}
	if r.busClient != nil {
		observers = append(observers, bus.NewPublisher(r.busClient))
	}
	if r.cfg.HTTP.Enabled && r.cfg.HTTP.WebSocket {
		r.hub = wsgate.NewHub(&r.controlProxy, r.logger)
		observers = append(observers, r.hub)
		r.observeHubClients()
	}

	var deps session.Deps
	deps.Recognizer = recognizer
	deps.Microphone = mic
	deps.Sender = sender
	deps.Player = player
	deps.Observer = session.NewMultiObserver(observers...)
	deps.Logger = r.logger

	sess, err := session.New(r.cfg.Session, endpoint, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	r.controlProxy.set(sess)
	return sess, nil
}

func (r *Runtime) observeHubClients() {
	hub := r.hub
	_, err := otel.Meter("github.com/loqalabs/loqa-voice/runtime").Int64ObservableGauge(
		"loqa.voice.ws.clients",
		metric.WithDescription("Connected WebSocket clients"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(hub.Clients()))
			return nil
		}),
	)
	if err != nil {
		r.logger.Warn("failed to register websocket client gauge", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/transcript", r.handleTranscript)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	if r.hub != nil {
		mux.Handle("/ws", r.hub)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.hub != nil {
		r.hub.Close()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.ipcServer != nil {
		if err := r.ipcServer.Close(); err != nil {
			r.logger.Warn("control socket close error", slog.String("error", err.Error()))
		}
	}
	if r.session != nil {
		r.session.Close()
	}
	r.wg.Wait()

	if r.releaseSTT != nil {
		r.releaseSTT()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embeddedNATS != nil {
		r.embeddedNATS.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busDown := r.cfg.Bus.Enabled && !r.busClient.Healthy()
	if r.ready.Load() && !busDown {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.session.Snapshot()); err != nil {
		r.logger.Warn("failed to write transcript", slog.String("error", err.Error()))
	}
}

// deferredObserver forwards events to an observer installed after the
// session has been created.
type deferredObserver struct {
	mu     sync.RWMutex
	target session.Observer
}

func (d *deferredObserver) set(o session.Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = o
}

func (d *deferredObserver) OnEvent(ctx context.Context, event session.Event) {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target != nil {
		target.OnEvent(ctx, event)
	}
}

// deferredController lets surfaces built before the session route commands to it.
type deferredController struct {
	mu     sync.RWMutex
	target *session.Session
}

func (d *deferredController) set(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = s
}

func (d *deferredController) Handle(ctx context.Context, cmd protocol.ControlCommand) protocol.ControlReply {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target == nil {
		return protocol.ControlReply{Error: "session not ready"}
	}
	return target.Handle(ctx, cmd)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDevelopmentURL = "http://localhost:5678/webhook/voice-chat"
	DefaultProductionURL  = "https://n8n.jonasquant.com/webhook/voice-chat"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // text, json
	Tracing      string `yaml:"tracing"`    // stdout, otlp, none
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bind      string `yaml:"bind"`
	Port      int    `yaml:"port"`
	WebSocket bool   `yaml:"websocket"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	Webhook     WebhookConfig    `yaml:"webhook"`
	STT         STTConfig        `yaml:"stt"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Console     ConsoleConfig    `yaml:"console"`
	IPC         IPCConfig        `yaml:"ipc"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SessionConfig struct {
	Username            string  `yaml:"username"`
	Source              string  `yaml:"source"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ErrorDismissMS      int     `yaml:"error_dismiss_ms"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	DevelopmentURL string `yaml:"development_url"`
	ProductionURL  string `yaml:"production_url"`
	ProxyAddr      string `yaml:"proxy_addr"`
	TimeoutMS      int    `yaml:"timeout_ms"` // 0 waits for the endpoint indefinitely
}

type STTConfig struct {
	Mode           string  `yaml:"mode"`    // mock, exec, whisper
	Capture        string  `yaml:"capture"` // portaudio, none
	Command        string  `yaml:"command"`
	ModelPath      string  `yaml:"model_path"`
	Language       string  `yaml:"language"`
	Threads        int     `yaml:"threads"`
	SampleRate     int     `yaml:"sample_rate"`
	MaxDurationMS  int     `yaml:"max_duration_ms"`
	SilenceMS      int     `yaml:"silence_ms"`
	MockText       string  `yaml:"mock_text"`
	MockConfidence float64 `yaml:"mock_confidence"`
}

type PlaybackConfig struct {
	Enabled    bool  `yaml:"enabled"`
	SampleRate int   `yaml:"sample_rate"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled:   true,
			Bind:      "127.0.0.1",
			Port:      8090,
			WebSocket: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			Tracing:      "none",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Session: SessionConfig{
			Username:            "Jonas",
			Source:              "web_voice",
			ConfidenceThreshold: 0.3,
			ErrorDismissMS:      5000,
		},
		Webhook: WebhookConfig{
			DevelopmentURL: DefaultDevelopmentURL,
			ProductionURL:  DefaultProductionURL,
		},
		STT: STTConfig{
			Mode:           "mock",
			Capture:        "portaudio",
			Language:       "sv",
			SampleRate:     16000,
			MaxDurationMS:  15000,
			SilenceMS:      600,
			MockText:       "Hej",
			MockConfidence: 0.9,
		},
		Playback: PlaybackConfig{
			Enabled:    true,
			SampleRate: 44100,
			MaxBytes:   32 << 20,
		},
		Console: ConsoleConfig{
			Enabled: true,
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: "/tmp/loqa-voice.sock",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// IsLocal reports whether the environment routes to the development endpoint.
func (c Config) IsLocal() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "development", "dev", "local", "localhost":
		return true
	}
	return false
}

// WebhookEndpoint resolves the collaborator endpoint. An explicit webhook.url
// wins over the environment-derived choice.
func (c Config) WebhookEndpoint() string {
	if u := strings.TrimSpace(c.Webhook.URL); u != "" {
		return u
	}
	if c.IsLocal() {
		return c.Webhook.DevelopmentURL
	}
	return c.Webhook.ProductionURL
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideBool(&cfg.HTTP.WebSocket, "LOQA_HTTP_WEBSOCKET")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.Tracing, "LOQA_TELEMETRY_TRACING")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Session.Username, "LOQA_SESSION_USERNAME")
	overrideString(&cfg.Session.Source, "LOQA_SESSION_SOURCE")
	overrideFloat(&cfg.Session.ConfidenceThreshold, "LOQA_SESSION_CONFIDENCE_THRESHOLD")
	overrideInt(&cfg.Session.ErrorDismissMS, "LOQA_SESSION_ERROR_DISMISS_MS")
	overrideString(&cfg.Webhook.URL, "LOQA_WEBHOOK_URL")
	overrideString(&cfg.Webhook.DevelopmentURL, "LOQA_WEBHOOK_DEVELOPMENT_URL")
	overrideString(&cfg.Webhook.ProductionURL, "LOQA_WEBHOOK_PRODUCTION_URL")
	overrideString(&cfg.Webhook.ProxyAddr, "LOQA_WEBHOOK_PROXY_ADDR")
	overrideInt(&cfg.Webhook.TimeoutMS, "LOQA_WEBHOOK_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Capture, "LOQA_STT_CAPTURE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.MaxDurationMS, "LOQA_STT_MAX_DURATION_MS")
	overrideInt(&cfg.STT.SilenceMS, "LOQA_STT_SILENCE_MS")
	overrideString(&cfg.STT.MockText, "LOQA_STT_MOCK_TEXT")
	overrideFloat(&cfg.STT.MockConfidence, "LOQA_STT_MOCK_CONFIDENCE")
	overrideBool(&cfg.Playback.Enabled, "LOQA_PLAYBACK_ENABLED")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_PLAYBACK_SAMPLE_RATE")
	overrideInt64(&cfg.Playback.MaxBytes, "LOQA_PLAYBACK_MAX_BYTES")
	overrideBool(&cfg.Console.Enabled, "LOQA_CONSOLE_ENABLED")
	overrideBool(&cfg.IPC.Enabled, "LOQA_IPC_ENABLED")
	overrideString(&cfg.IPC.SocketPath, "LOQA_IPC_SOCKET_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return errors.New("telemetry.log_format must be one of text|json")
	}
	switch cfg.Telemetry.Tracing {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when tracing=otlp")
		}
	default:
		return errors.New("telemetry.tracing must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if strings.TrimSpace(cfg.Session.Username) == "" {
		return errors.New("session.username must not be empty")
	}
	if cfg.Session.Source == "" {
		return errors.New("session.source must not be empty")
	}
	if cfg.Session.ConfidenceThreshold < 0 || cfg.Session.ConfidenceThreshold > 1 {
		return errors.New("session.confidence_threshold must be within [0,1]")
	}
	if cfg.Session.ErrorDismissMS <= 0 {
		return errors.New("session.error_dismiss_ms must be positive")
	}
	if cfg.WebhookEndpoint() == "" {
		return errors.New("webhook endpoint must resolve to a non-empty url")
	}
	if cfg.Webhook.TimeoutMS < 0 {
		return errors.New("webhook.timeout_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
		if cfg.STT.MockConfidence < 0 || cfg.STT.MockConfidence > 1 {
			return errors.New("stt.mock_confidence must be within [0,1]")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	switch cfg.STT.Capture {
	case "portaudio", "none":
	default:
		return errors.New("stt.capture must be one of portaudio|none")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.MaxDurationMS <= 0 {
		return errors.New("stt.max_duration_ms must be positive")
	}
	if cfg.Playback.Enabled && cfg.Playback.SampleRate <= 0 {
		return errors.New("playback.sample_rate must be positive")
	}
	if cfg.IPC.Enabled && cfg.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty when ipc is enabled")
	}
	return nil
}

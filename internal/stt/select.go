package stt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Select picks the recognizer backend for cfg.Mode. Capture-backed modes need a
// microphone source; without one, or when the backend cannot load, the error
// wraps ErrUnsupported. The returned func releases backend resources.
func Select(cfg config.STTConfig, source Source, logger *slog.Logger) (Recognizer, func(), error) {
	noop := func() {}
	maxDuration := time.Duration(cfg.MaxDurationMS) * time.Millisecond

	switch cfg.Mode {
	case "mock":
		logger.Info("using mock recognizer", slog.String("text", cfg.MockText), slog.Float64("confidence", cfg.MockConfidence))
		return NewMockRecognizer(MockTurn{Result: TranscriptResult{Text: cfg.MockText, Confidence: cfg.MockConfidence}}), noop, nil
	case "exec":
		if source == nil {
			return nil, noop, fmt.Errorf("%w: no capture device for exec recognizer", ErrUnsupported)
		}
		tr, err := NewExecTranscriber(cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		logger.Info("using exec recognizer", slog.String("command", cfg.Command))
		return NewCaptureRecognizer("exec", source, tr, cfg.SampleRate, maxDuration), noop, nil
	case "whisper":
		if source == nil {
			return nil, noop, fmt.Errorf("%w: no capture device for whisper recognizer", ErrUnsupported)
		}
		tr, err := NewWhisperTranscriber(cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		logger.Info("using whisper recognizer", slog.String("model", cfg.ModelPath), slog.String("language", tr.language))
		release := func() {
			if err := tr.Close(); err != nil {
				logger.Warn("failed to close whisper model", slogError(err))
			}
		}
		return NewCaptureRecognizer("whisper", source, tr, cfg.SampleRate, maxDuration), release, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown stt mode %q", ErrUnsupported, cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

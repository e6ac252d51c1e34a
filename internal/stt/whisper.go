package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

const whisperSampleRate = 16000

type whisperTranscriber struct {
	model    whisper.Model
	language string
	threads  int
	mu       sync.Mutex
}

// NewWhisperTranscriber loads a whisper.cpp model from cfg.ModelPath.
func NewWhisperTranscriber(cfg config.STTConfig) (*whisperTranscriber, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = "auto"
	}
	return &whisperTranscriber{model: m, language: lang, threads: cfg.Threads}, nil
}

func (t *whisperTranscriber) Close() error {
	if t.model == nil {
		return nil
	}
	return t.model.Close()
}

// Transcribe runs the model over pcm. Confidence is the mean token probability.
func (t *whisperTranscriber) Transcribe(ctx context.Context, pcm []float32, sampleRate int) (TranscriptResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(pcm) == 0 {
		return TranscriptResult{}, Fail(ReasonNoSpeech, errors.New("no audio samples provided"))
	}
	if sampleRate != whisperSampleRate {
		pcm = audio.Resample(pcm, sampleRate, whisperSampleRate)
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("new context: %w", err)
	}
	if err := wctx.SetLanguage(t.language); err != nil {
		return TranscriptResult{}, fmt.Errorf("set language: %w", err)
	}
	threads := t.threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("process: %w", err)
	}

	var (
		parts  []string
		pSum   float64
		tokens int
	)
	for {
		select {
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		default:
		}

		s, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("next segment: %w", err)
		}
		parts = append(parts, strings.TrimSpace(s.Text))
		for _, tok := range s.Tokens {
			// special tokens like [_BEG_] carry no speech
			if strings.HasPrefix(tok.Text, "[_") {
				continue
			}
			pSum += float64(tok.P)
			tokens++
		}
	}

	var confidence float64
	if tokens > 0 {
		confidence = pSum / float64(tokens)
	}
	return TranscriptResult{
		Text:       strings.TrimSpace(strings.Join(parts, " ")),
		Confidence: clampConfidence(confidence),
	}, nil
}

package stt

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned when no speech recognizer can run in this environment.
var ErrUnsupported = errors.New("speech recognition not supported")

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Each Listen call starts one recognition.
type Recognizer interface {
	Name() string
	Listen(ctx context.Context) (Listening, error)
}

// Listening is a single in-flight recognition. Stop asks it to end early; Wait
// blocks until the terminal outcome, which is either a result (possibly empty)
// or an error.
type Listening interface {
	Stop()
	Wait() (TranscriptResult, error)
}

// Source delivers mono float32 PCM captured from a microphone.
type Source interface {
	Record(stop <-chan struct{}, maxDur time.Duration) ([]float32, error)
}

// Transcriber turns captured PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []float32, sampleRate int) (TranscriptResult, error)
}

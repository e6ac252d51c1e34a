package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type captureRecognizer struct {
	name        string
	source      Source
	transcriber Transcriber
	sampleRate  int
	maxDuration time.Duration
}

// NewCaptureRecognizer records from source until stopped, silent or maxDuration
// elapses, then hands the audio to transcriber.
func NewCaptureRecognizer(name string, source Source, transcriber Transcriber, sampleRate int, maxDuration time.Duration) Recognizer {
	return &captureRecognizer{
		name:        name,
		source:      source,
		transcriber: transcriber,
		sampleRate:  sampleRate,
		maxDuration: maxDuration,
	}
}

func (r *captureRecognizer) Name() string { return r.name }

func (r *captureRecognizer) Listen(ctx context.Context) (Listening, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &captureListening{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run(ctx, r)
	return l, nil
}

type captureListening struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	result   TranscriptResult
	err      error
}

func (l *captureListening) run(ctx context.Context, r *captureRecognizer) {
	defer close(l.done)

	stop := make(chan struct{})
	go func() {
		select {
		case <-l.stop:
		case <-ctx.Done():
		case <-l.done:
			return
		}
		close(stop)
	}()

	pcm, err := r.source.Record(stop, r.maxDuration)
	if err != nil {
		l.err = Fail(ReasonAudioCapture, err)
		return
	}
	if len(pcm) == 0 {
		l.err = Fail(ReasonNoSpeech, errors.New("no audio captured"))
		return
	}

	result, err := r.transcriber.Transcribe(ctx, pcm, r.sampleRate)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			l.err = err
		} else {
			l.err = Fail(ReasonOther, err)
		}
		return
	}
	result.Text = strings.TrimSpace(result.Text)
	l.result = result
}

func (l *captureListening) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *captureListening) Wait() (TranscriptResult, error) {
	<-l.done
	return l.result, l.err
}

package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

const resampleQuality = 4

// SpeakerPlayer downloads response audio and plays it on the default output
// device. One clip plays at a time.
type SpeakerPlayer struct {
	client     *http.Client
	sampleRate int
	maxBytes   int64
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error
	playMu   sync.Mutex
}

func NewSpeakerPlayer(cfg config.PlaybackConfig, logger *slog.Logger) *SpeakerPlayer {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	return &SpeakerPlayer{
		client:     &http.Client{Timeout: time.Minute},
		sampleRate: rate,
		maxBytes:   cfg.MaxBytes,
		logger:     logger.With(slog.String("component", "playback")),
	}
}

// Play fetches url and blocks until the clip finished or ctx is cancelled.
func (p *SpeakerPlayer) Play(ctx context.Context, url string) error {
	clip, err := p.Fetch(ctx, url)
	if err != nil {
		return err
	}
	sr := beep.SampleRate(p.sampleRate)
	p.initOnce.Do(func() {
		p.initErr = speaker.Init(sr, sr.N(time.Second/10))
	})
	if p.initErr != nil {
		return fmt.Errorf("init speaker: %w", p.initErr)
	}

	p.playMu.Lock()
	defer p.playMu.Unlock()

	done := make(chan struct{})
	speaker.Play(beep.Seq(p.stream(clip), beep.Callback(func() {
		close(done)
	})))
	p.logger.Debug("playing response audio", slog.String("url", url), slog.Float64("seconds", clip.Seconds()))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// stream converts clip to the speaker rate.
func (p *SpeakerPlayer) stream(clip audio.Clip) beep.Streamer {
	return beep.Resample(resampleQuality, beep.SampleRate(clip.SampleRate), beep.SampleRate(p.sampleRate), clip.Streamer())
}

// Fetch downloads and decodes the clip at url.
func (p *SpeakerPlayer) Fetch(ctx context.Context, url string) (audio.Clip, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("build audio request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return audio.Clip{}, fmt.Errorf("download audio: status %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if p.maxBytes > 0 {
		body = io.LimitReader(resp.Body, p.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("download audio: %w", err)
	}
	if p.maxBytes > 0 && int64(len(data)) > p.maxBytes {
		return audio.Clip{}, fmt.Errorf("audio exceeds %d bytes", p.maxBytes)
	}

	hint := resp.Header.Get("Content-Type")
	if hint == "" || strings.HasPrefix(hint, "application/octet-stream") {
		hint = req.URL.Path
	}
	clip, err := audio.Decode(bytes.NewReader(data), hint)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("decode audio: %w", err)
	}
	return clip, nil
}

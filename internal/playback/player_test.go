package playback

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func testPlayer(maxBytes int64) *SpeakerPlayer {
	return NewSpeakerPlayer(config.PlaybackConfig{Enabled: true, SampleRate: 44100, MaxBytes: maxBytes}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func wavBytes(t *testing.T, n int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reply.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm := make([]float32, n)
	for i := range pcm {
		pcm[i] = 0.25
	}
	if err := audio.EncodeWAV(f, pcm, 16000); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestFetchDecodesWAV(t *testing.T) {
	data := wavBytes(t, 1600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	clip, err := testPlayer(1<<20).Fetch(context.Background(), srv.URL+"/reply.wav")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.Samples) != 1600 {
		t.Fatalf("unexpected clip rate=%d samples=%d", clip.SampleRate, len(clip.Samples))
	}
}

func TestFetchErrors(t *testing.T) {
	data := wavBytes(t, 1600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.mp3":
			http.NotFound(w, r)
		case "/big.wav":
			_, _ = w.Write(data)
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "not audio")
		}
	}))
	defer srv.Close()

	cases := map[string]string{
		"/missing.mp3": "status",
		"/big.wav":     "exceeds",
		"/note.txt":    "decode audio",
	}
	p := testPlayer(64)
	for path, want := range cases {
		_, err := p.Fetch(context.Background(), srv.URL+path)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected error containing %q, got %v", path, want, err)
		}
	}
}

func TestStreamMatchesSpeakerRate(t *testing.T) {
	p := testPlayer(0)
	clip := audio.Clip{Samples: make([]float32, 16000), SampleRate: 16000}
	for i := range clip.Samples {
		clip.Samples[i] = 0.25
	}

	s := p.stream(clip)
	buf := make([][2]float64, 1024)
	total := 0
	for {
		n, ok := s.Stream(buf)
		total += n
		if !ok {
			break
		}
	}
	if total < 44100-256 || total > 44100+256 {
		t.Fatalf("expected about one second at 44.1 kHz, got %d samples", total)
	}
}

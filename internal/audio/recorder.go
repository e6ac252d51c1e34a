package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// ErrPermissionDenied reports that the microphone could not be opened.
var ErrPermissionDenied = errors.New("microphone access denied")

const frameSize = 320 // 20ms at 16 kHz

// Recorder captures mono float32 PCM from the default input device.
type Recorder struct {
	sampleRate  int
	silence     time.Duration
	silenceRMS  float64
	initOnce    sync.Once
	initErr     error
	mu          sync.Mutex
	initialized bool
}

func NewRecorder(sampleRate int, silence time.Duration) *Recorder {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recorder{
		sampleRate: sampleRate,
		silence:    silence,
		silenceRMS: 0.015,
	}
}

func (r *Recorder) init() error {
	r.initOnce.Do(func() {
		r.initErr = portaudio.Initialize()
		if r.initErr == nil {
			r.mu.Lock()
			r.initialized = true
			r.mu.Unlock()
		}
	})
	return r.initErr
}

// Request checks that a microphone is available and can be opened.
func (r *Recorder) Request(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.init(); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return fmt.Errorf("%w: no input channels", ErrPermissionDenied)
	}
	return nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		portaudio.Terminate()
		r.initialized = false
	}
}

// Record reads until stop is closed, maxDur elapses, or the speaker falls
// silent after talking. Leading silence is dropped.
func (r *Recorder) Record(stop <-chan struct{}, maxDur time.Duration) ([]float32, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	if maxDur <= 0 {
		maxDur = 15 * time.Second
	}

	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(r.sampleRate), len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	frameDur := time.Duration(frameSize) * time.Second / time.Duration(r.sampleRate)
	deadline := time.Now().Add(maxDur)
	out := make([]float32, 0, r.sampleRate*3)

	var (
		speaking bool
		quiet    time.Duration
	)
	for time.Now().Before(deadline) {
		select {
		case <-stop:
			return out, nil
		default:
		}

		if err := stream.Read(); err != nil {
			return nil, err
		}

		if frameRMS(buf) > r.silenceRMS {
			speaking = true
			quiet = 0
			out = append(out, buf...)
			continue
		}
		if !speaking {
			continue
		}
		out = append(out, buf...)
		quiet += frameDur
		if r.silence > 0 && quiet >= r.silence {
			break
		}
	}

	return out, nil
}

func frameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}

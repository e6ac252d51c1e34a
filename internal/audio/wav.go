package audio

import (
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes mono float32 PCM in [-1, 1] as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, pcm []float32, sampleRate int) error {
	const channels = 1
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)),
	}
	for i, v := range pcm {
		buffer.Data[i] = int(math.Round(clamp(float64(v), -1, 1) * 32767))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

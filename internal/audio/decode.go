package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"

	"github.com/faiface/beep"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

// resampleQuality is the beep interpolation window for rate conversion.
const resampleQuality = 4

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Seconds is the clip length at its native rate.
func (c Clip) Seconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Streamer plays the clip at its native rate with the mono signal on both
// channels.
func (c Clip) Streamer() beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if pos >= len(c.Samples) {
			return 0, false
		}
		n := 0
		for n < len(buf) && pos < len(c.Samples) {
			v := float64(c.Samples[pos])
			buf[n][0], buf[n][1] = v, v
			n++
			pos++
		}
		return n, true
	})
}

// Decode reads wav, mp3, ogg vorbis or ogg opus audio. hint is a file name,
// URL path or MIME type; when it is not conclusive the container is sniffed.
func Decode(r io.ReadSeeker, hint string) (Clip, error) {
	switch formatFromHint(hint) {
	case "wav":
		return decodeWAV(r)
	case "mp3":
		return decodeMP3(r)
	case "ogg":
		return decodeOgg(r)
	}

	br := bufio.NewReader(r)
	magic, _ := br.Peek(4)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Clip{}, err
	}
	switch {
	case string(magic) == "RIFF":
		return decodeWAV(r)
	case string(magic) == "OggS":
		return decodeOgg(r)
	case len(magic) >= 3 && (string(magic[:3]) == "ID3" || (magic[0] == 0xFF && magic[1]&0xE0 == 0xE0)):
		return decodeMP3(r)
	default:
		return Clip{}, fmt.Errorf("unsupported audio format %q (supported: wav/mp3/ogg-vorbis/ogg-opus)", hint)
	}
}

func formatFromHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(h, ';'); i >= 0 {
		h = strings.TrimSpace(h[:i])
	}
	switch h {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg", "audio/opus", "audio/vorbis", "application/ogg":
		return "ogg"
	}
	if i := strings.IndexAny(h, "?#"); i >= 0 {
		h = h[:i]
	}
	switch path.Ext(h) {
	case ".wav":
		return "wav"
	case ".mp3":
		return "mp3"
	case ".ogg", ".oga", ".opus":
		return "ogg"
	}
	return ""
}

func decodeOgg(r io.ReadSeeker) (Clip, error) {
	clip, err := decodeOggVorbis(r)
	if err == nil {
		return clip, nil
	}
	if _, e2 := r.Seek(0, io.SeekStart); e2 != nil {
		return Clip{}, e2
	}
	clip, e3 := decodeOggOpus(r)
	if e3 != nil {
		return Clip{}, fmt.Errorf("cannot decode ogg as vorbis (%v) or opus: %w", err, e3)
	}
	return clip, nil
}

func decodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav")
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil || pb == nil || pb.Data == nil {
		if err == nil {
			err = errors.New("empty wav")
		}
		return Clip{}, err
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch := 1
	sr := 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	return Clip{Samples: downmixInterleaved(x, ch), SampleRate: sr}, nil
}

func decodeMP3(r io.Reader) (Clip, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return Clip{}, err
	}
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return Clip{}, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return Clip{}, err
	}
	// go-mp3 always emits interleaved stereo
	x := downmixInterleaved(int16SliceToFloat32(ints), 2)

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	return Clip{Samples: x, SampleRate: sr}, nil
}

func decodeOggVorbis(r io.Reader) (Clip, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return Clip{}, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return Clip{}, errors.New("invalid ogg/vorbis stream")
	}
	return Clip{Samples: downmixInterleaved(pcm, format.Channels), SampleRate: format.SampleRate}, nil
}

func decodeOggOpus(r io.ReadSeeker) (Clip, error) {
	dec, err := popus.NewDecoder(r)
	if err != nil {
		return Clip{}, err
	}
	defer dec.Destroy()

	ch := dec.ChannelCount()
	if ch <= 0 {
		ch = 1
	}

	// opus always decodes at 48 kHz
	var (
		pcm48 []float32
		buf   = make([]int16, 48_000*ch/2)
	)
	for {
		n, err := dec.Read(buf) // n is samples per channel
		if n > 0 {
			pcm48 = append(pcm48, int16SliceToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Clip{}, err
		}
	}
	if len(pcm48) == 0 {
		return Clip{}, errors.New("empty opus stream")
	}
	return Clip{Samples: downmixInterleaved(pcm48, ch), SampleRate: 48000}, nil
}

func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	for i, v := range data {
		out[i] = float32(clamp(float64(v)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

func downmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	nFrames := len(in) / channels
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

// Resample converts mono PCM between rates. The result always holds
// ceil(len(in) * outSR / inSR) samples.
func Resample(in []float32, inSR, outSR int) []float32 {
	if inSR == outSR || len(in) == 0 || inSR <= 0 || outSR <= 0 {
		return in
	}
	want := int(math.Ceil(float64(len(in)) * float64(outSR) / float64(inSR)))
	r := beep.Resample(resampleQuality, beep.SampleRate(inSR), beep.SampleRate(outSR), Clip{Samples: in, SampleRate: inSR}.Streamer())

	out := make([]float32, 0, want)
	buf := make([][2]float64, 512)
	for len(out) < want {
		n, ok := r.Stream(buf)
		for _, frame := range buf[:n] {
			out = append(out, float32(frame[0]))
		}
		if !ok {
			break
		}
	}
	if len(out) > want {
		return out[:want]
	}
	for len(out) < want {
		out = append(out, in[len(in)-1])
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Package audio produces the placeholder artifacts returned by synthesis
// jobs: a fixed-frequency tone whose length follows the input text.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
	"unicode/utf8"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"voiceforge/internal/blob"
)

const (
	// PerCharacter is the artifact length contributed by each input rune.
	PerCharacter = 100 * time.Millisecond
	// MinDuration keeps empty or tiny inputs from producing a zero-length file.
	MinDuration = 100 * time.Millisecond

	bitDepth      = 16
	pcmFormat     = 1
	toneAmplitude = 0.3
)

// Duration returns the artifact length for text.
func Duration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * PerCharacter
	if d < MinDuration {
		return MinDuration
	}
	return d
}

// Tone describes the generated waveform.
type Tone struct {
	SampleRate int
	Frequency  float64
}

// EncodeWAV renders a mono 16-bit PCM sine wave of length d.
func (t Tone) EncodeWAV(d time.Duration) ([]byte, error) {
	if t.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", t.SampleRate)
	}
	n := int(float64(t.SampleRate) * d.Seconds())
	peak := toneAmplitude * float64(int(1)<<(bitDepth-1)-1)
	samples := make([]int, n)
	for i := range samples {
		phase := 2 * math.Pi * t.Frequency * float64(i) / float64(t.SampleRate)
		samples[i] = int(math.Round(peak * math.Sin(phase)))
	}

	// The encoder seeks back to patch chunk sizes, so it needs a file.
	tmp, err := os.CreateTemp("", "voiceforge-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	enc := wav.NewEncoder(tmp, t.SampleRate, bitDepth, 1, pcmFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return os.ReadFile(tmp.Name())
}

// Materializer writes synthesis artifacts to the blob store.
type Materializer struct {
	store blob.Store
	tone  Tone
}

func NewMaterializer(store blob.Store, tone Tone) *Materializer {
	return &Materializer{store: store, tone: tone}
}

// ArtifactKey is where the artifact of a synthesis job lives.
func ArtifactKey(jobID string) string {
	return fmt.Sprintf("processed/synthesis_%s.wav", jobID)
}

// Materialize renders the tone for text and returns the stored key.
func (m *Materializer) Materialize(ctx context.Context, jobID, text string) (string, error) {
	data, err := m.tone.EncodeWAV(Duration(text))
	if err != nil {
		return "", err
	}
	key, err := m.store.Save(ctx, ArtifactKey(jobID), data)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return key, nil
}

// ErrNotWAV is returned when a payload cannot be decoded as WAV.
var ErrNotWAV = errors.New("not a valid wav file")

// Clip is a decoded WAV payload.
type Clip struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int
	PCM        *goaudio.IntBuffer
}

// Duration is derived from the PCM frame count, not the container size.
func (c Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(c.Frames) / float64(c.SampleRate) * float64(time.Second))
}

// Decode parses a WAV payload fully into memory.
func Decode(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	clip := Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		PCM:        buf,
	}
	if clip.Channels == 0 {
		clip.Channels = 1
	}
	if clip.BitDepth == 0 {
		clip.BitDepth = bitDepth
	}
	clip.Frames = len(buf.Data) / clip.Channels
	return clip, nil
}

package audio

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/disintegration/imaging"
)

var (
	waveBackground = color.NRGBA{R: 17, G: 24, B: 39, A: 255}
	waveForeground = color.NRGBA{R: 129, G: 140, B: 248, A: 255}
)

// envelopeColumns is the resolution of the min/max envelope before scaling.
const envelopeColumns = 1024

// RenderWaveform draws the min/max envelope of a WAV payload as a PNG.
func RenderWaveform(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid waveform size %dx%d", width, height)
	}
	clip, err := Decode(data)
	if err != nil {
		return nil, err
	}
	channels := clip.Channels
	peak := float64(int(1) << (clip.BitDepth - 1))
	buf := clip.PCM

	frames := clip.Frames
	cols := envelopeColumns
	if frames < cols {
		cols = frames
	}
	if cols == 0 {
		cols = 1
	}
	const rows = 256
	img := imaging.New(cols, rows, waveBackground)

	for c := 0; c < cols; c++ {
		start := c * frames / cols
		end := (c + 1) * frames / cols
		lo, hi := 0.0, 0.0
		for f := start; f < end; f++ {
			v := float64(buf.Data[f*channels]) / peak
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		top := int((1 - hi) / 2 * (rows - 1))
		bottom := int((1 - lo) / 2 * (rows - 1))
		for y := top; y <= bottom; y++ {
			img.SetNRGBA(c, y, waveForeground)
		}
	}

	scaled := imaging.Resize(img, width, height, imaging.Linear)
	out := &bytes.Buffer{}
	if err := imaging.Encode(out, scaled, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out.Bytes(), nil
}

package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// ResampleBlock converts one block of mono samples from fromRate to toRate
// using linear interpolation. Each block is resampled independently; this is
// a single-pass streaming contract with no lookahead into neighbouring
// blocks.
func ResampleBlock(in []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	if len(in) == 0 {
		return nil, nil
	}
	if fromRate == toRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out, nil
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Floor(float64(len(in)) / ratio))
	if outLen == 0 {
		outLen = 1
	}
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out, nil
}

// FloatToPCM16 converts [-1,1] samples to signed 16-bit little-endian PCM
// with the standard symmetric clamp: positive values scale by 0x7FFF,
// negative by 0x8000.
func FloatToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, sample := range in {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		var value int16
		if sample < 0 {
			value = int16(sample * 0x8000)
		} else {
			value = int16(sample * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

// PCM16ToFloat converts signed 16-bit little-endian PCM to [-1,1] samples.
// A trailing odd byte is dropped.
func PCM16ToFloat(in []byte) []float32 {
	out := make([]float32, len(in)/2)
	for i := range out {
		value := int16(binary.LittleEndian.Uint16(in[i*2:]))
		if value < 0 {
			out[i] = float32(value) / 0x8000
		} else {
			out[i] = float32(value) / 0x7FFF
		}
	}
	return out
}

// EncodeFrame resamples one capture block to the protocol rate and returns
// it as base64 LPCM ready for an audioInput event.
func EncodeFrame(block []float32, fromRate, toRate int) (string, error) {
	resampled, err := ResampleBlock(block, fromRate, toRate)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(FloatToPCM16(resampled)), nil
}

// DecodeFrame decodes a base64 LPCM payload from an audioOutput event into
// raw PCM bytes for the playback engine.
func DecodeFrame(payload string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return pcm, nil
}

package audio

import (
	"encoding/base64"
	"math"
	"testing"
)

func TestFloatToPCM16Clamp(t *testing.T) {
	cases := []struct {
		name   string
		sample float32
		want   int16
	}{
		{name: "positive full scale", sample: 1.0, want: 0x7FFF},
		{name: "negative full scale", sample: -1.0, want: -0x8000},
		{name: "clamped above", sample: 1.7, want: 0x7FFF},
		{name: "clamped below", sample: -2.3, want: -0x8000},
		{name: "zero", sample: 0, want: 0},
		{name: "half scale", sample: 0.5, want: 0x3FFF},
	}

	for _, tc := range cases {
		out := FloatToPCM16([]float32{tc.sample})
		got := int16(uint16(out[0]) | uint16(out[1])<<8)
		if got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 0.9, -0.9}
	out := PCM16ToFloat(FloatToPCM16(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1.0/0x7FFF {
			t.Fatalf("sample %d: got %f, want %f", i, out[i], in[i])
		}
	}
}

func TestResampleBlockRatio(t *testing.T) {
	block := make([]float32, 441)
	out, err := ResampleBlock(block, 44100, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	// 441 samples at 44.1 kHz is 10 ms, which is 160 samples at 16 kHz.
	if len(out) != 160 {
		t.Fatalf("resampled length = %d, want 160", len(out))
	}
}

func TestResampleBlockIdentity(t *testing.T) {
	block := []float32{0.1, 0.2, 0.3}
	out, err := ResampleBlock(block, 16000, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) != 3 || out[1] != 0.2 {
		t.Fatalf("identity resample altered the block: %v", out)
	}
	out[0] = 9
	if block[0] == 9 {
		t.Fatal("identity resample aliased the input block")
	}
}

func TestResampleBlockInterpolates(t *testing.T) {
	// Downsampling 2:1 should land midway between neighbours.
	block := []float32{0, 1, 0, 1}
	out, err := ResampleBlock(block, 32000, 16000)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("resampled length = %d, want 2", len(out))
	}
	if out[0] != 0 {
		t.Fatalf("out[0] = %f, want 0", out[0])
	}
}

func TestResampleBlockBadRates(t *testing.T) {
	if _, err := ResampleBlock([]float32{0}, 0, 16000); err == nil {
		t.Fatal("expected error for zero source rate")
	}
	if _, err := ResampleBlock([]float32{0}, 44100, -1); err == nil {
		t.Fatal("expected error for negative target rate")
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	block := []float32{0.5, -0.5, 0.5, -0.5}
	frame, err := EncodeFrame(block, 16000, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pcm, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != len(block)*2 {
		t.Fatalf("pcm length = %d, want %d", len(pcm), len(block)*2)
	}
}

func TestDecodeFrameRejectsBadBase64(t *testing.T) {
	if _, err := DecodeFrame("not base64!!"); err == nil {
		t.Fatal("expected decode error")
	}
	// Valid base64 always decodes, regardless of PCM content.
	if _, err := DecodeFrame(base64.StdEncoding.EncodeToString([]byte{1})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

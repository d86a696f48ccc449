package audio

import (
	"time"
)

// DefaultVADThreshold is the mean-absolute-amplitude level above which a
// block counts as voiced.
const DefaultVADThreshold = 0.015

// DefaultSilenceTimeout is how long amplitude must stay below the threshold
// before the detector flips back to not-speaking.
const DefaultSilenceTimeout = 1500 * time.Millisecond

// VoiceDetector tracks a speaking/silent state over processing blocks. The
// state is advisory, for UI and metering; it never gates whether frames are
// transmitted, so speech onset is never dropped.
type VoiceDetector struct {
	threshold      float64
	silenceTimeout time.Duration

	speaking  bool
	lastVoice time.Time
}

// NewVoiceDetector builds a detector; zero values select the defaults.
func NewVoiceDetector(threshold float64, silenceTimeout time.Duration) *VoiceDetector {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if silenceTimeout <= 0 {
		silenceTimeout = DefaultSilenceTimeout
	}
	return &VoiceDetector{threshold: threshold, silenceTimeout: silenceTimeout}
}

// Process updates the detector with one block and returns the speaking state
// after the update.
func (d *VoiceDetector) Process(block []float32, now time.Time) bool {
	if meanAbs(block) >= d.threshold {
		d.speaking = true
		d.lastVoice = now
		return true
	}
	if d.speaking && now.Sub(d.lastVoice) >= d.silenceTimeout {
		d.speaking = false
	}
	return d.speaking
}

// Speaking returns the current advisory state.
func (d *VoiceDetector) Speaking() bool {
	return d.speaking
}

func meanAbs(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range block {
		if sample < 0 {
			sum -= float64(sample)
		} else {
			sum += float64(sample)
		}
	}
	return sum / float64(len(block))
}

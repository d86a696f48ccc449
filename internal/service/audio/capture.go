package audio

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/clinvoice/backend/internal/model/s2s"
)

// Microphone is the capture device abstraction. ReadBlock returns one block
// of mono samples in [-1,1] at the device's native rate, blocking until a
// block is available or the context ends.
type Microphone interface {
	Start(ctx context.Context) error
	ReadBlock(ctx context.Context) ([]float32, error)
	Close() error
}

// CaptureConfig tunes the pipeline. Zero values select the defaults.
type CaptureConfig struct {
	NativeRate     int           // device rate, default 44100
	TargetRate     int           // protocol rate, default 16000
	QueueDepth     int           // bounded frame queue, default 16
	VADThreshold   float64       // see VoiceDetector
	SilenceTimeout time.Duration // see VoiceDetector
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.NativeRate <= 0 {
		c.NativeRate = 44100
	}
	if c.TargetRate <= 0 {
		c.TargetRate = s2s.InputSampleRate
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	return c
}

// CapturePipeline turns a live microphone into encoded protocol frames. Each
// block is processed exactly once as it arrives: VAD update, per-block
// resample, s16le clamp, base64. Frames land on a bounded queue; when the
// consumer stalls, the oldest frame is dropped so the queue always holds the
// freshest audio.
type CapturePipeline struct {
	cfg CaptureConfig
	mic Microphone
	vad *VoiceDetector

	frames chan string

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewCapturePipeline wires a pipeline around the given device.
func NewCapturePipeline(mic Microphone, cfg CaptureConfig) *CapturePipeline {
	cfg = cfg.withDefaults()
	return &CapturePipeline{
		cfg:    cfg,
		mic:    mic,
		vad:    NewVoiceDetector(cfg.VADThreshold, cfg.SilenceTimeout),
		frames: make(chan string, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
}

// Frames is the bounded queue of encoded base64 frames.
func (p *CapturePipeline) Frames() <-chan string {
	return p.frames
}

// Speaking reports the advisory voice-activity state.
func (p *CapturePipeline) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vad.Speaking()
}

// Run opens the device and processes blocks until the context ends or the
// device reports EOF. It always releases the device on the way out.
func (p *CapturePipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("capture pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	// The frame queue closes only here, once the read loop has exited, so
	// a concurrent Stop can never race a push into a closed channel.
	defer close(p.frames)

	if err := p.mic.Start(ctx); err != nil {
		p.Stop()
		return err
	}
	defer p.Stop()

	for {
		block, err := p.mic.ReadBlock(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			// A single bad block is not terminal; capture continues.
			log.Printf("[audio] capture block error: %v", err)
			continue
		}
		if len(block) == 0 {
			continue
		}

		p.mu.Lock()
		p.vad.Process(block, time.Now())
		p.mu.Unlock()

		frame, err := EncodeFrame(block, p.cfg.NativeRate, p.cfg.TargetRate)
		if err != nil {
			log.Printf("[audio] dropping block: %v", err)
			continue
		}
		p.push(frame)

		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		default:
		}
	}
}

// push enqueues a frame, evicting the oldest entry when the queue is full.
func (p *CapturePipeline) push(frame string) {
	for {
		select {
		case p.frames <- frame:
			return
		default:
		}
		select {
		case <-p.frames:
			// Dropped the oldest frame to make room.
		default:
		}
	}
}

// Stop releases the device and signals teardown. Safe to call more than
// once and before Run; a running loop drains out on the device EOF.
func (p *CapturePipeline) Stop() {
	p.stopOnce.Do(func() {
		if err := p.mic.Close(); err != nil {
			log.Printf("[audio] microphone close: %v", err)
		}
		close(p.done)
	})
}

// Done is closed once the pipeline has fully torn down.
func (p *CapturePipeline) Done() <-chan struct{} {
	return p.done
}

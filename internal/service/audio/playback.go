package audio

import (
	"context"
	"log"
	"sync"
)

// Speaker is the output device abstraction. Write blocks until the device
// has accepted the PCM bytes.
type Speaker interface {
	Write(pcm []byte) error
	Close() error
}

// PlaybackConfig tunes queueing. Zero values select the defaults.
type PlaybackConfig struct {
	// QueueDepth bounds how many frames wait for the device. Default 64.
	QueueDepth int
}

// Player queues decoded assistant audio for gapless in-order playback and
// supports barge-in: an immediate flush of everything queued or playing.
// It may be created and fed before Run is called; frames queue up until the
// device loop starts.
type Player struct {
	cfg     PlaybackConfig
	speaker Speaker

	mu       sync.Mutex
	queue    [][]byte
	played   int64 // bytes handed to the device since the last barge-in
	notify   chan struct{}
	flushing bool
	closed   bool
}

// NewPlayer builds a player around the given output device.
func NewPlayer(speaker Speaker, cfg PlaybackConfig) *Player {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &Player{
		cfg:     cfg,
		speaker: speaker,
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue appends one PCM frame. Frames play strictly in arrival order.
// When the queue is at capacity the oldest frame is evicted.
func (p *Player) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) >= p.cfg.QueueDepth {
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, pcm)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// BargeIn flushes all queued audio and resets the play position. It returns
// immediately; the device loop observes the flush before touching the next
// frame.
func (p *Player) BargeIn() {
	p.mu.Lock()
	p.queue = nil
	p.played = 0
	p.flushing = true
	p.mu.Unlock()
}

// QueueLen reports how many frames are waiting. Used by tests and metering.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Position reports bytes played since the last barge-in.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Run drains the queue into the device until the context ends. It owns the
// output device for its lifetime and releases it on the way out, so a fresh
// player (and device) is acquired per session.
func (p *Player) Run(ctx context.Context) error {
	defer func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		if err := p.speaker.Close(); err != nil {
			log.Printf("[audio] speaker close: %v", err)
		}
	}()

	for {
		p.mu.Lock()
		p.flushing = false
		var frame []byte
		if len(p.queue) > 0 {
			frame = p.queue[0]
			p.queue = p.queue[1:]
		}
		p.mu.Unlock()

		if frame == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.notify:
				continue
			}
		}

		if err := p.speaker.Write(frame); err != nil {
			return err
		}

		p.mu.Lock()
		if !p.flushing {
			p.played += int64(len(frame))
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

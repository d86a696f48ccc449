package audio

import (
	"context"
	"io"
	"sync"
	"testing"
)

// fakeMicrophone serves queued blocks, then EOF (or blocks until closed).
type fakeMicrophone struct {
	mu      sync.Mutex
	blocks  [][]float32
	started int
	closed  int
	wait    chan struct{} // closed by Close to release a blocked reader
}

func newFakeMicrophone(blocks ...[]float32) *fakeMicrophone {
	return &fakeMicrophone{blocks: blocks, wait: make(chan struct{})}
}

func (m *fakeMicrophone) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *fakeMicrophone) ReadBlock(ctx context.Context) ([]float32, error) {
	m.mu.Lock()
	if m.closed > 0 {
		m.mu.Unlock()
		return nil, io.EOF
	}
	if len(m.blocks) > 0 {
		block := m.blocks[0]
		m.blocks = m.blocks[1:]
		m.mu.Unlock()
		return block, nil
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.wait:
		return nil, io.EOF
	}
}

func (m *fakeMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed == 0 {
		close(m.wait)
	}
	m.closed++
	return nil
}

func (m *fakeMicrophone) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestCapturePipelineEncodesEveryBlock(t *testing.T) {
	loud := make([]float32, 441)
	for i := range loud {
		loud[i] = 0.3
	}
	quiet := make([]float32, 441)

	mic := newFakeMicrophone(loud, quiet, loud)
	pipeline := NewCapturePipeline(mic, CaptureConfig{NativeRate: 44100})

	errCh := make(chan error, 1)
	go func() { errCh <- pipeline.Run(context.Background()) }()

	var frames []string
	for frame := range pipeline.Frames() {
		frames = append(frames, frame)
		if len(frames) == 3 {
			pipeline.Stop()
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	// Silence is forwarded like speech; the detector never gates sending.
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, frame := range frames {
		pcm, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		// 441 samples resampled to 16 kHz is 160 samples, 2 bytes each.
		if len(pcm) != 320 {
			t.Fatalf("frame %d: %d bytes, want 320", i, len(pcm))
		}
	}
}

func TestCapturePipelineAdvisoryVAD(t *testing.T) {
	loud := make([]float32, 64)
	for i := range loud {
		loud[i] = 0.5
	}

	mic := newFakeMicrophone(loud)
	pipeline := NewCapturePipeline(mic, CaptureConfig{NativeRate: 16000})

	go pipeline.Run(context.Background())

	if _, ok := <-pipeline.Frames(); !ok {
		t.Fatal("expected one frame")
	}
	if !pipeline.Speaking() {
		t.Fatal("voiced block did not raise the speaking state")
	}
	pipeline.Stop()
}

func TestCapturePipelineDropsOldestWhenFull(t *testing.T) {
	var blocks [][]float32
	for i := 0; i < 6; i++ {
		block := make([]float32, 16)
		for j := range block {
			block[j] = float32(i+1) * 0.1
		}
		blocks = append(blocks, block)
	}

	mic := newFakeMicrophone(blocks...)
	pipeline := NewCapturePipeline(mic, CaptureConfig{NativeRate: 16000, QueueDepth: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- pipeline.Run(context.Background()) }()

	// Let the producer outrun the absent consumer, then stop and drain.
	waitFor(t, func() bool {
		mic.mu.Lock()
		defer mic.mu.Unlock()
		return len(mic.blocks) == 0
	})
	pipeline.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	var frames []string
	for frame := range pipeline.Frames() {
		frames = append(frames, frame)
	}
	if len(frames) > 2 {
		t.Fatalf("queue held %d frames, want at most the configured 2", len(frames))
	}
	if len(frames) == 0 {
		t.Fatal("queue empty, want the freshest frames retained")
	}

	// The survivors must be the newest blocks, not the oldest.
	pcm, err := DecodeFrame(frames[len(frames)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	samples := PCM16ToFloat(pcm)
	if samples[0] < 0.55 {
		t.Fatalf("tail frame amplitude %f, want the last produced block (~0.6)", samples[0])
	}
}

func TestCapturePipelineStopIsIdempotent(t *testing.T) {
	mic := newFakeMicrophone()
	pipeline := NewCapturePipeline(mic, CaptureConfig{})

	errCh := make(chan error, 1)
	go func() { errCh <- pipeline.Run(context.Background()) }()

	pipeline.Stop()
	pipeline.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	<-pipeline.Done()

	if got := mic.closeCount(); got < 1 {
		t.Fatalf("microphone closed %d times, want at least once", got)
	}
}

func TestCapturePipelineRunTwiceRejected(t *testing.T) {
	mic := newFakeMicrophone()
	pipeline := NewCapturePipeline(mic, CaptureConfig{})

	go pipeline.Run(context.Background())
	waitFor(t, func() bool {
		mic.mu.Lock()
		defer mic.mu.Unlock()
		return mic.started == 1
	})

	if err := pipeline.Run(context.Background()); err == nil {
		t.Fatal("second Run should be rejected")
	}
	pipeline.Stop()
}

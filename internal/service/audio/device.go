package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// Subprocess-backed device adapters. Capture reads s16le PCM from an ffmpeg
// child; playback feeds an ffplay child over stdin. Both tools are assumed
// on PATH; callers in tests substitute in-memory fakes instead.

const deviceBlockSamples = 4096

// FFmpegMicrophone captures the default input device at the given native
// rate, mono s16le.
type FFmpegMicrophone struct {
	Rate   int
	Device string // platform device name, "" selects the default

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	closed bool
}

// NewFFmpegMicrophone returns an unstarted capture device.
func NewFFmpegMicrophone(rate int, device string) *FFmpegMicrophone {
	if rate <= 0 {
		rate = 44100
	}
	return &FFmpegMicrophone{Rate: rate, Device: device}
}

func (m *FFmpegMicrophone) args() []string {
	format, device := "alsa", "default"
	if runtime.GOOS == "darwin" {
		format, device = "avfoundation", ":0"
	}
	if m.Device != "" {
		device = m.Device
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", strconv.Itoa(m.Rate),
		"-f", "s16le", "-",
	}
}

// Start launches the capture child process.
func (m *FFmpegMicrophone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return fmt.Errorf("microphone already started")
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", m.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("microphone stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg capture: %w", err)
	}
	m.cmd = cmd
	m.stdout = stdout
	return nil
}

// ReadBlock reads one block at the native rate and converts it to floats.
func (m *FFmpegMicrophone) ReadBlock(ctx context.Context) ([]float32, error) {
	m.mu.Lock()
	stdout := m.stdout
	closed := m.closed
	m.mu.Unlock()
	if closed || stdout == nil {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, deviceBlockSamples*2)
	n, err := io.ReadFull(stdout, buf)
	if n > 0 {
		return PCM16ToFloat(buf[:n-n%2]), nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}

// Close terminates the child and releases the pipe. Idempotent.
func (m *FFmpegMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.stdout != nil {
		m.stdout.Close()
	}
	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
		m.cmd.Wait()
	}
	return nil
}

// FFplaySpeaker plays s16le PCM written to it at the given rate.
type FFplaySpeaker struct {
	Rate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewFFplaySpeaker returns an unstarted output device.
func NewFFplaySpeaker(rate int) *FFplaySpeaker {
	if rate <= 0 {
		rate = 24000
	}
	return &FFplaySpeaker{Rate: rate}
}

func (s *FFplaySpeaker) start() error {
	cmd := exec.Command("ffplay",
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(s.Rate), "-ch_layout", "mono",
		"-nodisp", "-autoexit", "-i", "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("speaker stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// Write feeds one PCM frame to the player, starting it lazily on first use.
func (s *FFplaySpeaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if s.cmd == nil {
		if err := s.start(); err != nil {
			return err
		}
	}
	_, err := s.stdin.Write(pcm)
	return err
}

// Close terminates the child. Idempotent.
func (s *FFplaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	return nil
}

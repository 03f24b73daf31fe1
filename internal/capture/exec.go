package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/nirajnair/murmur/internal/config"
)

// execDevice shells out to a capture command (arecord, sox, ffmpeg...) that
// writes the segment file. The command gets the target path appended as its
// final argument.
type execDevice struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func newExecDevice(cfg config.CaptureConfig, log *slog.Logger) Device {
	return &execDevice{cfg: cfg, log: log.With(slog.String("component", "capture"))}
}

func (d *execDevice) Ready(_ context.Context) error {
	argv := strings.Fields(d.cfg.Command)
	if len(argv) == 0 {
		return fmt.Errorf("capture command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("capture command unavailable: %w", err)
	}
	return nil
}

func (d *execDevice) BeginSegment(ctx context.Context, path string) (Segment, error) {
	if err := d.Ready(ctx); err != nil {
		return nil, err
	}
	argv := strings.Fields(d.cfg.Command)
	args := append(argv[1:], path)
	cmd := exec.Command(argv[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	d.log.Debug("capture segment started",
		slog.String("path", path), slog.Int("pid", cmd.Process.Pid))
	return &execSegment{cmd: cmd, path: path, log: d.log}, nil
}

func (d *execDevice) Close() error { return nil }

type execSegment struct {
	cmd  *exec.Cmd
	path string
	log  *slog.Logger

	mu   sync.Mutex
	done bool
}

func (s *execSegment) Path() string { return s.path }

// Finish interrupts the capture process so it can flush and close the file
// header, then waits for it to exit.
func (s *execSegment) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrSegmentFinished
	}
	s.done = true
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("capture produced no segment file: %w", err)
	}
	return nil
}

func (s *execSegment) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard segment: %w", err)
	}
	s.log.Debug("capture segment discarded", slog.String("path", s.path))
	return nil
}

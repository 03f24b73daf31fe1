package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/nirajnair/murmur/internal/config"
)

// mockDevice synthesizes silent WAV segments. Used by tests and by
// deployments without capture hardware.
type mockDevice struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func newMockDevice(cfg config.CaptureConfig, log *slog.Logger) Device {
	return &mockDevice{cfg: cfg, log: log.With(slog.String("component", "capture"))}
}

func (d *mockDevice) Ready(_ context.Context) error { return nil }

func (d *mockDevice) BeginSegment(_ context.Context, path string) (Segment, error) {
	return &mockSegment{path: path, cfg: d.cfg}, nil
}

func (d *mockDevice) Close() error { return nil }

type mockSegment struct {
	path string
	cfg  config.CaptureConfig

	mu   sync.Mutex
	done bool
}

func (s *mockSegment) Path() string { return s.path }

// Finish writes one second of silence as a valid WAV file.
func (s *mockSegment) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrSegmentFinished
	}
	s.done = true

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create mock segment: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, s.cfg.SampleRate, 16, s.cfg.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.cfg.Channels, SampleRate: s.cfg.SampleRate},
		Data:           make([]int, s.cfg.SampleRate*s.cfg.Channels),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write mock segment: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize mock segment: %w", err)
	}
	return nil
}

func (s *mockSegment) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard segment: %w", err)
	}
	return nil
}

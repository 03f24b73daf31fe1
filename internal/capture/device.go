// Package capture abstracts the microphone. The coordinator only ever sees
// the Device/Segment surface; the real hardware interaction lives behind an
// exec'd capture command, and tests run on the mock.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nirajnair/murmur/internal/config"
)

var (
	// ErrPermissionDenied reports that the OS has not granted recording access.
	ErrPermissionDenied = errors.New("recording permission not granted")

	// ErrSegmentFinished reports a Finish or Discard on an already closed segment.
	ErrSegmentFinished = errors.New("segment already finished")
)

// Device is an exclusive capture handle. One live device per process; the
// recorder keeps it open across pause/resume so restarting capture is
// instant.
type Device interface {
	// Ready probes permission and availability without starting capture.
	Ready(ctx context.Context) error
	// BeginSegment starts capturing one segment file at path.
	BeginSegment(ctx context.Context, path string) (Segment, error)
	Close() error
}

// Segment is one physical audio chunk within a session.
type Segment interface {
	Path() string
	// Finish stops capture and finalizes the file for transcription.
	Finish() error
	// Discard stops capture and deletes the file.
	Discard() error
}

// NewDevice builds the configured Device implementation.
func NewDevice(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	switch cfg.Mode {
	case "mock":
		return newMockDevice(cfg, log), nil
	case "exec":
		return newExecDevice(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

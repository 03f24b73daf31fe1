package capture

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/nirajnair/murmur/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockSegmentProducesValidWav(t *testing.T) {
	cfg := config.CaptureConfig{Mode: "mock", Directory: t.TempDir(), SampleRate: 16000, Channels: 1}
	dev, err := NewDevice(cfg, newLogger())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })

	path := filepath.Join(cfg.Directory, "recording_test_seg0.wav")
	seg, err := dev.BeginSegment(context.Background(), path)
	if err != nil {
		t.Fatalf("begin segment: %v", err)
	}
	if err := seg.Finish(); err != nil {
		t.Fatalf("finish segment: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}

	if err := seg.Finish(); err != ErrSegmentFinished {
		t.Fatalf("expected ErrSegmentFinished on double finish, got %v", err)
	}
}

func TestMockSegmentDiscardRemovesFile(t *testing.T) {
	cfg := config.CaptureConfig{Mode: "mock", Directory: t.TempDir(), SampleRate: 16000, Channels: 1}
	dev, _ := NewDevice(cfg, newLogger())

	path := filepath.Join(cfg.Directory, "recording_test_seg0.wav")
	seg, err := dev.BeginSegment(context.Background(), path)
	if err != nil {
		t.Fatalf("begin segment: %v", err)
	}
	if err := seg.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := seg.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected segment file removed, stat err=%v", err)
	}
}

func TestSegmentPath(t *testing.T) {
	now := time.Unix(1700000000, 0)
	path := SegmentPath("/tmp/rec", "0f8fad5b-d9cb-469f-a165-70867728950e", 2, now)
	base := filepath.Base(path)
	if base != "recording_1700000000_0f8fad5b_seg2.wav" {
		t.Fatalf("unexpected segment name: %s", base)
	}
	if !strings.HasPrefix(path, "/tmp/rec") {
		t.Fatalf("unexpected segment dir: %s", path)
	}
}

func TestCleanupStale(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"recording_1_a_seg0.wav", "recording_2_b_seg1.wav", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if n := CleanupStale(dir, newLogger()); n != 2 {
		t.Fatalf("expected 2 files cleaned, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatalf("expected non-recording file kept: %v", err)
	}
}

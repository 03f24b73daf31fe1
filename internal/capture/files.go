package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SegmentPath builds the on-disk name for one segment of a session.
func SegmentPath(dir, sessionID string, segment int, now time.Time) string {
	sid := sessionID
	if len(sid) > 8 {
		sid = sid[:8]
	}
	name := fmt.Sprintf("recording_%d_%s_seg%d.wav", now.Unix(), sid, segment)
	return filepath.Join(dir, name)
}

// EnsureDir creates the recordings directory if needed.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}
	return nil
}

// CleanupStale removes leftover recording files from crashed or abandoned
// sessions. Called on startup; segments never outlive their transcription,
// so anything still on disk is garbage.
func CleanupStale(dir string, log *slog.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to scan recordings dir", slog.String("error", err.Error()))
		}
		return 0
	}
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "recording") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("failed to delete stale recording",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Debug("cleaned up stale recordings", slog.Int("count", deleted))
	}
	return deleted
}

// Package reconcile recomputes true session state from persisted intent and
// elapsed time. It runs in both processes: neither side can reliably tell
// whether the other is still alive, so each re-derives the session's validity
// on launch, on foreground, and on every state-change signal.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/nirajnair/murmur/internal/store"
)

// Readiness probes whether the device-level audio subsystem is currently
// usable. capture.Device satisfies it; the keyboard side passes nil since it
// never touches the audio hardware directly.
type Readiness interface {
	Ready(ctx context.Context) error
}

type Service struct {
	store  *store.Store
	device Readiness
	log    *slog.Logger
	clock  func() time.Time
}

func New(st *store.Store, dev Readiness, log *slog.Logger) *Service {
	return &Service{
		store:  st,
		device: dev,
		log:    log.With(slog.String("component", "reconcile")),
		clock:  time.Now,
	}
}

// Check reconciles the persisted session state against elapsed time and
// writes the result back. An expired or id-less session is forced to fully
// idle values; a valid one has its flags re-written as-is. The write-back
// means a concurrent reader in either process sees a consistent idle state
// instead of a half-expired one. Check is idempotent.
func (s *Service) Check(ctx context.Context) (store.Session, error) {
	if s.device != nil {
		if err := s.device.Ready(ctx); err != nil {
			s.log.Warn("audio subsystem not usable", slog.String("error", err.Error()))
		}
	}

	sess, err := s.store.Snapshot()
	if err != nil {
		return store.Session{}, err
	}

	if sess.ID == "" {
		if err := s.forceIdle(); err != nil {
			return store.Session{}, err
		}
		return s.store.Snapshot()
	}

	now := s.clock()
	valid, err := s.store.IsSessionValid(now)
	if err != nil {
		return store.Session{}, err
	}
	if !valid {
		s.log.Info("persisted session expired, forcing idle",
			slog.String("session_id", sess.ID),
			slog.Time("session_start", sess.SessionStart))
		if err := s.forceIdle(); err != nil {
			return store.Session{}, err
		}
		return s.store.Snapshot()
	}

	// The session is live: persisted flags are the truth. Re-writing them
	// is deliberate, not a skip; it repairs a reader that raced a partial
	// multi-key update.
	s.write(s.store.SetRecording(sess.Recording))
	s.write(s.store.SetPaused(sess.Paused))
	s.write(s.store.SetTranscriptionInProgress(sess.TranscriptionInProgress))
	s.write(s.store.SetAudioSessionActive(true))
	return s.store.Snapshot()
}

func (s *Service) forceIdle() error {
	s.write(s.store.SetRecording(false))
	s.write(s.store.SetPaused(false))
	s.write(s.store.SetTranscriptionInProgress(false))
	s.write(s.store.SetAudioSessionActive(false))
	s.write(s.store.SetCurrentSegment(0))
	s.write(s.store.ClearSessionStartTime())
	s.write(s.store.ClearRecordingStartTime())
	return s.store.SetSessionID("")
}

func (s *Service) write(err error) {
	if err != nil {
		s.log.Warn("shared store write failed", slog.String("error", err.Error()))
	}
}

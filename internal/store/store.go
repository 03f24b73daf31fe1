// Package store is the shared state both processes read and write. It is a
// per-key repository over a group-scoped SQLite file: every setter is a
// single-key last-write-wins upsert, and there are deliberately no multi-key
// transactions in the public surface. Readers must treat any combination of
// fields as potentially mid-update and re-validate through the reconciler.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nirajnair/murmur/internal/config"
	"github.com/nirajnair/murmur/internal/protocol"
)

// Session is a non-atomic snapshot of the persisted session fields.
type Session struct {
	ID                      string
	Recording               bool
	Paused                  bool
	AudioSessionActive      bool
	TranscriptionInProgress bool
	Segment                 int
	SessionStart            time.Time
	RecordingStart          time.Time
}

// SessionEvent is one entry in the session audit timeline.
type SessionEvent struct {
	ID        int64
	SessionID string
	Type      string
	Detail    string
	CreatedAt time.Time
}

type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the shared store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("shared store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("shared store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS prefs (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) put(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO prefs(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) del(key string) error {
	if _, err := s.db.Exec(`DELETE FROM prefs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) putBool(key string, v bool) error {
	return s.put(key, strconv.FormatBool(v))
}

func (s *Store) getBool(key string) (bool, error) {
	value, ok, err := s.get(key)
	if err != nil || !ok {
		return false, err
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, nil
	}
	return parsed, nil
}

func (s *Store) putTime(key string, t time.Time) error {
	return s.put(key, t.UTC().Format(time.RFC3339Nano))
}

func (s *Store) getTime(key string) (time.Time, bool, error) {
	value, ok, err := s.get(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *Store) SetRecording(v bool) error { return s.putBool(protocol.KeyIsRecording, v) }

func (s *Store) Recording() (bool, error) { return s.getBool(protocol.KeyIsRecording) }

func (s *Store) SetPaused(v bool) error { return s.putBool(protocol.KeyIsPaused, v) }

func (s *Store) Paused() (bool, error) { return s.getBool(protocol.KeyIsPaused) }

func (s *Store) SetAudioSessionActive(v bool) error {
	return s.putBool(protocol.KeyIsAudioSessionActive, v)
}

func (s *Store) AudioSessionActive() (bool, error) {
	return s.getBool(protocol.KeyIsAudioSessionActive)
}

// SetSessionID persists the live session identity; an empty id clears it.
func (s *Store) SetSessionID(id string) error {
	if id == "" {
		return s.del(protocol.KeyRecordingSessionID)
	}
	return s.put(protocol.KeyRecordingSessionID, id)
}

// SessionID returns the persisted session id, empty when no session exists.
func (s *Store) SessionID() (string, error) {
	value, _, err := s.get(protocol.KeyRecordingSessionID)
	return value, err
}

func (s *Store) SetCurrentSegment(n int) error {
	return s.put(protocol.KeyCurrentRecordingSegment, strconv.Itoa(n))
}

func (s *Store) CurrentSegment() (int, error) {
	value, ok, err := s.get(protocol.KeyCurrentRecordingSegment)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) SetTranscriptionInProgress(v bool) error {
	return s.putBool(protocol.KeyTranscriptionInProgress, v)
}

func (s *Store) TranscriptionInProgress() (bool, error) {
	return s.getBool(protocol.KeyTranscriptionInProgress)
}

func (s *Store) SetPendingTranscription(text string) error {
	return s.put(protocol.KeyPendingTranscription, text)
}

// TakePendingTranscription reads and clears the transcription mailbox in one
// step. The slot holds at most one transcript; a writer racing a consumer
// overwrites rather than queues.
func (s *Store) TakePendingTranscription() (string, bool, error) {
	return s.take(protocol.KeyPendingTranscription)
}

func (s *Store) SetLastTranscription(text string) error {
	return s.put(protocol.KeyLastTranscription, text)
}

func (s *Store) LastTranscription() (string, error) {
	value, _, err := s.get(protocol.KeyLastTranscription)
	return value, err
}

func (s *Store) SetTranscriptionError(message string) error {
	if message == "" {
		return s.del(protocol.KeyTranscriptionError)
	}
	return s.put(protocol.KeyTranscriptionError, message)
}

// TakeTranscriptionError reads and clears the error slot.
func (s *Store) TakeTranscriptionError() (string, bool, error) {
	return s.take(protocol.KeyTranscriptionError)
}

func (s *Store) take(key string) (string, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("take %s: %w", key, err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, tx.Commit()
	}
	if err != nil {
		return "", false, fmt.Errorf("take %s: %w", key, err)
	}
	if _, err := tx.Exec(`DELETE FROM prefs WHERE key = ?`, key); err != nil {
		return "", false, fmt.Errorf("take %s: %w", key, err)
	}
	return value, true, tx.Commit()
}

func (s *Store) SetSessionStartTime(t time.Time) error {
	return s.putTime(protocol.KeySessionStartTime, t)
}

func (s *Store) SessionStartTime() (time.Time, bool, error) {
	return s.getTime(protocol.KeySessionStartTime)
}

// ClearSessionStartTime removes the persisted session start.
func (s *Store) ClearSessionStartTime() error {
	return s.del(protocol.KeySessionStartTime)
}

func (s *Store) SetRecordingStartTime(t time.Time) error {
	return s.putTime(protocol.KeyRecordingStartTime, t)
}

func (s *Store) RecordingStartTime() (time.Time, bool, error) {
	return s.getTime(protocol.KeyRecordingStartTime)
}

// ClearRecordingStartTime removes the persisted recording start.
func (s *Store) ClearRecordingStartTime() error {
	return s.del(protocol.KeyRecordingStartTime)
}

// SetSessionTimeout persists the remote-configurable session deadline.
func (s *Store) SetSessionTimeout(d time.Duration) error {
	return s.put(protocol.KeySessionTimeoutDuration,
		strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
}

// SessionTimeout returns the configured deadline, falling back to the
// default when the key is absent or not positive.
func (s *Store) SessionTimeout() (time.Duration, error) {
	value, ok, err := s.get(protocol.KeySessionTimeoutDuration)
	if err != nil {
		return 0, err
	}
	if !ok {
		return protocol.DefaultSessionTimeout, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds <= 0 {
		return protocol.DefaultSessionTimeout, nil
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (s *Store) SetKeyboardFullAccess(v bool) error {
	return s.putBool(protocol.KeyKeyboardHasFullAccess, v)
}

func (s *Store) KeyboardFullAccess() (bool, error) {
	return s.getBool(protocol.KeyKeyboardHasFullAccess)
}

func (s *Store) SetKeyboardLastCheck(t time.Time) error {
	return s.putTime(protocol.KeyKeyboardLastCheck, t)
}

func (s *Store) KeyboardLastCheck() (time.Time, bool, error) {
	return s.getTime(protocol.KeyKeyboardLastCheck)
}

func (s *Store) SetStatusRequestTime(t time.Time) error {
	return s.putTime(protocol.KeyStatusRequestTime, t)
}

func (s *Store) StatusRequestTime() (time.Time, bool, error) {
	return s.getTime(protocol.KeyStatusRequestTime)
}

// IsSessionValid reports whether the persisted session start is within the
// configured timeout window as of now.
func (s *Store) IsSessionValid(now time.Time) (bool, error) {
	start, ok, err := s.SessionStartTime()
	if err != nil || !ok {
		return false, err
	}
	timeout, err := s.SessionTimeout()
	if err != nil {
		return false, err
	}
	return now.Sub(start) < timeout, nil
}

// Snapshot reads all session fields. The reads are sequential single-key
// lookups; the result can straddle a concurrent writer and callers must
// treat it accordingly.
func (s *Store) Snapshot() (Session, error) {
	var snap Session
	var err error
	if snap.ID, err = s.SessionID(); err != nil {
		return snap, err
	}
	if snap.Recording, err = s.Recording(); err != nil {
		return snap, err
	}
	if snap.Paused, err = s.Paused(); err != nil {
		return snap, err
	}
	if snap.AudioSessionActive, err = s.AudioSessionActive(); err != nil {
		return snap, err
	}
	if snap.TranscriptionInProgress, err = s.TranscriptionInProgress(); err != nil {
		return snap, err
	}
	if snap.Segment, err = s.CurrentSegment(); err != nil {
		return snap, err
	}
	if snap.SessionStart, _, err = s.SessionStartTime(); err != nil {
		return snap, err
	}
	if snap.RecordingStart, _, err = s.RecordingStartTime(); err != nil {
		return snap, err
	}
	return snap, nil
}

// AppendSessionEvent records a session transition in the audit timeline.
func (s *Store) AppendSessionEvent(ctx context.Context, sessionID, eventType, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events(session_id, event_type, detail, created_at)
		 VALUES(?, ?, ?, ?)`,
		sessionID, eventType, detail, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, detail, created_at
		 FROM session_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var detail sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies retention to the audit timeline.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE created_at < ?`,
			cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE session_id IN (
				SELECT session_id FROM (
					SELECT session_id, MAX(created_at) AS last_seen
					FROM session_events GROUP BY session_id
					ORDER BY last_seen DESC LIMIT -1 OFFSET ?
				)
			)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return nil
}

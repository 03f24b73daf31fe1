// Package coordinator drives the recording session lifecycle
// (idle → recording → paused ⇄ recording → transcribing → idle) and keeps
// the shared store the single source of truth for the peer process. Every
// transition is a sequence of independent single-key store writes followed
// by a payload-less signal; the peer re-reads the store, never the signal.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nirajnair/murmur/internal/bus"
	"github.com/nirajnair/murmur/internal/capture"
	"github.com/nirajnair/murmur/internal/protocol"
	"github.com/nirajnair/murmur/internal/store"
)

// ErrNotRecording reports a stop or cancel without an active capture handle.
var ErrNotRecording = errors.New("no active recording")

// Transcriber uploads one finished segment and returns its transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

type Options struct {
	CaptureDir        string
	ReturnToHostDelay time.Duration
}

type Coordinator struct {
	opts        Options
	store       *store.Store
	sig         bus.Signaler
	device      capture.Device
	transcriber Transcriber
	log         *slog.Logger
	clock       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	segment   capture.Segment
	segIndex  int
	recording bool
	paused    bool
	deadline  *time.Timer
}

func New(parent context.Context, opts Options, st *store.Store, sig bus.Signaler,
	dev capture.Device, tr Transcriber, log *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	if opts.ReturnToHostDelay <= 0 {
		opts.ReturnToHostDelay = 500 * time.Millisecond
	}
	return &Coordinator{
		opts:        opts,
		store:       st,
		sig:         sig,
		device:      dev,
		transcriber: tr,
		log:         log.With(slog.String("component", "coordinator")),
		clock:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Restore picks up a persisted paused session after a process restart so a
// resume keeps the original session id and segment numbering. State validity
// is the reconciler's call, made before this runs.
func (c *Coordinator) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.store.SessionID()
	if err != nil {
		c.log.Warn("failed to restore session state", slogError(err))
		return
	}
	if id == "" {
		return
	}
	paused, _ := c.store.Paused()
	segment, _ := c.store.CurrentSegment()
	c.sessionID = id
	c.paused = paused
	c.segIndex = segment
	c.log.Info("restored persisted session",
		slog.String("session_id", id), slog.Bool("paused", paused), slog.Int("segment", segment))
}

// StartRecording begins a new session, or resumes the paused one: a paused
// session keeps its id and moves to the next segment instead of paying the
// cost of a fresh session. A start while already recording is a no-op, which
// also settles the deep-link-plus-signal double trigger.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		c.log.Debug("start ignored, already recording", slog.String("session_id", c.sessionID))
		return nil
	}
	if err := c.device.Ready(ctx); err != nil {
		return fmt.Errorf("capture device not ready: %w", err)
	}

	now := c.clock()

	if c.paused && c.sessionID != "" {
		next := c.segIndex + 1
		path := capture.SegmentPath(c.opts.CaptureDir, c.sessionID, next, now)
		seg, err := c.device.BeginSegment(ctx, path)
		if err != nil {
			return fmt.Errorf("begin segment: %w", err)
		}
		c.segment = seg
		c.segIndex = next
		c.recording = true
		c.paused = false

		c.write(c.store.SetRecording(true))
		c.write(c.store.SetPaused(false))
		c.write(c.store.SetCurrentSegment(next))
		c.write(c.store.SetRecordingStartTime(now))
		c.write(c.store.SetAudioSessionActive(true))
		c.armDeadlineLocked()
		c.event(c.sessionID, "resume", fmt.Sprintf("segment %d", next))
		c.post(protocol.SignalRecordingStateChanged)
		c.log.Info("recording resumed",
			slog.String("session_id", c.sessionID), slog.Int("segment", next))
		return nil
	}

	id := uuid.NewString()
	path := capture.SegmentPath(c.opts.CaptureDir, id, 0, now)
	seg, err := c.device.BeginSegment(ctx, path)
	if err != nil {
		return fmt.Errorf("begin segment: %w", err)
	}
	c.sessionID = id
	c.segment = seg
	c.segIndex = 0
	c.recording = true
	c.paused = false

	c.write(c.store.SetSessionID(id))
	c.write(c.store.SetCurrentSegment(0))
	c.write(c.store.SetRecording(true))
	c.write(c.store.SetPaused(false))
	c.write(c.store.SetAudioSessionActive(true))
	c.write(c.store.SetSessionStartTime(now))
	c.write(c.store.SetRecordingStartTime(now))
	c.armDeadlineLocked()
	c.event(id, "start", "")
	c.post(protocol.SignalRecordingStateChanged)
	c.log.Info("recording started",
		slog.String("session_id", id), slog.String("segment_path", path))
	return nil
}

// StopRecording finalizes the current segment, pauses the session, and hands
// the segment to the transcriber in the background. Capture stays warm so a
// subsequent resume is instant.
func (c *Coordinator) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording || c.segment == nil {
		return ErrNotRecording
	}
	seg := c.segment
	sid := c.sessionID
	index := c.segIndex

	// Finalizing can be slow for the exec device, but the lock stays held:
	// releasing it here would let a racing resume persist isRecording=true
	// only to have this transition's writes land afterwards and wedge the
	// store in a paused state the peer then trusts. A resume queues behind
	// the completed stop instead.
	if err := seg.Finish(); err != nil {
		c.segment = nil
		c.recording = false
		c.paused = true
		c.write(c.store.SetRecording(false))
		c.write(c.store.SetPaused(true))
		c.post(protocol.SignalRecordingStateChanged)
		return fmt.Errorf("finalize segment: %w", err)
	}
	c.segment = nil
	c.recording = false
	c.paused = true

	c.write(c.store.SetRecording(false))
	c.write(c.store.SetPaused(true))
	c.write(c.store.SetAudioSessionActive(true))
	c.write(c.store.SetTranscriptionInProgress(true))
	c.event(sid, "stop", fmt.Sprintf("segment %d", index))
	c.post(protocol.SignalRecordingStateChanged)
	c.log.Info("recording stopped, starting transcription",
		slog.String("session_id", sid), slog.Int("segment", index))

	c.wg.Add(1)
	go c.transcribeSegment(sid, seg.Path())
	return nil
}

func (c *Coordinator) transcribeSegment(sid, path string) {
	defer c.wg.Done()

	// The upload runs unlocked; only the completion writes take the lock so
	// they serialize with transition writes from other local callers.
	text, err := c.transcriber.Transcribe(c.ctx, path)

	c.mu.Lock()
	if err != nil {
		c.log.Error("transcription failed", slogError(err))
		c.write(c.store.SetTranscriptionError(err.Error()))
		c.event(sid, "transcription_failed", err.Error())
	} else {
		c.write(c.store.SetPendingTranscription(text))
		c.write(c.store.SetLastTranscription(text))
		c.write(c.store.SetTranscriptionError(""))
		c.event(sid, "transcription_ready", "")
		c.log.Info("transcription succeeded", slog.String("session_id", sid))
	}
	c.write(c.store.SetTranscriptionInProgress(false))
	c.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("failed to delete segment file",
			slog.String("path", path), slog.String("error", err.Error()))
	}
	c.post(protocol.SignalTranscriptionReady)

	// The keyboard needs a moment to pick the transcript up before focus
	// moves back to the host app. Failure follows the same path: the user
	// must never be left stuck in the extension.
	select {
	case <-time.After(c.opts.ReturnToHostDelay):
	case <-c.ctx.Done():
		return
	}
	c.post(protocol.SignalReturnToHostApp)
}

// CancelRecording discards the in-flight segment but keeps the session
// paused, so a later resume still reuses the same session id.
func (c *Coordinator) CancelRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording || c.segment == nil {
		return ErrNotRecording
	}
	seg := c.segment
	sid := c.sessionID
	c.segment = nil
	c.recording = false
	c.paused = true

	if err := seg.Discard(); err != nil {
		c.log.Warn("failed to discard segment", slogError(err))
	}
	c.write(c.store.SetRecording(false))
	c.write(c.store.SetPaused(true))
	c.write(c.store.SetAudioSessionActive(true))
	c.event(sid, "cancel", "")
	c.post(protocol.SignalRecordingStateChanged)
	c.log.Info("recording cancelled", slog.String("session_id", sid))
	return nil
}

// EndSession is the terminal cleanup: deadline timer off, session identity
// cleared, all session booleans reset. Runs on explicit user end, timeout
// expiry, and process shutdown.
func (c *Coordinator) EndSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg := c.segment
	sid := c.sessionID
	c.segment = nil
	c.sessionID = ""
	c.segIndex = 0
	c.recording = false
	c.paused = false
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}

	if seg != nil {
		if err := seg.Discard(); err != nil {
			c.log.Warn("failed to discard segment", slogError(err))
		}
	}
	c.write(c.store.SetRecording(false))
	c.write(c.store.SetPaused(false))
	c.write(c.store.SetTranscriptionInProgress(false))
	c.write(c.store.SetCurrentSegment(0))
	c.write(c.store.SetSessionID(""))
	c.write(c.store.ClearSessionStartTime())
	c.write(c.store.ClearRecordingStartTime())
	c.write(c.store.SetAudioSessionActive(true))
	if sid != "" {
		c.event(sid, "end", "")
	}
	c.post(protocol.SignalRecordingStateChanged)
	c.log.Info("recording session ended", slog.String("session_id", sid))
	return nil
}

// HandleInterruption reacts to the audio subsystem being taken away. A hard
// interruption cancels outright; resuming across one risks phantom
// zero-length sessions. A soft end with a resume hint takes the normal
// resume path.
func (c *Coordinator) HandleInterruption(ctx context.Context, began, shouldResume bool) error {
	if began {
		c.mu.Lock()
		c.write(c.store.SetAudioSessionActive(false))
		active := c.recording
		c.mu.Unlock()
		if active {
			c.log.Warn("recording cancelled due to audio interruption")
			return c.CancelRecording(ctx)
		}
		return nil
	}
	if !shouldResume {
		c.mu.Lock()
		c.write(c.store.SetAudioSessionActive(false))
		c.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	c.write(c.store.SetAudioSessionActive(true))
	resume := c.paused && c.sessionID != ""
	c.mu.Unlock()
	if resume {
		c.log.Info("resuming recording after audio interruption")
		return c.StartRecording(ctx)
	}
	return nil
}

// Recording reports the in-memory recording flag.
func (c *Coordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Paused reports the in-memory paused flag.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SessionID returns the live session id, empty when idle.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// armDeadlineLocked (re)arms the session timeout. The duration comes from
// the store so the remote override applies without a restart. Expiry ends
// the session unconditionally: if this process is killed with isRecording
// left true, the reconciler in the peer covers the same case from its side.
func (c *Coordinator) armDeadlineLocked() {
	if c.deadline != nil {
		c.deadline.Stop()
	}
	timeout, err := c.store.SessionTimeout()
	if err != nil {
		c.log.Warn("failed to read session timeout", slogError(err))
		timeout = protocol.DefaultSessionTimeout
	}
	sid := c.sessionID
	c.deadline = time.AfterFunc(timeout, func() {
		c.expire(sid, timeout)
	})
}

func (c *Coordinator) expire(sid string, timeout time.Duration) {
	c.mu.Lock()
	if c.sessionID != sid {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.log.Warn("recording session timed out",
		slog.String("session_id", sid), slog.Duration("timeout", timeout))
	if err := c.EndSession(context.Background()); err != nil {
		c.log.Error("failed to end timed out session", slogError(err))
	}
}

func (c *Coordinator) write(err error) {
	if err != nil {
		c.log.Warn("shared store write failed", slogError(err))
	}
}

func (c *Coordinator) post(name string) {
	if err := c.sig.Post(name); err != nil {
		c.log.Warn("failed to post signal",
			slog.String("signal", name), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) event(sid, eventType, detail string) {
	if err := c.store.AppendSessionEvent(c.ctx, sid, eventType, detail); err != nil {
		c.log.Warn("failed to append session event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

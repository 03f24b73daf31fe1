package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nirajnair/murmur/internal/capture"
	"github.com/nirajnair/murmur/internal/config"
	"github.com/nirajnair/murmur/internal/protocol"
	"github.com/nirajnair/murmur/internal/store"
)

type fakeSignaler struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeSignaler) Post(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, name)
	return nil
}

func (f *fakeSignaler) Observe(string, func()) (func(), error) {
	return func() {}, nil
}

func (f *fakeSignaler) saw(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.posts {
		if p == name {
			return true
		}
	}
	return false
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(context.Context, string) (string, error) {
	return s.text, s.err
}

type deniedDevice struct{}

func (deniedDevice) Ready(context.Context) error { return capture.ErrPermissionDenied }

func (deniedDevice) BeginSegment(context.Context, string) (capture.Segment, error) {
	return nil, capture.ErrPermissionDenied
}

func (deniedDevice) Close() error { return nil }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	coord *Coordinator
	store *store.Store
	sig   *fakeSignaler
}

func newFixture(t *testing.T, tr Transcriber) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(dir, "shared.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dev, err := capture.NewDevice(config.CaptureConfig{
		Mode: "mock", Directory: dir, SampleRate: 16000, Channels: 1,
	}, newLogger())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}

	sig := &fakeSignaler{}
	coord := New(context.Background(), Options{
		CaptureDir:        dir,
		ReturnToHostDelay: 10 * time.Millisecond,
	}, st, sig, dev, tr, newLogger())
	t.Cleanup(coord.Close)

	return &fixture{coord: coord, store: st, sig: sig}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// checkInvariant asserts isRecording XOR isPaused while a session exists and
// both false without one.
func checkInvariant(t *testing.T, st *store.Store) {
	t.Helper()
	id, err := st.SessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	rec, _ := st.Recording()
	paused, _ := st.Paused()
	if id != "" {
		if rec == paused {
			t.Fatalf("invariant violated with live session: isRecording=%v isPaused=%v", rec, paused)
		}
	} else {
		if rec || paused {
			t.Fatalf("invariant violated without session: isRecording=%v isPaused=%v", rec, paused)
		}
	}
}

func TestStartStopTranscribeSuccess(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "hello world"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	id, _ := f.store.SessionID()
	if id == "" {
		t.Fatal("expected session id assigned")
	}
	if rec, _ := f.store.Recording(); !rec {
		t.Fatal("expected isRecording true after start")
	}
	if seg, _ := f.store.CurrentSegment(); seg != 0 {
		t.Fatalf("expected segment 0, got %d", seg)
	}
	checkInvariant(t, f.store)

	if err := f.coord.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if paused, _ := f.store.Paused(); !paused {
		t.Fatal("expected isPaused true after stop")
	}
	checkInvariant(t, f.store)

	waitFor(t, "transcription to finish", func() bool {
		inProgress, _ := f.store.TranscriptionInProgress()
		return !inProgress
	})
	text, ok, err := f.store.TakePendingTranscription()
	if err != nil || !ok || text != "hello world" {
		t.Fatalf("expected pending transcription hello world, got %q ok=%v err=%v", text, ok, err)
	}
	waitFor(t, "transcriptionReady signal", func() bool {
		return f.sig.saw(protocol.SignalTranscriptionReady)
	})
	waitFor(t, "returnToHostApp signal", func() bool {
		return f.sig.saw(protocol.SignalReturnToHostApp)
	})
}

func TestResumeReusesSessionAndAdvancesSegment(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "part"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := f.store.SessionID()
	if err := f.coord.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "transcription to finish", func() bool {
		inProgress, _ := f.store.TranscriptionInProgress()
		return !inProgress
	})

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	second, _ := f.store.SessionID()
	if second != first {
		t.Fatalf("resume allocated a new session id: %q != %q", second, first)
	}
	if seg, _ := f.store.CurrentSegment(); seg != 1 {
		t.Fatalf("expected segment 1 after resume, got %d", seg)
	}
	checkInvariant(t, f.store)
}

func TestCancelKeepsSessionForResume(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "unused"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := f.store.SessionID()

	if err := f.coord.CancelRecording(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if paused, _ := f.store.Paused(); !paused {
		t.Fatal("expected isPaused true after cancel")
	}
	if inProgress, _ := f.store.TranscriptionInProgress(); inProgress {
		t.Fatal("cancel must not start a transcription")
	}
	checkInvariant(t, f.store)

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("resume after cancel: %v", err)
	}
	second, _ := f.store.SessionID()
	if second != first {
		t.Fatalf("resume after cancel allocated a new session id: %q != %q", second, first)
	}
	if seg, _ := f.store.CurrentSegment(); seg != 1 {
		t.Fatalf("expected segment 1 after resume, got %d", seg)
	}
}

func TestDuplicateStartIsNoop(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "unused"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := f.store.SessionID()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
	second, _ := f.store.SessionID()
	if second != first {
		t.Fatalf("duplicate start changed session id: %q != %q", second, first)
	}
	if seg, _ := f.store.CurrentSegment(); seg != 0 {
		t.Fatalf("duplicate start advanced segment to %d", seg)
	}
}

func TestStopWithoutActiveRecording(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "unused"})
	if err := f.coord.StopRecording(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestPermissionDeniedLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(dir, "shared.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sig := &fakeSignaler{}
	coord := New(context.Background(), Options{CaptureDir: dir},
		st, sig, deniedDevice{}, &stubTranscriber{}, newLogger())
	t.Cleanup(coord.Close)

	err = coord.StartRecording(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if id, _ := st.SessionID(); id != "" {
		t.Fatalf("expected no session after denied start, got %q", id)
	}
	if rec, _ := st.Recording(); rec {
		t.Fatal("expected isRecording untouched after denied start")
	}
	if sig.saw(protocol.SignalRecordingStateChanged) {
		t.Fatal("denied start must not emit a state change signal")
	}
}

func TestTranscriptionFailureStillReturnsToHost(t *testing.T) {
	f := newFixture(t, &stubTranscriber{err: errors.New("transcription endpoint returned HTTP 500")})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.coord.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "transcription to finish", func() bool {
		inProgress, _ := f.store.TranscriptionInProgress()
		return !inProgress
	})

	if _, ok, _ := f.store.TakePendingTranscription(); ok {
		t.Fatal("failed transcription must not write pendingTranscription")
	}
	msg, ok, err := f.store.TakeTranscriptionError()
	if err != nil || !ok || msg == "" {
		t.Fatalf("expected transcriptionError written, got %q ok=%v err=%v", msg, ok, err)
	}
	waitFor(t, "returnToHostApp signal", func() bool {
		return f.sig.saw(protocol.SignalReturnToHostApp)
	})
}

func TestSessionTimeoutEndsSession(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "unused"})
	if err := f.store.SetSessionTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("set timeout: %v", err)
	}

	if err := f.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "session to expire", func() bool {
		id, _ := f.store.SessionID()
		return id == ""
	})
	if rec, _ := f.store.Recording(); rec {
		t.Fatal("expected isRecording false after timeout")
	}
	checkInvariant(t, f.store)
}

func TestHardInterruptionCancelsRecording(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "unused"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.coord.HandleInterruption(ctx, true, false); err != nil {
		t.Fatalf("interruption: %v", err)
	}
	if rec, _ := f.store.Recording(); rec {
		t.Fatal("expected recording cancelled by hard interruption")
	}
	if paused, _ := f.store.Paused(); !paused {
		t.Fatal("expected session paused after interruption cancel")
	}
}

func TestSoftInterruptionEndResumes(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "part"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := f.store.SessionID()
	if err := f.coord.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "transcription to finish", func() bool {
		inProgress, _ := f.store.TranscriptionInProgress()
		return !inProgress
	})

	if err := f.coord.HandleInterruption(ctx, false, true); err != nil {
		t.Fatalf("interruption end: %v", err)
	}
	if rec, _ := f.store.Recording(); !rec {
		t.Fatal("expected recording resumed after soft interruption end")
	}
	second, _ := f.store.SessionID()
	if second != first {
		t.Fatalf("interruption resume allocated new session id: %q != %q", second, first)
	}
}

// gatedDevice hands out one segment whose Finish blocks until released, so a
// test can hold a stop mid-finalize while another transition races it.
type gatedDevice struct {
	mu      sync.Mutex
	gated   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedDevice() *gatedDevice {
	return &gatedDevice{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (d *gatedDevice) Ready(context.Context) error { return nil }

func (d *gatedDevice) BeginSegment(_ context.Context, path string) (capture.Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seg := &gatedSegment{path: path}
	if !d.gated {
		d.gated = true
		seg.entered = d.entered
		seg.release = d.release
	}
	return seg, nil
}

func (d *gatedDevice) Close() error { return nil }

type gatedSegment struct {
	path    string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSegment) Path() string { return s.path }

func (s *gatedSegment) Finish() error {
	if s.entered != nil {
		close(s.entered)
		<-s.release
	}
	return nil
}

func (s *gatedSegment) Discard() error { return nil }

func TestStopResumeRaceKeepsStoreConsistent(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(dir, "shared.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dev := newGatedDevice()
	coord := New(context.Background(), Options{
		CaptureDir:        dir,
		ReturnToHostDelay: 10 * time.Millisecond,
	}, st, &fakeSignaler{}, dev, &stubTranscriber{text: "part"}, newLogger())
	t.Cleanup(coord.Close)

	ctx := context.Background()
	if err := coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := st.SessionID()

	stopDone := make(chan error, 1)
	go func() { stopDone <- coord.StopRecording(ctx) }()
	<-dev.entered

	// A resume fired while the stop is still finalizing its segment, the
	// deep-link-plus-signal double trigger. It must queue behind the stop's
	// store writes, not interleave with them.
	startDone := make(chan error, 1)
	go func() { startDone <- coord.StartRecording(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(dev.release)

	if err := <-stopDone; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-startDone; err != nil {
		t.Fatalf("resume: %v", err)
	}

	if !coord.Recording() {
		t.Fatal("expected coordinator recording after queued resume")
	}
	rec, _ := st.Recording()
	paused, _ := st.Paused()
	if !rec || paused {
		t.Fatalf("store diverged from coordinator: isRecording=%v isPaused=%v", rec, paused)
	}
	id, _ := st.SessionID()
	if id != first {
		t.Fatalf("queued resume allocated a new session id: %q != %q", id, first)
	}
	if seg, _ := st.CurrentSegment(); seg != 1 {
		t.Fatalf("expected segment 1 after queued resume, got %d", seg)
	}
	checkInvariant(t, st)
}

func TestEndSessionClearsAllFields(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "unused"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.coord.EndSession(ctx); err != nil {
		t.Fatalf("end session: %v", err)
	}

	sess, err := f.store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if sess.ID != "" || sess.Recording || sess.Paused || sess.TranscriptionInProgress {
		t.Fatalf("expected fully idle state, got %+v", sess)
	}
	if sess.Segment != 0 {
		t.Fatalf("expected segment reset to 0, got %d", sess.Segment)
	}
	if _, ok, _ := f.store.SessionStartTime(); ok {
		t.Fatal("expected sessionStartTime cleared")
	}
	if _, ok, _ := f.store.RecordingStartTime(); ok {
		t.Fatal("expected recordingStartTime cleared")
	}
}

func TestRestorePicksUpPausedSession(t *testing.T) {
	f := newFixture(t, &stubTranscriber{text: "part"})
	ctx := context.Background()

	if err := f.coord.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, _ := f.store.SessionID()
	if err := f.coord.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "transcription to finish", func() bool {
		inProgress, _ := f.store.TranscriptionInProgress()
		return !inProgress
	})

	// A fresh coordinator over the same store stands in for a restarted
	// process.
	dev, err := capture.NewDevice(config.CaptureConfig{
		Mode: "mock", Directory: t.TempDir(), SampleRate: 16000, Channels: 1,
	}, newLogger())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	restarted := New(context.Background(), Options{CaptureDir: t.TempDir()},
		f.store, &fakeSignaler{}, dev, &stubTranscriber{text: "part"}, newLogger())
	t.Cleanup(restarted.Close)
	restarted.Restore()

	if err := restarted.StartRecording(ctx); err != nil {
		t.Fatalf("resume after restart: %v", err)
	}
	second, _ := f.store.SessionID()
	if second != first {
		t.Fatalf("restart resume allocated new session id: %q != %q", second, first)
	}
	if seg, _ := f.store.CurrentSegment(); seg != 1 {
		t.Fatalf("expected segment 1 after restart resume, got %d", seg)
	}
}

package runtime

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/nirajnair/murmur/internal/access"
	"github.com/nirajnair/murmur/internal/capture"
	"github.com/nirajnair/murmur/internal/config"
	"github.com/nirajnair/murmur/internal/coordinator"
	"github.com/nirajnair/murmur/internal/protocol"
	"github.com/nirajnair/murmur/internal/reconcile"
	"github.com/nirajnair/murmur/internal/store"
)

type fakeSignaler struct {
	mu       sync.Mutex
	observed []string
}

func (f *fakeSignaler) Post(string) error { return nil }

func (f *fakeSignaler) Observe(name string, _ func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, name)
	return func() {}, nil
}

func (f *fakeSignaler) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.observed...)
	sort.Strings(out)
	return out
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, string) (string, error) { return "", nil }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(t.TempDir(), "shared.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func expectSignals(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %d subscriptions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected subscriptions %v, got %v", want, got)
		}
	}
}

func TestKeyboardSubscriptions(t *testing.T) {
	st := newStore(t)
	log := newLogger()
	k := NewKeyboard(config.Default(), log)
	k.store = st
	k.reconciler = reconcile.New(st, nil, log)

	sig := &fakeSignaler{}
	responder := access.NewResponder(st, sig, k.FullAccessProbe, log)
	cancel, err := k.subscribe(context.Background(), sig, responder)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(cancel)

	expectSignals(t, sig.names(), []string{
		protocol.SignalRecordingStateChanged,
		protocol.SignalKeyboardStatusUpdated,
		protocol.SignalTranscriptionReady,
		protocol.SignalRequestKeyboardStatus,
	})
}

func TestRecorderSubscriptions(t *testing.T) {
	st := newStore(t)
	log := newLogger()
	r := NewRecorder(config.Default(), log)
	r.store = st
	r.reconciler = reconcile.New(st, nil, log)

	dev, err := capture.NewDevice(config.CaptureConfig{
		Mode: "mock", Directory: t.TempDir(), SampleRate: 16000, Channels: 1,
	}, log)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	sig := &fakeSignaler{}
	r.coord = coordinator.New(context.Background(), coordinator.Options{
		CaptureDir: t.TempDir(),
	}, st, sig, dev, stubTranscriber{}, log)
	t.Cleanup(r.coord.Close)

	cancel, err := r.subscribe(context.Background(), sig)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(cancel)

	expectSignals(t, sig.names(), []string{
		protocol.SignalStartRecording,
		protocol.SignalStopRecording,
		protocol.SignalCancelRecording,
		protocol.SignalRecordingStateChanged,
		protocol.SignalKeyboardStatusUpdated,
	})
}

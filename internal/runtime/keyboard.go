package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nirajnair/murmur/internal/access"
	"github.com/nirajnair/murmur/internal/bus"
	"github.com/nirajnair/murmur/internal/config"
	"github.com/nirajnair/murmur/internal/protocol"
	"github.com/nirajnair/murmur/internal/reconcile"
	"github.com/nirajnair/murmur/internal/store"
)

// Keyboard is the extension-side runtime. It never touches the capture
// device: it requests recorder actions over the bus, consumes transcripts
// from the store's single-slot mailbox, and answers full-access status
// requests.
type Keyboard struct {
	cfg    config.Config
	logger *slog.Logger

	// FullAccessProbe reports the extension's OS-granted full-access
	// capability. The default is permissive; deployments supply the real
	// probe.
	FullAccessProbe func() bool

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store      *store.Store
	sig        *bus.Client
	reconciler *reconcile.Service

	mu         sync.Mutex
	transcript string
}

func NewKeyboard(cfg config.Config, logger *slog.Logger) *Keyboard {
	return &Keyboard{
		cfg:             cfg,
		logger:          logger,
		FullAccessProbe: func() bool { return true },
	}
}

func (k *Keyboard) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(k.cfg, k.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	k.tracerClose = shutdownTelemetry

	sig, err := bus.Connect(ctx, k.cfg.Bus, k.logger)
	if err != nil {
		return fmt.Errorf("failed to connect signal bus: %w", err)
	}
	defer sig.Close()
	k.sig = sig

	st, err := store.Open(ctx, k.cfg.Store, k.logger)
	if err != nil {
		return fmt.Errorf("failed to open shared store: %w", err)
	}
	defer st.Close()
	k.store = st

	k.reconciler = reconcile.New(st, nil, k.logger)
	if _, err := k.reconciler.Check(ctx); err != nil {
		return fmt.Errorf("failed initial state reconciliation: %w", err)
	}

	responder := access.NewResponder(st, sig, k.FullAccessProbe, k.logger)
	// Publish once at launch so the host's first check does not have to
	// wait a full request round trip.
	if err := responder.Respond(ctx); err != nil {
		k.logger.Warn("failed to report keyboard status", slog.String("error", err.Error()))
	}

	cancelObservers, err := k.subscribe(ctx, sig, responder)
	if err != nil {
		return err
	}
	defer cancelObservers()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", k.handleHealth)
	mux.HandleFunc("/readyz", k.handleReady)
	mux.HandleFunc("/state", k.handleState)
	mux.HandleFunc("/transcript", k.handleTranscript)
	mux.HandleFunc("/actions/", k.handleAction)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", k.cfg.HTTP.Bind, k.cfg.HTTP.Port)
	k.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			k.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	k.ready.Store(true)
	k.logger.Info("keyboard runtime started", slog.String("addr", addr))

	<-ctx.Done()
	k.logger.Info("keyboard runtime stopping")
	k.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := k.httpServer.Shutdown(shutdownCtx); err != nil {
		k.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	k.wg.Wait()

	if k.tracerClose != nil {
		if err := k.tracerClose(shutdownCtx); err != nil {
			k.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (k *Keyboard) subscribe(ctx context.Context, sig bus.Signaler, responder *access.Responder) (func(), error) {
	handlers := map[string]func(){
		protocol.SignalRecordingStateChanged: func() {
			if _, err := k.reconciler.Check(ctx); err != nil {
				k.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		},
		protocol.SignalKeyboardStatusUpdated: func() {
			if _, err := k.reconciler.Check(ctx); err != nil {
				k.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		},
		protocol.SignalTranscriptionReady: func() {
			k.consumeTranscription()
		},
		protocol.SignalRequestKeyboardStatus: func() {
			if err := responder.Respond(ctx); err != nil {
				k.logger.Warn("failed to report keyboard status", slog.String("error", err.Error()))
			}
		},
	}

	var cancels []func()
	for name, fn := range handlers {
		cancel, err := sig.Observe(name, fn)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, fmt.Errorf("failed to observe %s: %w", name, err)
		}
		cancels = append(cancels, cancel)
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}, nil
}

// consumeTranscription drains the single-slot mailbox. A signal with an
// empty mailbox means a transcription failure; the error is surfaced and
// cleared the same consume-once way.
func (k *Keyboard) consumeTranscription() {
	text, ok, err := k.store.TakePendingTranscription()
	if err != nil {
		k.logger.Error("failed to read pending transcription", slog.String("error", err.Error()))
		return
	}
	if ok {
		k.mu.Lock()
		k.transcript = text
		k.mu.Unlock()
		k.logger.Info("transcription consumed", slog.Int("length", len(text)))
		return
	}
	if msg, ok, err := k.store.TakeTranscriptionError(); err == nil && ok {
		k.logger.Warn("transcription failed on the recorder side", slog.String("error", msg))
	}
}

func (k *Keyboard) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (k *Keyboard) handleReady(w http.ResponseWriter, _ *http.Request) {
	if k.ready.Load() && k.sig.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (k *Keyboard) handleState(w http.ResponseWriter, _ *http.Request) {
	sess, err := k.store.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sess)
}

func (k *Keyboard) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	k.mu.Lock()
	text := k.transcript
	k.mu.Unlock()
	writeJSON(w, map[string]string{"text": text})
}

// handleAction maps the keyboard's user actions onto recorder signals, e.g.
// POST /actions/start. The recorder process is the sole owner of the capture
// device; all this side does is ask.
func (k *Keyboard) handleAction(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var signal string
	switch strings.TrimPrefix(req.URL.Path, "/actions/") {
	case "start":
		signal = protocol.SignalStartRecording
	case "stop":
		signal = protocol.SignalStopRecording
	case "cancel":
		signal = protocol.SignalCancelRecording
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err := k.sig.Post(signal); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"signal": signal})
}

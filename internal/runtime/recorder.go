// Package runtime assembles the two process runtimes. Recorder owns the
// capture device and the session coordinator; Keyboard consumes transcripts
// and answers full-access status requests. Both talk only through the shared
// store and the signal bus, never to each other directly.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nirajnair/murmur/internal/access"
	"github.com/nirajnair/murmur/internal/bus"
	"github.com/nirajnair/murmur/internal/capture"
	"github.com/nirajnair/murmur/internal/config"
	"github.com/nirajnair/murmur/internal/coordinator"
	"github.com/nirajnair/murmur/internal/deeplink"
	"github.com/nirajnair/murmur/internal/natsserver"
	"github.com/nirajnair/murmur/internal/protocol"
	"github.com/nirajnair/murmur/internal/reconcile"
	"github.com/nirajnair/murmur/internal/secrets"
	"github.com/nirajnair/murmur/internal/store"
	"github.com/nirajnair/murmur/internal/transcribe"
)

type Recorder struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	coord      *coordinator.Coordinator
	checker    *access.Checker
	reconciler *reconcile.Service
	store      *store.Store
	sig        *bus.Client
}

func NewRecorder(cfg config.Config, logger *slog.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	natsSrv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if natsSrv != nil {
		defer natsSrv.Shutdown()
	}

	sig, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect signal bus: %w", err)
	}
	defer sig.Close()
	r.sig = sig

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open shared store: %w", err)
	}
	defer st.Close()
	r.store = st

	creds, err := secrets.Open(r.cfg.Secrets.Path, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	if override, ok := creds.SessionTimeout(); ok {
		r.write(st.SetSessionTimeout(override))
	} else {
		r.write(st.SetSessionTimeout(time.Duration(r.cfg.Session.TimeoutSeconds) * time.Second))
	}

	if err := capture.EnsureDir(r.cfg.Capture.Directory); err != nil {
		return fmt.Errorf("failed to prepare capture directory: %w", err)
	}
	if removed := capture.CleanupStale(r.cfg.Capture.Directory, r.logger); removed > 0 {
		r.logger.Info("removed stale segment files", slog.Int("count", removed))
	}
	dev, err := capture.NewDevice(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open capture device: %w", err)
	}
	defer dev.Close()

	tc, err := transcribe.NewClient(r.cfg.Transcription, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build transcription client: %w", err)
	}
	if base, err := creds.APIBaseURL(); err == nil {
		if err := tc.SetBaseURL(base); err != nil {
			r.logger.Warn("ignoring invalid api base url from credentials",
				slog.String("error", err.Error()))
		}
	}

	r.reconciler = reconcile.New(st, dev, r.logger)
	if _, err := r.reconciler.Check(ctx); err != nil {
		return fmt.Errorf("failed initial state reconciliation: %w", err)
	}
	if err := st.Prune(ctx); err != nil {
		r.logger.Warn("failed to prune session history", slog.String("error", err.Error()))
	}

	r.coord = coordinator.New(ctx, coordinator.Options{
		CaptureDir:        r.cfg.Capture.Directory,
		ReturnToHostDelay: time.Duration(r.cfg.Session.ReturnToHostDelayMS) * time.Millisecond,
	}, st, sig, dev, tc, r.logger)
	defer r.coord.Close()
	r.coord.Restore()

	r.checker = access.NewChecker(st, sig,
		time.Duration(r.cfg.Access.GraceDelayMS)*time.Millisecond, r.logger)

	// Remote config refresh is best effort; the persisted override from the
	// previous run already applies.
	syncer := secrets.NewSyncer(creds, st, r.cfg.Secrets.RemoteConfigURL, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		syncCtx, cancelSync := context.WithTimeout(ctx, 15*time.Second)
		defer cancelSync()
		if err := syncer.Sync(syncCtx); err != nil {
			r.logger.Warn("remote config sync failed", slog.String("error", err.Error()))
		}
	}()

	cancelObservers, err := r.subscribe(ctx, sig)
	if err != nil {
		return err
	}
	defer cancelObservers()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	mux.HandleFunc("/access", r.handleAccess)
	mux.HandleFunc("/deeplink", r.handleDeepLink)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("recorder runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("recorder runtime stopping")
	r.ready.Store(false)

	// Termination cleanup: never leave isRecording wedged true in the store
	// for the keyboard to trust.
	if err := r.coord.EndSession(context.Background()); err != nil {
		r.logger.Error("failed to end session on shutdown", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// subscribe wires the signal handlers. Every handler re-reads the store via
// the coordinator or the reconciler; none of them carry data.
func (r *Recorder) subscribe(ctx context.Context, sig bus.Signaler) (func(), error) {
	handlers := map[string]func(){
		protocol.SignalStartRecording: func() {
			if err := r.coord.StartRecording(ctx); err != nil {
				r.logger.Warn("start signal rejected", slog.String("error", err.Error()))
			}
		},
		protocol.SignalStopRecording: func() {
			if err := r.coord.StopRecording(ctx); err != nil {
				r.logger.Warn("stop signal rejected", slog.String("error", err.Error()))
			}
		},
		protocol.SignalCancelRecording: func() {
			if err := r.coord.CancelRecording(ctx); err != nil {
				r.logger.Warn("cancel signal rejected", slog.String("error", err.Error()))
			}
		},
		protocol.SignalRecordingStateChanged: func() {
			if _, err := r.reconciler.Check(ctx); err != nil {
				r.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		},
		protocol.SignalKeyboardStatusUpdated: func() {
			if _, err := r.reconciler.Check(ctx); err != nil {
				r.logger.Warn("reconcile failed", slog.String("error", err.Error()))
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

func (r *Recorder) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Recorder) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.sig.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Recorder) handleState(w http.ResponseWriter, _ *http.Request) {
	sess, err := r.store.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sess)
}

func (r *Recorder) handleAccess(w http.ResponseWriter, req *http.Request) {
	granted, err := r.checker.Check(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"hasFullAccess": granted})
}

// handleDeepLink accepts the URLs the OS would hand the host app, e.g.
// POST /deeplink?url=murmur://startRecording.
func (r *Recorder) handleDeepLink(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	action, err := deeplink.Parse(req.URL.Query().Get("url"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch action {
	case deeplink.ActionStartRecording:
		if err := r.coord.StartRecording(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	case deeplink.ActionReturnToHost:
		if err := r.sig.Post(protocol.SignalReturnToHostApp); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	writeJSON(w, map[string]string{"action": action.String()})
}

func (r *Recorder) write(err error) {
	if err != nil {
		r.logger.Warn("shared store write failed", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Package access implements the full-access handshake between the host and
// the keyboard. It is a two-step request/response over the shared store and
// the signal bus: the host records when it asked, the keyboard records when
// it answered, and the host discards any answer older than its question. The
// timestamp comparison is the only defense against the bus's unordered
// at-most-once delivery combined with the store's lack of cross-process
// read-after-write consistency.
package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/nirajnair/murmur/internal/bus"
	"github.com/nirajnair/murmur/internal/protocol"
	"github.com/nirajnair/murmur/internal/store"
)

// Checker is the host side: it asks the keyboard to re-report its
// full-access grant and reads the answer after a grace delay.
type Checker struct {
	store *store.Store
	sig   bus.Signaler
	grace time.Duration
	log   *slog.Logger
	clock func() time.Time
}

func NewChecker(st *store.Store, sig bus.Signaler, grace time.Duration, log *slog.Logger) *Checker {
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	return &Checker{
		store: st,
		sig:   sig,
		grace: grace,
		log:   log.With(slog.String("component", "access")),
		clock: time.Now,
	}
}

// Check requests a fresh full-access report and returns the keyboard's
// answer. A stale answer, one whose check timestamp precedes this request,
// never yields true: the persisted flag is forced to false so every reader
// converges on the safe value.
func (c *Checker) Check(ctx context.Context) (bool, error) {
	requestedAt := c.clock()
	if err := c.store.SetStatusRequestTime(requestedAt); err != nil {
		return false, err
	}
	if err := c.sig.Post(protocol.SignalRequestKeyboardStatus); err != nil {
		c.log.Warn("failed to post status request", slog.String("error", err.Error()))
	}

	select {
	case <-time.After(c.grace):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	checkedAt, ok, err := c.store.KeyboardLastCheck()
	if err != nil {
		return false, err
	}
	if !ok || checkedAt.Before(requestedAt) {
		c.log.Info("keyboard status stale, treating full access as revoked",
			slog.Time("requested_at", requestedAt))
		if err := c.store.SetKeyboardFullAccess(false); err != nil {
			return false, err
		}
		return false, nil
	}
	return c.store.KeyboardFullAccess()
}

// Responder is the keyboard side: on each status request it probes the
// OS-granted full-access capability and publishes the result.
type Responder struct {
	store *store.Store
	sig   bus.Signaler
	probe func() bool
	log   *slog.Logger
	clock func() time.Time
}

func NewResponder(st *store.Store, sig bus.Signaler, probe func() bool, log *slog.Logger) *Responder {
	return &Responder{
		store: st,
		sig:   sig,
		probe: probe,
		log:   log.With(slog.String("component", "access")),
		clock: time.Now,
	}
}

// Respond re-reads the extension's full-access grant, writes it with a check
// timestamp, and signals the host to come read it.
func (r *Responder) Respond(ctx context.Context) error {
	granted := r.probe()
	if err := r.store.SetKeyboardFullAccess(granted); err != nil {
		return err
	}
	if err := r.store.SetKeyboardLastCheck(r.clock()); err != nil {
		return err
	}
	if err := r.sig.Post(protocol.SignalKeyboardStatusUpdated); err != nil {
		r.log.Warn("failed to post status update", slog.String("error", err.Error()))
	}
	r.log.Debug("reported keyboard full access", slog.Bool("granted", granted))
	return nil
}

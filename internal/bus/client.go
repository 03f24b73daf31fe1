// Package bus carries the cross-process signals. A signal is a named,
// payload-less broadcast: delivery is best effort and handlers must re-read
// the shared store rather than expect any data on the wire.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nirajnair/murmur/internal/config"
)

// Signaler is the capability components depend on. Observe handlers receive
// nothing but the fact that the signal fired.
type Signaler interface {
	Post(name string) error
	Observe(name string, fn func()) (cancel func(), err error)
}

// Client wraps a NATS connection behind the Signaler capability.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("murmur"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

// Post broadcasts a signal. The message body is intentionally empty.
func (c *Client) Post(name string) error {
	if err := c.conn.Publish(name, nil); err != nil {
		return fmt.Errorf("post signal %s: %w", name, err)
	}
	return nil
}

// Observe registers fn for a signal and returns a cancel func that drops the
// subscription.
func (c *Client) Observe(name string, fn func()) (func(), error) {
	sub, err := c.conn.Subscribe(name, func(_ *nats.Msg) {
		c.log.Debug("signal received", slog.String("signal", name))
		fn()
	})
	if err != nil {
		return nil, fmt.Errorf("observe signal %s: %w", name, err)
	}
	return func() { _ = sub.Drain() }, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

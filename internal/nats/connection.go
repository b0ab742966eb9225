// Package nats opens the broker connection that carries todloop lifecycle
// events.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var (
	// ErrNoConfig is returned by Connect when no configuration is given.
	ErrNoConfig = errors.New("nats: connection config is nil")
	// ErrNoURL is returned when the configuration has no server URL.
	ErrNoURL = errors.New("nats: server URL is empty")
)

// ConnectionConfig describes how a run reaches the event broker.
type ConnectionConfig struct {
	// URL is the server URL, e.g. "nats://localhost:4222".
	URL string
	// Name identifies the run's connection in server monitoring.
	Name string

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// Token takes precedence over Username/Password.
	Token    string
	Username string
	Password string
}

// DefaultConnectionConfig returns the settings a todloop run uses when only
// TODLOOP_NATS_URL is set.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:           url,
		Name:          "todloop",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Validate checks that the configuration can be dialed.
func (c *ConnectionConfig) Validate() error {
	if c == nil {
		return ErrNoConfig
	}
	if c.URL == "" {
		return ErrNoURL
	}
	return nil
}

// options translates the configuration into client options. Connection
// state changes are logged because events are best effort: a run keeps
// going while the broker is away.
func (c *ConnectionConfig) options(logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Event broker connection lost, events are buffered until reconnect", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Event broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("Event broker connection closed")
		}),
	}

	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.Username != "" && c.Password != "":
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Connect dials the broker. The dial itself is not cancelable, so a
// canceled ctx abandons it and closes the connection if it completes later.
func Connect(ctx context.Context, cfg *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, cfg.options(logger)...)
		done <- dialed{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if d := <-done; d.conn != nil {
				d.conn.Close()
			}
		}()
		return nil, fmt.Errorf("nats: dial %s: %w", cfg.URL, ctx.Err())
	case d := <-done:
		if d.err != nil {
			return nil, fmt.Errorf("nats: dial %s: %w", cfg.URL, d.err)
		}
		logger.Debug("Connected to event broker", zap.String("url", d.conn.ConnectedUrl()))
		return d.conn, nil
	}
}

// Close drains pending publishes before closing. A failed drain still
// closes the connection.
func Close(conn *nats.Conn) error {
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

// IsConnected reports whether conn is usable right now.
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

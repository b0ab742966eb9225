package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/todloop/pkg/loop"
	"go.uber.org/zap"
)

// JSContext is the subset of JetStream the publisher depends on.
// Tests provide a fake without a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Config configures a Publisher.
type Config struct {
	// Subject is the prefix events are published under.
	Subject string
	// Stream is the JetStream stream capturing Subject.>.
	Stream     string
	MaxAge     time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// BreakerThreshold consecutive failed publishes open the breaker for
	// BreakerReset; publishes are dropped meanwhile.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultConfig returns a configuration publishing under subject.
func DefaultConfig(subject string) Config {
	return Config{
		Subject:    subject,
		Stream:     streamName(subject),
		MaxAge:     24 * time.Hour,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		BreakerThreshold: 3,
		BreakerReset:     30 * time.Second,
	}
}

// ErrBreakerOpen is returned by Publish while the breaker is open.
var ErrBreakerOpen = errors.New("event publishing suspended after repeated failures")

// streamName derives a stream name from a subject: todloop.events -> TODLOOP_EVENTS.
func streamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "", ">", "").Replace(subject))
}

// Publisher is a loop.Observer that publishes every notification as an
// Event. Publish failures are logged and never fail the run.
type Publisher struct {
	js      JSContext
	config  Config
	breaker *Breaker
	logger  *zap.Logger
}

var _ loop.Observer = (*Publisher)(nil)

// NewPublisher creates a publisher. Call EnsureStream before the first run.
func NewPublisher(js JSContext, config Config, logger *zap.Logger) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("JetStream context cannot be nil")
	}
	if config.Subject == "" {
		return nil, errors.New("subject cannot be empty")
	}
	if config.Stream == "" {
		config.Stream = streamName(config.Subject)
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		js:      js,
		config:  config,
		breaker: NewBreaker(config.BreakerThreshold, config.BreakerReset),
		logger:  logger,
	}, nil
}

// EnsureStream creates the events stream if it doesn't exist.
func (p *Publisher) EnsureStream() error {
	info, err := p.js.StreamInfo(p.config.Stream)
	if err == nil {
		p.logger.Debug("JetStream stream already exists",
			zap.String("stream", p.config.Stream),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", p.config.Stream, err)
	}

	cfg := &nats.StreamConfig{
		Name:     p.config.Stream,
		Subjects: []string{p.config.Subject + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   p.config.MaxAge,
		Replicas: 1,
	}
	if _, err := p.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", p.config.Stream, err)
	}
	p.logger.Info("Created JetStream stream",
		zap.String("stream", cfg.Name),
		zap.Strings("subjects", cfg.Subjects))
	return nil
}

// Breaker returns the publisher's circuit breaker.
func (p *Publisher) Breaker() *Breaker {
	return p.breaker
}

// Publish sends one event, retrying on failure.
func (p *Publisher) Publish(ctx context.Context, e *Event) error {
	if !p.breaker.Allow() {
		return ErrBreakerOpen
	}
	if err := p.publishWithRetry(ctx, e); err != nil {
		p.breaker.RecordFailure()
		if p.breaker.State() == BreakerOpen {
			p.logger.Warn("Event publishing suspended",
				zap.Duration("reset_after", p.config.BreakerReset))
		}
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, e *Event) error {
	data, err := e.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := p.config.Subject + "." + e.Type
	msgID := e.RunID + ":" + e.Type
	if e.Type == TypeTODFinished {
		msgID += ":" + e.TOD
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(p.config.RetryDelay):
			}
		}

		_, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("Publish attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.config.MaxRetries+1),
			zap.String("subject", subject),
			zap.Error(err))
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

func (p *Publisher) publish(ctx context.Context, e *Event) {
	// Events outlive a cancelled run.
	err := p.Publish(context.WithoutCancel(ctx), e)
	if errors.Is(err, ErrBreakerOpen) {
		p.logger.Debug("Dropped event", zap.String("type", e.Type), zap.String("run_id", e.RunID))
		return
	}
	if err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("type", e.Type),
			zap.String("run_id", e.RunID),
			zap.Error(err))
	}
}

func (p *Publisher) RunStarted(ctx context.Context, info loop.RunInfo) {
	p.publish(ctx, NewRunStarted(info))
}

func (p *Publisher) TODFinished(ctx context.Context, runID string, result loop.TODResult) {
	p.publish(ctx, NewTODFinished(runID, result))
}

func (p *Publisher) RunFinished(ctx context.Context, report *loop.Report) {
	p.publish(ctx, NewRunFinished(report))
}

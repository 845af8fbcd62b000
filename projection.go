package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/SALT-FIUBA/backend-sub000"

// DefaultBufferSize is the number of in-flight events a consumer group member
// accepts when no buffer size is configured
const DefaultBufferSize = 10

// Handler handles one committed event delivered to a consumer group.
// Delivery is at-least-once: handlers with external side effects should
// deduplicate on evt.ID.
type Handler func(ctx context.Context, evt StoredEvent) error

// ConsumerCfg represents consumer configuration (configure using ConsumerOption)
type ConsumerCfg struct {
	logger       *slog.Logger
	restartDelay time.Duration
	bufferSize   int
	settings     SubscriptionSettings
	tracer       trace.Tracer
}

// ConsumerOption represents consumer configuration option
type ConsumerOption func(ConsumerCfg) ConsumerCfg

// WithLogger sets the logger used to report nacks and restarts
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.logger = logger

		return cfg
	}
}

// WithRestartDelay sets the delay before a failed subscription loop is restarted
func WithRestartDelay(d time.Duration) ConsumerOption {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.restartDelay = d

		return cfg
	}
}

// WithBufferSize sets the number of in-flight events per subscription
func WithBufferSize(size int) ConsumerOption {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.bufferSize = size

		return cfg
	}
}

// WithSubscriptionSettings overrides the settings consumer groups are created with
func WithSubscriptionSettings(s SubscriptionSettings) ConsumerOption {
	return func(cfg ConsumerCfg) ConsumerCfg {
		cfg.settings = s

		return cfg
	}
}

// NewConsumer constructs a Consumer
func NewConsumer(client Client, enc Encoder, opts ...ConsumerOption) *Consumer {
	cfg := ConsumerCfg{
		logger:       slog.Default(),
		restartDelay: DefaultRestartDelay,
		bufferSize:   DefaultBufferSize,
		settings:     DefaultSubscriptionSettings(),
		tracer:       otel.Tracer(instrumentationName),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.bufferSize < 1 {
		cfg.bufferSize = DefaultBufferSize
	}

	cfg.settings = cfg.settings.Normalized()

	return &Consumer{
		client: client,
		enc:    enc,
		cfg:    cfg,
	}
}

// Consumer delivers committed events to handlers through durable consumer
// groups. Every registration runs its own loop; loops are independent and
// restarted on failure.
type Consumer struct {
	client Client
	enc    Encoder
	cfg    ConsumerCfg

	mu            sync.Mutex
	registrations []registration
}

type registration struct {
	stream  string
	group   string
	handler Handler
}

// Add registers handler as the consumer group named group on stream.
// Make sure to add all of your handlers before calling Run
func (c *Consumer) Add(stream, group string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registrations = append(c.registrations, registration{
		stream:  stream,
		group:   group,
		handler: handler,
	})
}

// Run starts every registration and blocks until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	regs := append([]registration(nil), c.registrations...)
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	for _, reg := range regs {
		g.Go(func() error {
			name := fmt.Sprintf("subscription %s/%s", reg.stream, reg.group)

			return RunForever(ctx, c.cfg.logger, name, c.cfg.restartDelay, func(ctx context.Context) error {
				return c.consume(ctx, reg)
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (c *Consumer) consume(ctx context.Context, reg registration) error {
	err := c.client.CreatePersistentSubscription(ctx, reg.stream, reg.group, c.cfg.settings)
	if err != nil && !errors.Is(err, ErrSubscriptionExists) {
		return fmt.Errorf("create persistent subscription: %w", err)
	}

	sub, err := c.client.SubscribePersistent(ctx, reg.stream, reg.group, c.cfg.bufferSize)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	defer sub.Close()

	for {
		pe, err := sub.Recv(ctx)
		if err != nil {
			return err
		}

		if err := c.dispatch(ctx, reg, sub, pe); err != nil {
			return err
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, reg registration, sub PersistentSubscription, pe *PersistentEvent) error {
	rec := pe.Event

	ctx, span := c.cfg.tracer.Start(ctx, "eventstore.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("eventstore.stream", rec.StreamID),
			attribute.String("eventstore.group", reg.group),
			attribute.String("eventstore.event_id", rec.ID.String()),
			attribute.String("eventstore.event_type", rec.Type),
			attribute.Int("eventstore.retry_count", pe.RetryCount),
		),
	)
	defer span.End()

	logger := c.cfg.logger.With(
		"stream", rec.StreamID,
		"group", reg.group,
		"event_id", rec.ID.String(),
		"event_type", rec.Type,
	)

	evt, err := Decode(c.enc, rec)
	if err != nil {
		if errors.Is(err, ErrEventNotRegistered) {
			logger.Debug("skipping unregistered event")
		} else {
			logger.Warn("skipping undecodable event", "err", err)
			span.RecordError(err)
		}

		return sub.Nack(NackSkip, err.Error(), pe)
	}

	if err := reg.handler(ctx, evt); err != nil {
		logger.Error("handler failed, event will be retried", "err", err, "retry_count", pe.RetryCount)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return sub.Nack(NackRetry, err.Error(), pe)
	}

	return sub.Ack(pe)
}

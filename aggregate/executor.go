package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

const instrumentationName = "github.com/SALT-FIUBA/backend-sub000/aggregate"

// Cfg represents handler configuration (configure using Option)
type Cfg struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	pageSize int
	now      func() time.Time
}

// Option represents handler configuration option
type Option func(Cfg) Cfg

// WithLogger sets the handler logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.logger = logger

		return cfg
	}
}

// WithReplayPageSize sets the number of events read per round trip during replay
func WithReplayPageSize(size int) Option {
	return func(cfg Cfg) Cfg {
		cfg.pageSize = size

		return cfg
	}
}

// WithClock sets the clock events are timestamped with
func WithClock(now func() time.Time) Option {
	return func(cfg Cfg) Cfg {
		cfg.now = now

		return cfg
	}
}

// Result is the outcome of handling one command
type Result[S, O any] struct {
	Output O

	// State is the aggregate state after the command
	State S

	// Events are the events appended, empty when the command emitted none
	Events []eventstore.Event

	// Revision is the stream revision after the command
	Revision eventstore.StreamRevision

	// Snapshotted is set when a new snapshot was written
	Snapshotted bool
}

// NewHandler constructs a command handler for the aggregate described by def
func NewHandler[S, C, O any](client eventstore.Client, def Definition[S, C, O], opts ...Option) (*Handler[S, C, O], error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	cfg := Cfg{
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentationName),
		pageSize: DefaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Handler[S, C, O]{
		client: client,
		def:    def,
		cfg:    cfg,
	}, nil
}

// Handler handles commands for one aggregate kind. It is safe for concurrent
// use; concurrent commands on the same aggregate are serialized by the
// append precondition and the loser gets ErrConcurrencyCheckFailed.
type Handler[S, C, O any] struct {
	client eventstore.Client
	def    Definition[S, C, O]
	cfg    Cfg
}

// Streams returns the stream pair of aggregate id
func (h *Handler[S, C, O]) Streams(id string) eventstore.Streams {
	return eventstore.NewStreams(h.client, h.def.Kind, id)
}

// Load reconstructs the state of aggregate id
func (h *Handler[S, C, O]) Load(ctx context.Context, id string) (Loaded[S], error) {
	return ComputeState(ctx, h.Streams(id), h.def.Encoder, h.def.Reduce, WithPageSize(h.cfg.pageSize))
}

// Handle runs cmd against aggregate id.
//
// The state is reconstructed, the decider is run and the emitted events are
// appended with the revision observed during reconstruction as precondition.
// If the append commits and the state changed a snapshot tagged with the new
// revision is written. Commands that emit no events append nothing.
//
// A failed snapshot write is logged and does not fail the command.
func (h *Handler[S, C, O]) Handle(ctx context.Context, id string, cmd C) (Result[S, O], error) {
	streams := h.Streams(id)

	ctx, span := h.cfg.tracer.Start(ctx, "aggregate.handle", trace.WithAttributes(
		attribute.String("aggregate.kind", h.def.Kind),
		attribute.String("stream", streams.Main.Name()),
	))
	defer span.End()

	res, err := h.handle(ctx, id, streams, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return Result[S, O]{}, err
	}

	return res, nil
}

func (h *Handler[S, C, O]) handle(ctx context.Context, id string, streams eventstore.Streams, cmd C) (Result[S, O], error) {
	loaded, err := ComputeState(ctx, streams, h.def.Encoder, h.def.Reduce, WithPageSize(h.cfg.pageSize))
	if err != nil {
		return Result[S, O]{}, fmt.Errorf("load %s: %w", streams.Main.Name(), err)
	}

	var prior []byte

	if h.def.Equal == nil {
		prior, _ = json.Marshal(loaded.State)
	}

	decision, err := h.def.Decide(cmd, loaded.State)
	if err != nil {
		return Result[S, O]{}, err
	}

	res := Result[S, O]{
		Output:   decision.Output,
		State:    loaded.State,
		Revision: loaded.Revision,
	}

	if len(decision.Events) == 0 {
		return res, nil
	}

	data, err := eventstore.Encode(h.def.Encoder, toStore(ctx, h.cfg.now(), decision.Events))
	if err != nil {
		return Result[S, O]{}, err
	}

	rev, err := streams.Main.Append(ctx, loaded.Revision, data...)
	if err != nil {
		return Result[S, O]{}, err
	}

	res.State = decision.State
	res.Events = decision.Events
	res.Revision = eventstore.Expected(rev)

	if h.unchanged(prior, loaded.State, decision.State) {
		return res, nil
	}

	err = SaveSnapshot(ctx, streams, h.def.Kind, decision.State, rev)
	if err != nil {
		h.cfg.logger.WarnContext(ctx, "snapshot write failed",
			slog.String("stream", streams.Snapshot.Name()),
			slog.String("aggregate_id", id),
			slog.Any("err", err),
		)

		return res, nil
	}

	res.Snapshotted = true

	return res, nil
}

func (h *Handler[S, C, O]) unchanged(prior []byte, before, after S) bool {
	if h.def.Equal != nil {
		return h.def.Equal(before, after)
	}

	next, err := json.Marshal(after)
	if err != nil || prior == nil {
		return false
	}

	return bytes.Equal(prior, next)
}

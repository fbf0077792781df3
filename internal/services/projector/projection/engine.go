package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	platformotel "github.com/louisbranch/identity.space/internal/platform/otel"
	"github.com/louisbranch/identity.space/internal/platform/timeouts"
)

// laneDepth is the number of deliveries queued per lane.
const laneDepth = 4

// State is the lifecycle state of an engine.
type State int32

const (
	StateInitializing State = iota
	StateSubscribed
	StateProcessing
	StateFaulted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config wires one tier. Registry, Units, Positions and Source are required.
type Config[S any] struct {
	Tier        string
	Mode        Mode
	Filter      Filter
	Registry    *Registry[S]
	Units       UnitOfWork[S]
	Positions   PositionReader
	Initializer Initializer
	Source      Source
	// Responder is set only for tiers with a waiting caller.
	Responder Responder
	Health    Health
	Observer  Observer
	Logger    *slog.Logger
	Tracer    trace.Tracer
	// Workers above one partitions streams across lanes. Global tiers
	// always run one lane.
	Workers         int
	ResponseTimeout time.Duration
}

// Engine replays the log into one tier.
type Engine[S any] struct {
	cfg     Config[S]
	logger  *slog.Logger
	tracker *Tracker

	mu    sync.Mutex
	state State
	busy  int
}

// New validates cfg and returns an engine in the initializing state.
func New[S any](cfg Config[S]) (*Engine[S], error) {
	cfg.Tier = strings.TrimSpace(cfg.Tier)
	if cfg.Tier == "" {
		return nil, errors.New("tier is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tier %s: registry is required", cfg.Tier)
	}
	if cfg.Units == nil {
		return nil, fmt.Errorf("tier %s: unit of work is required", cfg.Tier)
	}
	if cfg.Positions == nil {
		return nil, fmt.Errorf("tier %s: position reader is required", cfg.Tier)
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("tier %s: event source is required", cfg.Tier)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Workers > 1 && cfg.Mode == ModeGlobal {
		return nil, fmt.Errorf("tier %s: global tiers process sequentially, got %d workers", cfg.Tier, cfg.Workers)
	}
	if cfg.Health == nil {
		cfg.Health = nopHealth{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = platformotel.Tracer("github.com/louisbranch/identity.space/projection")
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = timeouts.ResponsePublish
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine[S]{
		cfg:     cfg,
		logger:  logger.With("tier", cfg.Tier),
		tracker: NewTracker(cfg.Tier, cfg.Mode),
		state:   StateInitializing,
	}, nil
}

// Tier returns the tier name.
func (e *Engine[S]) Tier() string {
	return e.cfg.Tier
}

// State returns the current lifecycle state.
func (e *Engine[S]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns a snapshot of the in-memory cursor.
func (e *Engine[S]) Cursor() Cursor {
	return e.tracker.Cursor()
}

// Run processes events until ctx is cancelled, the source closes, or a fatal
// error occurs. Cancellation by the caller returns nil. Run may be called
// again after it returns; the cursor is reloaded from durable storage.
func (e *Engine[S]) Run(ctx context.Context) error {
	e.setState(StateInitializing)
	e.cfg.Health.SetStatus(e.cfg.Tier, StatusStarting, "initializing")

	err := e.run(ctx)
	if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		e.setState(StateStopped)
		e.cfg.Health.SetStatus(e.cfg.Tier, StatusStopped, "stopped")
		e.logger.Info("projection stopped")
		return nil
	}

	e.setState(StateFaulted)
	e.cfg.Health.OnFault(e.cfg.Tier, StatusFaulted, err)
	e.logger.Error("projection faulted", "error", err, "code", string(platformerrors.CodeOf(err)))
	return err
}

func (e *Engine[S]) run(ctx context.Context) error {
	if e.cfg.Initializer != nil {
		if err := e.cfg.Initializer.EnsureReady(ctx); err != nil {
			return fmt.Errorf("tier %s: ensure ready: %w", e.cfg.Tier, err)
		}
	}
	if err := e.tracker.Load(ctx, e.cfg.Positions); err != nil {
		return err
	}

	from := e.tracker.ResumeFrom()
	sub, err := e.cfg.Source.Subscribe(ctx, e.cfg.Filter, from)
	if err != nil {
		return fmt.Errorf("tier %s: subscribe: %w", e.cfg.Tier, err)
	}
	defer func() {
		if closeErr := sub.Close(); closeErr != nil {
			e.logger.Warn("close subscription", "error", closeErr)
		}
	}()

	e.setState(StateSubscribed)
	e.cfg.Health.SetStatus(e.cfg.Tier, StatusServing, "subscribed")
	e.logger.Info("projection subscribed",
		"mode", e.cfg.Mode.String(),
		"policy", e.cfg.Registry.Policy().String(),
		"from", from,
		"workers", e.cfg.Workers,
	)

	if e.cfg.Workers > 1 {
		return e.runLanes(ctx, sub)
	}
	return e.runSequential(ctx, sub)
}

func (e *Engine[S]) runSequential(ctx context.Context, sub Subscription) error {
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSubscriptionClosed) {
				return nil
			}
			return err
		}
		if err := e.process(ctx, d); err != nil {
			return err
		}
		e.ack(ctx, sub, d)
	}
}

// runLanes partitions streams over lanes. A stream always maps to the same
// lane so its events stay sequential; acks are released in delivery order.
func (e *Engine[S]) runLanes(ctx context.Context, sub Subscription) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := e.cfg.Workers
	window := newAckWindow(workers * laneDepth)
	lanes := make([]chan *pending, workers)
	var running sync.WaitGroup
	for i := range lanes {
		lane := make(chan *pending, laneDepth)
		lanes[i] = lane
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			for p := range lane {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := e.process(gctx, p.delivery); err != nil {
					return err
				}
				window.complete(p)
			}
			return nil
		})
	}
	g.Go(func() error {
		running.Wait()
		close(window.ready)
		return nil
	})
	// Acks leave one goroutine in delivery order, outside the window lock.
	g.Go(func() error {
		for d := range window.ready {
			e.ack(gctx, sub, d)
			window.release()
		}
		return nil
	})

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			if err := window.acquire(gctx); err != nil {
				return err
			}
			d, err := sub.Next(gctx)
			if err != nil {
				window.release()
				if errors.Is(err, ErrSubscriptionClosed) {
					return nil
				}
				return err
			}
			p := window.push(d)
			select {
			case lanes[laneFor(d.Header.StreamID, workers)] <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *Engine[S]) process(ctx context.Context, d Delivery) error {
	e.enter()
	defer e.leave()

	if d.Header.EventType == "" {
		d.Header.EventType = d.Event.Type
	}
	if d.Header.EventID == "" {
		d.Header.EventID = d.Event.ID
	}
	log := e.logger.With("stream", d.Header.StreamID, "version", d.Header.Version, "event_type", string(d.Event.Type))

	if err := d.Event.Validate(); err != nil {
		e.cfg.Observer.Failed(e.cfg.Tier, string(d.Event.Type), string(platformerrors.CodeOf(err)))
		return fmt.Errorf("tier %s: stream %s version %d: %w", e.cfg.Tier, d.Header.StreamID, d.Header.Version, err)
	}

	applied, err := e.tracker.IsApplied(d.Header)
	if err != nil {
		e.cfg.Observer.Failed(e.cfg.Tier, string(d.Event.Type), string(platformerrors.CodeOf(err)))
		return err
	}
	if applied {
		log.Debug("event already applied")
		e.cfg.Observer.Skipped(e.cfg.Tier, string(d.Event.Type), SkipAlreadyApplied)
		return nil
	}

	binding, err := e.cfg.Registry.Dispatch(d.Event.Type)
	if err != nil {
		e.cfg.Observer.Failed(e.cfg.Tier, string(d.Event.Type), string(platformerrors.CodeOf(err)))
		return err
	}
	if binding == nil {
		log.Info("no handler for event type, skipping")
	}

	ctx, span := e.cfg.Tracer.Start(ctx, "projection.apply", trace.WithAttributes(
		attribute.String("projection.tier", e.cfg.Tier),
		attribute.String("event.type", string(d.Event.Type)),
		attribute.String("event.id", d.Event.ID),
		attribute.String("event.stream", d.Header.StreamID),
		attribute.Int64("event.version", d.Header.Version),
	))
	defer span.End()

	started := time.Now()
	if err := e.apply(ctx, binding, d); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			return ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.cfg.Observer.Failed(e.cfg.Tier, string(d.Event.Type), string(platformerrors.CodeOf(err)))

		var handlerErr *HandlerError
		if errors.As(err, &handlerErr) {
			log.Error("projection handler failed", "event_id", d.Event.ID, "error", handlerErr.Err)
			e.respond(ctx, log, d, handlerErr)
		}
		return err
	}

	if err := e.tracker.Advance(d.Header); err != nil {
		return err
	}
	if binding == nil {
		e.cfg.Observer.Skipped(e.cfg.Tier, string(d.Event.Type), SkipNoHandler)
		return nil
	}
	e.cfg.Observer.Applied(e.cfg.Tier, string(d.Event.Type), time.Since(started))
	e.respond(ctx, log, d, nil)
	return nil
}

// apply runs the handler and records the cursor row in one unit. The unit
// is rolled back on every path that does not commit.
func (e *Engine[S]) apply(ctx context.Context, binding *Binding[S], d Delivery) error {
	unit, err := e.cfg.Units.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tier %s: begin unit: %w", e.cfg.Tier, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := unit.Rollback(); rbErr != nil {
			e.logger.Warn("rollback unit", "error", rbErr)
		}
	}()

	if binding != nil {
		if err := binding.Apply(ctx, d.Event, d.Header, unit.Scope()); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return newHandlerError(e.cfg.Tier, d, err)
		}
	}
	if err := unit.RecordPosition(ctx, e.cfg.Mode, d.Header); err != nil {
		return fmt.Errorf("tier %s: record position: %w", e.cfg.Tier, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := unit.Commit(ctx); err != nil {
		return fmt.Errorf("tier %s: commit unit: %w", e.cfg.Tier, err)
	}
	committed = true
	return nil
}

// respond publishes the outcome of d. Publishing outlives cancellation of
// ctx because the effect is already decided.
func (e *Engine[S]) respond(ctx context.Context, log *slog.Logger, d Delivery, cause error) {
	if e.cfg.Responder == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ResponseTimeout)
	defer cancel()

	var err error
	if cause == nil {
		err = e.cfg.Responder.OnSuccess(pctx, d.Event)
	} else {
		err = e.cfg.Responder.OnFailure(pctx, d.Event, cause)
	}
	if err != nil {
		log.Warn("publish outcome", "correlation_id", d.Event.Metadata.CorrelationID, "error", err)
	}
}

func (e *Engine[S]) ack(ctx context.Context, sub Subscription, d Delivery) {
	if err := sub.Ack(ctx, d); err != nil && ctx.Err() == nil {
		e.logger.Warn("ack delivery", "stream", d.Header.StreamID, "version", d.Header.Version, "error", err)
	}
}

func (e *Engine[S]) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.busy = 0
	e.mu.Unlock()
}

func (e *Engine[S]) enter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy++
	if e.state == StateSubscribed {
		e.state = StateProcessing
	}
}

func (e *Engine[S]) leave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy > 0 {
		e.busy--
	}
	if e.busy == 0 && e.state == StateProcessing {
		e.state = StateSubscribed
	}
}

func laneFor(stream string, lanes int) int {
	return int(xxhash.Sum64String(stream) % uint64(lanes))
}

type pending struct {
	delivery Delivery
	done     bool
}

// ackWindow bounds unacknowledged deliveries and queues acks on ready as a
// contiguous prefix of the delivery order. A slot is released only after
// its delivery was acked, so ready never fills.
type ackWindow struct {
	slots chan struct{}
	ready chan Delivery

	mu    sync.Mutex
	queue []*pending
}

func newAckWindow(size int) *ackWindow {
	return &ackWindow{
		slots: make(chan struct{}, size),
		ready: make(chan Delivery, size),
	}
}

func (w *ackWindow) acquire(ctx context.Context) error {
	select {
	case w.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ackWindow) release() {
	<-w.slots
}

func (w *ackWindow) push(d Delivery) *pending {
	p := &pending{delivery: d}
	w.mu.Lock()
	w.queue = append(w.queue, p)
	w.mu.Unlock()
	return p
}

func (w *ackWindow) complete(p *pending) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p.done = true
	for len(w.queue) > 0 && w.queue[0].done {
		head := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.ready <- head.delivery
	}
}

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/remote"
	"github.com/njoerd114/datastore/internal/sqlgen"
)

const (
	otelScope        = "datastore/sync"
	spanSend         = "sync.mutation.send"
	spanReconcile    = "sync.reconcile"
	metricSent       = "datastore.sync.mutations.sent"
	metricFailed     = "datastore.sync.mutations.failed"
	metricConflicts  = "datastore.sync.conflicts"
	metricReconciled = "datastore.sync.reconciled"
	metricErrors     = "datastore.sync.errors"
)

// instruments are the OTel instruments of the sync core. They are always
// non-nil (no-op when telemetry is disabled).
type instruments struct {
	tracer        trace.Tracer
	cntSent       metric.Int64Counter
	cntFailed     metric.Int64Counter
	cntConflicts  metric.Int64Counter
	cntReconciled metric.Int64Counter
	cntErrors     metric.Int64Counter
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &instruments{
		tracer:        otel.Tracer(otelScope),
		cntSent:       mustCounter(metricSent, "Number of local mutations delivered to the remote"),
		cntFailed:     mustCounter(metricFailed, "Number of local mutations dropped after a failure"),
		cntConflicts:  mustCounter(metricConflicts, "Number of version conflicts resolved"),
		cntReconciled: mustCounter(metricReconciled, "Number of remote changes applied locally"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// Options configure an [Engine].
type Options struct {
	API             remote.API
	ErrorHandler    ErrorHandler
	ConflictHandler ConflictHandler
	// Advisor overrides the retry schedule built from Retry.
	Advisor RetryAdvisor
	Retry   RetryOptions
	// SyncPageSize is the number of records per initial sync request.
	SyncPageSize int
	// SyncInterval schedules delta syncs while running. Zero disables them.
	SyncInterval time.Duration
}

// Engine runs sync: it subscribes to remote changes, performs the initial
// sync and dispatches the outbox. Create one with [NewEngine] and start it
// with [Engine.Run].
type Engine struct {
	storage Storage
	hub     *Hub
	reach   *Reachability
	opts    Options
	log     *slog.Logger

	reconciler *Reconciler
	processor  *Processor
	queue      *OutgoingQueue
	initial    *InitialSync
}

// NewEngine creates an Engine.
func NewEngine(store Storage, outbox Outbox, hub *Hub, reach *Reachability, opts Options, logger *slog.Logger) *Engine {
	if opts.Advisor == nil {
		opts.Advisor = NewBackoffAdvisor(opts.Retry)
	}
	reconciler := NewReconciler(store, outbox, hub, logger)
	processor := NewProcessor(store, outbox, reconciler, hub, reach, ProcessorOptions{
		Advisor:         opts.Advisor,
		ErrorHandler:    opts.ErrorHandler,
		ConflictHandler: opts.ConflictHandler,
	}, logger)
	return &Engine{
		storage:    store,
		hub:        hub,
		reach:      reach,
		opts:       opts,
		log:        logger,
		reconciler: reconciler,
		processor:  processor,
		queue:      NewOutgoingQueue(outbox, processor, logger),
		initial:    NewInitialSync(store, reconciler, opts.SyncPageSize, logger),
	}
}

// Queue returns the outgoing mutation queue.
func (e *Engine) Queue() *OutgoingQueue {
	return e.queue
}

// Notify wakes the outgoing queue after a local mutation was queued.
func (e *Engine) Notify() {
	e.queue.Notify()
}

// Stop halts outgoing dispatch until the next Run.
func (e *Engine) Stop() {
	e.queue.Stop()
}

// Clear stops dispatch and deletes all local data.
func (e *Engine) Clear(ctx context.Context) error {
	e.queue.Stop()
	if err := e.storage.Clear(ctx); err != nil {
		return fmt.Errorf("clearing local store: %w", err)
	}
	e.log.Info("local store cleared")
	return nil
}

// Run syncs until ctx is cancelled or the remote subscription ends. A
// subscription that ends stops outgoing dispatch; its error is reported and
// returned.
func (e *Engine) Run(ctx context.Context) error {
	api := e.opts.API
	if api == nil {
		return errs.New(errs.KindConfiguration, "no remote API configured")
	}

	schemas := sqlgen.SortByDependencyOrder(e.storage.Registry().Schemas())
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}

	events, err := api.Subscribe(ctx, names)
	if err != nil {
		err = fmt.Errorf("subscribing to remote changes: %w", err)
		e.processor.report(err)
		return err
	}
	e.hub.Publish(Event{Kind: EventSubscriptionsEstablished})
	e.log.Info("subscribed to remote changes", "models", len(names))

	syncer, canSync := api.(remote.Syncer)
	if canSync {
		if err := e.initial.Run(ctx, syncer); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("initial sync failed", "error", err)
			e.processor.report(err)
		}
	}

	e.queue.Start(ctx, api)
	defer e.queue.Stop()
	e.hub.Publish(Event{Kind: EventReady})
	e.processor.publishStatus(ctx)

	network, unsubscribe := e.reach.Subscribe()
	defer unsubscribe()

	var tick <-chan time.Time
	if canSync && e.opts.SyncInterval > 0 {
		ticker := time.NewTicker(e.opts.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok || ev.Done {
				return e.subscriptionEnded(ev.Err)
			}
			if ev.Mutation == nil {
				continue
			}
			if _, err := e.reconciler.Apply(ctx, ev.Mutation); err != nil {
				e.log.Error("applying remote change failed", "model", ev.Mutation.Metadata.ModelName,
					"id", ev.Mutation.Metadata.ModelID, "error", err)
				e.processor.report(err)
			}

		case online := <-network:
			e.log.Info("network status changed", "online", online)
			e.hub.Publish(Event{Kind: EventNetworkStatus, NetworkActive: online})
			if online {
				e.queue.Notify()
			}

		case <-tick:
			if err := e.initial.Run(ctx, syncer); err != nil && ctx.Err() == nil {
				e.log.Error("delta sync failed", "error", err)
				e.processor.report(err)
			}
		}
	}
}

func (e *Engine) subscriptionEnded(err error) error {
	e.queue.Stop()
	if err == nil {
		e.log.Info("remote subscription finished")
		return nil
	}
	err = remote.NetworkError(fmt.Errorf("remote subscription ended: %w", err))
	e.log.Error("remote subscription failed, sync stopped", "error", err)
	e.processor.report(err)
	return err
}

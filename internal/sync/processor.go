package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/remote"
)

// Processor delivers one outbox entry to the remote and finishes it: the
// entry is completed on success, after conflict resolution, or when the
// failure cannot be retried.
type Processor struct {
	storage    Storage
	outbox     Outbox
	reconciler *Reconciler
	hub        *Hub
	reach      *Reachability
	advisor    RetryAdvisor
	onError    ErrorHandler
	onConflict ConflictHandler
	inst       *instruments
	log        *slog.Logger
}

// ProcessorOptions configure a [Processor]. Nil fields use defaults.
type ProcessorOptions struct {
	Advisor         RetryAdvisor
	ErrorHandler    ErrorHandler
	ConflictHandler ConflictHandler
}

// NewProcessor creates a Processor.
func NewProcessor(store Storage, outbox Outbox, reconciler *Reconciler, hub *Hub, reach *Reachability, opts ProcessorOptions, logger *slog.Logger) *Processor {
	p := &Processor{
		storage:    store,
		outbox:     outbox,
		reconciler: reconciler,
		hub:        hub,
		reach:      reach,
		advisor:    opts.Advisor,
		onError:    opts.ErrorHandler,
		onConflict: opts.ConflictHandler,
		inst:       newInstruments(logger),
		log:        logger,
	}
	if p.advisor == nil {
		p.advisor = NewBackoffAdvisor(RetryOptions{})
	}
	if p.onConflict == nil {
		p.onConflict = func(context.Context, ConflictData) Resolution { return ApplyRemote() }
	}
	return p
}

// Process sends e through api until it is finished. current reports whether
// sync is still running; a result arriving while it is false is disregarded
// and e stays queued. The remote call itself is never cancelled; ctx only
// cuts retry waits short, in which case ctx's error is returned.
func (p *Processor) Process(ctx context.Context, api remote.API, e *model.MutationEvent, current func() bool) error {
	d := &delivery{p: p, api: api, event: e, current: current}
	req, err := d.request(ctx)
	if err != nil {
		return d.fail(err)
	}
	return d.send(ctx, req, true)
}

// report hands err to the error handler.
func (p *Processor) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// delivery is one attempt to get an outbox entry through to the remote.
type delivery struct {
	p       *Processor
	api     remote.API
	event   *model.MutationEvent
	current func() bool
}

// request builds the remote request, carrying the newest version known for
// the record.
func (d *delivery) request(ctx context.Context) (remote.MutationRequest, error) {
	req := remote.Request(d.event)
	meta, err := d.p.storage.GetMutationSyncMetadata(ctx, d.event.ModelName, d.event.ModelID)
	if err != nil {
		return req, fmt.Errorf("loading sync metadata for %s %s: %w", d.event.ModelName, d.event.ModelID, err)
	}
	if meta != nil && (req.Version == nil || *req.Version < meta.Version) {
		v := meta.Version
		req.Version = &v
	}
	return req, nil
}

// send submits req, retrying network failures as advised. Conflicts are
// resolved only when resolve is set, so a resend ends after one round.
func (d *delivery) send(ctx context.Context, req remote.MutationRequest, resolve bool) error {
	for attempt := 1; ; attempt++ {
		resp, err := d.mutate(ctx, req)
		if !d.current() {
			d.p.log.Debug("disregarding result of stopped dispatch", "id", d.event.ID, "request", req)
			return nil
		}
		if err == nil {
			return d.handle(ctx, req, resp, resolve)
		}
		if !remote.IsNetwork(err) {
			return d.drop(ctx, err)
		}
		advice := d.p.advisor.Advise(err, attempt)
		if !advice.Retry {
			return d.drop(ctx, err)
		}
		d.p.log.Info("mutation send failed, retrying",
			"id", d.event.ID, "request", req, "attempt", attempt, "interval", advice.Interval, "error", err)
		if err := d.p.wait(ctx, advice.Interval); err != nil {
			return err
		}
	}
}

func (d *delivery) mutate(ctx context.Context, req remote.MutationRequest) (*remote.Response, error) {
	ctx, span := d.p.inst.tracer.Start(context.WithoutCancel(ctx), spanSend)
	defer span.End()
	span.SetAttributes(
		attribute.String("model.name", req.ModelName),
		attribute.String("model.id", d.event.ModelID),
		attribute.String("mutation.type", string(req.Type)),
	)
	resp, err := d.api.Mutate(ctx, req)
	if err == nil && resp == nil {
		err = errs.New(errs.KindInternal, "remote returned no response")
	}
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

func (d *delivery) handle(ctx context.Context, req remote.MutationRequest, resp *remote.Response, resolve bool) error {
	if c, ok := resp.Conflict(); ok {
		if !resolve {
			return d.drop(ctx, errs.Wrap(errs.KindConflict, c, fmt.Sprintf("resending %s", req)))
		}
		return d.resolveConflict(ctx, c)
	}
	if len(resp.Errors) > 0 {
		errList := make([]error, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			errList = append(errList, e)
		}
		return d.drop(ctx, fmt.Errorf("remote rejected %s: %w", req, errors.Join(errList...)))
	}
	if resp.Data == nil {
		return d.drop(ctx, errs.Newf(errs.KindInternal, "remote returned no data for %s", req))
	}
	return d.succeed(ctx, resp.Data)
}

// succeed completes the entry and applies the remote's version of the
// record. While more local mutations for the record are queued only the
// metadata is stored, so they carry the new version.
func (d *delivery) succeed(ctx context.Context, ms *remote.MutationSync) error {
	if err := d.p.outbox.Complete(ctx, d.event.ID); err != nil {
		return d.fail(err)
	}
	pending, err := d.p.outbox.HasPending(ctx, d.event.ModelName, d.event.ModelID)
	if err != nil {
		return d.fail(err)
	}
	if pending {
		err = d.p.storage.SaveMutationSyncMetadata(ctx, &ms.Metadata)
	} else {
		_, _, err = d.p.reconciler.apply(ctx, ms)
	}
	if err != nil {
		d.p.report(fmt.Errorf("recording result of %s %s: %w", d.event.MutationType, d.event.ModelName, err))
	}

	d.p.inst.cntSent.Add(ctx, 1)
	d.p.log.Debug("mutation delivered", "id", d.event.ID, "model", d.event.ModelName,
		"model_id", d.event.ModelID, "type", d.event.MutationType, "version", ms.Metadata.Version)
	d.p.processed(ctx, resultingEvent(ms, d.event.MutationType), &ms.Metadata)
	return nil
}

// drop reports err and abandons the entry.
func (d *delivery) drop(ctx context.Context, err error) error {
	d.p.log.Error("dropping mutation", "id", d.event.ID, "model", d.event.ModelName,
		"model_id", d.event.ModelID, "type", d.event.MutationType, "error", err)
	d.p.inst.cntFailed.Add(ctx, 1)
	d.p.report(err)
	if cerr := d.p.outbox.Complete(ctx, d.event.ID); cerr != nil {
		return d.fail(cerr)
	}
	d.p.publishStatus(ctx)
	return nil
}

// fail reports a local storage failure. The entry stays queued.
func (d *delivery) fail(err error) error {
	d.p.inst.cntErrors.Add(context.Background(), 1)
	err = fmt.Errorf("mutation event %s left queued: %w", d.event.ID, err)
	d.p.report(err)
	return err
}

// --- helpers ---

// wait blocks for interval, or until the network comes back, whichever is
// first.
func (p *Processor) wait(ctx context.Context, interval time.Duration) error {
	online, unsubscribe := p.reach.Subscribe()
	defer unsubscribe()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case up := <-online:
			if up {
				p.log.Debug("network available, retrying now")
				return nil
			}
		}
	}
}

// processed publishes the outcome of a finished entry.
func (p *Processor) processed(ctx context.Context, e *model.MutationEvent, meta *model.MutationSyncMetadata) {
	p.hub.Publish(Event{Kind: EventOutboxMutationProcessed, Mutation: e, Metadata: meta})
	p.publishStatus(ctx)
}

func (p *Processor) publishStatus(ctx context.Context) {
	n, err := p.outbox.Count(ctx)
	if err != nil {
		p.log.Warn("counting outbox", "error", err)
		return
	}
	p.hub.Publish(Event{Kind: EventOutboxStatus, OutboxEmpty: n == 0})
}

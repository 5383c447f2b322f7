package sync

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/remote"
	"github.com/njoerd114/datastore/internal/storage"
)

// Reconciler applies remote changes to local storage. A change is skipped
// while the record still has unsent local mutations, and when it would not
// advance the local version.
type Reconciler struct {
	storage Storage
	outbox  Outbox
	hub     *Hub
	inst    *instruments
	log     *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Storage, outbox Outbox, hub *Hub, logger *slog.Logger) *Reconciler {
	return &Reconciler{storage: store, outbox: outbox, hub: hub, inst: newInstruments(logger), log: logger}
}

// Apply reconciles one remote change and publishes it as received. It
// reports whether local storage changed. Foreign key violations caused by a
// missing or concurrently deleted parent are logged and skipped.
func (r *Reconciler) Apply(ctx context.Context, ms *remote.MutationSync) (bool, error) {
	typ, applied, err := r.apply(ctx, ms)
	if err != nil || !applied {
		return false, err
	}
	r.hub.Publish(Event{
		Kind:     EventSyncReceived,
		Mutation: resultingEvent(ms, typ),
		Metadata: &ms.Metadata,
	})
	return true, nil
}

func (r *Reconciler) apply(ctx context.Context, ms *remote.MutationSync) (model.MutationType, bool, error) {
	meta := ms.Metadata
	ctx, span := r.inst.tracer.Start(ctx, spanReconcile)
	defer span.End()
	span.SetAttributes(
		attribute.String("model.name", meta.ModelName),
		attribute.String("model.id", meta.ModelID),
		attribute.Int64("sync.version", meta.Version),
		attribute.Bool("sync.deleted", meta.Deleted),
	)

	pending, err := r.outbox.HasPending(ctx, meta.ModelName, meta.ModelID)
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("checking outbox for %s %s: %w", meta.ModelName, meta.ModelID, err)
	}
	if pending {
		r.log.Debug("skipping remote change, local mutation pending",
			"model", meta.ModelName, "id", meta.ModelID, "version", meta.Version)
		return "", false, nil
	}

	local, err := r.storage.GetMutationSyncMetadata(ctx, meta.ModelName, meta.ModelID)
	if err != nil {
		span.RecordError(err)
		return "", false, err
	}
	if local != nil && meta.Version <= local.Version {
		r.log.Debug("skipping stale remote change",
			"model", meta.ModelName, "id", meta.ModelID, "remote_version", meta.Version, "local_version", local.Version)
		return "", false, nil
	}

	typ := model.MutationUpdate
	switch {
	case meta.Deleted:
		typ = model.MutationDelete
		err = r.storage.ApplyRemoteDelete(ctx, meta.ModelName, meta.ModelID, &meta)
	case local == nil:
		typ = model.MutationCreate
		err = r.storage.ApplyRemote(ctx, ms.Record, &meta)
	default:
		err = r.storage.ApplyRemote(ctx, ms.Record, &meta)
	}
	if err != nil {
		if storage.IsIgnorable(err) {
			r.log.Warn("ignoring remote change that violates a foreign key",
				"model", meta.ModelName, "id", meta.ModelID, "error", err)
			return "", false, nil
		}
		span.RecordError(err)
		r.inst.cntErrors.Add(ctx, 1)
		return "", false, fmt.Errorf("reconciling %s %s: %w", meta.ModelName, meta.ModelID, err)
	}

	r.inst.cntReconciled.Add(ctx, 1)
	r.log.Debug("remote change applied", "model", meta.ModelName, "id", meta.ModelID, "type", typ, "version", meta.Version)
	return typ, true, nil
}

// --- helpers ---

// resultingEvent describes an applied remote change to status subscribers.
func resultingEvent(ms *remote.MutationSync, typ model.MutationType) *model.MutationEvent {
	e := &model.MutationEvent{
		ModelID:      ms.Metadata.ModelID,
		ModelName:    ms.Metadata.ModelName,
		MutationType: typ,
		Version:      &ms.Metadata.Version,
	}
	if ms.Record != nil {
		if data, err := model.EncodeRecord(ms.Record); err == nil {
			e.JSON = string(data)
		}
	}
	return e
}

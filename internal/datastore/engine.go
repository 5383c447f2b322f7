// Package datastore is the application-facing store: saves and deletes are
// written locally, queued in the outbox and handed to the sync engine.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/outbox"
	dssync "github.com/njoerd114/datastore/internal/sync"
)

// Store is the local persistence used by the [StorageEngine].
// Implemented by [storage.Adapter].
type Store interface {
	Registry() *model.Registry
	Save(ctx context.Context, r *model.Record, cond model.Predicate) error
	Get(ctx context.Context, modelName, id string) (*model.Record, error)
	Query(ctx context.Context, modelName string, pred model.Predicate, sort model.SortInput, page *model.Pagination) ([]*model.Record, error)
	Delete(ctx context.Context, modelName, id string, pred model.Predicate) (*model.Record, error)
	GetMutationSyncMetadata(ctx context.Context, modelName, id string) (*model.MutationSyncMetadata, error)
}

// Outbox queues local mutations. Implemented by [outbox.Queue].
type Outbox interface {
	Submit(ctx context.Context, e *model.MutationEvent) (outbox.Disposition, error)
}

// Notifier is told when a mutation was queued. Implemented by [dssync.Engine].
type Notifier interface {
	Notify()
}

// StorageEngine writes application changes locally and queues them for the
// remote. Errors from local storage are returned to the caller; delivery
// errors are only reported through the sync engine's error handler.
type StorageEngine struct {
	store  Store
	outbox Outbox
	hub    *dssync.Hub
	notify Notifier
	log    *slog.Logger
}

// NewStorageEngine creates a StorageEngine. notify may be nil when sync is
// not running.
func NewStorageEngine(store Store, ob Outbox, hub *dssync.Hub, notify Notifier, logger *slog.Logger) *StorageEngine {
	return &StorageEngine{store: store, outbox: ob, hub: hub, notify: notify, log: logger}
}

// Save writes r, then queues a create or update for it. A record without an
// id is assigned a new one. When cond is set the write only happens if the
// stored record matches it, and the condition travels with the mutation.
// If the outbox refuses the mutation the local row is put back as it was.
func (e *StorageEngine) Save(ctx context.Context, r *model.Record, cond model.Predicate) error {
	s, err := e.schema(r.Model)
	if err != nil {
		return err
	}
	if err := r.Normalize(s); err != nil {
		return errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("saving %s", r.Model))
	}
	if !s.HasCompositeKey() && r.String(s.PrimaryKey[0]) == "" {
		r.Set(s.PrimaryKey[0], uuid.NewString())
	}
	id := s.Identifier(r)

	existing, err := e.store.Get(ctx, r.Model, id)
	if err != nil {
		return err
	}
	typ := model.MutationCreate
	if existing != nil {
		typ = model.MutationUpdate
	}

	if err := e.store.Save(ctx, r, cond); err != nil {
		return err
	}
	if err := e.submit(ctx, r, id, typ, cond); err != nil {
		return e.revert(ctx, r.Model, id, existing, err)
	}
	return nil
}

// SaveModel saves a typed model.
func (e *StorageEngine) SaveModel(ctx context.Context, m model.Model, cond model.Predicate) (*model.Record, error) {
	s, err := e.schema(m.ModelName())
	if err != nil {
		return nil, err
	}
	r, err := model.FromModel(s, m)
	if err != nil {
		return nil, err
	}
	if err := e.Save(ctx, r, cond); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes the record with the given id, if it exists and matches
// pred, and queues a delete for it. Deleting a missing record is a no-op.
func (e *StorageEngine) Delete(ctx context.Context, modelName, id string, pred model.Predicate) error {
	if _, err := e.schema(modelName); err != nil {
		return err
	}
	deleted, err := e.store.Delete(ctx, modelName, id, pred)
	if err != nil {
		return err
	}
	if deleted == nil {
		e.log.Debug("nothing to delete", "model", modelName, "id", id)
		return nil
	}
	return e.submit(ctx, deleted, id, model.MutationDelete, pred)
}

// Query returns the records of modelName matching pred.
func (e *StorageEngine) Query(ctx context.Context, modelName string, pred model.Predicate, sort model.SortInput, page *model.Pagination) ([]*model.Record, error) {
	return e.store.Query(ctx, modelName, pred, sort, page)
}

// Get returns one record, or nil if it does not exist.
func (e *StorageEngine) Get(ctx context.Context, modelName, id string) (*model.Record, error) {
	return e.store.Get(ctx, modelName, id)
}

// --- helpers ---

func (e *StorageEngine) submit(ctx context.Context, r *model.Record, id string, typ model.MutationType, cond model.Predicate) error {
	data, err := model.EncodeRecord(r)
	if err != nil {
		return err
	}
	filter, err := model.FilterJSON(cond)
	if err != nil {
		return errs.Wrap(errs.KindInvalidCondition, err, "encoding condition")
	}
	ev := &model.MutationEvent{
		ModelID:           id,
		ModelName:         r.Model,
		JSON:              string(data),
		MutationType:      typ,
		GraphQLFilterJSON: filter,
	}
	meta, err := e.store.GetMutationSyncMetadata(ctx, r.Model, id)
	if err != nil {
		return err
	}
	if meta != nil {
		v := meta.Version
		ev.Version = &v
	}

	d, err := e.outbox.Submit(ctx, ev)
	if err != nil {
		return fmt.Errorf("queueing %s of %s %s: %w", typ, r.Model, id, err)
	}
	e.log.Debug("local mutation queued", "model", r.Model, "id", id, "type", typ, "disposition", d)
	if d == outbox.DropBoth {
		return nil
	}
	e.hub.Publish(dssync.Event{Kind: dssync.EventOutboxMutationEnqueued, Mutation: ev})
	if e.notify != nil {
		e.notify.Notify()
	}
	return nil
}

// revert restores the row written by a Save whose mutation was not queued.
// previous is nil when the Save created the row.
func (e *StorageEngine) revert(ctx context.Context, modelName, id string, previous *model.Record, cause error) error {
	var err error
	if previous == nil {
		_, err = e.store.Delete(ctx, modelName, id, nil)
	} else {
		err = e.store.Save(ctx, previous, nil)
	}
	if err != nil {
		e.log.Error("restoring local row failed", "model", modelName, "id", id, "error", err)
		return errors.Join(cause, fmt.Errorf("restoring %s %s: %w", modelName, id, err))
	}
	return cause
}

func (e *StorageEngine) schema(name string) (*model.Schema, error) {
	s, ok := e.store.Registry().Schema(name)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "model %q is not registered", name)
	}
	return s, nil
}

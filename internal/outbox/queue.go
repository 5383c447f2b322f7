// Package outbox is the durable queue of local mutations awaiting delivery
// to the remote. It decides how a new mutation combines with one already
// queued for the same record and hands entries to the dispatcher one at a
// time. All state lives in the storage adapter's MutationEvent table.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/datastore/internal/model"
)

// Store persists outbox entries. Implemented by [storage.Adapter].
type Store interface {
	Save(ctx context.Context, r *model.Record, cond model.Predicate) error
	Query(ctx context.Context, modelName string, pred model.Predicate, sort model.SortInput, page *model.Pagination) ([]*model.Record, error)
	Delete(ctx context.Context, modelName, id string, pred model.Predicate) (*model.Record, error)
	DeleteWhere(ctx context.Context, modelName string, pred model.Predicate) (int64, error)
	Count(ctx context.Context, modelName string, pred model.Predicate) (int, error)
}

var byCreatedAt = model.SortInput{model.Asc("createdAt")}

// Queue is the mutation event queue. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	store Store
	log   *slog.Logger
	now   func() time.Time

	// lastCreatedAt keeps entry timestamps strictly increasing.
	lastCreatedAt int64
	loaded        bool
}

// New creates a Queue persisting through store.
func New(store Store, logger *slog.Logger) *Queue {
	return &Queue{store: store, log: logger, now: time.Now}
}

// Submit queues candidate, combining it with the most recent unsent entry
// for the same record according to [Dispose]. A rejected candidate returns
// the rejection error and changes nothing.
func (q *Queue) Submit(ctx context.Context, candidate *model.MutationEvent) (Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.mergeTarget(ctx, candidate.ModelName, candidate.ModelID)
	if err != nil {
		return Reject, err
	}
	d, err := Dispose(existing, candidate)
	if err != nil {
		q.log.Debug("mutation rejected", "model", candidate.ModelName, "id", candidate.ModelID,
			"type", candidate.MutationType, "error", err)
		return d, err
	}

	switch d {
	case Append:
		if candidate.ID == "" {
			candidate.ID = uuid.NewString()
		}
		candidate.InProcess = false
		if candidate.CreatedAt, err = q.nextCreatedAt(ctx); err != nil {
			return d, err
		}
		err = q.save(ctx, candidate)

	case Replace:
		existing.MutationType = candidate.MutationType
		existing.JSON = candidate.JSON
		existing.GraphQLFilterJSON = candidate.GraphQLFilterJSON
		if candidate.Version != nil {
			existing.Version = candidate.Version
		}
		err = q.save(ctx, existing)
		candidate.ID, candidate.CreatedAt = existing.ID, existing.CreatedAt

	case MergeIntoCreate:
		existing.JSON = candidate.JSON
		err = q.save(ctx, existing)
		candidate.ID, candidate.CreatedAt = existing.ID, existing.CreatedAt

	case DropBoth:
		if _, err = q.store.Delete(ctx, model.MutationEventModel, existing.ID, nil); err != nil {
			return d, fmt.Errorf("dropping mutation event %s: %w", existing.ID, err)
		}
		if _, err = q.store.Delete(ctx, candidate.ModelName, candidate.ModelID, nil); err != nil {
			return d, fmt.Errorf("deleting never-synced %s %s: %w", candidate.ModelName, candidate.ModelID, err)
		}
	}
	if err != nil {
		return d, err
	}

	q.log.Debug("mutation queued", "model", candidate.ModelName, "id", candidate.ModelID,
		"type", candidate.MutationType, "disposition", d)
	return d, nil
}

// Next returns the entry to send next, or nil when the queue is empty. An
// entry already marked in process is returned as is; otherwise the earliest
// entry is marked in process first. At most one entry is in process.
func (q *Queue) Next(ctx context.Context) (*model.MutationEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inProcess, err := q.first(ctx, model.FieldOf("inProcess").Eq(true))
	if err != nil || inProcess != nil {
		return inProcess, err
	}
	next, err := q.first(ctx, nil)
	if err != nil || next == nil {
		return nil, err
	}
	next.InProcess = true
	if err := q.save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Complete removes a delivered or abandoned entry.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.store.Delete(ctx, model.MutationEventModel, id, nil); err != nil {
		return fmt.Errorf("completing mutation event %s: %w", id, err)
	}
	return nil
}

// Pending returns the queued entries for one record, oldest first.
func (q *Queue) Pending(ctx context.Context, modelName, modelID string) ([]*model.MutationEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list(ctx, forRecord(modelName, modelID))
}

// HasPending reports whether a record has queued entries.
func (q *Queue) HasPending(ctx context.Context, modelName, modelID string) (bool, error) {
	n, err := q.store.Count(ctx, model.MutationEventModel, forRecord(modelName, modelID))
	if err != nil {
		return false, fmt.Errorf("counting pending mutations: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of queued entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	n, err := q.store.Count(ctx, model.MutationEventModel, nil)
	if err != nil {
		return 0, fmt.Errorf("counting mutation events: %w", err)
	}
	return n, nil
}

// List returns every queued entry, oldest first.
func (q *Queue) List(ctx context.Context) ([]*model.MutationEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list(ctx, nil)
}

// Clear removes every queued entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.store.DeleteWhere(ctx, model.MutationEventModel, nil)
	if err != nil {
		return fmt.Errorf("clearing outbox: %w", err)
	}
	q.log.Info("outbox cleared", "removed", n)
	return nil
}

// --- helpers -----------------------------------------------------------------

func forRecord(modelName, modelID string) model.Predicate {
	return model.AndOf(model.FieldOf("modelName").Eq(modelName), model.FieldOf("modelId").Eq(modelID))
}

// mergeTarget returns the most recent entry for the record that is not in
// process, or nil when every entry is in process or there is none.
func (q *Queue) mergeTarget(ctx context.Context, modelName, modelID string) (*model.MutationEvent, error) {
	events, err := q.list(ctx, forRecord(modelName, modelID))
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].InProcess {
			return events[i], nil
		}
	}
	return nil, nil //nolint:nilnil // intentional: nothing to merge with
}

func (q *Queue) first(ctx context.Context, pred model.Predicate) (*model.MutationEvent, error) {
	recs, err := q.store.Query(ctx, model.MutationEventModel, pred, byCreatedAt, model.FirstResult())
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil //nolint:nilnil // intentional: empty queue
	}
	return model.MutationEventFromRecord(recs[0])
}

func (q *Queue) list(ctx context.Context, pred model.Predicate) ([]*model.MutationEvent, error) {
	recs, err := q.store.Query(ctx, model.MutationEventModel, pred, byCreatedAt, nil)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	events := make([]*model.MutationEvent, 0, len(recs))
	for _, r := range recs {
		e, err := model.MutationEventFromRecord(r)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (q *Queue) save(ctx context.Context, e *model.MutationEvent) error {
	if err := q.store.Save(ctx, e.Record(), nil); err != nil {
		return fmt.Errorf("saving mutation event %s: %w", e.ID, err)
	}
	return nil
}

// nextCreatedAt returns a timestamp later than every queued entry's.
func (q *Queue) nextCreatedAt(ctx context.Context) (int64, error) {
	if !q.loaded {
		recs, err := q.store.Query(ctx, model.MutationEventModel, nil,
			model.SortInput{model.Desc("createdAt")}, model.FirstResult())
		if err != nil {
			return 0, fmt.Errorf("querying outbox: %w", err)
		}
		if len(recs) > 0 {
			if v, ok := recs[0].Values["createdAt"].(int64); ok {
				q.lastCreatedAt = v
			}
		}
		q.loaded = true
	}
	ts := q.now().UnixNano()
	if ts <= q.lastCreatedAt {
		ts = q.lastCreatedAt + 1
	}
	q.lastCreatedAt = ts
	return ts, nil
}

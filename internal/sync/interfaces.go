// Package sync delivers queued local mutations to the remote and applies
// remote changes to local storage.
//
// The package contains these components:
//
//   - [OutgoingQueue] is the dispatch state machine. It hands one outbox
//     entry at a time to the [Processor].
//   - [Processor] sends a mutation, retries network failures and routes
//     version conflicts to the [ConflictResolver].
//   - [Reconciler] applies remote changes from the subscription stream,
//     from initial sync and from mutation responses.
//   - [InitialSync] pages base and delta syncs through the reconciler.
//   - [Engine] wires them together and owns the lifecycle.
package sync

import (
	"context"

	"github.com/njoerd114/datastore/internal/model"
)

// Storage provides the local persistence the sync core needs.
// Implemented by [storage.Adapter].
type Storage interface {
	Registry() *model.Registry
	Get(ctx context.Context, modelName, id string) (*model.Record, error)
	GetMutationSyncMetadata(ctx context.Context, modelName, id string) (*model.MutationSyncMetadata, error)
	SaveMutationSyncMetadata(ctx context.Context, m *model.MutationSyncMetadata) error
	ApplyRemote(ctx context.Context, r *model.Record, m *model.MutationSyncMetadata) error
	ApplyRemoteDelete(ctx context.Context, modelName, id string, m *model.MutationSyncMetadata) error
	GetModelSyncMetadata(ctx context.Context, modelName string) (*model.ModelSyncMetadata, error)
	SaveModelSyncMetadata(ctx context.Context, m *model.ModelSyncMetadata) error
	Clear(ctx context.Context) error
}

// Outbox provides the queued local mutations.
// Implemented by [outbox.Queue].
type Outbox interface {
	Next(ctx context.Context) (*model.MutationEvent, error)
	Complete(ctx context.Context, id string) error
	HasPending(ctx context.Context, modelName, modelID string) (bool, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// ErrorHandler receives sync failures. Sync errors never reach the caller
// of the originating save; this is their only outlet.
type ErrorHandler func(err error)

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/remote"
	"github.com/njoerd114/datastore/internal/sqlgen"
)

const defaultSyncPageSize = 1000

// InitialSync pulls every model's remote records through the reconciler
// before local mutations are sent. Models are synced parents first. A model
// synced before gets a delta sync from its last sync time.
type InitialSync struct {
	storage    Storage
	reconciler *Reconciler
	pageSize   int
	log        *slog.Logger
}

// NewInitialSync creates an InitialSync fetching pageSize records per
// request. Zero uses a default.
func NewInitialSync(store Storage, reconciler *Reconciler, pageSize int, logger *slog.Logger) *InitialSync {
	if pageSize <= 0 {
		pageSize = defaultSyncPageSize
	}
	return &InitialSync{storage: store, reconciler: reconciler, pageSize: pageSize, log: logger}
}

// Run syncs all registered models. It stops at the first model that fails.
func (s *InitialSync) Run(ctx context.Context, syncer remote.Syncer) error {
	for _, schema := range sqlgen.SortByDependencyOrder(s.storage.Registry().Schemas()) {
		if err := s.syncModel(ctx, syncer, schema.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *InitialSync) syncModel(ctx context.Context, syncer remote.Syncer, modelName string) error {
	meta, err := s.storage.GetModelSyncMetadata(ctx, modelName)
	if err != nil {
		return fmt.Errorf("loading last sync of %s: %w", modelName, err)
	}
	var lastSync *time.Time
	if meta != nil {
		lastSync = &meta.LastSync
	}
	s.log.Info("syncing model", "model", modelName, "delta", lastSync != nil)

	var (
		token     string
		startedAt time.Time
		applied   int
		received  int
	)
	for {
		var page *remote.SyncPage
		err := retryNetwork(ctx, 0, func() error {
			var err error
			page, err = syncer.Sync(ctx, modelName, lastSync, token, s.pageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("syncing %s: %w", modelName, err)
		}
		if startedAt.IsZero() {
			startedAt = page.StartedAt
		}
		for _, item := range page.Items {
			received++
			ok, err := s.reconciler.Apply(ctx, item)
			if err != nil {
				return fmt.Errorf("syncing %s: %w", modelName, err)
			}
			if ok {
				applied++
			}
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	if err := s.storage.SaveModelSyncMetadata(ctx, &model.ModelSyncMetadata{ModelName: modelName, LastSync: startedAt}); err != nil {
		return fmt.Errorf("recording last sync of %s: %w", modelName, err)
	}
	s.log.Info("model synced", "model", modelName, "received", received, "applied", applied)
	return nil
}

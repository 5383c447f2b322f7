package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/sqlgen"
)

// metadataChunkSize keeps batch lookups under SQLite's bound parameter limit.
const metadataChunkSize = 900

// QueryMutationSyncMetadata returns the sync metadata of the given records.
// Records without metadata are absent from the result.
func (a *Adapter) QueryMutationSyncMetadata(ctx context.Context, modelName string, ids []string) ([]*model.MutationSyncMetadata, error) {
	s := a.registry.MustSchema(model.MutationSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*model.MutationSyncMetadata
	for start := 0; start < len(ids); start += metadataChunkSize {
		end := min(start+metadataChunkSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, model.MetadataKey(modelName, id))
		}
		stmt, cols := sqlgen.SelectByKeys(s, keys)
		rows, err := a.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return nil, fmt.Errorf("querying sync metadata for %s: %w", modelName, err)
		}
		for rows.Next() {
			r, err := a.scanRecord(s, cols, rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, model.MutationSyncMetadataFromRecord(r))
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("querying sync metadata for %s: %w", modelName, err)
		}
	}
	return out, nil
}

// GetMutationSyncMetadata returns the sync metadata of one record, or
// (nil, nil) if it has none.
func (a *Adapter) GetMutationSyncMetadata(ctx context.Context, modelName, id string) (*model.MutationSyncMetadata, error) {
	s := a.registry.MustSchema(model.MutationSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, err := a.get(ctx, a.db, s, model.MetadataKey(modelName, id))
	if err != nil || r == nil {
		return nil, err
	}
	return model.MutationSyncMetadataFromRecord(r), nil
}

// SaveMutationSyncMetadata inserts or replaces the sync metadata of a record.
func (a *Adapter) SaveMutationSyncMetadata(ctx context.Context, m *model.MutationSyncMetadata) error {
	s := a.registry.MustSchema(model.MutationSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.withTx(ctx, func(tx *sql.Tx) error {
		return a.save(ctx, tx, s, m.Record(), nil)
	})
}

// ApplyRemote writes a remote version of a record and its sync metadata in
// one transaction.
func (a *Adapter) ApplyRemote(ctx context.Context, r *model.Record, m *model.MutationSyncMetadata) error {
	s, err := a.schema(r.Model)
	if err != nil {
		return err
	}
	meta := a.registry.MustSchema(model.MutationSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.withTx(ctx, func(tx *sql.Tx) error {
		if err := a.save(ctx, tx, s, r, nil); err != nil {
			return err
		}
		return a.save(ctx, tx, meta, m.Record(), nil)
	})
}

// ApplyRemoteDelete removes a record deleted remotely and records its
// tombstone metadata in one transaction.
func (a *Adapter) ApplyRemoteDelete(ctx context.Context, modelName, id string, m *model.MutationSyncMetadata) error {
	s, err := a.schema(modelName)
	if err != nil {
		return err
	}
	meta := a.registry.MustSchema(model.MutationSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := sqlgen.Delete(s, id, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("deleting %s %s: %w", modelName, id, err)
		}
		return a.save(ctx, tx, meta, m.Record(), nil)
	})
}

// GetModelSyncMetadata returns when modelName was last synced, or
// (nil, nil) if it never was.
func (a *Adapter) GetModelSyncMetadata(ctx context.Context, modelName string) (*model.ModelSyncMetadata, error) {
	s := a.registry.MustSchema(model.ModelSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, err := a.get(ctx, a.db, s, modelName)
	if err != nil || r == nil {
		return nil, err
	}
	m := &model.ModelSyncMetadata{ModelName: modelName}
	if ms, ok := r.Values["lastSync"].(int64); ok {
		m.LastSync = time.UnixMilli(ms).UTC()
	}
	return m, nil
}

// SaveModelSyncMetadata records the last sync time of a model.
func (a *Adapter) SaveModelSyncMetadata(ctx context.Context, m *model.ModelSyncMetadata) error {
	s := a.registry.MustSchema(model.ModelSyncMetadataModel)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.withTx(ctx, func(tx *sql.Tx) error {
		return a.save(ctx, tx, s, m.Record(), nil)
	})
}

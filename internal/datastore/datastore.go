package datastore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/outbox"
	"github.com/njoerd114/datastore/internal/storage"
	dssync "github.com/njoerd114/datastore/internal/sync"
)

// Options configure [Open].
type Options struct {
	Storage storage.Options
	Sync    dssync.Options
}

// DataStore bundles local storage, the outbox and the sync engine.
type DataStore struct {
	*StorageEngine

	storage *storage.Adapter
	outbox  *outbox.Queue
	hub     *dssync.Hub
	reach   *dssync.Reachability
	engine  *dssync.Engine
	log     *slog.Logger
}

// Open opens the local database, creates the tables of every registered
// model and wires the sync engine. Sync starts with [DataStore.Sync].
func Open(ctx context.Context, opts Options, registry *model.Registry, logger *slog.Logger) (*DataStore, error) {
	store, err := storage.Open(opts.Storage, registry, logger)
	if err != nil {
		return nil, err
	}
	if err := store.SetUp(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("setting up storage: %w", err)
	}

	queue := outbox.New(store, logger)
	hub := dssync.NewHub(logger)
	reach := dssync.NewReachability()
	engine := dssync.NewEngine(store, queue, hub, reach, opts.Sync, logger)

	return &DataStore{
		StorageEngine: NewStorageEngine(store, queue, hub, engine, logger),
		storage:       store,
		outbox:        queue,
		hub:           hub,
		reach:         reach,
		engine:        engine,
		log:           logger,
	}, nil
}

// Sync runs the sync engine until ctx is cancelled or the remote
// subscription ends.
func (d *DataStore) Sync(ctx context.Context) error {
	return d.engine.Run(ctx)
}

// Stop halts outgoing sync. Local reads and writes keep working.
func (d *DataStore) Stop() {
	d.engine.Stop()
}

// Clear stops sync and deletes all local data, including unsent mutations.
func (d *DataStore) Clear(ctx context.Context) error {
	return d.engine.Clear(ctx)
}

// Events subscribes to status events.
func (d *DataStore) Events(buffer int) (<-chan dssync.Event, func()) {
	return d.hub.Subscribe(buffer)
}

// SetNetworkAvailable reports a connectivity change.
func (d *DataStore) SetNetworkAvailable(online bool) {
	d.reach.Publish(online)
}

// Pending returns the number of queued local mutations.
func (d *DataStore) Pending(ctx context.Context) (int, error) {
	return d.outbox.Count(ctx)
}

// Adapter returns the storage adapter for inspection.
func (d *DataStore) Adapter() *storage.Adapter {
	return d.storage
}

// Outbox returns the queue of unsent local mutations.
func (d *DataStore) Outbox() *outbox.Queue {
	return d.outbox
}

// Close closes the local database.
func (d *DataStore) Close() error {
	d.engine.Stop()
	return d.storage.Close()
}

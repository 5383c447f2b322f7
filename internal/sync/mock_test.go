package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/outbox"
	"github.com/njoerd114/datastore/internal/remote"
	"github.com/njoerd114/datastore/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock remote API ---------------------------------------------------------

type mutateResult struct {
	resp *remote.Response
	err  error
}

// mockAPI answers Mutate from a script; once the script is used up every
// request succeeds with the next version.
type mockAPI struct {
	mu       sync.Mutex
	registry *model.Registry
	script   []mutateResult
	requests []remote.MutationRequest
	// release, when set, blocks each Mutate until a value is received.
	release chan struct{}
	started chan struct{}
	// inFlight counts Mutate calls that have not returned; peak is its maximum.
	inFlight int
	peak     int

	events       chan remote.SubscriptionEvent
	subscribed   []string
	subscribeErr error
}

func newMockAPI(reg *model.Registry, script ...mutateResult) *mockAPI {
	return &mockAPI{
		registry: reg,
		script:   script,
		events:   make(chan remote.SubscriptionEvent, 16),
		started:  make(chan struct{}, 16),
	}
}

func (m *mockAPI) Mutate(_ context.Context, req remote.MutationRequest) (*remote.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inFlight++
	m.peak = max(m.peak, m.inFlight)
	release := m.release
	var next *mutateResult
	if len(m.script) > 0 {
		next = &m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	select {
	case m.started <- struct{}{}:
	default:
	}
	if release != nil {
		<-release
	}
	if next != nil {
		return next.resp, next.err
	}
	return m.success(req)
}

func (m *mockAPI) success(req remote.MutationRequest) (*remote.Response, error) {
	s := m.registry.MustSchema(req.ModelName)
	r, err := model.DecodeRecord(s, []byte(req.JSON))
	if err != nil {
		return nil, err
	}
	version := int64(1)
	if req.Version != nil {
		version = *req.Version + 1
	}
	return &remote.Response{Data: &remote.MutationSync{
		Record: r,
		Metadata: model.MutationSyncMetadata{
			ModelID:       s.Identifier(r),
			ModelName:     req.ModelName,
			Deleted:       req.Type == model.MutationDelete,
			LastChangedAt: 1700000000,
			Version:       version,
		},
	}}, nil
}

func (m *mockAPI) Subscribe(_ context.Context, modelNames []string) (<-chan remote.SubscriptionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.subscribed = modelNames
	return m.events, nil
}

func (m *mockAPI) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

// Peak returns the largest number of Mutate calls outstanding at once.
func (m *mockAPI) Peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func (m *mockAPI) Requests() []remote.MutationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]remote.MutationRequest(nil), m.requests...)
}

// --- Mock syncer -------------------------------------------------------------

type syncCall struct {
	modelName string
	lastSync  *time.Time
	token     string
}

type mockSyncer struct {
	*mockAPI
	mu    sync.Mutex
	pages map[string][]*remote.SyncPage
	calls []syncCall
}

func newMockSyncer(api *mockAPI) *mockSyncer {
	return &mockSyncer{mockAPI: api, pages: make(map[string][]*remote.SyncPage)}
}

func (m *mockSyncer) Sync(_ context.Context, modelName string, lastSync *time.Time, token string, _ int) (*remote.SyncPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, syncCall{modelName: modelName, lastSync: lastSync, token: token})
	pages := m.pages[modelName]
	if len(pages) == 0 {
		return &remote.SyncPage{StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
	}
	m.pages[modelName] = pages[1:]
	return pages[0], nil
}

func (m *mockSyncer) Calls() []syncCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncCall(nil), m.calls...)
}

// --- Error recorder ----------------------------------------------------------

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) handle(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// --- Storage wrappers --------------------------------------------------------

// metadataFailingStorage fails every sync metadata lookup with err.
type metadataFailingStorage struct {
	Storage
	err error
}

func (s metadataFailingStorage) GetMutationSyncMetadata(context.Context, string, string) (*model.MutationSyncMetadata, error) {
	return nil, s.err
}

// --- Retry advisor -----------------------------------------------------------

// fixedAdvisor retries network failures after interval, up to max attempts.
type fixedAdvisor struct {
	interval time.Duration
	max      int
}

func (a fixedAdvisor) Advise(err error, attempt int) RetryAdvice {
	if !remote.IsNetwork(err) || attempt >= a.max {
		return RetryAdvice{}
	}
	return RetryAdvice{Retry: true, Interval: a.interval}
}

// --- Fixture -----------------------------------------------------------------

type fixture struct {
	reg    *model.Registry
	store  *storage.Adapter
	outbox *outbox.Queue
	hub    *Hub
	reach  *Reachability
	errs   *errorRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := model.NewRegistry(
		&model.Schema{
			Name: "Post",
			Fields: []model.Field{
				{Name: "id", Type: model.TypeString, Required: true},
				{Name: "title", Type: model.TypeString, Required: true},
				{Name: "rating", Type: model.TypeInt},
			},
		},
		&model.Schema{
			Name:   "Comment",
			Fields: []model.Field{{Name: "id", Type: model.TypeString, Required: true}, {Name: "content", Type: model.TypeString}},
			Associations: []model.Association{
				{Name: "post", Kind: model.BelongsTo, Target: "Post", Required: true},
			},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store, err := storage.Open(storage.Options{Path: filepath.Join(t.TempDir(), "sync.db")}, reg, discardLogger())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SetUp(context.Background()); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	return &fixture{
		reg:    reg,
		store:  store,
		outbox: outbox.New(store, discardLogger()),
		hub:    NewHub(discardLogger()),
		reach:  NewReachability(),
		errs:   &errorRecorder{},
	}
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.store, f.outbox, f.hub, discardLogger())
}

func (f *fixture) processor(opts ProcessorOptions) *Processor {
	if opts.Advisor == nil {
		opts.Advisor = fixedAdvisor{interval: time.Millisecond, max: 5}
	}
	opts.ErrorHandler = f.errs.handle
	return NewProcessor(f.store, f.outbox, f.reconciler(), f.hub, f.reach, opts, discardLogger())
}

// enqueue saves r locally (unless deleting) and queues a mutation for it.
func (f *fixture) enqueue(t *testing.T, typ model.MutationType, r *model.Record) *model.MutationEvent {
	t.Helper()
	ctx := context.Background()
	if typ != model.MutationDelete {
		if err := f.store.Save(ctx, r, nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
	} else if _, err := f.store.Delete(ctx, r.Model, r.String("id"), nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	data, err := model.EncodeRecord(r)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	e := &model.MutationEvent{ModelName: r.Model, ModelID: r.String("id"), MutationType: typ, JSON: string(data)}
	if _, err := f.outbox.Submit(ctx, e); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return e
}

// next takes the next outbox entry, failing the test if there is none.
func (f *fixture) next(t *testing.T) *model.MutationEvent {
	t.Helper()
	e, err := f.outbox.Next(context.Background())
	if err != nil || e == nil {
		t.Fatalf("Next = %v, %v; want an entry", e, err)
	}
	return e
}

func (f *fixture) outboxCount(t *testing.T) int {
	t.Helper()
	n, err := f.outbox.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func (f *fixture) setVersion(t *testing.T, modelName, id string, version int64) {
	t.Helper()
	err := f.store.SaveMutationSyncMetadata(context.Background(), &model.MutationSyncMetadata{
		ModelName: modelName, ModelID: id, Version: version, LastChangedAt: 1700000000,
	})
	if err != nil {
		t.Fatalf("SaveMutationSyncMetadata: %v", err)
	}
}

func post(id, title string) *model.Record {
	return model.NewRecord("Post").Set("id", id).Set("title", title).Set("rating", int64(0))
}

// remoteSync builds a remote record with sync metadata.
func remoteSync(t *testing.T, reg *model.Registry, modelName string, fields map[string]any, version int64, deleted bool) *remote.MutationSync {
	t.Helper()
	payload := map[string]any{remote.FieldVersion: version, remote.FieldDeleted: deleted, remote.FieldLastChangedAt: 1700000000}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ms, err := remote.DecodeMutationSync(reg.MustSchema(modelName), data)
	if err != nil {
		t.Fatalf("DecodeMutationSync: %v", err)
	}
	return ms
}

func conflictResult(data string) mutateResult {
	return mutateResult{resp: &remote.Response{Errors: []remote.GraphQLError{
		{Message: "conflict detected", ErrorType: remote.ConflictUnhandled, Data: []byte(data)},
	}}}
}

// drain collects the events currently buffered on ch.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func always() bool { return true }

func describe(events []Event) string {
	s := ""
	for _, e := range events {
		s += fmt.Sprintf("%s ", e.Kind)
	}
	return s
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/prefs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg, err := model.NewRegistry(
		&model.Schema{
			Name: "Post",
			Fields: []model.Field{
				{Name: "id", Type: model.TypeString, Required: true},
				{Name: "title", Type: model.TypeString, Required: true},
				{Name: "rating", Type: model.TypeInt},
				{Name: "draft", Type: model.TypeBool},
				{Name: "tags", Type: model.TypeEmbedded},
			},
			Indexes: []model.Index{{Name: "byTitle", Fields: []string{"title"}}},
		},
		&model.Schema{
			Name:   "Comment",
			Fields: []model.Field{{Name: "id", Type: model.TypeString, Required: true}, {Name: "content", Type: model.TypeString}},
			Associations: []model.Association{
				{Name: "post", Kind: model.BelongsTo, Target: "Post", Required: true},
			},
		},
		&model.Schema{
			Name: "Order",
			Fields: []model.Field{
				{Name: "customerId", Type: model.TypeString, Required: true},
				{Name: "orderNo", Type: model.TypeInt, Required: true},
				{Name: "total", Type: model.TypeDouble},
			},
			PrimaryKey: []string{"customerId", "orderNo"},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")}, testRegistry(t), discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.SetUp(context.Background()); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	return a
}

func post(id, title string, rating int64) *model.Record {
	return model.NewRecord("Post").Set("id", id).Set("title", title).Set("rating", rating).Set("draft", false)
}

func TestSetUp_Idempotent(t *testing.T) {
	a := openTestAdapter(t)
	if err := a.SetUp(context.Background()); err != nil {
		t.Fatalf("second SetUp: %v", err)
	}
}

func TestSave_InsertThenUpdate(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	p := post("p1", "Hello", 3).Set("tags", []any{"go", "sqlite"})
	if err := a.Save(ctx, p, nil); err != nil {
		t.Fatalf("Save insert: %v", err)
	}
	p.Set("title", "Hello again")
	if err := a.Save(ctx, p, nil); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	got, err := a.Get(ctx, "Post", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want record")
	}
	if got.String("title") != "Hello again" {
		t.Errorf("title = %q, want %q", got.String("title"), "Hello again")
	}
	if got.Values["draft"] != false {
		t.Errorf("draft = %#v, want false", got.Values["draft"])
	}
	if got.Values["rating"] != int64(3) {
		t.Errorf("rating = %#v, want int64(3)", got.Values["rating"])
	}
	tags, _ := got.Values["tags"].([]any)
	if len(tags) != 2 || tags[0] != "go" {
		t.Errorf("tags = %#v, want [go sqlite]", got.Values["tags"])
	}

	n, err := a.Count(ctx, "Post", nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1 after update", n)
	}
}

func TestGet_NotFound(t *testing.T) {
	a := openTestAdapter(t)
	got, err := a.Get(context.Background(), "Post", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestSave_Condition(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	err := a.Save(ctx, post("p1", "Hello", 1), model.FieldOf("title").Eq("Hello"))
	if !errors.Is(err, errs.ErrInvalidCondition) {
		t.Fatalf("conditioned save of missing row: err = %v, want invalid condition", err)
	}
	if ok, _ := a.Exists(ctx, "Post", "p1", nil); ok {
		t.Fatal("row written despite failed condition")
	}

	if err := a.Save(ctx, post("p1", "Hello", 1), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	err = a.Save(ctx, post("p1", "Changed", 2), model.FieldOf("rating").Gt(5))
	if !errors.Is(err, errs.ErrInvalidCondition) {
		t.Errorf("non-matching condition: err = %v, want invalid condition", err)
	}
	if err := a.Save(ctx, post("p1", "Changed", 2), model.FieldOf("rating").Eq(1)); err != nil {
		t.Errorf("matching condition: %v", err)
	}
	if err := a.Save(ctx, post("p1", "Again", 2), model.All); err != nil {
		t.Errorf("match-all condition: %v", err)
	}
}

func TestQuery_JoinSortPage(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	if err := a.Save(ctx, post("p1", "Parent", 1), nil); err != nil {
		t.Fatalf("Save post: %v", err)
	}
	for i := range 5 {
		c := model.NewRecord("Comment").Set("id", fmt.Sprintf("c%d", i)).
			Set("content", fmt.Sprintf("comment %d", i)).Set("postId", "p1")
		if err := a.Save(ctx, c, nil); err != nil {
			t.Fatalf("Save comment: %v", err)
		}
	}

	got, err := a.Query(ctx, "Comment", model.FieldOf("post.title").Eq("Parent"),
		model.SortInput{model.Desc("content")}, model.Page(1, 2))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].String("id") != "c2" || got[1].String("id") != "c1" {
		t.Errorf("page ids = %s,%s; want c2,c1", got[0].String("id"), got[1].String("id"))
	}
	parent, ok := got[0].Values["post"].(*model.Record)
	if !ok {
		t.Fatalf("post = %#v, want nested *Record", got[0].Values["post"])
	}
	if parent.Model != "Post" || parent.String("title") != "Parent" || parent.Values["rating"] != int64(1) {
		t.Errorf("nested parent = %+v", parent)
	}
}

func TestSave_ForeignKeyViolationIsIgnorable(t *testing.T) {
	a := openTestAdapter(t)
	c := model.NewRecord("Comment").Set("id", "c1").Set("postId", "no-such-post")
	err := a.Save(context.Background(), c, nil)
	if err == nil {
		t.Fatal("expected foreign key error, got nil")
	}
	if !IsIgnorable(err) {
		t.Errorf("IsIgnorable(%v) = false, want true", err)
	}
	if !errors.Is(err, errs.ErrIgnorable) {
		t.Errorf("errors.Is(err, ErrIgnorable) = false for %v", err)
	}
	if IsIgnorable(errors.New("boom")) || IsIgnorable(nil) {
		t.Error("IsIgnorable classified an unrelated error")
	}
}

func TestDelete(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	if err := a.Save(ctx, post("p1", "Hello", 1), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c := model.NewRecord("Comment").Set("id", "c1").Set("postId", "p1")
	if err := a.Save(ctx, c, nil); err != nil {
		t.Fatalf("Save comment: %v", err)
	}

	if _, err := a.Delete(ctx, "Post", "p1", model.FieldOf("rating").Gt(1)); !errors.Is(err, errs.ErrInvalidCondition) {
		t.Fatalf("Delete with failing predicate: err = %v, want invalid condition", err)
	}
	deleted, err := a.Delete(ctx, "Post", "p1", model.FieldOf("rating").Eq(1))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted == nil || deleted.String("title") != "Hello" {
		t.Errorf("deleted = %+v, want the removed post", deleted)
	}
	if ok, _ := a.Exists(ctx, "Comment", "c1", nil); ok {
		t.Error("child comment survived parent delete; expected cascade")
	}

	again, err := a.Delete(ctx, "Post", "p1", nil)
	if err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if again != nil {
		t.Errorf("Delete missing returned %+v, want nil", again)
	}
}

func TestCompositeKey(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	o := model.NewRecord("Order").Set("customerId", "c1").Set("orderNo", int64(7)).Set("total", 9.5)
	if err := a.Save(ctx, o, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	o.Set("total", 12.0)
	if err := a.Save(ctx, o, nil); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	got, err := a.Get(ctx, "Order", "c1#7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Values["total"] != 12.0 {
		t.Fatalf("Get = %+v, want total 12", got)
	}
	if _, ok := got.Values[model.PrimaryKeyColumn]; ok {
		t.Error("synthetic key column leaked into record values")
	}
}

func TestQueryMutationSyncMetadata_Chunked(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	const total = 2000
	ids := make([]string, 0, total)
	for i := range total {
		id := fmt.Sprintf("p%04d", i)
		ids = append(ids, id)
		if i%2 == 0 {
			continue
		}
		m := &model.MutationSyncMetadata{ModelName: "Post", ModelID: id, Version: int64(i), LastChangedAt: 100}
		if err := a.SaveMutationSyncMetadata(ctx, m); err != nil {
			t.Fatalf("SaveMutationSyncMetadata: %v", err)
		}
	}

	got, err := a.QueryMutationSyncMetadata(ctx, "Post", ids)
	if err != nil {
		t.Fatalf("QueryMutationSyncMetadata: %v", err)
	}
	if len(got) != total/2 {
		t.Errorf("len = %d, want %d", len(got), total/2)
	}

	one, err := a.GetMutationSyncMetadata(ctx, "Post", "p0001")
	if err != nil {
		t.Fatalf("GetMutationSyncMetadata: %v", err)
	}
	if one == nil || one.Version != 1 || one.ModelID != "p0001" {
		t.Errorf("metadata = %+v, want version 1 for p0001", one)
	}
	if none, _ := a.GetMutationSyncMetadata(ctx, "Comment", "p0001"); none != nil {
		t.Errorf("metadata for other model = %+v, want nil", none)
	}
}

func TestApplyRemoteAndDelete(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	meta := &model.MutationSyncMetadata{ModelName: "Post", ModelID: "p1", Version: 2, LastChangedAt: 10}
	if err := a.ApplyRemote(ctx, post("p1", "Remote", 4), meta); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if got, _ := a.Get(ctx, "Post", "p1"); got == nil || got.String("title") != "Remote" {
		t.Fatalf("after ApplyRemote got %+v", got)
	}

	tomb := &model.MutationSyncMetadata{ModelName: "Post", ModelID: "p1", Version: 3, Deleted: true, LastChangedAt: 11}
	if err := a.ApplyRemoteDelete(ctx, "Post", "p1", tomb); err != nil {
		t.Fatalf("ApplyRemoteDelete: %v", err)
	}
	if ok, _ := a.Exists(ctx, "Post", "p1", nil); ok {
		t.Error("row still present after ApplyRemoteDelete")
	}
	got, _ := a.GetMutationSyncMetadata(ctx, "Post", "p1")
	if got == nil || !got.Deleted || got.Version != 3 {
		t.Errorf("metadata = %+v, want deleted version 3", got)
	}
}

func TestModelSyncMetadata(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	if m, err := a.GetModelSyncMetadata(ctx, "Post"); err != nil || m != nil {
		t.Fatalf("initial GetModelSyncMetadata = %+v, %v; want nil, nil", m, err)
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := a.SaveModelSyncMetadata(ctx, &model.ModelSyncMetadata{ModelName: "Post", LastSync: ts}); err != nil {
		t.Fatalf("SaveModelSyncMetadata: %v", err)
	}
	m, err := a.GetModelSyncMetadata(ctx, "Post")
	if err != nil {
		t.Fatalf("GetModelSyncMetadata: %v", err)
	}
	if m == nil || !m.LastSync.Equal(ts) {
		t.Errorf("LastSync = %+v, want %v", m, ts)
	}
}

func TestDeleteWhere(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	for i := range 3 {
		if err := a.Save(ctx, post(fmt.Sprintf("p%d", i), "T", int64(i)), nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	n, err := a.DeleteWhere(ctx, "Post", model.FieldOf("rating").Ge(1))
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}
	if c, _ := a.Count(ctx, "Post", nil); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}
}

func TestClear(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()
	if err := a.Save(ctx, post("p1", "Hello", 1), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	n, err := a.Count(ctx, "Post", nil)
	if err != nil {
		t.Fatalf("Count after Clear: %v", err)
	}
	if n != 0 {
		t.Errorf("Count = %d, want 0 after Clear", n)
	}
}

func TestUnknownModel(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Query(context.Background(), "Nope", nil, nil, nil)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

// --- version gate ------------------------------------------------------------

func openPrefs(t *testing.T) *prefs.Store {
	t.Helper()
	p, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("prefs.Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestVersionGate_RebuildsOnChange(t *testing.T) {
	ctx := context.Background()
	p := openPrefs(t)
	path := filepath.Join(t.TempDir(), "v.db")
	reg := testRegistry(t)

	a, err := Open(Options{Path: path, Version: "1", Prefs: p}, reg, discardLogger())
	if err != nil {
		t.Fatalf("Open v1: %v", err)
	}
	if err := a.SetUp(ctx); err != nil {
		t.Fatalf("SetUp: %v", err)
	}
	if err := a.Save(ctx, post("p1", "Hello", 1), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = a.Close()

	// Same version keeps the data.
	a, err = Open(Options{Path: path, Version: "1", Prefs: p}, reg, discardLogger())
	if err != nil {
		t.Fatalf("reopen v1: %v", err)
	}
	if ok, _ := a.Exists(ctx, "Post", "p1", nil); !ok {
		t.Error("row lost on reopen with unchanged version")
	}
	_ = a.Close()

	// A new version drops the file.
	a, err = Open(Options{Path: path, Version: "2", Prefs: p}, reg, discardLogger())
	if err != nil {
		t.Fatalf("Open v2: %v", err)
	}
	defer func() { _ = a.Close() }()
	if err := a.SetUp(ctx); err != nil {
		t.Fatalf("SetUp v2: %v", err)
	}
	if ok, _ := a.Exists(ctx, "Post", "p1", nil); ok {
		t.Error("row survived a version change")
	}
	if v, _, _ := p.Get(prefs.KeyDatabaseVersion); v != "2" {
		t.Errorf("persisted version = %q, want 2", v)
	}
}

func TestVersionGate_DeleteFailureIsInvalidDatabase(t *testing.T) {
	p := openPrefs(t)
	if err := p.Set(prefs.KeyDatabaseVersion, "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// A non-empty directory at the database path cannot be removed.
	path := filepath.Join(t.TempDir(), "blocked.db")
	if err := os.MkdirAll(filepath.Join(path, "child"), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	_, err := Open(Options{Path: path, Version: "2", Prefs: p}, testRegistry(t), discardLogger())
	if !errors.Is(err, errs.ErrInvalidDatabase) {
		t.Errorf("err = %v, want invalid database", err)
	}
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if path == "" {
		t.Error("DefaultDBPath returned empty string")
	}
}

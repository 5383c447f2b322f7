package sqlgen

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/njoerd114/datastore/internal/model"
)

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
				{Name: "status", Type: model.TypeEnum},
				{Name: "tags", Type: model.TypeEmbedded},
			},
			Indexes: []model.Index{
				{Name: "byTitle", Fields: []string{"title"}},
				{Name: "byRating", Fields: []string{"rating", "title"}},
			},
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
		&model.Schema{
			Name:   "Blog",
			Fields: []model.Field{{Name: "id", Type: model.TypeString, Required: true}, {Name: "name", Type: model.TypeString}},
		},
		&model.Schema{
			Name:   "Article",
			Fields: []model.Field{{Name: "id", Type: model.TypeString, Required: true}},
			Associations: []model.Association{
				{Name: "blog", Kind: model.BelongsTo, Target: "Blog"},
			},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestCreateTable(t *testing.T) {
	reg := testRegistry(t)
	tests := []struct {
		model string
		want  string
	}{
		{"Post", `create table if not exists "Post" (
  "id" text primary key not null,
  "title" text not null,
  "rating" integer,
  "draft" integer,
  "status" text,
  "tags" text
);`},
		{"Comment", `create table if not exists "Comment" (
  "id" text primary key not null,
  "content" text,
  "postId" text not null,
  foreign key("postId") references "Post"("id") on delete cascade
);`},
		{"Order", `create table if not exists "Order" (
  "@@primaryKey" text primary key not null,
  "customerId" text not null,
  "orderNo" integer not null,
  "total" real
);`},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := CreateTable(reg.MustSchema(tt.model), reg)
			if err != nil {
				t.Fatalf("CreateTable: %v", err)
			}
			if got != tt.want {
				t.Errorf("CreateTable =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestCreateIndexes(t *testing.T) {
	reg := testRegistry(t)
	got := CreateIndexes(reg.MustSchema("Post"))
	want := `create index if not exists "byTitle" on "Post" ("title");` +
		`create index if not exists "byRating" on "Post" ("rating", "title");`
	if got != want {
		t.Errorf("CreateIndexes =\n%s\nwant\n%s", got, want)
	}
	if got := CreateIndexes(reg.MustSchema("Blog")); got != "" {
		t.Errorf("CreateIndexes(no indexes) = %q, want empty", got)
	}
}

func TestInsert(t *testing.T) {
	reg := testRegistry(t)
	r := model.NewRecord("Post").
		Set("id", "p1").Set("title", "T").Set("rating", int64(3)).
		Set("draft", true).Set("status", "DRAFT").Set("tags", []any{"a"})
	stmt, err := Insert(reg.MustSchema("Post"), r)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	wantSQL := "insert into \"Post\" (\"id\", \"title\", \"rating\", \"draft\", \"status\", \"tags\")\nvalues (?, ?, ?, ?, ?, ?)"
	if stmt.SQL != wantSQL {
		t.Errorf("SQL =\n%s\nwant\n%s", stmt.SQL, wantSQL)
	}
	wantArgs := []any{"p1", "T", int64(3), int64(1), "DRAFT", `["a"]`}
	if !reflect.DeepEqual(stmt.Args, wantArgs) {
		t.Errorf("Args = %#v, want %#v", stmt.Args, wantArgs)
	}
}

func TestInsert_ForeignKeyFromNestedParent(t *testing.T) {
	reg := testRegistry(t)
	r := model.NewRecord("Comment").Set("id", "c1").Set("content", "hi").
		Set("post", map[string]any{"id": "p1", "title": "T"})
	stmt, err := Insert(reg.MustSchema("Comment"), r)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	wantArgs := []any{"c1", "hi", "p1"}
	if !reflect.DeepEqual(stmt.Args, wantArgs) {
		t.Errorf("Args = %#v, want %#v", stmt.Args, wantArgs)
	}
}

func TestCompositeKey_AllStatementsUseSyntheticColumn(t *testing.T) {
	reg := testRegistry(t)
	s := reg.MustSchema("Order")
	r := model.NewRecord("Order").Set("customerId", "c1").Set("orderNo", int64(7)).Set("total", 9.5)

	ins, err := Insert(s, r)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ins.Args[0] != "c1#7" {
		t.Errorf("first insert binding = %#v, want c1#7", ins.Args[0])
	}

	upd, err := Update(s, r, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	wantUpd := "update \"Order\"\nset\n  \"total\" = ?\nwhere \"@@primaryKey\" = ?"
	if upd.SQL != wantUpd {
		t.Errorf("Update SQL =\n%s\nwant\n%s", upd.SQL, wantUpd)
	}
	if !reflect.DeepEqual(upd.Args, []any{9.5, "c1#7"}) {
		t.Errorf("Update Args = %#v", upd.Args)
	}

	del, err := Delete(s, "c1#7", nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	wantDel := "delete from \"Order\" as \"root\"\nwhere 1 = 1\n  and \"root\".\"@@primaryKey\" = ?"
	if del.SQL != wantDel {
		t.Errorf("Delete SQL =\n%s\nwant\n%s", del.SQL, wantDel)
	}

	sel, _ := SelectByKeys(s, []string{"c1#7", "c2#1"})
	wantSel := "select\n  \"root\".\"@@primaryKey\" as \"@@primaryKey\",\n  \"root\".\"customerId\" as \"customerId\",\n" +
		"  \"root\".\"orderNo\" as \"orderNo\",\n  \"root\".\"total\" as \"total\"\nfrom \"Order\" as \"root\"\n" +
		"where \"root\".\"@@primaryKey\" in (?, ?)"
	if sel.SQL != wantSel {
		t.Errorf("SelectByKeys SQL =\n%s\nwant\n%s", sel.SQL, wantSel)
	}
}

func TestUpdate_WithCondition(t *testing.T) {
	reg := testRegistry(t)
	r := model.NewRecord("Post").Set("id", "p1").Set("title", "New")
	stmt, err := Update(reg.MustSchema("Post"), r, model.FieldOf("title").Eq("Old"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := "update \"Post\"\nset\n  \"title\" = ?,\n  \"rating\" = ?,\n  \"draft\" = ?,\n  \"status\" = ?,\n  \"tags\" = ?\n" +
		"where \"id\" = ?\n  and (\"title\" = ?)"
	if stmt.SQL != want {
		t.Errorf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
	wantArgs := []any{"New", nil, nil, nil, nil, "p1", "Old"}
	if !reflect.DeepEqual(stmt.Args, wantArgs) {
		t.Errorf("Args = %#v, want %#v", stmt.Args, wantArgs)
	}
}

func TestDelete_WithPredicate(t *testing.T) {
	reg := testRegistry(t)
	stmt, err := Delete(reg.MustSchema("Post"), "p1", model.FieldOf("rating").Gt(2))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	want := "delete from \"Post\" as \"root\"\nwhere 1 = 1\n  and \"root\".\"id\" = ?\n  and (\"root\".\"rating\" > ?)"
	if stmt.SQL != want {
		t.Errorf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
	if !reflect.DeepEqual(stmt.Args, []any{"p1", int64(2)}) {
		t.Errorf("Args = %#v", stmt.Args)
	}
}

func TestSelect_JoinsWhereOrderLimit(t *testing.T) {
	reg := testRegistry(t)
	stmt, cols, err := Select(reg.MustSchema("Article"), reg,
		model.FieldOf("blog.name").BeginsWith("Go"),
		model.SortInput{model.Asc("id"), model.Desc("blog.name")},
		model.Page(2, 20))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := `select
  "root"."id" as "id",
  "root"."blogId" as "blogId",
  "blog"."id" as "blog.id",
  "blog"."name" as "blog.name"
from "Article" as "root"
left outer join "Blog" as "blog"
  on "blog"."id" = "root"."blogId"
where 1 = 1
  and ("blog"."name" like ?)
order by "root"."id" asc, "blog"."name" desc
limit 20 offset 40`
	if stmt.SQL != want {
		t.Errorf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
	if !reflect.DeepEqual(stmt.Args, []any{"Go%"}) {
		t.Errorf("Args = %#v", stmt.Args)
	}
	if len(cols) != 4 || cols[2].Association != "blog" || cols[2].Alias != "blog.id" {
		t.Errorf("columns = %+v", cols)
	}
}

func TestSelect_RequiredAssociationUsesInnerJoin(t *testing.T) {
	reg := testRegistry(t)
	stmt, _, err := Select(reg.MustSchema("Comment"), reg, nil, nil, model.FirstResult())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	wantJoin := "inner join \"Post\" as \"post\"\n  on \"post\".\"id\" = \"root\".\"postId\""
	if !strings.Contains(stmt.SQL, wantJoin) {
		t.Errorf("SQL missing inner join:\n%s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "\nlimit 1 offset 0") {
		t.Errorf("SQL missing first-result limit:\n%s", stmt.SQL)
	}
	if strings.Contains(stmt.SQL, "where") {
		t.Errorf("SQL has where clause without predicate:\n%s", stmt.SQL)
	}
}

func TestTranslate_Leaves(t *testing.T) {
	tests := []struct {
		name     string
		p        model.Predicate
		ns       string
		wantSQL  string
		wantArgs []any
	}{
		{"eq", model.FieldOf("title").Eq("x"), "root", `"root"."title" = ?`, []any{"x"}},
		{"no namespace", model.FieldOf("title").Ne("x"), "", `"title" <> ?`, []any{"x"}},
		{"is null", model.FieldOf("title").Eq(nil), "", `"title" is null`, nil},
		{"is not null", model.FieldOf("title").Ne(nil), "", `"title" is not null`, nil},
		{"gt", model.FieldOf("rating").Gt(1), "", `"rating" > ?`, []any{int64(1)}},
		{"ge", model.FieldOf("rating").Ge(1), "", `"rating" >= ?`, []any{int64(1)}},
		{"lt", model.FieldOf("rating").Lt(1.5), "", `"rating" < ?`, []any{1.5}},
		{"le", model.FieldOf("rating").Le(1), "", `"rating" <= ?`, []any{int64(1)}},
		{"between", model.FieldOf("rating").Between(1, 5), "", `"rating" between ? and ?`, []any{int64(1), int64(5)}},
		{"beginsWith", model.FieldOf("title").BeginsWith("abc"), "", `"title" like ?`, []any{"abc%"}},
		{"contains", model.FieldOf("title").Contains("abc"), "", `"title" like ?`, []any{"%abc%"}},
		{"bool", model.FieldOf("draft").Eq(true), "", `"draft" = ?`, []any{int64(1)}},
		{"all", model.All, "", `1 = 1`, nil},
		{"none", model.None, "", `1 = 0`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := Translate(tt.p, tt.ns)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("SQL = %s, want %s", sql, tt.wantSQL)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("Args = %#v, want %#v", args, tt.wantArgs)
			}
		})
	}
}

func TestTranslate_PreservesTreeShape(t *testing.T) {
	a := model.FieldOf("a").Eq(1)
	b := model.FieldOf("b").Eq(2)
	c := model.FieldOf("c").Eq(3)
	d := model.FieldOf("d").Eq(4)

	// (a or b) and (c and not d)
	p := model.AndOf(model.OrOf(a, b), model.AndOf(c, model.Not(d)))
	sql, args, err := Translate(p, "")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := `(("a" = ? or "b" = ?) and ("c" = ? and not ("d" = ?)))`
	if sql != want {
		t.Errorf("SQL = %s, want %s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{int64(1), int64(2), int64(3), int64(4)}) {
		t.Errorf("Args = %#v", args)
	}

	// a and (b and (c and d)) is not flattened into a and b and c and d.
	deep := model.AndOf(a, model.AndOf(b, model.AndOf(c, d)))
	sql, _, err = Translate(deep, "")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want = `("a" = ? and ("b" = ? and ("c" = ? and "d" = ?)))`
	if sql != want {
		t.Errorf("SQL = %s, want %s", sql, want)
	}
}

func TestTranslate_AndConcatenatesLeftToRight(t *testing.T) {
	p1 := model.OrOf(model.FieldOf("x").Gt(1), model.FieldOf("y").Lt(2))
	p2 := model.FieldOf("z").Between(3, 4)
	s1, a1, _ := Translate(p1, "root")
	s2, a2, _ := Translate(p2, "root")
	got, args, err := Translate(model.AndOf(p1, p2), "root")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := "(" + s1 + " and " + s2 + ")"; got != want {
		t.Errorf("SQL = %s, want %s", got, want)
	}
	if want := append(append([]any{}, a1...), a2...); !reflect.DeepEqual(args, want) {
		t.Errorf("Args = %#v, want %#v", args, want)
	}
}

func TestSortByDependencyOrder_Deterministic(t *testing.T) {
	mk := func(name string, parents ...string) *model.Schema {
		s := &model.Schema{Name: name}
		for _, p := range parents {
			s.Associations = append(s.Associations, model.Association{Name: p, Kind: model.BelongsTo, Target: p})
		}
		return s
	}
	schemas := []*model.Schema{
		mk("Comment", "Post"),
		mk("Tag"),
		mk("Post", "Blog"),
		mk("Author"),
		mk("Blog"),
		mk("Zebra", "Blog"),
	}
	want := []string{"Blog", "Post", "Comment", "Zebra", "Author", "Tag"}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]*model.Schema(nil), schemas...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		var got []string
		for _, s := range SortByDependencyOrder(shuffled) {
			got = append(got, s.Name)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: order = %v, want %v", i, got, want)
		}
	}
}

func TestSortByDependencyOrder_SelfReferenceAndCycle(t *testing.T) {
	schemas := []*model.Schema{
		{Name: "Node", Associations: []model.Association{{Name: "parent", Kind: model.BelongsTo, Target: "Node"}}},
		{Name: "A", Associations: []model.Association{{Name: "b", Kind: model.BelongsTo, Target: "B"}}},
		{Name: "B", Associations: []model.Association{{Name: "a", Kind: model.BelongsTo, Target: "A"}}},
	}
	got := SortByDependencyOrder(schemas)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[2].Name != "Node" {
		t.Errorf("self-referencing model should sort with unconnected models, got %s last", got[2].Name)
	}
}

func TestDeleteWhereAndCount(t *testing.T) {
	reg := testRegistry(t)
	s := reg.MustSchema("Post")

	del, err := DeleteWhere(s, nil)
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if want := `delete from "Post" as "root"`; del.SQL != want {
		t.Errorf("DeleteWhere(nil) = %s, want %s", del.SQL, want)
	}

	cnt, err := Count(s, model.FieldOf("draft").Eq(false))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	want := "select count(1) from \"Post\" as \"root\"\nwhere 1 = 1\n  and (\"root\".\"draft\" = ?)"
	if cnt.SQL != want {
		t.Errorf("Count SQL =\n%s\nwant\n%s", cnt.SQL, want)
	}
	if !reflect.DeepEqual(cnt.Args, []any{int64(0)}) {
		t.Errorf("Count Args = %#v", cnt.Args)
	}
}

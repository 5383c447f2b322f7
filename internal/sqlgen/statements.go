package sqlgen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/njoerd114/datastore/internal/model"
)

// RootAlias is the alias of the queried table in select and delete statements.
const RootAlias = "root"

// SchemaResolver looks up schemas by model name. [*model.Registry]
// implements it.
type SchemaResolver interface {
	Schema(name string) (*model.Schema, bool)
}

// CreateTable returns the DDL for a schema: the key column(s) first, then the
// remaining columns in declaration order, then one foreign key clause per
// belongs-to association.
func CreateTable(s *model.Schema, resolver SchemaResolver) (string, error) {
	var defs []string
	cols := s.Columns()
	for _, c := range cols {
		if c.PrimaryKey {
			defs = append(defs, columnDef(c))
		}
	}
	for _, c := range cols {
		if !c.PrimaryKey {
			defs = append(defs, columnDef(c))
		}
	}
	for _, a := range s.BelongsTo() {
		parent, ok := resolver.Schema(a.Target)
		if !ok {
			return "", fmt.Errorf("schema %s: unknown parent %q", s.Name, a.Target)
		}
		defs = append(defs, fmt.Sprintf("foreign key(%s) references %s(%s) on delete cascade",
			Quote(a.ForeignKey), Quote(parent.Name), Quote(parent.KeyColumn())))
	}
	return fmt.Sprintf("create table if not exists %s (\n  %s\n);", Quote(s.Name), strings.Join(defs, ",\n  ")), nil
}

func columnDef(c model.Column) string {
	def := Quote(c.Name) + " " + c.Type.SQLType()
	if c.PrimaryKey {
		def += " primary key"
	}
	if c.NotNull {
		def += " not null"
	}
	return def
}

// CreateIndexes returns one create-index statement per declared index,
// concatenated without a separator.
func CreateIndexes(s *model.Schema) string {
	var b strings.Builder
	for _, idx := range s.Indexes {
		cols := make([]string, len(idx.Fields))
		for i, f := range idx.Fields {
			cols[i] = Quote(f)
		}
		fmt.Fprintf(&b, "create index if not exists %s on %s (%s);", Quote(idx.Name), Quote(s.Name), strings.Join(cols, ", "))
	}
	return b.String()
}

// Insert returns an insert with an explicit column list in column order and
// one placeholder per column.
func Insert(s *model.Schema, r *model.Record) (Statement, error) {
	cols := s.Columns()
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = Quote(c.Name)
		marks[i] = "?"
		v, err := columnValue(s, r, c)
		if err != nil {
			return Statement{}, err
		}
		args[i] = v
	}
	sql := fmt.Sprintf("insert into %s (%s)\nvalues (%s)", Quote(s.Name), strings.Join(names, ", "), strings.Join(marks, ", "))
	return Statement{SQL: sql, Args: args}, nil
}

// Update returns an update setting every non-key column, matching on the
// key column and, when cond is not nil, on the condition.
func Update(s *model.Schema, r *model.Record, cond model.Predicate) (Statement, error) {
	var sets []string
	var args []any
	for _, c := range s.Columns() {
		if c.PrimaryKey || s.IsKeyField(c.Name) {
			continue
		}
		v, err := columnValue(s, r, c)
		if err != nil {
			return Statement{}, err
		}
		sets = append(sets, Quote(c.Name)+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		sets = append(sets, Quote(s.KeyColumn())+" = ?")
		args = append(args, s.Identifier(r))
	}
	sql := fmt.Sprintf("update %s\nset\n  %s\nwhere %s = ?", Quote(s.Name), strings.Join(sets, ",\n  "), Quote(s.KeyColumn()))
	args = append(args, s.Identifier(r))
	if cond != nil {
		where, cargs, err := Translate(cond, "")
		if err != nil {
			return Statement{}, err
		}
		sql += "\n  and (" + where + ")"
		args = append(args, cargs...)
	}
	return Statement{SQL: sql, Args: args}, nil
}

// Delete returns a delete of the row with the given key, narrowed by pred
// when it is not nil.
func Delete(s *model.Schema, id string, pred model.Predicate) (Statement, error) {
	sql := fmt.Sprintf("delete from %s as %s\nwhere 1 = 1\n  and %s = ?", Quote(s.Name), Quote(RootAlias), columnRef(RootAlias, s.KeyColumn()))
	args := []any{id}
	if pred != nil {
		where, pargs, err := Translate(pred, RootAlias)
		if err != nil {
			return Statement{}, err
		}
		sql += "\n  and (" + where + ")"
		args = append(args, pargs...)
	}
	return Statement{SQL: sql, Args: args}, nil
}

// DeleteWhere returns a delete of every row matching pred, or of every row
// when pred is nil.
func DeleteWhere(s *model.Schema, pred model.Predicate) (Statement, error) {
	sql := fmt.Sprintf("delete from %s as %s", Quote(s.Name), Quote(RootAlias))
	if pred == nil {
		return Statement{SQL: sql}, nil
	}
	where, args, err := Translate(pred, RootAlias)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql + "\nwhere 1 = 1\n  and (" + where + ")", Args: args}, nil
}

// Count returns a count of the rows matching pred.
func Count(s *model.Schema, pred model.Predicate) (Statement, error) {
	sql := fmt.Sprintf("select count(1) from %s as %s", Quote(s.Name), Quote(RootAlias))
	if pred == nil {
		return Statement{SQL: sql}, nil
	}
	where, args, err := Translate(pred, RootAlias)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql + "\nwhere 1 = 1\n  and (" + where + ")", Args: args}, nil
}

// Exists returns a probe yielding 1 when the keyed row exists and satisfies
// pred, 0 otherwise.
func Exists(s *model.Schema, id string, pred model.Predicate) (Statement, error) {
	inner := fmt.Sprintf("select 1 from %s as %s where %s = ?", Quote(s.Name), Quote(RootAlias), columnRef(RootAlias, s.KeyColumn()))
	args := []any{id}
	if pred != nil {
		where, pargs, err := Translate(pred, RootAlias)
		if err != nil {
			return Statement{}, err
		}
		inner += " and (" + where + ")"
		args = append(args, pargs...)
	}
	return Statement{SQL: "select exists(" + inner + ")", Args: args}, nil
}

// SelectColumn maps a result column back to its source.
type SelectColumn struct {
	// Alias is the result column name: the column name for root columns and
	// "<association>.<column>" for joined parent columns.
	Alias  string
	Column model.Column
	// Association is set for joined parent columns.
	Association string
}

// Select returns a select over the schema joined with its belongs-to
// parents. Clause order is fixed: select, from, joins, where, order by,
// limit.
func Select(s *model.Schema, resolver SchemaResolver, pred model.Predicate, sort model.SortInput, page *model.Pagination) (Statement, []SelectColumn, error) {
	var cols []SelectColumn
	var exprs []string
	for _, c := range s.Columns() {
		cols = append(cols, SelectColumn{Alias: c.Name, Column: c})
		exprs = append(exprs, columnRef(RootAlias, c.Name)+" as "+Quote(c.Name))
	}
	var joins []string
	for _, a := range s.BelongsTo() {
		parent, ok := resolver.Schema(a.Target)
		if !ok {
			return Statement{}, nil, fmt.Errorf("schema %s: unknown parent %q", s.Name, a.Target)
		}
		for _, c := range parent.Columns() {
			alias := a.Name + "." + c.Name
			cols = append(cols, SelectColumn{Alias: alias, Column: c, Association: a.Name})
			exprs = append(exprs, Quote(a.Name)+"."+Quote(c.Name)+" as "+Quote(alias))
		}
		joinType := "left outer join"
		if a.Required {
			joinType = "inner join"
		}
		joins = append(joins, fmt.Sprintf("%s %s as %s\n  on %s.%s = %s",
			joinType, Quote(parent.Name), Quote(a.Name), Quote(a.Name), Quote(parent.KeyColumn()), columnRef(RootAlias, a.ForeignKey)))
	}

	var b strings.Builder
	b.WriteString("select\n  ")
	b.WriteString(strings.Join(exprs, ",\n  "))
	fmt.Fprintf(&b, "\nfrom %s as %s", Quote(s.Name), Quote(RootAlias))
	for _, j := range joins {
		b.WriteString("\n" + j)
	}

	var args []any
	if pred != nil {
		where, pargs, err := Translate(pred, RootAlias)
		if err != nil {
			return Statement{}, nil, err
		}
		b.WriteString("\nwhere 1 = 1\n  and (" + where + ")")
		args = pargs
	}
	if len(sort) > 0 {
		b.WriteString("\norder by " + SortClause(sort, RootAlias))
	}
	if page != nil {
		b.WriteString("\n" + LimitClause(page))
	}
	return Statement{SQL: b.String(), Args: args}, cols, nil
}

// SelectByKeys selects the rows of a schema whose key is in keys, without
// joins. Callers keep len(keys) under the engine's bound parameter limit.
func SelectByKeys(s *model.Schema, keys []string) (Statement, []SelectColumn) {
	var cols []SelectColumn
	var exprs []string
	for _, c := range s.Columns() {
		cols = append(cols, SelectColumn{Alias: c.Name, Column: c})
		exprs = append(exprs, columnRef(RootAlias, c.Name)+" as "+Quote(c.Name))
	}
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		marks[i] = "?"
		args[i] = k
	}
	sql := fmt.Sprintf("select\n  %s\nfrom %s as %s\nwhere %s in (%s)",
		strings.Join(exprs, ",\n  "), Quote(s.Name), Quote(RootAlias), columnRef(RootAlias, s.KeyColumn()), strings.Join(marks, ", "))
	return Statement{SQL: sql, Args: args}, cols
}

// SortClause renders sort keys as a comma-joined list, order preserved.
func SortClause(sort model.SortInput, namespace string) string {
	parts := make([]string, len(sort))
	for i, d := range sort {
		parts[i] = columnRef(namespace, d.Field) + " " + d.Direction.String()
	}
	return strings.Join(parts, ", ")
}

// LimitClause renders pagination as "limit <L> offset <L*n>".
func LimitClause(p *model.Pagination) string {
	return fmt.Sprintf("limit %d offset %d", p.Limit, p.Offset())
}

// columnValue returns the binding for one column of a record.
func columnValue(s *model.Schema, r *model.Record, c model.Column) (any, error) {
	switch {
	case c.Name == model.PrimaryKeyColumn:
		return s.Identifier(r), nil
	case c.Association != nil:
		v, _ := s.ForeignKeyValue(r, *c.Association)
		return v, nil
	}
	v, ok := r.Values[c.Name]
	if !ok || v == nil {
		return nil, nil
	}
	if c.Type == model.TypeEmbedded {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: encoding embedded value: %w", s.Name, c.Name, err)
		}
		return string(data), nil
	}
	return Bind(v), nil
}

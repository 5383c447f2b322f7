package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/sqlgen"
)

// Save inserts r, or updates it when a row with the same key exists. When
// cond is given the existing row must satisfy it, otherwise Save fails with
// [errs.ErrInvalidCondition] and nothing is written.
func (a *Adapter) Save(ctx context.Context, r *model.Record, cond model.Predicate) error {
	s, err := a.schema(r.Model)
	if err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.withTx(ctx, func(tx *sql.Tx) error {
		return a.save(ctx, tx, s, r, cond)
	})
}

func (a *Adapter) save(ctx context.Context, q querier, s *model.Schema, r *model.Record, cond model.Predicate) error {
	id := s.Identifier(r)
	if id == "" {
		return errs.Newf(errs.KindConfiguration, "saving %s: primary key is empty", s.Name)
	}
	exists, err := a.exists(ctx, q, s, id, nil)
	if err != nil {
		return err
	}
	if cond = effective(cond); cond != nil {
		if !exists {
			return errs.Newf(errs.KindInvalidCondition, "cannot apply a condition to %s %s: it does not exist", s.Name, id)
		}
		ok, err := a.exists(ctx, q, s, id, cond)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Newf(errs.KindInvalidCondition, "save condition did not match %s %s", s.Name, id)
		}
	}

	var stmt sqlgen.Statement
	if exists {
		stmt, err = sqlgen.Update(s, r, nil)
	} else {
		stmt, err = sqlgen.Insert(s, r)
	}
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		msg := fmt.Sprintf("saving %s %s", s.Name, id)
		return classify(fmt.Errorf("%s: %w", msg, err), msg)
	}
	return nil
}

// Query returns the rows of modelName matching pred, decoded into records.
// Belongs-to parents are nested under their association name.
func (a *Adapter) Query(ctx context.Context, modelName string, pred model.Predicate, sort model.SortInput, page *model.Pagination) ([]*model.Record, error) {
	s, err := a.schema(modelName)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.query(ctx, a.db, s, effective(pred), sort, page)
}

func (a *Adapter) query(ctx context.Context, q querier, s *model.Schema, pred model.Predicate, sort model.SortInput, page *model.Pagination) ([]*model.Record, error) {
	stmt, cols, err := sqlgen.Select(s, a.registry, pred, sort, page)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.Name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Record
	for rows.Next() {
		r, err := a.scanRecord(s, cols, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.Name, err)
	}
	return out, nil
}

// Get returns the record of modelName with the given key, or (nil, nil) if
// no such record exists.
func (a *Adapter) Get(ctx context.Context, modelName, id string) (*model.Record, error) {
	s, err := a.schema(modelName)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.get(ctx, a.db, s, id)
}

func (a *Adapter) get(ctx context.Context, q querier, s *model.Schema, id string) (*model.Record, error) {
	recs, err := a.query(ctx, q, s, model.FieldOf(s.KeyColumn()).Eq(id), nil, model.FirstResult())
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return recs[0], nil
}

// Delete removes the row of modelName with the given key and returns it, or
// nil when there was none. When pred is given the row must satisfy it,
// otherwise Delete fails with [errs.ErrInvalidCondition].
func (a *Adapter) Delete(ctx context.Context, modelName, id string, pred model.Predicate) (*model.Record, error) {
	s, err := a.schema(modelName)
	if err != nil {
		return nil, err
	}
	pred = effective(pred)

	a.mu.RLock()
	defer a.mu.RUnlock()
	var deleted *model.Record
	err = a.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.get(ctx, tx, s, id)
		if err != nil {
			return err
		}
		if pred != nil {
			ok, err := a.exists(ctx, tx, s, id, pred)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Newf(errs.KindInvalidCondition, "delete condition did not match %s %s", s.Name, id)
			}
		}
		if existing == nil {
			return nil
		}
		stmt, err := sqlgen.Delete(s, id, pred)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("deleting %s %s: %w", s.Name, id, err)
		}
		deleted = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteWhere removes every row of modelName matching pred and returns the
// number of rows removed.
func (a *Adapter) DeleteWhere(ctx context.Context, modelName string, pred model.Predicate) (int64, error) {
	s, err := a.schema(modelName)
	if err != nil {
		return 0, err
	}
	stmt, err := sqlgen.DeleteWhere(s, effective(pred))
	if err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	res, err := a.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", s.Name, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Exists reports whether the row with the given key exists and, when pred
// is given, satisfies it.
func (a *Adapter) Exists(ctx context.Context, modelName, id string, pred model.Predicate) (bool, error) {
	s, err := a.schema(modelName)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exists(ctx, a.db, s, id, effective(pred))
}

func (a *Adapter) exists(ctx context.Context, q querier, s *model.Schema, id string, pred model.Predicate) (bool, error) {
	stmt, err := sqlgen.Exists(s, id, pred)
	if err != nil {
		return false, err
	}
	var found bool
	if err := q.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&found); err != nil {
		return false, fmt.Errorf("checking %s %s: %w", s.Name, id, err)
	}
	return found, nil
}

// Count returns the number of rows of modelName matching pred.
func (a *Adapter) Count(ctx context.Context, modelName string, pred model.Predicate) (int, error) {
	s, err := a.schema(modelName)
	if err != nil {
		return 0, err
	}
	stmt, err := sqlgen.Count(s, effective(pred))
	if err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	var n int
	if err := a.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.Name, err)
	}
	return n, nil
}

// --- helpers -----------------------------------------------------------------

// effective drops predicates that match everything.
func effective(p model.Predicate) model.Predicate {
	if c, ok := p.(model.Constant); ok && bool(c) {
		return nil
	}
	return p
}

// scanRecord decodes one result row. The synthetic composite key column is
// derived data and is not copied into the record.
func (a *Adapter) scanRecord(s *model.Schema, cols []sqlgen.SelectColumn, rows *sql.Rows) (*model.Record, error) {
	raw := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scanning %s row: %w", s.Name, err)
	}

	r := model.NewRecord(s.Name)
	parents := make(map[string]*model.Record)
	for i, c := range cols {
		if c.Column.Name == model.PrimaryKeyColumn {
			continue
		}
		v := raw[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if c.Association == "" {
			if v != nil {
				r.Values[c.Column.Name] = v
			}
			continue
		}
		p, ok := parents[c.Association]
		if !ok {
			p = model.NewRecord("")
			parents[c.Association] = p
		}
		if v != nil {
			p.Values[c.Column.Name] = v
		}
	}
	if err := r.Normalize(s); err != nil {
		return nil, err
	}

	for _, assoc := range s.BelongsTo() {
		p, ok := parents[assoc.Name]
		if !ok || len(p.Values) == 0 {
			continue
		}
		ps, err := a.schema(assoc.Target)
		if err != nil {
			return nil, err
		}
		p.Model = ps.Name
		if err := p.Normalize(ps); err != nil {
			return nil, err
		}
		r.Values[assoc.Name] = p
	}
	return r, nil
}

// Package sqlgen translates model schemas, predicates, sort inputs and
// pagination into parameterized SQLite statements. Every function is pure:
// the same input always yields the same SQL text and bindings.
package sqlgen

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/njoerd114/datastore/internal/model"
)

// Statement is SQL text with its ordered bind variables.
type Statement struct {
	SQL  string
	Args []any
}

// Quote double-quotes an identifier.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// columnRef renders a column reference, qualified by namespace when given.
// A dotted field addresses a joined alias and ignores the namespace.
func columnRef(namespace, field string) string {
	if alias, col, ok := strings.Cut(field, "."); ok {
		return Quote(alias) + "." + Quote(col)
	}
	if namespace == "" {
		return Quote(field)
	}
	return Quote(namespace) + "." + Quote(field)
}

// Translate renders a predicate as a SQL condition. Groups render as
// "(<left> <and|or> <right>)" recursively, keeping the tree's shape.
func Translate(p model.Predicate, namespace string) (string, []any, error) {
	switch n := p.(type) {
	case *model.Operation:
		return translateOperation(n, namespace)
	case *model.Group:
		left, largs, err := Translate(n.Left, namespace)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := Translate(n.Right, namespace)
		if err != nil {
			return "", nil, err
		}
		args := make([]any, 0, len(largs)+len(rargs))
		args = append(args, largs...)
		args = append(args, rargs...)
		return "(" + left + " " + n.Type.String() + " " + right + ")", args, nil
	case *model.Negation:
		inner, args, err := Translate(n.Predicate, namespace)
		if err != nil {
			return "", nil, err
		}
		return "not (" + inner + ")", args, nil
	case model.Constant:
		if n {
			return "1 = 1", nil, nil
		}
		return "1 = 0", nil, nil
	case nil:
		return "", nil, fmt.Errorf("nil predicate")
	}
	return "", nil, fmt.Errorf("unsupported predicate %T", p)
}

func translateOperation(o *model.Operation, namespace string) (string, []any, error) {
	col := columnRef(namespace, o.Field)
	switch o.Operator {
	case model.OpEquals:
		if o.Value == nil {
			return col + " is null", nil, nil
		}
		return col + " = ?", []any{Bind(o.Value)}, nil
	case model.OpNotEquals:
		if o.Value == nil {
			return col + " is not null", nil, nil
		}
		return col + " <> ?", []any{Bind(o.Value)}, nil
	case model.OpGreaterThan:
		return col + " > ?", []any{Bind(o.Value)}, nil
	case model.OpGreaterOrEqual:
		return col + " >= ?", []any{Bind(o.Value)}, nil
	case model.OpLessThan:
		return col + " < ?", []any{Bind(o.Value)}, nil
	case model.OpLessOrEqual:
		return col + " <= ?", []any{Bind(o.Value)}, nil
	case model.OpBetween:
		return col + " between ? and ?", []any{Bind(o.Value), Bind(o.End)}, nil
	case model.OpBeginsWith:
		return col + " like ?", []any{fmt.Sprintf("%v%%", Bind(o.Value))}, nil
	case model.OpContains:
		return col + " like ?", []any{fmt.Sprintf("%%%v%%", Bind(o.Value))}, nil
	}
	return "", nil, fmt.Errorf("unsupported operator %d on %s", o.Operator, o.Field)
}

// Bind converts a Go value to the SQLite binding form: booleans bind as 0/1,
// times as RFC 3339 text, named string types and Stringers as their raw
// string, and maps or slices as JSON text.
func Bind(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case string, int64, float64, []byte:
		return x
	case int:
		return int64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case fmt.Stringer:
		return x.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Map, reflect.Slice, reflect.Struct, reflect.Array:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Bind(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a leaf comparison operator.
type Operator int

const (
	OpEquals Operator = iota
	OpNotEquals
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpBetween
	OpBeginsWith
	OpContains
)

// GraphQLName returns the operator name used in remote filter conditions.
func (o Operator) GraphQLName() string {
	switch o {
	case OpEquals:
		return "eq"
	case OpNotEquals:
		return "ne"
	case OpGreaterThan:
		return "gt"
	case OpGreaterOrEqual:
		return "ge"
	case OpLessThan:
		return "lt"
	case OpLessOrEqual:
		return "le"
	case OpBetween:
		return "between"
	case OpBeginsWith:
		return "beginsWith"
	case OpContains:
		return "contains"
	default:
		return fmt.Sprintf("op%d", int(o))
	}
}

// Predicate is a node of a boolean condition tree: an [*Operation] leaf, a
// [*Group] combining two predicates, a [*Negation] or a [Constant].
type Predicate interface {
	// Evaluate reports whether the record satisfies the predicate.
	Evaluate(r *Record) bool
	filter() any
}

// Operation is a leaf comparison of a field against a value.
type Operation struct {
	Field    string
	Operator Operator
	Value    any
	// End is the upper bound of a between comparison.
	End any
}

// GroupType combines the two sides of a [Group].
type GroupType int

const (
	And GroupType = iota
	Or
)

// String returns the SQL keyword for the group type.
func (g GroupType) String() string {
	if g == Or {
		return "or"
	}
	return "and"
}

// Group joins exactly two predicates. Trees keep their shape: nested groups
// are never flattened.
type Group struct {
	Type  GroupType
	Left  Predicate
	Right Predicate
}

// Negation inverts a predicate.
type Negation struct {
	Predicate Predicate
}

// Constant is a predicate that matches every record or none.
type Constant bool

const (
	All  Constant = true
	None Constant = false
)

// FieldRef builds leaf operations for a field.
type FieldRef string

// FieldOf starts a leaf comparison on the named field. A dotted name such as
// "post.title" addresses a joined belongs-to parent.
func FieldOf(name string) FieldRef { return FieldRef(name) }

func (f FieldRef) op(o Operator, v any) *Operation {
	return &Operation{Field: string(f), Operator: o, Value: v}
}

// Eq matches values equal to v.
func (f FieldRef) Eq(v any) *Operation { return f.op(OpEquals, v) }

// Ne matches values not equal to v.
func (f FieldRef) Ne(v any) *Operation { return f.op(OpNotEquals, v) }

// Gt matches values greater than v.
func (f FieldRef) Gt(v any) *Operation { return f.op(OpGreaterThan, v) }

// Ge matches values greater than or equal to v.
func (f FieldRef) Ge(v any) *Operation { return f.op(OpGreaterOrEqual, v) }

// Lt matches values less than v.
func (f FieldRef) Lt(v any) *Operation { return f.op(OpLessThan, v) }

// Le matches values less than or equal to v.
func (f FieldRef) Le(v any) *Operation { return f.op(OpLessOrEqual, v) }

// BeginsWith matches strings starting with v.
func (f FieldRef) BeginsWith(v string) *Operation { return f.op(OpBeginsWith, v) }

// Contains matches strings containing v.
func (f FieldRef) Contains(v string) *Operation { return f.op(OpContains, v) }

// Between matches values in the inclusive range [start, end].
func (f FieldRef) Between(start, end any) *Operation {
	return &Operation{Field: string(f), Operator: OpBetween, Value: start, End: end}
}

// AndOf combines two predicates with and.
func AndOf(left, right Predicate) *Group { return &Group{Type: And, Left: left, Right: right} }

// OrOf combines two predicates with or.
func OrOf(left, right Predicate) *Group { return &Group{Type: Or, Left: left, Right: right} }

// Not negates a predicate.
func Not(p Predicate) *Negation { return &Negation{Predicate: p} }

// --- evaluation ---------------------------------------------------------------

// Evaluate implements [Predicate].
func (o *Operation) Evaluate(r *Record) bool {
	got := lookup(r, o.Field)
	switch o.Operator {
	case OpEquals:
		if o.Value == nil {
			return got == nil
		}
		return got != nil && compare(got, o.Value) == 0
	case OpNotEquals:
		if o.Value == nil {
			return got != nil
		}
		return got == nil || compare(got, o.Value) != 0
	case OpGreaterThan:
		return got != nil && compare(got, o.Value) > 0
	case OpGreaterOrEqual:
		return got != nil && compare(got, o.Value) >= 0
	case OpLessThan:
		return got != nil && compare(got, o.Value) < 0
	case OpLessOrEqual:
		return got != nil && compare(got, o.Value) <= 0
	case OpBetween:
		return got != nil && compare(got, o.Value) >= 0 && compare(got, o.End) <= 0
	case OpBeginsWith:
		return got != nil && strings.HasPrefix(stringify(got), stringify(o.Value))
	case OpContains:
		return got != nil && strings.Contains(stringify(got), stringify(o.Value))
	}
	return false
}

// Evaluate implements [Predicate].
func (g *Group) Evaluate(r *Record) bool {
	if g.Type == Or {
		return g.Left.Evaluate(r) || g.Right.Evaluate(r)
	}
	return g.Left.Evaluate(r) && g.Right.Evaluate(r)
}

// Evaluate implements [Predicate].
func (n *Negation) Evaluate(r *Record) bool { return !n.Predicate.Evaluate(r) }

// Evaluate implements [Predicate].
func (c Constant) Evaluate(*Record) bool { return bool(c) }

func lookup(r *Record, field string) any {
	if alias, col, ok := strings.Cut(field, "."); ok {
		switch parent := r.Values[alias].(type) {
		case *Record:
			return parent.Values[col]
		case map[string]any:
			return parent[col]
		}
		return nil
	}
	return r.Values[field]
}

// compare orders two scalar values, numerically when both are numbers and
// lexically otherwise.
func compare(a, b any) int {
	fa, errA := toFloat64(bindable(a))
	fb, errB := toFloat64(bindable(b))
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(stringify(bindable(a)), stringify(bindable(b)))
}

func bindable(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// --- GraphQL filter encoding -------------------------------------------------

// FilterJSON encodes a predicate as a remote filter condition, for example
// {"and":[{"title":{"eq":"x"}},{"rating":{"gt":3}}]}. A nil predicate or
// [All] encodes as "".
func FilterJSON(p Predicate) (string, error) {
	if p == nil {
		return "", nil
	}
	if c, ok := p.(Constant); ok && bool(c) {
		return "", nil
	}
	data, err := json.Marshal(p.filter())
	if err != nil {
		return "", fmt.Errorf("encoding filter: %w", err)
	}
	return string(data), nil
}

func (o *Operation) filter() any {
	var v any = o.Value
	if o.Operator == OpBetween {
		v = []any{o.Value, o.End}
	}
	if o.Value == nil && (o.Operator == OpEquals || o.Operator == OpNotEquals) {
		return map[string]any{o.Field: map[string]any{"attributeExists": o.Operator == OpNotEquals}}
	}
	return map[string]any{o.Field: map[string]any{o.Operator.GraphQLName(): v}}
}

func (g *Group) filter() any {
	return map[string]any{g.Type.String(): []any{g.Left.filter(), g.Right.filter()}}
}

func (n *Negation) filter() any {
	return map[string]any{"not": n.Predicate.filter()}
}

func (c Constant) filter() any {
	if c {
		return map[string]any{}
	}
	return map[string]any{"id": map[string]any{"attributeExists": false}}
}

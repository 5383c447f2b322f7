// Package model defines the schema, record, predicate and mutation types
// shared across the storage adapter, the outbox and the sync engine.
//
// Schemas are registered once in a [Registry] at startup and are treated as
// immutable afterwards. Records are dynamic name→value maps; typed Go structs
// convert to and from records through their JSON form.
package model

import (
	"fmt"
	"slices"
	"strings"
)

// FieldType is the semantic type of a model field.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeDouble
	TypeBool
	TypeDate
	TypeEnum
	TypeEmbedded
)

// String returns the lower-case name used in configuration files.
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	case TypeEnum:
		return "enum"
	case TypeEmbedded:
		return "embedded"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// ParseFieldType maps a configuration name to a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(s) {
	case "string":
		return TypeString, nil
	case "int":
		return TypeInt, nil
	case "double":
		return TypeDouble, nil
	case "bool":
		return TypeBool, nil
	case "date":
		return TypeDate, nil
	case "enum":
		return TypeEnum, nil
	case "embedded":
		return TypeEmbedded, nil
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// SQLType returns the SQLite column affinity for the type.
func (t FieldType) SQLType() string {
	switch t {
	case TypeInt, TypeBool:
		return "integer"
	case TypeDouble:
		return "real"
	default:
		return "text"
	}
}

// Field describes one model attribute.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// AssociationKind is the relationship shape between two models.
type AssociationKind int

const (
	BelongsTo AssociationKind = iota
	HasMany
	HasManyThrough
)

// String returns the relationship name.
func (k AssociationKind) String() string {
	switch k {
	case BelongsTo:
		return "belongs-to"
	case HasMany:
		return "has-many"
	case HasManyThrough:
		return "has-many-through"
	default:
		return fmt.Sprintf("AssociationKind(%d)", int(k))
	}
}

// Association links a model to another registered model.
type Association struct {
	// Name is the field name of the association on the owning model.
	Name string
	Kind AssociationKind
	// Target is the associated model name.
	Target string
	// ForeignKey is the column holding the parent key. For belongs-to it lives
	// on the owning model and defaults to Name+"Id"; for has-many it names the
	// column on the target.
	ForeignKey string
	// Through names the join model of a has-many-through association.
	Through string
	// Required makes the foreign key column not null and selects an inner join.
	Required bool
}

// Index is a secondary index over an ordered list of fields.
type Index struct {
	Name   string
	Fields []string
}

// PrimaryKeyColumn is the synthetic column holding composite key values.
const PrimaryKeyColumn = "@@primaryKey"

// KeyDelimiter joins the component values of a composite key.
const KeyDelimiter = "#"

// Schema describes a registered model.
type Schema struct {
	Name         string
	Fields       []Field
	PrimaryKey   []string
	Associations []Association
	Indexes      []Index
}

// Column is a physical table column derived from a schema.
type Column struct {
	Name       string
	Type       FieldType
	PrimaryKey bool
	NotNull    bool
	// Association is set for synthesized foreign key columns.
	Association *Association
}

// Field returns the field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// HasCompositeKey reports whether the primary key spans several fields.
func (s *Schema) HasCompositeKey() bool {
	return len(s.PrimaryKey) > 1
}

// KeyColumn returns the column the primary key is stored in.
func (s *Schema) KeyColumn() string {
	if s.HasCompositeKey() {
		return PrimaryKeyColumn
	}
	if len(s.PrimaryKey) == 1 {
		return s.PrimaryKey[0]
	}
	return "id"
}

// IsKeyField reports whether name is one of the primary key fields.
func (s *Schema) IsKeyField(name string) bool {
	for _, k := range s.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// BelongsTo returns the belongs-to associations in declaration order.
func (s *Schema) BelongsTo() []Association {
	var out []Association
	for _, a := range s.Associations {
		if a.Kind == BelongsTo {
			out = append(out, a)
		}
	}
	return out
}

// Columns returns the physical columns: the synthetic key column first when
// the key is composite, then one column per field in declaration order, then
// one foreign key column per belongs-to association not already declared as
// a field.
func (s *Schema) Columns() []Column {
	cols := make([]Column, 0, len(s.Fields)+len(s.Associations)+1)
	if s.HasCompositeKey() {
		cols = append(cols, Column{Name: PrimaryKeyColumn, Type: TypeString, PrimaryKey: true, NotNull: true})
	}
	for _, f := range s.Fields {
		pk := !s.HasCompositeKey() && s.IsKeyField(f.Name)
		cols = append(cols, Column{Name: f.Name, Type: f.Type, PrimaryKey: pk, NotNull: f.Required || pk})
	}
	for i := range s.Associations {
		a := &s.Associations[i]
		if a.Kind != BelongsTo {
			continue
		}
		if _, declared := s.Field(a.ForeignKey); declared {
			continue
		}
		cols = append(cols, Column{Name: a.ForeignKey, Type: TypeString, NotNull: a.Required, Association: a})
	}
	return cols
}

// normalize fills defaults: an implicit "id" key field and foreign key names.
func (s *Schema) normalize() {
	if len(s.PrimaryKey) == 0 {
		s.PrimaryKey = []string{"id"}
		if _, ok := s.Field("id"); !ok {
			s.Fields = append([]Field{{Name: "id", Type: TypeString, Required: true}}, s.Fields...)
		}
	}
	for i := range s.Associations {
		a := &s.Associations[i]
		if a.ForeignKey == "" && a.Kind == BelongsTo {
			a.ForeignKey = a.Name + "Id"
		}
	}
}

// clone copies s deeply enough that normalizing the copy leaves s untouched.
func (s *Schema) clone() *Schema {
	c := *s
	c.Fields = slices.Clone(s.Fields)
	c.PrimaryKey = slices.Clone(s.PrimaryKey)
	c.Associations = slices.Clone(s.Associations)
	c.Indexes = make([]Index, len(s.Indexes))
	for i, idx := range s.Indexes {
		c.Indexes[i] = Index{Name: idx.Name, Fields: slices.Clone(idx.Fields)}
	}
	return &c
}

func (s *Schema) validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
	}
	for _, k := range s.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("schema %s: primary key field %q is not declared", s.Name, k)
		}
	}
	for _, idx := range s.Indexes {
		if idx.Name == "" || len(idx.Fields) == 0 {
			return fmt.Errorf("schema %s: index needs a name and at least one field", s.Name)
		}
		for _, f := range idx.Fields {
			if !seen[f] && !s.isForeignKey(f) && f != PrimaryKeyColumn {
				return fmt.Errorf("schema %s: index %s references unknown field %q", s.Name, idx.Name, f)
			}
		}
	}
	return nil
}

func (s *Schema) isForeignKey(col string) bool {
	for _, a := range s.Associations {
		if a.Kind == BelongsTo && a.ForeignKey == col {
			return true
		}
	}
	return false
}

// Registry holds the registered schemas. It is built once with
// [NewRegistry] and is read-only afterwards.
type Registry struct {
	schemas map[string]*Schema
	order   []string
}

// NewRegistry validates and registers copies of the given schemas. The system schemas
// backing the outbox and the sync metadata are always resolvable by name but
// are not part of [Registry.Schemas].
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas)+3)}
	for _, s := range SystemSchemas() {
		s.normalize()
		r.schemas[s.Name] = s
	}
	for _, s := range schemas {
		s = s.clone()
		s.normalize()
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.Name]; dup {
			return nil, fmt.Errorf("schema %s registered twice", s.Name)
		}
		r.schemas[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	for _, name := range r.order {
		s := r.schemas[name]
		for _, a := range s.Associations {
			if _, ok := r.schemas[a.Target]; !ok {
				return nil, fmt.Errorf("schema %s: association %s targets unregistered model %q", s.Name, a.Name, a.Target)
			}
			if a.Kind == HasManyThrough {
				if _, ok := r.schemas[a.Through]; !ok {
					return nil, fmt.Errorf("schema %s: association %s uses unregistered join model %q", s.Name, a.Name, a.Through)
				}
			}
		}
	}
	return r, nil
}

// Schema returns the schema registered under name.
func (r *Registry) Schema(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// MustSchema returns the schema registered under name or panics.
func (r *Registry) MustSchema(name string) *Schema {
	s, ok := r.schemas[name]
	if !ok {
		panic(fmt.Sprintf("model: schema %q is not registered", name))
	}
	return s
}

// Schemas returns the application schemas in registration order.
func (r *Registry) Schemas() []*Schema {
	out := make([]*Schema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.schemas[name])
	}
	return out
}

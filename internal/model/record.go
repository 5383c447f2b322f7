package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Model is implemented by typed application models. Any struct that
// marshals to a JSON object whose keys are the schema's field names can be
// persisted.
type Model interface {
	ModelName() string
}

// Record is a dynamic model instance: the model name plus its field values.
// It is the heterogeneous representation used at the storage, outbox and
// sync boundaries.
//
// Values hold normalized Go types per field type: string for string, enum
// and date fields, int64 for int, float64 for double, bool for bool and the
// generic JSON decoding (map[string]any, []any, ...) for embedded fields.
// Joined belongs-to parents are nested as *Record under the association name.
type Record struct {
	Model  string
	Values map[string]any
}

// NewRecord creates an empty record for the named model.
func NewRecord(modelName string) *Record {
	return &Record{Model: modelName, Values: make(map[string]any)}
}

// Get returns the value of a field.
func (r *Record) Get(name string) any {
	return r.Values[name]
}

// Set assigns a field value.
func (r *Record) Set(name string, v any) *Record {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	r.Values[name] = v
	return r
}

// String returns the string form of a field value, or "" if unset.
func (r *Record) String(name string) string {
	v, ok := r.Values[name]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Clone returns a shallow copy of the record.
func (r *Record) Clone() *Record {
	return &Record{Model: r.Model, Values: maps.Clone(r.Values)}
}

// MarshalJSON encodes the field values as a JSON object.
func (r *Record) MarshalJSON() ([]byte, error) {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		if nested, ok := v.(*Record); ok {
			values[k] = nested.Values
			continue
		}
		values[k] = v
	}
	return json.Marshal(values)
}

// Identifier returns the record's primary key value. For composite keys this
// is the component values joined by [KeyDelimiter] in key order.
func (s *Schema) Identifier(r *Record) string {
	if !s.HasCompositeKey() {
		return r.String(s.KeyColumn())
	}
	parts := make([]string, len(s.PrimaryKey))
	for i, k := range s.PrimaryKey {
		parts[i] = r.String(k)
	}
	return strings.Join(parts, KeyDelimiter)
}

// ForeignKeyValue returns the parent key for a belongs-to association, read
// either from the foreign key column or from a nested parent value.
func (s *Schema) ForeignKeyValue(r *Record, a Association) (any, bool) {
	if v, ok := r.Values[a.ForeignKey]; ok && v != nil {
		return stringify(v), true
	}
	switch parent := r.Values[a.Name].(type) {
	case *Record:
		if id := parent.String("id"); id != "" {
			return id, true
		}
	case map[string]any:
		if id, ok := parent["id"]; ok && id != nil {
			return stringify(id), true
		}
	}
	return nil, false
}

// DecodeRecord decodes a JSON object into a record, normalizing each value
// to the Go type of its field. Unknown keys are kept as decoded.
func DecodeRecord(s *Schema, data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", s.Name, err)
	}
	r := &Record{Model: s.Name, Values: raw}
	if err := r.Normalize(s); err != nil {
		return nil, err
	}
	return r, nil
}

// EncodeRecord is the inverse of [DecodeRecord].
func EncodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", r.Model, err)
	}
	return data, nil
}

// FromModel converts a typed model into a normalized record.
func FromModel(s *Schema, m Model) (*Record, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s model: %w", m.ModelName(), err)
	}
	return DecodeRecord(s, data)
}

// Decode fills dst, a pointer to a typed model, from the record's values.
func (r *Record) Decode(dst any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", r.Model, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding %s record into %T: %w", r.Model, dst, err)
	}
	return nil
}

// Normalize converts field values in place to the Go type of their field.
func (r *Record) Normalize(s *Schema) error {
	for _, f := range s.Fields {
		v, ok := r.Values[f.Name]
		if !ok || v == nil {
			continue
		}
		nv, err := normalizeValue(f.Type, v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
		r.Values[f.Name] = nv
	}
	for _, a := range s.BelongsTo() {
		if v, ok := r.Values[a.ForeignKey]; ok && v != nil {
			if _, declared := s.Field(a.ForeignKey); !declared {
				r.Values[a.ForeignKey] = stringify(v)
			}
		}
	}
	return nil
}

func normalizeValue(t FieldType, v any) (any, error) {
	switch t {
	case TypeString, TypeEnum:
		return stringify(v), nil
	case TypeDate:
		if tm, ok := v.(time.Time); ok {
			return tm.UTC().Format(time.RFC3339Nano), nil
		}
		return stringify(v), nil
	case TypeInt:
		return toInt64(v)
	case TypeDouble:
		return toFloat64(v)
	case TypeBool:
		return toBool(v)
	case TypeEmbedded:
		return normalizeEmbedded(v)
	}
	return v, nil
}

func normalizeEmbedded(v any) (any, error) {
	switch x := v.(type) {
	case string:
		// Embedded values are stored as JSON text.
		var out any
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return x, nil //nolint:nilerr // plain strings are valid embedded values
		}
		return out, nil
	case json.Number, map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("embedded value of type %T: %w", v, err)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return fmt.Sprint(v)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	}
	return 0, fmt.Errorf("cannot convert %T to int", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, fmt.Errorf("cannot convert %T to double", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	i, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
	return i != 0, nil
}

package model

import (
	"fmt"
	"time"
)

// MutationType is the kind of a local or remote change.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// ParseMutationType validates a stored mutation type.
func ParseMutationType(s string) (MutationType, error) {
	switch MutationType(s) {
	case MutationCreate, MutationUpdate, MutationDelete:
		return MutationType(s), nil
	}
	return "", fmt.Errorf("unknown mutation type %q", s)
}

// System model names.
const (
	MutationEventModel        = "MutationEvent"
	MutationSyncMetadataModel = "MutationSyncMetadata"
	ModelSyncMetadataModel    = "ModelSyncMetadata"
)

// MutationEvent is an outbox entry: a pending local mutation awaiting
// delivery to the remote.
type MutationEvent struct {
	ID           string
	ModelID      string
	ModelName    string
	JSON         string
	MutationType MutationType
	// GraphQLFilterJSON is the encoded condition of a conditioned mutation.
	GraphQLFilterJSON string
	// Version is the remote version the mutation is based on, if known.
	Version   *int64
	InProcess bool
	// CreatedAt orders the outbox, in Unix nanoseconds.
	CreatedAt int64
}

// Conditioned reports whether the event carries a condition.
func (e *MutationEvent) Conditioned() bool {
	return e.GraphQLFilterJSON != ""
}

// Record converts the event to a MutationEvent record.
func (e *MutationEvent) Record() *Record {
	r := NewRecord(MutationEventModel).
		Set("id", e.ID).
		Set("modelId", e.ModelID).
		Set("modelName", e.ModelName).
		Set("json", e.JSON).
		Set("mutationType", string(e.MutationType)).
		Set("inProcess", e.InProcess).
		Set("createdAt", e.CreatedAt)
	if e.GraphQLFilterJSON != "" {
		r.Set("graphQLFilterJSON", e.GraphQLFilterJSON)
	}
	if e.Version != nil {
		r.Set("version", *e.Version)
	}
	return r
}

// MutationEventFromRecord is the inverse of [MutationEvent.Record].
func MutationEventFromRecord(r *Record) (*MutationEvent, error) {
	mt, err := ParseMutationType(r.String("mutationType"))
	if err != nil {
		return nil, fmt.Errorf("mutation event %s: %w", r.String("id"), err)
	}
	e := &MutationEvent{
		ID:                r.String("id"),
		ModelID:           r.String("modelId"),
		ModelName:         r.String("modelName"),
		JSON:              r.String("json"),
		MutationType:      mt,
		GraphQLFilterJSON: r.String("graphQLFilterJSON"),
	}
	if v, ok := r.Values["inProcess"].(bool); ok {
		e.InProcess = v
	}
	if v, ok := r.Values["createdAt"].(int64); ok {
		e.CreatedAt = v
	}
	if v, ok := r.Values["version"].(int64); ok {
		e.Version = &v
	}
	return e, nil
}

// MutationSyncMetadata is the per-record version bookkeeping.
type MutationSyncMetadata struct {
	ModelID   string
	ModelName string
	Deleted   bool
	// LastChangedAt is in Unix seconds.
	LastChangedAt int64
	Version       int64
}

// Record converts the metadata to a MutationSyncMetadata record.
func (m *MutationSyncMetadata) Record() *Record {
	return NewRecord(MutationSyncMetadataModel).
		Set("modelName", m.ModelName).
		Set("modelId", m.ModelID).
		Set("deleted", m.Deleted).
		Set("lastChangedAt", m.LastChangedAt).
		Set("version", m.Version)
}

// MutationSyncMetadataFromRecord is the inverse of [MutationSyncMetadata.Record].
func MutationSyncMetadataFromRecord(r *Record) *MutationSyncMetadata {
	m := &MutationSyncMetadata{
		ModelID:   r.String("modelId"),
		ModelName: r.String("modelName"),
	}
	m.Deleted, _ = r.Values["deleted"].(bool)
	m.LastChangedAt, _ = r.Values["lastChangedAt"].(int64)
	m.Version, _ = r.Values["version"].(int64)
	return m
}

// ModelSyncMetadata records the last successful sync of a model.
type ModelSyncMetadata struct {
	ModelName string
	LastSync  time.Time
}

// Record converts the metadata to a ModelSyncMetadata record.
func (m *ModelSyncMetadata) Record() *Record {
	return NewRecord(ModelSyncMetadataModel).
		Set("id", m.ModelName).
		Set("lastSync", m.LastSync.UnixMilli())
}

// SystemSchemas returns fresh copies of the schemas backing the outbox and
// the sync metadata tables.
func SystemSchemas() []*Schema {
	return []*Schema{
		{
			Name: MutationEventModel,
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true},
				{Name: "modelId", Type: TypeString, Required: true},
				{Name: "modelName", Type: TypeString, Required: true},
				{Name: "json", Type: TypeString, Required: true},
				{Name: "mutationType", Type: TypeString, Required: true},
				{Name: "createdAt", Type: TypeInt, Required: true},
				{Name: "inProcess", Type: TypeBool, Required: true},
				{Name: "graphQLFilterJSON", Type: TypeString},
				{Name: "version", Type: TypeInt},
			},
			PrimaryKey: []string{"id"},
			Indexes: []Index{
				{Name: "mutationEventByModelIdAndCreatedAt", Fields: []string{"modelId", "createdAt"}},
			},
		},
		{
			Name: MutationSyncMetadataModel,
			Fields: []Field{
				{Name: "modelName", Type: TypeString, Required: true},
				{Name: "modelId", Type: TypeString, Required: true},
				{Name: "deleted", Type: TypeBool, Required: true},
				{Name: "lastChangedAt", Type: TypeInt, Required: true},
				{Name: "version", Type: TypeInt, Required: true},
			},
			PrimaryKey: []string{"modelName", "modelId"},
		},
		{
			Name: ModelSyncMetadataModel,
			Fields: []Field{
				{Name: "id", Type: TypeString, Required: true},
				{Name: "lastSync", Type: TypeInt},
			},
			PrimaryKey: []string{"id"},
		},
	}
}

// MetadataKey returns the composite key of a record's sync metadata.
func MetadataKey(modelName, modelID string) string {
	return modelName + KeyDelimiter + modelID
}

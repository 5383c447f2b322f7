package remote

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
)

// DecodeMutationSync decodes a remote payload: the record's fields plus the
// _version, _deleted and _lastChangedAt sync fields.
func DecodeMutationSync(s *model.Schema, data []byte) (*MutationSync, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, errs.Newf(errs.KindInternal, "empty %s payload", s.Name)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, fmt.Sprintf("decoding %s payload", s.Name))
	}

	ms := &MutationSync{Metadata: model.MutationSyncMetadata{ModelName: s.Name}}
	if v, ok := raw[FieldVersion].(json.Number); ok {
		ms.Metadata.Version, _ = v.Int64()
	} else {
		return nil, errs.Newf(errs.KindInternal, "%s payload has no %s", s.Name, FieldVersion)
	}
	if v, ok := raw[FieldDeleted].(bool); ok {
		ms.Metadata.Deleted = v
	}
	if v, ok := raw[FieldLastChangedAt].(json.Number); ok {
		ms.Metadata.LastChangedAt, _ = v.Int64()
	}
	delete(raw, FieldVersion)
	delete(raw, FieldDeleted)
	delete(raw, FieldLastChangedAt)
	delete(raw, "__typename")

	r := &model.Record{Model: s.Name, Values: raw}
	if err := r.Normalize(s); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, fmt.Sprintf("normalizing %s payload", s.Name))
	}
	ms.Record = r
	ms.Metadata.ModelID = s.Identifier(r)
	if ms.Metadata.ModelID == "" {
		return nil, errs.Newf(errs.KindInternal, "%s payload has no primary key", s.Name)
	}
	return ms, nil
}

// EncodeMutationSync is the inverse of [DecodeMutationSync].
func EncodeMutationSync(ms *MutationSync) ([]byte, error) {
	values := make(map[string]any, len(ms.Record.Values)+3)
	for k, v := range ms.Record.Values {
		if nested, ok := v.(*model.Record); ok {
			values[k] = nested.Values
			continue
		}
		values[k] = v
	}
	values[FieldVersion] = ms.Metadata.Version
	values[FieldDeleted] = ms.Metadata.Deleted
	values[FieldLastChangedAt] = ms.Metadata.LastChangedAt
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ms.Record.Model, err)
	}
	return data, nil
}

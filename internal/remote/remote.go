// Package remote declares the contract between the sync core and the remote
// API: typed mutation requests, the mutation-sync results the remote returns,
// GraphQL errors (including version conflicts) and the subscription stream of
// remote changes. Transport is provided by the caller.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
)

// ConflictUnhandled is the GraphQL error type the remote uses for a version
// conflict. The error's data carries the remote's current record.
const ConflictUnhandled = "ConflictUnhandled"

// Sync metadata fields carried alongside model fields in remote payloads.
const (
	FieldVersion       = "_version"
	FieldDeleted       = "_deleted"
	FieldLastChangedAt = "_lastChangedAt"
)

// MutationRequest is one outgoing mutation.
type MutationRequest struct {
	ModelName string
	Type      model.MutationType
	// JSON is the record payload as a JSON object.
	JSON string
	// Version is the remote version the mutation is based on, if known.
	Version *int64
	// Condition is a GraphQL filter JSON the remote evaluates before
	// applying the mutation. Empty means unconditioned.
	Condition string
}

// MutationSync is a record together with its remote sync metadata.
type MutationSync struct {
	Record   *model.Record
	Metadata model.MutationSyncMetadata
}

// GraphQLError is one entry of a GraphQL response's errors list.
type GraphQLError struct {
	Message   string
	ErrorType string
	// Data is the JSON object attached to the error, if any. For
	// [ConflictUnhandled] it is the remote record with its sync fields.
	Data []byte
}

// Error implements the error interface.
func (e GraphQLError) Error() string {
	if e.ErrorType == "" {
		return e.Message
	}
	return e.ErrorType + ": " + e.Message
}

// IsConflict reports whether the error is a version conflict.
func (e GraphQLError) IsConflict() bool {
	return e.ErrorType == ConflictUnhandled
}

// Response is the result of a mutation that reached the remote. Either Data
// or Errors is set.
type Response struct {
	Data   *MutationSync
	Errors []GraphQLError
}

// Conflict returns the first conflict error in the response, if any.
func (r *Response) Conflict() (GraphQLError, bool) {
	for _, e := range r.Errors {
		if e.IsConflict() {
			return e, true
		}
	}
	return GraphQLError{}, false
}

// SubscriptionEvent is one item of the remote change stream. The final
// event of a stream has Done set; Err is nil when the stream finished
// normally and describes the failure otherwise.
type SubscriptionEvent struct {
	Type     model.MutationType
	Mutation *MutationSync

	Done bool
	Err  error
}

// API is the remote collaborator used by the outgoing queue.
type API interface {
	// Mutate submits one mutation. A nil error means the request reached the
	// remote; the response may still carry GraphQL errors. Transport
	// failures that may succeed on retry are classified with [NetworkError].
	Mutate(ctx context.Context, req MutationRequest) (*Response, error)

	// Subscribe opens the stream of remote changes for the given models.
	// The channel is closed after the Done event or when ctx is cancelled.
	Subscribe(ctx context.Context, modelNames []string) (<-chan SubscriptionEvent, error)
}

// SyncPage is one page of a base or delta sync.
type SyncPage struct {
	Items     []*MutationSync
	NextToken string
	// StartedAt is the server time the sync started, recorded as the model's
	// last sync time once the final page is applied.
	StartedAt time.Time
}

// Syncer is implemented by remotes that support initial base and delta
// syncs. lastSync is nil for a full base sync.
type Syncer interface {
	Sync(ctx context.Context, modelName string, lastSync *time.Time, nextToken string, limit int) (*SyncPage, error)
}

// NetworkError classifies err as a retriable transport failure.
func NetworkError(err error) error {
	return errs.Wrap(errs.KindNetwork, err, "network request failed")
}

// IsNetwork reports whether err is a retriable transport failure.
func IsNetwork(err error) bool {
	return errors.Is(err, errs.ErrNetwork)
}

// Request builds the remote request for an outbox entry.
func Request(e *model.MutationEvent) MutationRequest {
	return MutationRequest{
		ModelName: e.ModelName,
		Type:      e.MutationType,
		JSON:      e.JSON,
		Version:   e.Version,
		Condition: e.GraphQLFilterJSON,
	}
}

// String describes the request for logs.
func (r MutationRequest) String() string {
	return fmt.Sprintf("%s %s", r.Type, r.ModelName)
}

package outbox

import (
	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
)

// Disposition is what happens to a candidate mutation given the unsent
// mutation already queued for the same record.
type Disposition int

const (
	// Append saves the candidate as a separate entry.
	Append Disposition = iota
	// Replace overwrites the queued entry's type and payload with the
	// candidate's, keeping its position in the queue.
	Replace
	// MergeIntoCreate keeps the queued create but takes the candidate's
	// payload.
	MergeIntoCreate
	// DropBoth removes the queued entry, discards the candidate and deletes
	// the local row: nothing ever reached the remote.
	DropBoth
	// Reject refuses the candidate and keeps the queued entry.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Append:
		return "append"
	case Replace:
		return "replace"
	case MergeIntoCreate:
		return "merge"
	case DropBoth:
		return "drop"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Dispose decides how candidate combines with existing, the most recent
// queued entry for the same record. existing is nil when there is none. An
// in-process existing entry is never merged with.
func Dispose(existing, candidate *model.MutationEvent) (Disposition, error) {
	if existing == nil || existing.InProcess {
		return Append, nil
	}
	conditioned := candidate.Conditioned()

	switch existing.MutationType {
	case model.MutationCreate:
		switch candidate.MutationType {
		case model.MutationCreate:
			return Reject, errs.Newf(errs.KindAlreadyExists, "%s %s already has a pending create", candidate.ModelName, candidate.ModelID)
		case model.MutationUpdate:
			if conditioned {
				return Append, nil
			}
			return MergeIntoCreate, nil
		case model.MutationDelete:
			return DropBoth, nil
		}

	case model.MutationUpdate:
		switch candidate.MutationType {
		case model.MutationCreate:
			if conditioned {
				return Append, nil
			}
			return Reject, errs.Newf(errs.KindAlreadyExists, "%s %s already exists and has a pending update", candidate.ModelName, candidate.ModelID)
		case model.MutationUpdate, model.MutationDelete:
			if conditioned {
				return Append, nil
			}
			return Replace, nil
		}

	case model.MutationDelete:
		switch candidate.MutationType {
		case model.MutationCreate, model.MutationUpdate:
			return Reject, errs.Newf(errs.KindNotFound, "%s %s has a pending delete", candidate.ModelName, candidate.ModelID)
		case model.MutationDelete:
			return Replace, nil
		}
	}
	return Reject, errs.Newf(errs.KindInternal, "no disposition for %s after %s", candidate.MutationType, existing.MutationType)
}

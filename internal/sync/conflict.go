package sync

import (
	"context"
	"fmt"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/remote"
)

// ConflictData is passed to the [ConflictHandler]. Local is the record the
// rejected mutation carried; for a delete it is the record as it was when
// deleted. Remote is the remote's current state.
type ConflictData struct {
	Type   model.MutationType
	Local  *model.Record
	Remote *remote.MutationSync
}

// ConflictHandler decides how a version conflict is resolved.
type ConflictHandler func(ctx context.Context, data ConflictData) Resolution

type resolutionKind int

const (
	resolveApplyRemote resolutionKind = iota
	resolveRetryLocal
	resolveRetry
)

// Resolution is the outcome chosen by a [ConflictHandler].
type Resolution struct {
	kind   resolutionKind
	record *model.Record
}

// ApplyRemote discards the local mutation and takes the remote state.
func ApplyRemote() Resolution { return Resolution{kind: resolveApplyRemote} }

// RetryLocal resends the local mutation based on the remote's version.
func RetryLocal() Resolution { return Resolution{kind: resolveRetryLocal} }

// Retry resends the mutation with r as its payload, based on the remote's
// version.
func Retry(r *model.Record) Resolution { return Resolution{kind: resolveRetry, record: r} }

func (r Resolution) String() string {
	switch r.kind {
	case resolveRetryLocal:
		return "retryLocal"
	case resolveRetry:
		return "retry"
	}
	return "applyRemote"
}

func (d *delivery) resolveConflict(ctx context.Context, c remote.GraphQLError) error {
	e := d.event
	d.p.inst.cntConflicts.Add(ctx, 1)

	if e.MutationType == model.MutationCreate {
		return d.drop(ctx, errs.Wrap(errs.KindInternal, c, fmt.Sprintf("unexpected conflict creating %s %s", e.ModelName, e.ModelID)))
	}
	s, ok := d.p.storage.Registry().Schema(e.ModelName)
	if !ok {
		return d.drop(ctx, errs.Newf(errs.KindInternal, "conflict for unregistered model %q", e.ModelName))
	}
	if len(c.Data) == 0 {
		return d.drop(ctx, errs.Wrap(errs.KindInternal, c, fmt.Sprintf("conflict for %s %s has no remote state", e.ModelName, e.ModelID)))
	}
	rs, err := remote.DecodeMutationSync(s, c.Data)
	if err != nil {
		return d.drop(ctx, err)
	}

	d.p.log.Info("resolving conflict", "model", e.ModelName, "id", e.ModelID, "type", e.MutationType,
		"remote_version", rs.Metadata.Version, "remote_deleted", rs.Metadata.Deleted)

	switch {
	case e.MutationType == model.MutationDelete && rs.Metadata.Deleted:
		if err := d.p.outbox.Complete(ctx, e.ID); err != nil {
			return d.fail(err)
		}
		d.p.publishStatus(ctx)
		return nil

	case e.MutationType == model.MutationUpdate && rs.Metadata.Deleted:
		if err := d.p.storage.ApplyRemoteDelete(ctx, e.ModelName, e.ModelID, &rs.Metadata); err != nil {
			return d.drop(ctx, fmt.Errorf("applying remote delete of %s %s: %w", e.ModelName, e.ModelID, err))
		}
		return d.finish(ctx, rs, model.MutationDelete)
	}

	local, err := model.DecodeRecord(s, []byte(e.JSON))
	if err != nil {
		return d.drop(ctx, errs.Wrap(errs.KindInternal, err, "decoding local mutation"))
	}
	res := d.p.onConflict(ctx, ConflictData{Type: e.MutationType, Local: local, Remote: rs})
	d.p.log.Debug("conflict resolved", "model", e.ModelName, "id", e.ModelID, "resolution", res)

	switch res.kind {
	case resolveRetryLocal, resolveRetry:
		req := remote.Request(e)
		if res.kind == resolveRetry {
			if res.record == nil {
				return d.drop(ctx, errs.New(errs.KindInternal, "conflict retry without a record"))
			}
			data, err := model.EncodeRecord(res.record)
			if err != nil {
				return d.drop(ctx, err)
			}
			req.JSON = string(data)
		}
		v := rs.Metadata.Version
		req.Version = &v
		return d.send(ctx, req, false)

	default:
		if err := d.p.storage.ApplyRemote(ctx, rs.Record, &rs.Metadata); err != nil {
			return d.drop(ctx, fmt.Errorf("applying remote %s %s: %w", e.ModelName, e.ModelID, err))
		}
		return d.finish(ctx, rs, model.MutationUpdate)
	}
}

// finish completes an entry resolved locally and publishes the resulting
// change.
func (d *delivery) finish(ctx context.Context, rs *remote.MutationSync, typ model.MutationType) error {
	if err := d.p.outbox.Complete(ctx, d.event.ID); err != nil {
		return d.fail(err)
	}
	d.p.processed(ctx, resultingEvent(rs, typ), &rs.Metadata)
	return nil
}

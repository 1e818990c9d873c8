package core

import (
	"context"
	"fmt"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/pslog"
)

// Commit replays the session's pending journal entries against the storage
// engine as one transactional batch, flips their committed flags, and
// releases the lease. On a failure nothing is flipped and the lease is
// retained, so commit is retryable; entries already applied by an earlier
// attempt are skipped on the retry.
func (s *Service) Commit(ctx context.Context, cmd SessionCommand) (*api.CommitResponse, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	sess, err := s.liveSession(cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	entries, err := s.journal.Uncommitted(ctx, cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	logger.Info("commit.begin",
		"dataset", cmd.DatasetID,
		"session", cmd.SessionID,
		"entries", len(entries),
	)

	// A prior attempt may have applied the batch and then failed to flip the
	// journal flags; those entries must not hit the engine twice.
	replay := entries
	if sess.appliedSeq > 0 {
		replay = nil
		for _, e := range entries {
			if e.Seq > sess.appliedSeq {
				replay = append(replay, e)
			}
		}
	}

	if len(replay) > 0 {
		ops, err := opsFromEntries(replay)
		if err != nil {
			return nil, Failure{Code: "storage_failure", Detail: err.Error(), HTTPStatus: 500}
		}
		if err := s.engine.ApplyBatch(ctx, cmd.DatasetID, ops); err != nil {
			s.metrics.StorageFailures.Inc()
			logger.Error("commit.fail",
				"dataset", cmd.DatasetID,
				"session", cmd.SessionID,
				"error", err,
			)
			return nil, Failure{
				Code:       "storage_failure",
				Detail:     fmt.Sprintf("apply batch: %v", err),
				HTTPStatus: 500,
			}
		}
		sess.appliedSeq = replay[len(replay)-1].Seq
	}

	n, err := s.journal.MarkCommitted(ctx, cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	s.removeSession(sess)
	s.metrics.Commits.Inc()
	logger.Info("commit.ok",
		"dataset", cmd.DatasetID,
		"session", cmd.SessionID,
		"changes_committed", n,
	)
	return &api.CommitResponse{ChangesCommitted: n}, nil
}

// Discard voids the session's pending journal entries and releases the lease.
// The storage engine is never touched; entries stay in the journal with the
// discarded marker.
func (s *Service) Discard(ctx context.Context, cmd SessionCommand) (*api.DiscardResponse, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	sess, err := s.liveSession(cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	n, err := s.journal.MarkDiscarded(ctx, cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	s.removeSession(sess)
	s.metrics.Discards.Inc()
	logger.Info("discard.ok",
		"dataset", cmd.DatasetID,
		"session", cmd.SessionID,
		"changes_discarded", n,
	)
	return &api.DiscardResponse{ChangesDiscarded: n}, nil
}

// opsFromEntries converts pending journal entries, in sequence order, to the
// storage batch that reproduces them. Row indices were computed against the
// staged state produced by the preceding entries, so in-order replay against
// committed state lands each op exactly where it was staged.
func opsFromEntries(entries []journal.Entry) ([]storage.Op, error) {
	ops := make([]storage.Op, 0, len(entries))
	for _, e := range entries {
		op := storage.Op{Kind: e.ChangeType}
		switch e.ChangeType {
		case api.ChangeCellEdit:
			if e.RowIndex == nil {
				return nil, fmt.Errorf("journal entry %d: cell_edit without row index", e.Seq)
			}
			op.RowIndex = *e.RowIndex
			op.Column = e.ColumnName
			op.Value = e.NewValue

		case api.ChangeRowAdd:
			if e.RowIndex == nil {
				return nil, fmt.Errorf("journal entry %d: row_add without position", e.Seq)
			}
			payload, ok := e.NewValue.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("journal entry %d: row_add payload is %T", e.Seq, e.NewValue)
			}
			op.RowIndex = *e.RowIndex
			op.Row = storage.Row(payload)

		case api.ChangeRowDelete:
			if e.RowIndex == nil {
				return nil, fmt.Errorf("journal entry %d: row_delete without row index", e.Seq)
			}
			op.RowIndex = *e.RowIndex

		case api.ChangeColumnAdd:
			def, err := columnFromPayload(e.NewValue)
			if err != nil {
				return nil, fmt.Errorf("journal entry %d: %w", e.Seq, err)
			}
			op.Def = def

		case api.ChangeColumnDelete:
			op.Column = e.ColumnName

		case api.ChangeColumnRename:
			to, ok := e.NewValue.(string)
			if !ok {
				return nil, fmt.Errorf("journal entry %d: column_rename target is %T", e.Seq, e.NewValue)
			}
			op.Column = e.ColumnName
			op.RenameTo = to

		default:
			return nil, fmt.Errorf("journal entry %d: unknown change type %q", e.Seq, e.ChangeType)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func columnFromPayload(v any) (*storage.Column, error) {
	payload, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("column_add payload is %T", v)
	}
	name, _ := payload["name"].(string)
	typ, _ := payload["data_type"].(string)
	if name == "" || typ == "" {
		return nil, fmt.Errorf("column_add payload missing name or data_type")
	}
	return &storage.Column{
		Name:    name,
		Type:    api.ColumnType(typ),
		Default: payload["default_value"],
	}, nil
}

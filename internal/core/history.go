package core

import (
	"context"

	"pkt.systems/editd/api"
)

// History returns journal entries for a dataset, newest first. A non-positive
// limit selects the default; limits above the cap are clamped.
func (s *Service) History(ctx context.Context, datasetID string, limit int, committedOnly bool) (*api.HistoryResponse, error) {
	if limit <= 0 {
		limit = s.historyDefault
	}
	if limit > s.historyMax {
		limit = s.historyMax
	}
	entries, err := s.journal.History(ctx, datasetID, limit, committedOnly)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	out := &api.HistoryResponse{Changes: make([]api.ChangeRecord, 0, len(entries))}
	for i := range entries {
		out.Changes = append(out.Changes, entries[i].Record())
	}
	return out, nil
}

// Uncommitted returns a session's pending entries in sequence order. The
// session need not be live; a released or expired session's leftovers remain
// queryable until voided.
func (s *Service) Uncommitted(ctx context.Context, datasetID, sessionID string) (*api.UncommittedResponse, error) {
	if sessionID == "" {
		return nil, Failure{Code: "validation_error", Detail: "session_id is required", HTTPStatus: 400}
	}
	entries, err := s.journal.Uncommitted(ctx, datasetID, sessionID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	out := &api.UncommittedResponse{
		SessionID: sessionID,
		Count:     len(entries),
		Changes:   make([]api.ChangeRecord, 0, len(entries)),
	}
	for i := range entries {
		out.Changes = append(out.Changes, entries[i].Record())
	}
	return out, nil
}

package core

import (
	"context"
	"errors"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/editd/internal/uuidv7"
	"pkt.systems/pslog"
)

// Acquire grants an exclusive edit lease on a dataset. Acquiring a free
// dataset also voids any journal entries orphaned by expiry, force-unlock, or
// a restart, so every session starts from committed state.
func (s *Service) Acquire(ctx context.Context, cmd AcquireCommand) (*api.LockResponse, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	if cmd.Owner == "" {
		return nil, Failure{Code: "validation_error", Detail: "owner is required", HTTPStatus: 400}
	}
	lease, err := s.resolveLease(cmd.TimeoutMinutes)
	if err != nil {
		return nil, err
	}

	logger.Debug("session.acquire.begin",
		"dataset", cmd.DatasetID,
		"owner", cmd.Owner,
		"lease_seconds", lease.Seconds(),
	)

	acquireMu := s.acquireMutex(cmd.DatasetID)
	acquireMu.Lock()
	defer acquireMu.Unlock()

	now := s.clock.Now()
	s.mu.Lock()
	cur := s.sessions[cmd.DatasetID]
	if cur != nil && cur.expiresAtUnix > now.Unix() {
		s.mu.Unlock()
		s.metrics.Conflicts.Inc()
		retry := cur.expiresAtUnix - now.Unix()
		if retry < 1 {
			retry = 1
		}
		logger.Info("session.acquire.conflict",
			"dataset", cmd.DatasetID,
			"owner", cmd.Owner,
			"holder", cur.owner,
			"expires_at_unix", cur.expiresAtUnix,
		)
		return nil, Failure{
			Code:          "lock_conflict",
			Detail:        "dataset is locked by another session",
			Owner:         cur.owner,
			ExpiresAtUnix: cur.expiresAtUnix,
			RetryAfter:    retry,
			HTTPStatus:    409,
		}
	}
	expired := cur != nil
	delete(s.sessions, cmd.DatasetID)
	if expired {
		s.metrics.ActiveLeases.Dec()
	}
	s.mu.Unlock()
	if expired {
		s.metrics.Expiries.Inc()
		logger.Info("session.expire",
			"dataset", cmd.DatasetID,
			"session", cur.id,
			"holder", cur.owner,
		)
	}

	// A commit or discard still in flight on the displaced session holds its
	// mutex until the journal flags are flipped; voiding and the staged
	// snapshot below must wait for it.
	if cur != nil {
		cur.mu.Lock()
		defer cur.mu.Unlock()
	}

	exists, err := s.engine.DatasetExists(ctx, cmd.DatasetID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	if !exists {
		return nil, Failure{Code: "dataset_not_found", Detail: "unknown dataset", HTTPStatus: 404}
	}

	orphaned, err := s.journal.DiscardDataset(ctx, cmd.DatasetID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	if orphaned > 0 {
		logger.Info("journal.orphans_discarded",
			"dataset", cmd.DatasetID,
			"entries", orphaned,
		)
	}

	staged, err := newStagedShape(ctx, s.engine, cmd.DatasetID)
	if err != nil {
		return nil, s.engineFailure(err)
	}

	sess := &session{
		id:             uuidv7.NewString(),
		datasetID:      cmd.DatasetID,
		owner:          cmd.Owner,
		acquiredAtUnix: now.Unix(),
		expiresAtUnix:  now.Add(lease).Unix(),
		staged:         staged,
	}
	s.mu.Lock()
	s.sessions[cmd.DatasetID] = sess
	s.mu.Unlock()
	s.metrics.Acquires.Inc()
	s.metrics.ActiveLeases.Inc()

	logger.Info("session.acquire.ok",
		"dataset", cmd.DatasetID,
		"session", sess.id,
		"owner", cmd.Owner,
		"expires_at_unix", sess.expiresAtUnix,
	)
	return &api.LockResponse{
		DatasetID: cmd.DatasetID,
		SessionID: sess.id,
		Owner:     sess.owner,
		LockedAt:  sess.acquiredAtUnix,
		ExpiresAt: sess.expiresAtUnix,
	}, nil
}

// Renew extends a live lease from now.
func (s *Service) Renew(ctx context.Context, cmd RenewCommand) (*api.LockResponse, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	lease, err := s.resolveLease(cmd.TimeoutMinutes)
	if err != nil {
		return nil, err
	}
	sess, err := s.liveSession(cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.expiresAtUnix = s.clock.Now().Add(lease).Unix()
	expires := sess.expiresAtUnix
	sess.mu.Unlock()
	s.metrics.Renews.Inc()
	logger.Info("session.renew.ok",
		"dataset", cmd.DatasetID,
		"session", sess.id,
		"expires_at_unix", expires,
	)
	return &api.LockResponse{
		DatasetID: cmd.DatasetID,
		SessionID: sess.id,
		Owner:     sess.owner,
		LockedAt:  sess.acquiredAtUnix,
		ExpiresAt: expires,
	}, nil
}

// Release gives up a lease without touching the journal; pending entries stay
// until committed, discarded, or voided by the next acquire.
func (s *Service) Release(ctx context.Context, cmd SessionCommand) error {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	now := s.clock.Now()
	s.mu.Lock()
	sess := s.sessions[cmd.DatasetID]
	if sess == nil || sess.id != cmd.SessionID || sess.expiresAtUnix <= now.Unix() {
		s.mu.Unlock()
		return Failure{Code: "session_invalid", Detail: "invalid or expired session", HTTPStatus: 404}
	}
	delete(s.sessions, cmd.DatasetID)
	s.mu.Unlock()
	s.metrics.ActiveLeases.Dec()
	logger.Info("session.release.ok",
		"dataset", cmd.DatasetID,
		"session", cmd.SessionID,
	)
	return nil
}

// ForceUnlock administratively clears the dataset's lease, live or expired,
// and voids every pending journal entry.
func (s *Service) ForceUnlock(ctx context.Context, datasetID string) (*api.ForceUnlockResponse, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	acquireMu := s.acquireMutex(datasetID)
	acquireMu.Lock()
	defer acquireMu.Unlock()

	s.mu.Lock()
	sess := s.sessions[datasetID]
	delete(s.sessions, datasetID)
	s.mu.Unlock()
	if sess != nil {
		s.metrics.ActiveLeases.Dec()
		// Wait out any in-flight commit or discard before voiding.
		sess.mu.Lock()
		defer sess.mu.Unlock()
	}

	discarded, err := s.journal.DiscardDataset(ctx, datasetID)
	if err != nil {
		return nil, s.engineFailure(err)
	}
	s.metrics.ForceUnlocks.Inc()

	resp := &api.ForceUnlockResponse{
		Message:          "lock cleared",
		ChangesDiscarded: discarded,
	}
	if sess != nil {
		resp.PreviousSessionID = sess.id
		resp.PreviousOwner = sess.owner
	} else {
		resp.Message = "no active lock"
	}
	logger.Info("session.force_unlock.ok",
		"dataset", datasetID,
		"previous_session", resp.PreviousSessionID,
		"changes_discarded", discarded,
	)
	return resp, nil
}

// Status reports the dataset's lock state. An expired lease reads as unlocked;
// reclamation is left to the next acquire or the sweeper.
func (s *Service) Status(_ context.Context, datasetID string) (*api.LockStatusResponse, error) {
	now := s.clock.Now()
	s.mu.Lock()
	sess := s.sessions[datasetID]
	s.mu.Unlock()
	if sess == nil || sess.expiresAtUnix <= now.Unix() {
		return &api.LockStatusResponse{Locked: false}, nil
	}
	return &api.LockStatusResponse{
		Locked:    true,
		SessionID: sess.id,
		Owner:     sess.owner,
		LockedAt:  sess.acquiredAtUnix,
		ExpiresAt: sess.expiresAtUnix,
	}, nil
}

// SweepExpired reclaims lapsed leases and voids their pending entries. The
// server's reaper calls this periodically; lazy checks elsewhere make the
// sweep an optimization, not a correctness requirement.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	var lapsed []*session
	for id, sess := range s.sessions {
		if sess.expiresAtUnix <= now {
			delete(s.sessions, id)
			lapsed = append(lapsed, sess)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, sess := range lapsed {
		s.metrics.ActiveLeases.Dec()
		s.metrics.Expiries.Inc()
		s.logger.Info("session.expire",
			"dataset", sess.datasetID,
			"session", sess.id,
			"holder", sess.owner,
		)
		// A commit caught mid-apply by the expiry holds sess.mu until its
		// entries are flipped; voiding before that would strand applied
		// changes as discarded.
		sess.mu.Lock()
		_, err := s.journal.DiscardDataset(ctx, sess.datasetID)
		sess.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(lapsed), firstErr
}

// CreateDataset registers a new dataset with the storage engine. Shape and
// row ingestion is otherwise out of editd's scope; this exists for embedding
// and tests.
func (s *Service) CreateDataset(ctx context.Context, datasetID string, shape storage.ColumnSet, rows []storage.Row) error {
	if datasetID == "" {
		return Failure{Code: "validation_error", Detail: "dataset id is required", HTTPStatus: 400}
	}
	for _, col := range shape.Columns {
		if err := checkColumnName(col.Name); err != nil {
			return err
		}
		typ := col.Type
		if typ == "" {
			typ = api.ColumnString
		}
		if !typ.Valid() {
			return Failure{Code: "validation_error", Detail: "unknown column type", HTTPStatus: 400}
		}
	}
	if err := s.engine.CreateDataset(ctx, datasetID, shape, rows); err != nil {
		if errors.Is(err, storage.ErrDatasetExists) {
			return Failure{Code: "validation_error", Detail: "dataset already exists", HTTPStatus: 409}
		}
		return s.engineFailure(err)
	}
	return nil
}

// engineFailure wraps journal/engine errors into transport failures.
func (s *Service) engineFailure(err error) error {
	if errors.Is(err, storage.ErrDatasetNotFound) {
		return Failure{Code: "dataset_not_found", Detail: "unknown dataset", HTTPStatus: 404}
	}
	return Failure{Code: "storage_failure", Detail: err.Error(), HTTPStatus: 500}
}

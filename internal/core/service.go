// Package core implements the transport-agnostic edit-session service: the
// session lock manager, the mutation applier with its staged shape, the
// change journal coordination, and the commit/discard coordinator. HTTP
// handlers are thin adapters over this package.
package core

import (
	"sync"
	"time"

	"pkt.systems/editd/internal/clock"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/pslog"
)

// Service aggregates the edit-session domain services. Lease state lives in
// process memory; the journal and dataset rows live behind their stores.
type Service struct {
	journal journal.Store
	engine  storage.Engine
	logger  pslog.Logger
	clock   clock.Clock
	metrics *Metrics

	defaultLease   time.Duration
	maxLease       time.Duration
	historyDefault int
	historyMax     int

	mu       sync.Mutex
	sessions map[string]*session

	// acquireLocks holds one *sync.Mutex per dataset so concurrent acquires
	// on the same dataset serialize into an atomic check-and-set.
	acquireLocks *sync.Map
}

// session is one live edit lease plus its staged shape.
type session struct {
	id             string
	datasetID      string
	owner          string
	acquiredAtUnix int64
	expiresAtUnix  int64

	// mu serializes mutations, commit, and discard within the session.
	mu     sync.Mutex
	staged *stagedShape

	// appliedSeq is the highest journal seq a commit attempt has already
	// replayed into the engine. A retry after a failed MarkCommitted must
	// not apply those entries a second time.
	appliedSeq int64
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	defaultLease := cfg.DefaultLease
	if defaultLease <= 0 {
		defaultLease = DefaultLease
	}
	maxLease := cfg.MaxLease
	if maxLease <= 0 {
		maxLease = DefaultMaxLease
	}
	historyDefault := cfg.HistoryDefaultLimit
	if historyDefault <= 0 {
		historyDefault = DefaultHistoryLimit
	}
	historyMax := cfg.HistoryMaxLimit
	if historyMax <= 0 {
		historyMax = DefaultHistoryMaxLimit
	}
	return &Service{
		journal:        cfg.Journal,
		engine:         cfg.Engine,
		logger:         logger.With("sys", "core"),
		clock:          clk,
		metrics:        metrics,
		defaultLease:   defaultLease,
		maxLease:       maxLease,
		historyDefault: historyDefault,
		historyMax:     historyMax,
		sessions:       make(map[string]*session),
		acquireLocks:   &sync.Map{},
	}
}

// Engine exposes the dataset engine for embedding callers and tests.
func (s *Service) Engine() storage.Engine {
	return s.engine
}

// acquireMutex returns the dataset's acquire mutex, creating it on first use.
func (s *Service) acquireMutex(datasetID string) *sync.Mutex {
	mu, _ := s.acquireLocks.LoadOrStore(datasetID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// liveSession returns the dataset's session when sessionID matches and the
// lease has not lapsed. Expired or mismatched sessions fail with
// session_invalid; reclamation of the expired lease is left to the next
// acquire or the sweeper.
func (s *Service) liveSession(datasetID, sessionID string) (*session, error) {
	now := s.clock.Now()
	s.mu.Lock()
	sess := s.sessions[datasetID]
	s.mu.Unlock()
	if sess == nil || sess.id != sessionID || sess.expiresAtUnix <= now.Unix() {
		return nil, Failure{
			Code:       "session_invalid",
			Detail:     "invalid or expired session",
			HTTPStatus: 403,
		}
	}
	return sess, nil
}

// removeSession drops the dataset's session if it is still sess.
func (s *Service) removeSession(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.datasetID] == sess {
		delete(s.sessions, sess.datasetID)
		s.metrics.ActiveLeases.Dec()
	}
	s.mu.Unlock()
}

// resolveLease converts timeout_minutes to a duration, applying the default
// and the cap.
func (s *Service) resolveLease(minutes int64) (time.Duration, error) {
	if minutes == 0 {
		return s.defaultLease, nil
	}
	if minutes < 1 {
		return 0, Failure{
			Code:       "validation_error",
			Detail:     "timeout_minutes must be positive",
			HTTPStatus: 400,
		}
	}
	d := time.Duration(minutes) * time.Minute
	if d > s.maxLease {
		return 0, Failure{
			Code:       "validation_error",
			Detail:     "timeout_minutes exceeds the server maximum",
			HTTPStatus: 400,
		}
	}
	return d, nil
}

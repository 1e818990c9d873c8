package core

import (
	"time"

	"pkt.systems/editd/internal/clock"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/pslog"
)

// Config wires the service's collaborators. Zero-value durations and limits
// fall back to the defaults below.
type Config struct {
	Journal journal.Store
	Engine  storage.Engine
	Logger  pslog.Logger
	Clock   clock.Clock

	// DefaultLease is the lease duration used when a request omits
	// timeout_minutes.
	DefaultLease time.Duration
	// MaxLease caps the requestable lease duration.
	MaxLease time.Duration
	// HistoryDefaultLimit applies when a history query omits its limit.
	HistoryDefaultLimit int
	// HistoryMaxLimit caps history query limits.
	HistoryMaxLimit int

	Metrics *Metrics
}

const (
	// DefaultLease applies when a lock request omits timeout_minutes.
	DefaultLease = 30 * time.Minute
	// DefaultMaxLease caps timeout_minutes at two hours.
	DefaultMaxLease = 2 * time.Hour
	// DefaultHistoryLimit applies when a history query omits its limit.
	DefaultHistoryLimit = 100
	// DefaultHistoryMaxLimit caps history query limits.
	DefaultHistoryMaxLimit = 1000
)

// Package journal defines the append-only change journal: the ledger of every
// mutation attempted against a dataset, committed or not.
//
// The journal owns sequence-number assignment. Sequence numbers are strictly
// increasing and contiguous per dataset, and entries are never deleted: commit
// flips the committed flag exactly once, discard marks entries voided but
// keeps them for audit.
package journal

import (
	"context"

	"pkt.systems/editd/api"
)

// Entry is one journal record. Seq, Committed, and Discarded are owned by the
// store; callers populate the remaining fields (including AppliedAtUnix, so
// time flows through the service clock) before append.
type Entry struct {
	Seq           int64
	DatasetID     string
	SessionID     string
	Owner         string
	ChangeType    api.ChangeType
	RowIndex      *int64
	ColumnName    string
	OldValue      any
	NewValue      any
	AppliedAtUnix int64
	Committed     bool
	Discarded     bool
}

// Record converts the entry to its wire form.
func (e *Entry) Record() api.ChangeRecord {
	return api.ChangeRecord{
		Seq:        e.Seq,
		SessionID:  e.SessionID,
		Owner:      e.Owner,
		ChangeType: e.ChangeType,
		RowIndex:   e.RowIndex,
		ColumnName: e.ColumnName,
		OldValue:   e.OldValue,
		NewValue:   e.NewValue,
		Timestamp:  e.AppliedAtUnix,
		Committed:  e.Committed,
		Discarded:  e.Discarded,
	}
}

// Store persists journal entries. Implementations must assign Seq atomically
// per dataset so concurrent appends never produce gaps or duplicates.
type Store interface {
	// Append assigns the next sequence number for entry.DatasetID, persists
	// the entry, and returns the stored form.
	Append(ctx context.Context, entry *Entry) (*Entry, error)
	// Uncommitted returns the pending (neither committed nor discarded)
	// entries of one session in ascending sequence order.
	Uncommitted(ctx context.Context, datasetID, sessionID string) ([]Entry, error)
	// History returns up to limit entries for a dataset in descending
	// sequence order, optionally restricted to committed entries.
	History(ctx context.Context, datasetID string, limit int, committedOnly bool) ([]Entry, error)
	// MarkCommitted flips the committed flag on the session's pending entries
	// and reports how many were flipped.
	MarkCommitted(ctx context.Context, datasetID, sessionID string) (int64, error)
	// MarkDiscarded voids the session's pending entries, retaining them for audit.
	MarkDiscarded(ctx context.Context, datasetID, sessionID string) (int64, error)
	// DiscardDataset voids every pending entry of a dataset regardless of
	// session. Used to clean up entries orphaned by force-unlock or expiry.
	DiscardDataset(ctx context.Context, datasetID string) (int64, error)
	Close() error
}

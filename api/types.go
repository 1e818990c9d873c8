// Package api defines the wire types exchanged with an editd server.
package api

// ChangeType identifies the kind of mutation recorded by a change entry.
type ChangeType string

const (
	// ChangeCellEdit replaces a single cell value.
	ChangeCellEdit ChangeType = "cell_edit"
	// ChangeRowAdd inserts a full row at a position.
	ChangeRowAdd ChangeType = "row_add"
	// ChangeRowDelete removes the row at an index.
	ChangeRowDelete ChangeType = "row_delete"
	// ChangeColumnAdd appends a column to the dataset shape.
	ChangeColumnAdd ChangeType = "column_add"
	// ChangeColumnDelete removes a column and its values.
	ChangeColumnDelete ChangeType = "column_delete"
	// ChangeColumnRename renames a column in place.
	ChangeColumnRename ChangeType = "column_rename"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCellEdit, ChangeRowAdd, ChangeRowDelete,
		ChangeColumnAdd, ChangeColumnDelete, ChangeColumnRename:
		return true
	}
	return false
}

// ColumnType enumerates the value types a dataset column may declare.
type ColumnType string

const (
	ColumnString   ColumnType = "string"
	ColumnInteger  ColumnType = "integer"
	ColumnFloat    ColumnType = "float"
	ColumnBoolean  ColumnType = "boolean"
	ColumnDate     ColumnType = "date"
	ColumnDateTime ColumnType = "datetime"
	ColumnJSON     ColumnType = "json"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnString, ColumnInteger, ColumnFloat, ColumnBoolean,
		ColumnDate, ColumnDateTime, ColumnJSON:
		return true
	}
	return false
}

// LockRequest models POST /v1/datasets/{id}/lock.
type LockRequest struct {
	// TimeoutMinutes is the requested lease duration; zero selects the server default.
	TimeoutMinutes int64 `json:"timeout_minutes,omitempty"`
}

// LockResponse is returned when a lease is granted or renewed.
type LockResponse struct {
	// DatasetID identifies the locked dataset.
	DatasetID string `json:"dataset_id"`
	// SessionID is the opaque token that must accompany every mutation.
	SessionID string `json:"session_id"`
	// Owner is the identity the lease is attributed to.
	Owner string `json:"owner"`
	// LockedAt is the acquisition time as a Unix timestamp in seconds.
	LockedAt int64 `json:"locked_at_unix"`
	// ExpiresAt is the lease expiry time as a Unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at_unix"`
}

// UnlockRequest models DELETE /v1/datasets/{id}/lock.
type UnlockRequest struct {
	// SessionID is the lease token being released.
	SessionID string `json:"session_id"`
}

// RenewRequest models POST /v1/datasets/{id}/lock/renew.
type RenewRequest struct {
	// SessionID is the lease token being extended.
	SessionID string `json:"session_id"`
	// TimeoutMinutes is the new lease duration measured from now; zero selects the server default.
	TimeoutMinutes int64 `json:"timeout_minutes,omitempty"`
}

// LockStatusResponse reports the lock state of a dataset.
type LockStatusResponse struct {
	// Locked reports whether a live lease exists.
	Locked bool `json:"locked"`
	// SessionID is the active lease token, present only when locked.
	SessionID string `json:"session_id,omitempty"`
	// Owner is the identity holding the lease, present only when locked.
	Owner string `json:"owner,omitempty"`
	// LockedAt is the acquisition time as a Unix timestamp in seconds.
	LockedAt int64 `json:"locked_at_unix,omitempty"`
	// ExpiresAt is the lease expiry time as a Unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at_unix,omitempty"`
}

// ForceUnlockResponse acknowledges an administrative unlock.
type ForceUnlockResponse struct {
	// Message is a human-readable confirmation.
	Message string `json:"message"`
	// PreviousSessionID is the displaced lease token, if one existed.
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	// PreviousOwner is the identity that held the displaced lease.
	PreviousOwner string `json:"previous_owner,omitempty"`
	// ChangesDiscarded counts orphaned journal entries voided by the unlock.
	ChangesDiscarded int64 `json:"changes_discarded,omitempty"`
}

// CellChange is one element of a batch cell update. The previous value is
// captured server-side from staged state, never trusted from the client.
type CellChange struct {
	// RowIndex addresses the row in the session's staged row order.
	RowIndex int64 `json:"row_index"`
	// ColumnName addresses the column in the session's staged shape.
	ColumnName string `json:"column_name"`
	// NewValue is the replacement cell value.
	NewValue any `json:"new_value"`
}

// CellUpdateRequest models POST /v1/datasets/{id}/cells/update.
type CellUpdateRequest struct {
	// SessionID is the lease token authorizing the mutation.
	SessionID string `json:"session_id"`
	// Changes are applied in order; the batch fails fast on the first invalid change.
	Changes []CellChange `json:"changes"`
}

// RowAddRequest models POST /v1/datasets/{id}/rows.
type RowAddRequest struct {
	// SessionID is the lease token authorizing the mutation.
	SessionID string `json:"session_id"`
	// Position is the staged row index the new row is inserted at.
	Position int64 `json:"position"`
	// Data maps column names to values; omitted columns take their defaults.
	Data map[string]any `json:"data"`
}

// RowDeleteRequest models DELETE /v1/datasets/{id}/rows.
type RowDeleteRequest struct {
	// SessionID is the lease token authorizing the mutation.
	SessionID string `json:"session_id"`
	// RowIndices are staged row indices; deletions are applied highest-first so
	// the remaining indices stay valid.
	RowIndices []int64 `json:"row_indices"`
}

// ColumnAddRequest models POST /v1/datasets/{id}/columns.
type ColumnAddRequest struct {
	// SessionID is the lease token authorizing the mutation.
	SessionID string `json:"session_id"`
	// Name is the new column name.
	Name string `json:"name"`
	// DataType declares the column value type; empty selects "string".
	DataType ColumnType `json:"data_type,omitempty"`
	// DefaultValue backfills existing rows.
	DefaultValue any `json:"default_value,omitempty"`
}

// ColumnRenameRequest models POST /v1/datasets/{id}/columns/{name}/rename.
type ColumnRenameRequest struct {
	// SessionID is the lease token authorizing the mutation.
	SessionID string `json:"session_id"`
	// NewName is the replacement column name.
	NewName string `json:"new_name"`
}

// SessionRequest carries a bare lease token for commit, discard, and column delete.
type SessionRequest struct {
	// SessionID is the lease token authorizing the operation.
	SessionID string `json:"session_id"`
}

// ChangeRecord is the wire form of one journal entry.
type ChangeRecord struct {
	// Seq is the dataset-scoped, strictly increasing sequence number.
	Seq int64 `json:"seq"`
	// SessionID is the edit session that produced the entry.
	SessionID string `json:"session_id"`
	// Owner is the identity that produced the entry.
	Owner string `json:"owner,omitempty"`
	// ChangeType identifies the mutation kind.
	ChangeType ChangeType `json:"change_type"`
	// RowIndex is set for row-addressed mutations.
	RowIndex *int64 `json:"row_index,omitempty"`
	// ColumnName is set for cell and column mutations.
	ColumnName string `json:"column_name,omitempty"`
	// OldValue is the replaced value, captured from staged state at append time.
	OldValue any `json:"old_value,omitempty"`
	// NewValue is the applied value or payload.
	NewValue any `json:"new_value,omitempty"`
	// Timestamp is the append time as a Unix timestamp in seconds.
	Timestamp int64 `json:"timestamp_unix"`
	// Committed reports whether the entry was flushed to dataset storage.
	Committed bool `json:"is_committed"`
	// Discarded reports whether the entry was voided; discarded entries are
	// retained for audit and excluded from replay.
	Discarded bool `json:"is_discarded,omitempty"`
}

// MutateResponse returns the journal entries appended by a mutation request,
// in append order, for optimistic client-side reconciliation.
type MutateResponse struct {
	// Changes are the appended entries.
	Changes []ChangeRecord `json:"changes"`
}

// CommitResponse reports a successful commit.
type CommitResponse struct {
	// ChangesCommitted counts journal entries flushed to dataset storage.
	ChangesCommitted int64 `json:"changes_committed"`
}

// DiscardResponse reports a successful discard.
type DiscardResponse struct {
	// ChangesDiscarded counts journal entries voided.
	ChangesDiscarded int64 `json:"changes_discarded"`
}

// HistoryResponse returns journal entries for a dataset, newest first.
type HistoryResponse struct {
	// Changes are the matching entries.
	Changes []ChangeRecord `json:"changes"`
}

// UncommittedResponse returns the pending entries of one session, oldest first.
type UncommittedResponse struct {
	// SessionID is the session queried.
	SessionID string `json:"session_id"`
	// Count is len(Changes).
	Count int `json:"count"`
	// Changes are the pending entries in sequence order.
	Changes []ChangeRecord `json:"changes"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable editd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// LockOwner identifies the current lease holder on lock conflicts.
	LockOwner string `json:"lock_owner,omitempty"`
	// LockExpiresAt is the conflicting lease expiry as a Unix timestamp in seconds.
	LockExpiresAt int64 `json:"lock_expires_at_unix,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

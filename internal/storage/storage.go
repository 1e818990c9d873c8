// Package storage defines the dataset storage engine collaborator: the
// component that durably holds committed rows and shape. The edit-session core
// never mutates it directly; all writes arrive as one transactional batch at
// commit time.
package storage

import (
	"context"
	"errors"

	"pkt.systems/editd/api"
)

var (
	// ErrDatasetNotFound indicates the dataset id is unknown to the engine.
	ErrDatasetNotFound = errors.New("storage: dataset not found")
	// ErrDatasetExists indicates a create collided with an existing dataset.
	ErrDatasetExists = errors.New("storage: dataset already exists")
	// ErrRowNotFound indicates a row index outside the dataset's current rows.
	ErrRowNotFound = errors.New("storage: row not found")
	// ErrColumnNotFound indicates a column missing from the dataset's shape.
	ErrColumnNotFound = errors.New("storage: column not found")
	// ErrColumnExists indicates a column add collided with an existing name.
	ErrColumnExists = errors.New("storage: column already exists")
)

// Column describes one column of a dataset's shape.
type Column struct {
	Name    string         `json:"name"`
	Type    api.ColumnType `json:"data_type"`
	Default any            `json:"default_value,omitempty"`
}

// ColumnSet is a dataset's ordered shape.
type ColumnSet struct {
	Columns []Column `json:"columns"`
}

// Index returns the position of name, or -1.
func (c ColumnSet) Index(name string) int {
	for i, col := range c.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether the shape contains name.
func (c ColumnSet) Has(name string) bool { return c.Index(name) >= 0 }

// Clone returns a deep copy safe to mutate.
func (c ColumnSet) Clone() ColumnSet {
	return ColumnSet{Columns: append([]Column(nil), c.Columns...)}
}

// Row maps column names to cell values.
type Row map[string]any

// Clone returns a shallow copy; cell values are treated as immutable.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is the applied form of one journal entry inside a commit batch. Exactly
// the fields relevant to Kind are set.
type Op struct {
	Kind     api.ChangeType
	RowIndex int64   // cell_edit, row_add (insert position), row_delete
	Column   string  // cell_edit, column_add/delete/rename
	RenameTo string  // column_rename
	Value    any     // cell_edit replacement value
	Row      Row     // row_add payload, complete per the shape at that point
	Def      *Column // column_add definition
}

// Engine stores committed dataset rows and shape.
//
// ApplyBatch must be transactional: either every op is applied in order or
// none is. Ops reference the shape as mutated by the preceding ops of the same
// batch, so order is load-bearing.
type Engine interface {
	CreateDataset(ctx context.Context, datasetID string, shape ColumnSet, rows []Row) error
	DatasetExists(ctx context.Context, datasetID string) (bool, error)
	ReadShape(ctx context.Context, datasetID string) (ColumnSet, error)
	ReadRow(ctx context.Context, datasetID string, rowIndex int64) (Row, error)
	RowCount(ctx context.Context, datasetID string) (int64, error)
	ApplyBatch(ctx context.Context, datasetID string, ops []Op) error
	Close() error
}

// Package memory implements the dataset storage engine in process memory;
// intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/storage"
)

type table struct {
	shape storage.ColumnSet
	rows  []storage.Row
}

func (t *table) clone() *table {
	out := &table{shape: t.shape.Clone(), rows: make([]storage.Row, len(t.rows))}
	for i, r := range t.rows {
		out.rows[i] = r.Clone()
	}
	return out
}

// Engine keeps datasets as ordered row slices guarded by one mutex. ApplyBatch
// mutates a clone and swaps it in only when every op succeeded, so a failed
// batch leaves the dataset untouched.
type Engine struct {
	mu       sync.RWMutex
	datasets map[string]*table
}

// New returns an empty in-memory engine.
func New() *Engine {
	return &Engine{datasets: make(map[string]*table)}
}

// CreateDataset stores a new dataset with the given shape and initial rows.
func (e *Engine) CreateDataset(_ context.Context, datasetID string, shape storage.ColumnSet, rows []storage.Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.datasets[datasetID]; ok {
		return storage.ErrDatasetExists
	}
	t := &table{shape: shape.Clone(), rows: make([]storage.Row, len(rows))}
	for i, r := range rows {
		t.rows[i] = r.Clone()
	}
	e.datasets[datasetID] = t
	return nil
}

// DatasetExists reports whether the dataset id is known.
func (e *Engine) DatasetExists(_ context.Context, datasetID string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.datasets[datasetID]
	return ok, nil
}

// ReadShape returns a copy of the dataset's ordered shape.
func (e *Engine) ReadShape(_ context.Context, datasetID string) (storage.ColumnSet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.datasets[datasetID]
	if !ok {
		return storage.ColumnSet{}, storage.ErrDatasetNotFound
	}
	return t.shape.Clone(), nil
}

// ReadRow returns a copy of the row at rowIndex.
func (e *Engine) ReadRow(_ context.Context, datasetID string, rowIndex int64) (storage.Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.datasets[datasetID]
	if !ok {
		return nil, storage.ErrDatasetNotFound
	}
	if rowIndex < 0 || rowIndex >= int64(len(t.rows)) {
		return nil, storage.ErrRowNotFound
	}
	return t.rows[rowIndex].Clone(), nil
}

// RowCount returns the dataset's current number of rows.
func (e *Engine) RowCount(_ context.Context, datasetID string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.datasets[datasetID]
	if !ok {
		return 0, storage.ErrDatasetNotFound
	}
	return int64(len(t.rows)), nil
}

// ApplyBatch applies ops in order against a clone of the dataset and swaps the
// clone in on success. Any failing op aborts the whole batch.
func (e *Engine) ApplyBatch(_ context.Context, datasetID string, ops []storage.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.datasets[datasetID]
	if !ok {
		return storage.ErrDatasetNotFound
	}
	next := t.clone()
	for i, op := range ops {
		if err := applyOp(next, op); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	e.datasets[datasetID] = next
	return nil
}

// Close satisfies storage.Engine; nothing to release.
func (e *Engine) Close() error { return nil }

func applyOp(t *table, op storage.Op) error {
	switch op.Kind {
	case api.ChangeCellEdit:
		if !t.shape.Has(op.Column) {
			return storage.ErrColumnNotFound
		}
		if op.RowIndex < 0 || op.RowIndex >= int64(len(t.rows)) {
			return storage.ErrRowNotFound
		}
		t.rows[op.RowIndex][op.Column] = op.Value
		return nil

	case api.ChangeRowAdd:
		if op.RowIndex < 0 || op.RowIndex > int64(len(t.rows)) {
			return storage.ErrRowNotFound
		}
		row := make(storage.Row, len(t.shape.Columns))
		for _, col := range t.shape.Columns {
			if v, ok := op.Row[col.Name]; ok {
				row[col.Name] = v
			} else {
				row[col.Name] = col.Default
			}
		}
		for k := range op.Row {
			if !t.shape.Has(k) {
				return fmt.Errorf("%w: %q", storage.ErrColumnNotFound, k)
			}
		}
		t.rows = append(t.rows, nil)
		copy(t.rows[op.RowIndex+1:], t.rows[op.RowIndex:])
		t.rows[op.RowIndex] = row
		return nil

	case api.ChangeRowDelete:
		if op.RowIndex < 0 || op.RowIndex >= int64(len(t.rows)) {
			return storage.ErrRowNotFound
		}
		t.rows = append(t.rows[:op.RowIndex], t.rows[op.RowIndex+1:]...)
		return nil

	case api.ChangeColumnAdd:
		if op.Def == nil {
			return fmt.Errorf("column_add without definition")
		}
		if t.shape.Has(op.Def.Name) {
			return storage.ErrColumnExists
		}
		t.shape.Columns = append(t.shape.Columns, *op.Def)
		for _, row := range t.rows {
			row[op.Def.Name] = op.Def.Default
		}
		return nil

	case api.ChangeColumnDelete:
		idx := t.shape.Index(op.Column)
		if idx < 0 {
			return storage.ErrColumnNotFound
		}
		t.shape.Columns = append(t.shape.Columns[:idx], t.shape.Columns[idx+1:]...)
		for _, row := range t.rows {
			delete(row, op.Column)
		}
		return nil

	case api.ChangeColumnRename:
		idx := t.shape.Index(op.Column)
		if idx < 0 {
			return storage.ErrColumnNotFound
		}
		if t.shape.Has(op.RenameTo) {
			return storage.ErrColumnExists
		}
		t.shape.Columns[idx].Name = op.RenameTo
		for _, row := range t.rows {
			if v, ok := row[op.Column]; ok {
				row[op.RenameTo] = v
				delete(row, op.Column)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

package core

import (
	"context"
	"fmt"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/storage"
)

// stagedColumn is one column of a session's staged shape. origin is the
// committed column name the staged column maps to; it survives renames and is
// empty for columns added in-session.
type stagedColumn struct {
	name   string
	typ    api.ColumnType
	def    any
	origin string
}

// stagedRow layers session edits over one row. base is the committed row
// index, or -1 for rows added in-session. cells holds staged overrides keyed
// by the staged column name.
type stagedRow struct {
	base  int64
	cells map[string]any
}

// stagedShape is a session's view of the dataset: the committed shape plus
// every pending mutation applied in order. Committed rows load lazily and are
// cached for the session's lifetime; the lock guarantees they cannot change
// underneath it.
type stagedShape struct {
	datasetID string
	cols      []stagedColumn
	rows      []*stagedRow
	committed map[int64]storage.Row
}

// newStagedShape materializes a session's staged view from the committed
// shape and row count.
func newStagedShape(ctx context.Context, engine storage.Engine, datasetID string) (*stagedShape, error) {
	shape, err := engine.ReadShape(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	count, err := engine.RowCount(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	st := &stagedShape{
		datasetID: datasetID,
		cols:      make([]stagedColumn, 0, len(shape.Columns)),
		rows:      make([]*stagedRow, count),
		committed: make(map[int64]storage.Row),
	}
	for _, col := range shape.Columns {
		st.cols = append(st.cols, stagedColumn{
			name:   col.Name,
			typ:    col.Type,
			def:    col.Default,
			origin: col.Name,
		})
	}
	for i := range st.rows {
		st.rows[i] = &stagedRow{base: int64(i), cells: make(map[string]any)}
	}
	return st, nil
}

// columnIndex returns the staged position of name, or -1.
func (st *stagedShape) columnIndex(name string) int {
	for i, col := range st.cols {
		if col.name == name {
			return i
		}
	}
	return -1
}

// cellValue resolves a staged cell: the session override if present, else the
// committed value (under the column's original name), else the column default.
func (st *stagedShape) cellValue(ctx context.Context, engine storage.Engine, rowIdx int64, col stagedColumn) (any, error) {
	row := st.rows[rowIdx]
	if v, ok := row.cells[col.name]; ok {
		return v, nil
	}
	if row.base < 0 || col.origin == "" {
		return col.def, nil
	}
	committed, err := st.committedRow(ctx, engine, row.base)
	if err != nil {
		return nil, err
	}
	if v, ok := committed[col.origin]; ok {
		return v, nil
	}
	return col.def, nil
}

// rowValue materializes the full staged row keyed by staged column names.
func (st *stagedShape) rowValue(ctx context.Context, engine storage.Engine, rowIdx int64) (map[string]any, error) {
	out := make(map[string]any, len(st.cols))
	for _, col := range st.cols {
		v, err := st.cellValue(ctx, engine, rowIdx, col)
		if err != nil {
			return nil, err
		}
		out[col.name] = v
	}
	return out, nil
}

func (st *stagedShape) committedRow(ctx context.Context, engine storage.Engine, base int64) (storage.Row, error) {
	if row, ok := st.committed[base]; ok {
		return row, nil
	}
	row, err := engine.ReadRow(ctx, st.datasetID, base)
	if err != nil {
		return nil, fmt.Errorf("load committed row %d: %w", base, err)
	}
	st.committed[base] = row
	return row, nil
}

// insertRow places a fully-populated added row at pos.
func (st *stagedShape) insertRow(pos int64, cells map[string]any) {
	row := &stagedRow{base: -1, cells: cells}
	st.rows = append(st.rows, nil)
	copy(st.rows[pos+1:], st.rows[pos:])
	st.rows[pos] = row
}

// deleteRow removes the row at idx; later staged indices shift down.
func (st *stagedShape) deleteRow(idx int64) {
	st.rows = append(st.rows[:idx], st.rows[idx+1:]...)
}

// addColumn appends an in-session column. No backfill is needed: cellValue
// falls back to the default for every row lacking an override.
func (st *stagedShape) addColumn(name string, typ api.ColumnType, def any) {
	st.cols = append(st.cols, stagedColumn{name: name, typ: typ, def: def})
}

// deleteColumn removes the column and every staged override under it.
func (st *stagedShape) deleteColumn(idx int) {
	name := st.cols[idx].name
	st.cols = append(st.cols[:idx], st.cols[idx+1:]...)
	for _, row := range st.rows {
		delete(row.cells, name)
	}
}

// renameColumn rewrites the staged name; origin keeps pointing at the
// committed column.
func (st *stagedShape) renameColumn(idx int, to string) {
	from := st.cols[idx].name
	st.cols[idx].name = to
	for _, row := range st.rows {
		if v, ok := row.cells[from]; ok {
			row.cells[to] = v
			delete(row.cells, from)
		}
	}
}

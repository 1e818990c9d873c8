package memory_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/storage"
	"pkt.systems/editd/internal/storage/memory"
)

func newDataset(t *testing.T) *memory.Engine {
	t.Helper()
	eng := memory.New()
	shape := storage.ColumnSet{Columns: []storage.Column{
		{Name: "name", Type: api.ColumnString},
		{Name: "count", Type: api.ColumnInteger, Default: float64(0)},
	}}
	rows := []storage.Row{
		{"name": "alpha", "count": float64(1)},
		{"name": "beta", "count": float64(2)},
	}
	if err := eng.CreateDataset(context.Background(), "ds", shape, rows); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	return eng
}

func TestCreateDatasetDuplicate(t *testing.T) {
	t.Parallel()

	eng := newDataset(t)
	err := eng.CreateDataset(context.Background(), "ds", storage.ColumnSet{}, nil)
	if !errors.Is(err, storage.ErrDatasetExists) {
		t.Fatalf("err = %v, want ErrDatasetExists", err)
	}
}

func TestApplyBatchOrderMatters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newDataset(t)

	// Adding a column and then editing a cell in it succeeds because ops see
	// the shape as mutated by earlier ops of the same batch.
	err := eng.ApplyBatch(ctx, "ds", []storage.Op{
		{Kind: api.ChangeColumnAdd, Def: &storage.Column{Name: "note", Type: api.ColumnString, Default: ""}},
		{Kind: api.ChangeCellEdit, RowIndex: 0, Column: "note", Value: "hello"},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	row, err := eng.ReadRow(ctx, "ds", 0)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if row["note"] != "hello" {
		t.Fatalf("note = %v, want hello", row["note"])
	}
}

func TestApplyBatchAtomicOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newDataset(t)

	// The first op would succeed alone; the second references a column that
	// does not exist yet, so the whole batch must roll back.
	err := eng.ApplyBatch(ctx, "ds", []storage.Op{
		{Kind: api.ChangeCellEdit, RowIndex: 0, Column: "name", Value: "gamma"},
		{Kind: api.ChangeCellEdit, RowIndex: 0, Column: "missing", Value: 1},
	})
	if !errors.Is(err, storage.ErrColumnNotFound) {
		t.Fatalf("err = %v, want ErrColumnNotFound", err)
	}
	row, _ := eng.ReadRow(ctx, "ds", 0)
	if row["name"] != "alpha" {
		t.Fatalf("partial batch applied: name = %v", row["name"])
	}
}

func TestRowAddInsertsAndFillsDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newDataset(t)
	err := eng.ApplyBatch(ctx, "ds", []storage.Op{
		{Kind: api.ChangeRowAdd, RowIndex: 1, Row: storage.Row{"name": "mid"}},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	n, _ := eng.RowCount(ctx, "ds")
	if n != 3 {
		t.Fatalf("RowCount = %d, want 3", n)
	}
	row, _ := eng.ReadRow(ctx, "ds", 1)
	if row["name"] != "mid" || row["count"] != float64(0) {
		t.Fatalf("inserted row = %v", row)
	}
	// The prior occupant shifted down.
	row, _ = eng.ReadRow(ctx, "ds", 2)
	if row["name"] != "beta" {
		t.Fatalf("row 2 = %v, want beta", row)
	}
}

func TestRowDeleteShiftsIndices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newDataset(t)
	err := eng.ApplyBatch(ctx, "ds", []storage.Op{
		{Kind: api.ChangeRowDelete, RowIndex: 0},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	row, err := eng.ReadRow(ctx, "ds", 0)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if row["name"] != "beta" {
		t.Fatalf("row 0 after delete = %v", row)
	}
	if _, err := eng.ReadRow(ctx, "ds", 1); !errors.Is(err, storage.ErrRowNotFound) {
		t.Fatalf("row 1 should be gone, got %v", err)
	}
}

func TestColumnRename(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newDataset(t)
	err := eng.ApplyBatch(ctx, "ds", []storage.Op{
		{Kind: api.ChangeColumnRename, Column: "count", RenameTo: "total"},
	})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	shape, _ := eng.ReadShape(ctx, "ds")
	if !shape.Has("total") || shape.Has("count") {
		t.Fatalf("shape after rename = %+v", shape)
	}
	// Renaming onto an existing name fails.
	err = eng.ApplyBatch(ctx, "ds", []storage.Op{
		{Kind: api.ChangeColumnRename, Column: "total", RenameTo: "name"},
	})
	if !errors.Is(err, storage.ErrColumnExists) {
		t.Fatalf("err = %v, want ErrColumnExists", err)
	}
}

func TestReadsAreCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newDataset(t)
	row, _ := eng.ReadRow(ctx, "ds", 0)
	row["name"] = "mutated"
	again, _ := eng.ReadRow(ctx, "ds", 0)
	if again["name"] != "alpha" {
		t.Fatalf("caller mutation leaked into store: %v", again)
	}
}

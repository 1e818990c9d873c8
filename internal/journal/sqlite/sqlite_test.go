package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/editd/internal/journal/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := sqlite.New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	idx := int64(3)
	for i := 1; i <= 4; i++ {
		entry, err := store.Append(ctx, &journal.Entry{
			DatasetID:  "ds",
			SessionID:  "s1",
			Owner:      "alice",
			ChangeType: api.ChangeCellEdit,
			RowIndex:   &idx,
			ColumnName: "name",
			OldValue:   "a",
			NewValue:   "b",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if entry.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", entry.Seq, i)
		}
	}
	if entry, _ := store.Append(ctx, &journal.Entry{DatasetID: "other", ChangeType: api.ChangeRowAdd}); entry.Seq != 1 {
		t.Fatalf("other dataset seq = %d, want 1", entry.Seq)
	}
}

func TestValuesRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	payload := map[string]any{"name": "tail", "count": float64(3)}
	if _, err := store.Append(ctx, &journal.Entry{
		DatasetID:  "ds",
		SessionID:  "s1",
		ChangeType: api.ChangeRowAdd,
		NewValue:   payload,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := store.Uncommitted(ctx, "ds", "s1")
	if err != nil {
		t.Fatalf("Uncommitted: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	got, ok := entries[0].NewValue.(map[string]any)
	if !ok || got["name"] != "tail" || got["count"] != float64(3) {
		t.Fatalf("payload = %#v", entries[0].NewValue)
	}
	if entries[0].OldValue != nil {
		t.Fatalf("nil old value became %#v", entries[0].OldValue)
	}
}

func TestCommitDiscardLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	for _, session := range []string{"s1", "s1", "s2"} {
		if _, err := store.Append(ctx, &journal.Entry{
			DatasetID:  "ds",
			SessionID:  session,
			ChangeType: api.ChangeCellEdit,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := store.MarkCommitted(ctx, "ds", "s1")
	if err != nil || n != 2 {
		t.Fatalf("MarkCommitted = %d, %v", n, err)
	}
	if n, _ := store.MarkCommitted(ctx, "ds", "s1"); n != 0 {
		t.Fatalf("committed flag flipped twice")
	}

	n, err = store.DiscardDataset(ctx, "ds")
	if err != nil || n != 1 {
		t.Fatalf("DiscardDataset = %d, %v", n, err)
	}

	history, err := store.History(ctx, "ds", 10, false)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 || history[0].Seq != 3 || !history[0].Discarded {
		t.Fatalf("history = %+v", history)
	}
	committed, _ := store.History(ctx, "ds", 10, true)
	if len(committed) != 2 {
		t.Fatalf("committed history = %+v", committed)
	}
}

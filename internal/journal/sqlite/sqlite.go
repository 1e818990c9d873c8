// Package sqlite persists the change journal in a relational table via gorm.
// The store may share its *gorm.DB with the sqlite dataset engine so both live
// in the same database file.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/journal"
)

type changeModel struct {
	ID            uint   `gorm:"primaryKey"`
	DatasetID     string `gorm:"size:128;uniqueIndex:idx_dataset_seq,priority:1;index:idx_dataset_session,priority:1"`
	Seq           int64  `gorm:"uniqueIndex:idx_dataset_seq,priority:2"`
	SessionID     string `gorm:"size:36;index:idx_dataset_session,priority:2"`
	Owner         string `gorm:"size:128"`
	ChangeType    string `gorm:"size:32"`
	RowIndex      *int64
	ColumnName    string `gorm:"size:255"`
	OldValue      string
	NewValue      string
	AppliedAtUnix int64
	Committed     bool `gorm:"index"`
	Discarded     bool
}

func (changeModel) TableName() string { return "dataset_changes" }

// Store implements journal.Store on a gorm-managed SQLite database.
type Store struct {
	db *gorm.DB
}

// New migrates the dataset_changes table and returns a ready store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&changeModel{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append assigns the dataset's next sequence number and inserts the entry in
// one transaction so concurrent appends cannot gap or duplicate.
func (s *Store) Append(ctx context.Context, entry *journal.Entry) (*journal.Entry, error) {
	model := changeModel{
		DatasetID:     entry.DatasetID,
		SessionID:     entry.SessionID,
		Owner:         entry.Owner,
		ChangeType:    string(entry.ChangeType),
		RowIndex:      entry.RowIndex,
		ColumnName:    entry.ColumnName,
		AppliedAtUnix: entry.AppliedAtUnix,
	}
	var err error
	if model.OldValue, err = encodeValue(entry.OldValue); err != nil {
		return nil, err
	}
	if model.NewValue, err = encodeValue(entry.NewValue); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		row := tx.Model(&changeModel{}).
			Where("dataset_id = ?", entry.DatasetID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return fmt.Errorf("journal: read last seq: %w", err)
		}
		model.Seq = last + 1
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("journal: insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeModel(&model)
}

// Uncommitted returns the session's pending entries in ascending sequence order.
func (s *Store) Uncommitted(ctx context.Context, datasetID, sessionID string) ([]journal.Entry, error) {
	var models []changeModel
	err := s.db.WithContext(ctx).
		Where("dataset_id = ? AND session_id = ? AND committed = ? AND discarded = ?",
			datasetID, sessionID, false, false).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query uncommitted: %w", err)
	}
	return decodeModels(models)
}

// History returns up to limit entries newest first, optionally committed-only.
func (s *Store) History(ctx context.Context, datasetID string, limit int, committedOnly bool) ([]journal.Entry, error) {
	q := s.db.WithContext(ctx).Where("dataset_id = ?", datasetID)
	if committedOnly {
		q = q.Where("committed = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []changeModel
	if err := q.Order("seq DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("journal: query history: %w", err)
	}
	return decodeModels(models)
}

// MarkCommitted flips the committed flag on the session's pending entries.
func (s *Store) MarkCommitted(ctx context.Context, datasetID, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&changeModel{}).
		Where("dataset_id = ? AND session_id = ? AND committed = ? AND discarded = ?",
			datasetID, sessionID, false, false).
		Update("committed", true)
	if res.Error != nil {
		return 0, fmt.Errorf("journal: mark committed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkDiscarded voids the session's pending entries, retaining them for audit.
func (s *Store) MarkDiscarded(ctx context.Context, datasetID, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&changeModel{}).
		Where("dataset_id = ? AND session_id = ? AND committed = ? AND discarded = ?",
			datasetID, sessionID, false, false).
		Update("discarded", true)
	if res.Error != nil {
		return 0, fmt.Errorf("journal: mark discarded: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DiscardDataset voids every pending entry of the dataset regardless of session.
func (s *Store) DiscardDataset(ctx context.Context, datasetID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&changeModel{}).
		Where("dataset_id = ? AND committed = ? AND discarded = ?", datasetID, false, false).
		Update("discarded", true)
	if res.Error != nil {
		return 0, fmt.Errorf("journal: discard dataset: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close satisfies journal.Store. The underlying *gorm.DB is owned by whoever
// opened it (it may be shared with the dataset engine), so nothing closes here.
func (s *Store) Close() error { return nil }

func encodeValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("journal: encode value: %w", err)
	}
	return string(raw), nil
}

func decodeValue(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("journal: decode value: %w", err)
	}
	return v, nil
}

func decodeModel(m *changeModel) (*journal.Entry, error) {
	oldValue, err := decodeValue(m.OldValue)
	if err != nil {
		return nil, err
	}
	newValue, err := decodeValue(m.NewValue)
	if err != nil {
		return nil, err
	}
	return &journal.Entry{
		Seq:           m.Seq,
		DatasetID:     m.DatasetID,
		SessionID:     m.SessionID,
		Owner:         m.Owner,
		ChangeType:    api.ChangeType(m.ChangeType),
		RowIndex:      m.RowIndex,
		ColumnName:    m.ColumnName,
		OldValue:      oldValue,
		NewValue:      newValue,
		AppliedAtUnix: m.AppliedAtUnix,
		Committed:     m.Committed,
		Discarded:     m.Discarded,
	}, nil
}

func decodeModels(models []changeModel) ([]journal.Entry, error) {
	out := make([]journal.Entry, 0, len(models))
	for i := range models {
		entry, err := decodeModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

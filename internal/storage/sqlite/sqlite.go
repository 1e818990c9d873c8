// Package sqlite implements the dataset storage engine on SQLite via gorm.
// Each dataset lives in its own physical table with a row-order column, and a
// registry table tracks every dataset's ordered shape. ApplyBatch runs inside
// one SQL transaction; SQLite rolls DDL back with the rest, so a failed batch
// leaves both data and shape untouched.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/storage"
)

// rowOrderColumn keeps the dataset's dense 0-based row ordering. It is never
// exposed through the Engine interface.
const rowOrderColumn = "_idx"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type datasetModel struct {
	ID        uint   `gorm:"primaryKey"`
	DatasetID string `gorm:"size:128;uniqueIndex"`
	Table     string `gorm:"column:table_name;size:160"`
}

func (datasetModel) TableName() string { return "datasets" }

type columnModel struct {
	ID          uint   `gorm:"primaryKey"`
	DatasetID   string `gorm:"size:128;uniqueIndex:idx_dataset_column,priority:1"`
	Name        string `gorm:"size:255;uniqueIndex:idx_dataset_column,priority:2"`
	Position    int    `gorm:"index"`
	DataType    string `gorm:"size:16"`
	DefaultJSON string
}

func (columnModel) TableName() string { return "dataset_columns" }

// Engine implements storage.Engine on a gorm-managed SQLite database.
type Engine struct {
	db *gorm.DB
}

// New migrates the registry tables and returns a ready engine.
func New(db *gorm.DB) (*Engine, error) {
	if err := db.AutoMigrate(&datasetModel{}, &columnModel{}); err != nil {
		return nil, fmt.Errorf("storage: migrate registry: %w", err)
	}
	return &Engine{db: db}, nil
}

// CreateDataset registers the dataset, creates its physical table, and inserts
// the initial rows, all in one transaction.
func (e *Engine) CreateDataset(ctx context.Context, datasetID string, shape storage.ColumnSet, rows []storage.Row) error {
	tbl, err := dataTableName(datasetID)
	if err != nil {
		return err
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&datasetModel{}).Where("dataset_id = ?", datasetID).Count(&n).Error; err != nil {
			return fmt.Errorf("storage: check dataset: %w", err)
		}
		if n > 0 {
			return storage.ErrDatasetExists
		}
		if err := tx.Create(&datasetModel{DatasetID: datasetID, Table: tbl}).Error; err != nil {
			return fmt.Errorf("storage: register dataset: %w", err)
		}
		defs := []string{quoteIdent(rowOrderColumn) + " INTEGER NOT NULL"}
		for i, col := range shape.Columns {
			if !identPattern.MatchString(col.Name) {
				return fmt.Errorf("storage: invalid column name %q", col.Name)
			}
			def, err := encodeDefault(col.Default)
			if err != nil {
				return err
			}
			if err := tx.Create(&columnModel{
				DatasetID:   datasetID,
				Name:        col.Name,
				Position:    i,
				DataType:    string(col.Type),
				DefaultJSON: def,
			}).Error; err != nil {
				return fmt.Errorf("storage: register column %q: %w", col.Name, err)
			}
			defs = append(defs, quoteIdent(col.Name)+" "+affinity(col.Type))
		}
		ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tbl), strings.Join(defs, ", "))
		if err := tx.Exec(ddl).Error; err != nil {
			return fmt.Errorf("storage: create table: %w", err)
		}
		for i, row := range rows {
			if err := insertRow(tx, tbl, shape, int64(i), row); err != nil {
				return err
			}
		}
		return nil
	})
}

// DatasetExists reports whether the dataset id is registered.
func (e *Engine) DatasetExists(ctx context.Context, datasetID string) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&datasetModel{}).
		Where("dataset_id = ?", datasetID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("storage: check dataset: %w", err)
	}
	return n > 0, nil
}

// ReadShape returns the dataset's ordered shape from the column registry.
func (e *Engine) ReadShape(ctx context.Context, datasetID string) (storage.ColumnSet, error) {
	return readShape(e.db.WithContext(ctx), datasetID)
}

// ReadRow returns the row at rowIndex decoded per the registered column types.
func (e *Engine) ReadRow(ctx context.Context, datasetID string, rowIndex int64) (storage.Row, error) {
	db := e.db.WithContext(ctx)
	shape, err := readShape(db, datasetID)
	if err != nil {
		return nil, err
	}
	tbl, err := registeredTable(db, datasetID)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	err = db.Table(tbl).Where(quoteIdent(rowOrderColumn)+" = ?", rowIndex).Take(&raw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read row: %w", err)
	}
	out := make(storage.Row, len(shape.Columns))
	for _, col := range shape.Columns {
		v, err := decodeCell(col.Type, raw[col.Name])
		if err != nil {
			return nil, fmt.Errorf("storage: column %q: %w", col.Name, err)
		}
		out[col.Name] = v
	}
	return out, nil
}

// RowCount returns the dataset's current number of rows.
func (e *Engine) RowCount(ctx context.Context, datasetID string) (int64, error) {
	db := e.db.WithContext(ctx)
	tbl, err := registeredTable(db, datasetID)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Table(tbl).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("storage: count rows: %w", err)
	}
	return n, nil
}

// ApplyBatch applies ops in order inside one transaction.
func (e *Engine) ApplyBatch(ctx context.Context, datasetID string, ops []storage.Op) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tbl, err := registeredTable(tx, datasetID)
		if err != nil {
			return err
		}
		for i, op := range ops {
			if err := applyOp(tx, datasetID, tbl, op); err != nil {
				return fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
			}
		}
		return nil
	})
}

// Close satisfies storage.Engine. The underlying *gorm.DB is owned by whoever
// opened it (it may be shared with the journal store), so nothing closes here.
func (e *Engine) Close() error { return nil }

func applyOp(tx *gorm.DB, datasetID, tbl string, op storage.Op) error {
	switch op.Kind {
	case api.ChangeCellEdit:
		shape, err := readShape(tx, datasetID)
		if err != nil {
			return err
		}
		idx := shape.Index(op.Column)
		if idx < 0 {
			return storage.ErrColumnNotFound
		}
		val, err := encodeCell(shape.Columns[idx].Type, op.Value)
		if err != nil {
			return err
		}
		res := tx.Exec(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
			quoteIdent(tbl), quoteIdent(op.Column), quoteIdent(rowOrderColumn)), val, op.RowIndex)
		if res.Error != nil {
			return fmt.Errorf("storage: update cell: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrRowNotFound
		}
		return nil

	case api.ChangeRowAdd:
		shape, err := readShape(tx, datasetID)
		if err != nil {
			return err
		}
		for k := range op.Row {
			if !shape.Has(k) {
				return fmt.Errorf("%w: %q", storage.ErrColumnNotFound, k)
			}
		}
		var n int64
		if err := tx.Table(tbl).Count(&n).Error; err != nil {
			return fmt.Errorf("storage: count rows: %w", err)
		}
		if op.RowIndex < 0 || op.RowIndex > n {
			return storage.ErrRowNotFound
		}
		err = tx.Exec(fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE %s >= ?",
			quoteIdent(tbl), quoteIdent(rowOrderColumn), quoteIdent(rowOrderColumn),
			quoteIdent(rowOrderColumn)), op.RowIndex).Error
		if err != nil {
			return fmt.Errorf("storage: shift rows: %w", err)
		}
		return insertRow(tx, tbl, shape, op.RowIndex, op.Row)

	case api.ChangeRowDelete:
		res := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
			quoteIdent(tbl), quoteIdent(rowOrderColumn)), op.RowIndex)
		if res.Error != nil {
			return fmt.Errorf("storage: delete row: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrRowNotFound
		}
		err := tx.Exec(fmt.Sprintf("UPDATE %s SET %s = %s - 1 WHERE %s > ?",
			quoteIdent(tbl), quoteIdent(rowOrderColumn), quoteIdent(rowOrderColumn),
			quoteIdent(rowOrderColumn)), op.RowIndex).Error
		if err != nil {
			return fmt.Errorf("storage: shift rows: %w", err)
		}
		return nil

	case api.ChangeColumnAdd:
		if op.Def == nil {
			return fmt.Errorf("column_add without definition")
		}
		if !identPattern.MatchString(op.Def.Name) {
			return fmt.Errorf("storage: invalid column name %q", op.Def.Name)
		}
		shape, err := readShape(tx, datasetID)
		if err != nil {
			return err
		}
		if shape.Has(op.Def.Name) {
			return storage.ErrColumnExists
		}
		def, err := encodeDefault(op.Def.Default)
		if err != nil {
			return err
		}
		if err := tx.Create(&columnModel{
			DatasetID:   datasetID,
			Name:        op.Def.Name,
			Position:    len(shape.Columns),
			DataType:    string(op.Def.Type),
			DefaultJSON: def,
		}).Error; err != nil {
			return fmt.Errorf("storage: register column: %w", err)
		}
		err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quoteIdent(tbl), quoteIdent(op.Def.Name), affinity(op.Def.Type))).Error
		if err != nil {
			return fmt.Errorf("storage: add column: %w", err)
		}
		if op.Def.Default != nil {
			val, err := encodeCell(op.Def.Type, op.Def.Default)
			if err != nil {
				return err
			}
			err = tx.Exec(fmt.Sprintf("UPDATE %s SET %s = ?",
				quoteIdent(tbl), quoteIdent(op.Def.Name)), val).Error
			if err != nil {
				return fmt.Errorf("storage: backfill column: %w", err)
			}
		}
		return nil

	case api.ChangeColumnDelete:
		res := tx.Where("dataset_id = ? AND name = ?", datasetID, op.Column).Delete(&columnModel{})
		if res.Error != nil {
			return fmt.Errorf("storage: unregister column: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrColumnNotFound
		}
		err := tx.Exec(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
			quoteIdent(tbl), quoteIdent(op.Column))).Error
		if err != nil {
			return fmt.Errorf("storage: drop column: %w", err)
		}
		return nil

	case api.ChangeColumnRename:
		if !identPattern.MatchString(op.RenameTo) {
			return fmt.Errorf("storage: invalid column name %q", op.RenameTo)
		}
		shape, err := readShape(tx, datasetID)
		if err != nil {
			return err
		}
		if !shape.Has(op.Column) {
			return storage.ErrColumnNotFound
		}
		if shape.Has(op.RenameTo) {
			return storage.ErrColumnExists
		}
		res := tx.Model(&columnModel{}).
			Where("dataset_id = ? AND name = ?", datasetID, op.Column).
			Update("name", op.RenameTo)
		if res.Error != nil {
			return fmt.Errorf("storage: reregister column: %w", res.Error)
		}
		err = tx.Exec(fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			quoteIdent(tbl), quoteIdent(op.Column), quoteIdent(op.RenameTo))).Error
		if err != nil {
			return fmt.Errorf("storage: rename column: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func insertRow(tx *gorm.DB, tbl string, shape storage.ColumnSet, idx int64, row storage.Row) error {
	cols := []string{quoteIdent(rowOrderColumn)}
	args := []any{idx}
	for _, col := range shape.Columns {
		v, ok := row[col.Name]
		if !ok {
			v = col.Default
		}
		val, err := encodeCell(col.Type, v)
		if err != nil {
			return fmt.Errorf("storage: column %q: %w", col.Name, err)
		}
		cols = append(cols, quoteIdent(col.Name))
		args = append(args, val)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(tbl), strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if err := tx.Exec(stmt, args...).Error; err != nil {
		return fmt.Errorf("storage: insert row: %w", err)
	}
	return nil
}

func readShape(tx *gorm.DB, datasetID string) (storage.ColumnSet, error) {
	exists, err := datasetRegistered(tx, datasetID)
	if err != nil {
		return storage.ColumnSet{}, err
	}
	if !exists {
		return storage.ColumnSet{}, storage.ErrDatasetNotFound
	}
	var models []columnModel
	err = tx.Where("dataset_id = ?", datasetID).Order("position ASC").Find(&models).Error
	if err != nil {
		return storage.ColumnSet{}, fmt.Errorf("storage: read shape: %w", err)
	}
	shape := storage.ColumnSet{Columns: make([]storage.Column, 0, len(models))}
	for _, m := range models {
		def, err := decodeDefault(m.DefaultJSON)
		if err != nil {
			return storage.ColumnSet{}, fmt.Errorf("storage: column %q: %w", m.Name, err)
		}
		shape.Columns = append(shape.Columns, storage.Column{
			Name:    m.Name,
			Type:    api.ColumnType(m.DataType),
			Default: def,
		})
	}
	return shape, nil
}

func datasetRegistered(tx *gorm.DB, datasetID string) (bool, error) {
	var n int64
	if err := tx.Model(&datasetModel{}).Where("dataset_id = ?", datasetID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("storage: check dataset: %w", err)
	}
	return n > 0, nil
}

func registeredTable(tx *gorm.DB, datasetID string) (string, error) {
	var m datasetModel
	err := tx.Where("dataset_id = ?", datasetID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", storage.ErrDatasetNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: look up dataset: %w", err)
	}
	return m.Table, nil
}

// dataTableName derives the physical table name. Dataset ids may carry
// characters SQL identifiers cannot, so anything outside [A-Za-z0-9_] maps
// to '_'; the registry keeps the authoritative id-to-table mapping.
func dataTableName(datasetID string) (string, error) {
	if datasetID == "" {
		return "", fmt.Errorf("storage: empty dataset id")
	}
	var b strings.Builder
	b.WriteString("ds_")
	for _, r := range datasetID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String(), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func affinity(t api.ColumnType) string {
	switch t {
	case api.ColumnInteger, api.ColumnBoolean:
		return "INTEGER"
	case api.ColumnFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// encodeCell converts an API value to its SQLite representation. JSON columns
// store the serialized document; booleans store 0/1.
func encodeCell(t api.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case api.ColumnJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json cell: %w", err)
		}
		return string(raw), nil
	case api.ColumnBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean cell holds %T", v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case api.ColumnInteger:
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		default:
			return nil, fmt.Errorf("integer cell holds %T", v)
		}
	default:
		return v, nil
	}
}

// decodeCell converts a scanned SQLite value back to its API form.
func decodeCell(t api.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.([]byte); ok {
		v = string(raw)
	}
	switch t {
	case api.ColumnJSON:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("json cell holds %T", v)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("decode json cell: %w", err)
		}
		return out, nil
	case api.ColumnBoolean:
		switch n := v.(type) {
		case int64:
			return n != 0, nil
		case bool:
			return n, nil
		default:
			return nil, fmt.Errorf("boolean cell holds %T", v)
		}
	case api.ColumnFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("float cell holds %T", v)
		}
	default:
		return v, nil
	}
}

func encodeDefault(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode default: %w", err)
	}
	return string(raw), nil
}

func decodeDefault(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode default: %w", err)
	}
	return v, nil
}

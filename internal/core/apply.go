package core

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"time"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/journal"
	"pkt.systems/pslog"
)

// Mutation is the sum type of staged dataset edits. Exactly one concrete
// variant exists per change type; dispatch is an exhaustive type switch.
type Mutation interface {
	changeType() api.ChangeType
}

// CellEdit replaces one cell value. The previous value is captured from
// staged state at apply time.
type CellEdit struct {
	RowIndex int64
	Column   string
	Value    any
}

// RowAdd inserts a full row at a staged position. Omitted columns take their
// defaults.
type RowAdd struct {
	Position int64
	Data     map[string]any
}

// RowDelete removes the row at a staged index.
type RowDelete struct {
	RowIndex int64
}

// ColumnAdd appends a column to the staged shape.
type ColumnAdd struct {
	Name    string
	Type    api.ColumnType
	Default any
}

// ColumnDelete removes a column and its staged values.
type ColumnDelete struct {
	Name string
}

// ColumnRename renames a staged column in place.
type ColumnRename struct {
	From string
	To   string
}

func (CellEdit) changeType() api.ChangeType     { return api.ChangeCellEdit }
func (RowAdd) changeType() api.ChangeType       { return api.ChangeRowAdd }
func (RowDelete) changeType() api.ChangeType    { return api.ChangeRowDelete }
func (ColumnAdd) changeType() api.ChangeType    { return api.ChangeColumnAdd }
func (ColumnDelete) changeType() api.ChangeType { return api.ChangeColumnDelete }
func (ColumnRename) changeType() api.ChangeType { return api.ChangeColumnRename }

// RowDeletes expands a multi-row delete into per-row mutations ordered
// highest index first, so earlier deletions never shift a later target.
func RowDeletes(indices []int64) []Mutation {
	sorted := append([]int64(nil), indices...)
	slices.SortFunc(sorted, func(a, b int64) int { return cmp.Compare(b, a) })
	out := make([]Mutation, len(sorted))
	for i, idx := range sorted {
		out[i] = RowDelete{RowIndex: idx}
	}
	return out
}

// Mutate stages cmd.Mutations in order under a live session, appending one
// journal entry per mutation. The command fails fast on the first invalid
// mutation; entries appended before the failure stay staged and journaled.
func (s *Service) Mutate(ctx context.Context, cmd MutateCommand) ([]api.ChangeRecord, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	if len(cmd.Mutations) == 0 {
		return nil, Failure{Code: "validation_error", Detail: "no changes supplied", HTTPStatus: 400}
	}
	sess, err := s.liveSession(cmd.DatasetID, cmd.SessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := make([]api.ChangeRecord, 0, len(cmd.Mutations))
	for _, m := range cmd.Mutations {
		entry, err := s.applyMutation(ctx, sess, m)
		if err != nil {
			return out, err
		}
		entry.AppliedAtUnix = s.clock.Now().Unix()
		stored, err := s.journal.Append(ctx, entry)
		if err != nil {
			return out, s.engineFailure(err)
		}
		s.metrics.Appends.WithLabelValues(string(stored.ChangeType)).Inc()
		logger.Debug("journal.append",
			"dataset", cmd.DatasetID,
			"session", cmd.SessionID,
			"seq", stored.Seq,
			"change_type", stored.ChangeType,
		)
		out = append(out, stored.Record())
	}
	return out, nil
}

// applyMutation validates m against the session's staged shape, mutates the
// shape, and returns the journal entry to append. Seq and AppliedAtUnix are
// filled by the caller.
func (s *Service) applyMutation(ctx context.Context, sess *session, m Mutation) (*journal.Entry, error) {
	st := sess.staged
	entry := &journal.Entry{
		DatasetID:  sess.datasetID,
		SessionID:  sess.id,
		Owner:      sess.owner,
		ChangeType: m.changeType(),
	}
	switch mut := m.(type) {
	case CellEdit:
		if mut.RowIndex < 0 || mut.RowIndex >= int64(len(st.rows)) {
			return nil, rowOutOfRange(mut.RowIndex)
		}
		ci := st.columnIndex(mut.Column)
		if ci < 0 {
			return nil, unknownColumn(mut.Column)
		}
		col := st.cols[ci]
		if err := checkValue(col.typ, mut.Value); err != nil {
			return nil, err
		}
		old, err := st.cellValue(ctx, s.engine, mut.RowIndex, col)
		if err != nil {
			return nil, s.engineFailure(err)
		}
		st.rows[mut.RowIndex].cells[col.name] = mut.Value
		idx := mut.RowIndex
		entry.RowIndex = &idx
		entry.ColumnName = col.name
		entry.OldValue = old
		entry.NewValue = mut.Value
		return entry, nil

	case RowAdd:
		if mut.Position < 0 || mut.Position > int64(len(st.rows)) {
			return nil, rowOutOfRange(mut.Position)
		}
		cells := make(map[string]any, len(st.cols))
		for _, col := range st.cols {
			v, ok := mut.Data[col.name]
			if !ok {
				cells[col.name] = col.def
				continue
			}
			if err := checkValue(col.typ, v); err != nil {
				return nil, err
			}
			cells[col.name] = v
		}
		for k := range mut.Data {
			if st.columnIndex(k) < 0 {
				return nil, unknownColumn(k)
			}
		}
		st.insertRow(mut.Position, cells)
		payload := make(map[string]any, len(cells))
		for k, v := range cells {
			payload[k] = v
		}
		idx := mut.Position
		entry.RowIndex = &idx
		entry.NewValue = payload
		return entry, nil

	case RowDelete:
		if mut.RowIndex < 0 || mut.RowIndex >= int64(len(st.rows)) {
			return nil, rowOutOfRange(mut.RowIndex)
		}
		old, err := st.rowValue(ctx, s.engine, mut.RowIndex)
		if err != nil {
			return nil, s.engineFailure(err)
		}
		st.deleteRow(mut.RowIndex)
		idx := mut.RowIndex
		entry.RowIndex = &idx
		entry.OldValue = old
		return entry, nil

	case ColumnAdd:
		if err := checkColumnName(mut.Name); err != nil {
			return nil, err
		}
		typ := mut.Type
		if typ == "" {
			typ = api.ColumnString
		}
		if !typ.Valid() {
			return nil, Failure{Code: "validation_error", Detail: fmt.Sprintf("unknown column type %q", mut.Type), HTTPStatus: 400}
		}
		if st.columnIndex(mut.Name) >= 0 {
			return nil, Failure{Code: "shape_conflict", Detail: fmt.Sprintf("column %q already exists", mut.Name), HTTPStatus: 409}
		}
		if err := checkValue(typ, mut.Default); err != nil {
			return nil, err
		}
		st.addColumn(mut.Name, typ, mut.Default)
		entry.ColumnName = mut.Name
		entry.NewValue = columnPayload(mut.Name, typ, mut.Default)
		return entry, nil

	case ColumnDelete:
		ci := st.columnIndex(mut.Name)
		if ci < 0 {
			return nil, unknownColumn(mut.Name)
		}
		col := st.cols[ci]
		st.deleteColumn(ci)
		entry.ColumnName = mut.Name
		entry.OldValue = columnPayload(col.name, col.typ, col.def)
		return entry, nil

	case ColumnRename:
		ci := st.columnIndex(mut.From)
		if ci < 0 {
			return nil, unknownColumn(mut.From)
		}
		if err := checkColumnName(mut.To); err != nil {
			return nil, err
		}
		if st.columnIndex(mut.To) >= 0 {
			return nil, Failure{Code: "shape_conflict", Detail: fmt.Sprintf("column %q already exists", mut.To), HTTPStatus: 409}
		}
		st.renameColumn(ci, mut.To)
		entry.ColumnName = mut.From
		entry.OldValue = mut.From
		entry.NewValue = mut.To
		return entry, nil

	default:
		return nil, Failure{Code: "validation_error", Detail: "unknown mutation", HTTPStatus: 400}
	}
}

var columnNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkColumnName(name string) error {
	if name == "" || len(name) > 255 || !columnNamePattern.MatchString(name) {
		return Failure{
			Code:       "validation_error",
			Detail:     fmt.Sprintf("invalid column name %q", name),
			HTTPStatus: 400,
		}
	}
	return nil
}

// checkValue enforces the column's declared type. Nil clears any cell; JSON
// columns accept any document.
func checkValue(t api.ColumnType, v any) error {
	if v == nil {
		return nil
	}
	ok := false
	switch t {
	case api.ColumnString:
		_, ok = v.(string)
	case api.ColumnInteger:
		switch n := v.(type) {
		case float64:
			ok = n == float64(int64(n))
		case int, int64:
			ok = true
		}
	case api.ColumnFloat:
		switch v.(type) {
		case float64, int, int64:
			ok = true
		}
	case api.ColumnBoolean:
		_, ok = v.(bool)
	case api.ColumnDate:
		if s, isStr := v.(string); isStr {
			_, err := time.Parse("2006-01-02", s)
			ok = err == nil
		}
	case api.ColumnDateTime:
		if s, isStr := v.(string); isStr {
			_, err := time.Parse(time.RFC3339, s)
			ok = err == nil
		}
	case api.ColumnJSON:
		ok = true
	}
	if !ok {
		return Failure{
			Code:       "validation_error",
			Detail:     fmt.Sprintf("value does not match column type %q", t),
			HTTPStatus: 400,
		}
	}
	return nil
}

func rowOutOfRange(idx int64) error {
	return Failure{
		Code:       "validation_error",
		Detail:     fmt.Sprintf("row index %d out of range", idx),
		HTTPStatus: 400,
	}
}

func unknownColumn(name string) error {
	return Failure{
		Code:       "shape_conflict",
		Detail:     fmt.Sprintf("column %q not in staged shape", name),
		HTTPStatus: 409,
	}
}

// columnPayload is the journal representation of a column definition. It
// round-trips through JSON, so commit replay can rebuild the definition.
func columnPayload(name string, typ api.ColumnType, def any) map[string]any {
	return map[string]any{
		"name":          name,
		"data_type":     string(typ),
		"default_value": def,
	}
}

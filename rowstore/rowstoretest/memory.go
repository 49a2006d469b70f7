// Package rowstoretest provides an in-memory rowstore.Gateway for tests and local runs.
package rowstoretest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
)

type sheet struct {
	id     int64
	rows   []rowstore.Row
	attach map[int64][]rowstore.Attachment
}

// Memory keeps sheets in process. Row and sheet ids are allocated from one counter.
type Memory struct {
	mu      sync.Mutex
	nextId  int64
	sheets  map[string]*sheet
	content map[int64][]byte

	// Fail* inject errors per operation and sheet name.
	FailAddRowsBulk map[string]error
	FailGetAllRows  map[string]error
	FailAddRow      map[string]error
	FailUpdateRow   map[string]error

	BulkCalls int
}

func NewMemory() *Memory {
	return &Memory{
		nextId:          1000,
		sheets:          map[string]*sheet{},
		content:         map[int64][]byte{},
		FailAddRowsBulk: map[string]error{},
		FailGetAllRows:  map[string]error{},
		FailAddRow:      map[string]error{},
		FailUpdateRow:   map[string]error{},
	}
}

func (m *Memory) sheet(name string) *sheet {
	s, ok := m.sheets[name]
	if !ok {
		m.nextId++
		s = &sheet{id: m.nextId, attach: map[int64][]rowstore.Attachment{}}
		m.sheets[name] = s
	}
	return s
}

// SheetId returns the id of a sheet, creating it if needed.
func (m *Memory) SheetId(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sheet(name).id
}

func (m *Memory) ResolveSheetId(_ context.Context, logical string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[logical]
	if !ok {
		return 0, fmt.Errorf("sheet %s: %w", logical, rowstore.ErrNotFound)
	}
	return s.id, nil
}

func (m *Memory) ListSheets(_ context.Context) ([]rowstore.Sheet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rowstore.Sheet, 0, len(m.sheets))
	for name, s := range m.sheets {
		out = append(out, rowstore.Sheet{Id: s.id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

// Seed appends rows directly, bypassing failure injection.
func (m *Memory) Seed(name string, rows ...map[string]any) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(m.sheet(name), rows)
}

func (m *Memory) add(s *sheet, rows []map[string]any) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, fields := range rows {
		m.nextId++
		values := make(map[string]any, len(fields))
		for k, v := range fields {
			values[k] = rowstore.CellValue(v)
		}
		s.rows = append(s.rows, rowstore.Row{Id: m.nextId, Values: values})
		ids = append(ids, m.nextId)
	}
	return ids
}

// Attach stores an attachment on a row.
func (m *Memory) Attach(name string, rowId int64, fileName string, data []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sheet(name)
	m.nextId++
	s.attach[rowId] = append(s.attach[rowId], rowstore.Attachment{
		Id:       m.nextId,
		Name:     fileName,
		SizeInKb: int64(len(data)+1023) / 1024,
	})
	m.content[m.nextId] = append([]byte(nil), data...)
	return m.nextId
}

// Rows returns a copy of a sheet's rows.
func (m *Memory) Rows(name string) []rowstore.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[name]
	if !ok {
		return nil
	}
	return cloneRows(s.rows)
}

func cloneRows(rows []rowstore.Row) []rowstore.Row {
	out := make([]rowstore.Row, len(rows))
	for i, r := range rows {
		values := make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			values[k] = v
		}
		out[i] = rowstore.Row{Id: r.Id, Values: values}
	}
	return out
}

func (m *Memory) FindRow(_ context.Context, name, column string, value any) (*rowstore.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[name]
	if !ok {
		return nil, rowstore.ErrNotFound
	}
	for _, r := range cloneRows(s.rows) {
		if rowstore.ValuesEqual(r.Values[column], value) {
			row := r
			return &row, nil
		}
	}
	return nil, rowstore.ErrNotFound
}

func (m *Memory) GetRow(_ context.Context, name string, rowId int64) (*rowstore.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[name]
	if !ok {
		return nil, rowstore.ErrNotFound
	}
	for _, r := range cloneRows(s.rows) {
		if r.Id == rowId {
			row := r
			return &row, nil
		}
	}
	return nil, rowstore.ErrNotFound
}

func (m *Memory) AddRow(_ context.Context, name string, fields map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailAddRow[name]; err != nil {
		return 0, err
	}
	return m.add(m.sheet(name), []map[string]any{fields})[0], nil
}

func (m *Memory) AddRowsBulk(_ context.Context, name string, rows []map[string]any) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BulkCalls++
	if err := m.FailAddRowsBulk[name]; err != nil {
		return nil, err
	}
	return m.add(m.sheet(name), rows), nil
}

func (m *Memory) UpdateRow(_ context.Context, name string, rowId int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailUpdateRow[name]; err != nil {
		return err
	}
	s, ok := m.sheets[name]
	if !ok {
		return rowstore.ErrNotFound
	}
	for i := range s.rows {
		if s.rows[i].Id == rowId {
			for k, v := range fields {
				s.rows[i].Values[k] = rowstore.CellValue(v)
			}
			return nil
		}
	}
	return rowstore.ErrNotFound
}

func (m *Memory) GetAllRows(_ context.Context, name string) ([]rowstore.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailGetAllRows[name]; err != nil {
		return nil, err
	}
	s, ok := m.sheets[name]
	if !ok {
		return nil, nil
	}
	return cloneRows(s.rows), nil
}

func (m *Memory) GetRowAttachments(_ context.Context, name string, rowId int64) ([]rowstore.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[name]
	if !ok {
		return nil, rowstore.ErrNotFound
	}
	return append([]rowstore.Attachment(nil), s.attach[rowId]...), nil
}

func (m *Memory) DownloadAttachment(_ context.Context, _ string, attachmentId int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.content[attachmentId]
	if !ok {
		return nil, rowstore.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

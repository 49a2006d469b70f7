// Package rowstore is the gateway to the hosted spreadsheet that acts as system of record.
// Callers address sheets by logical name and columns by title; the gateway resolves both
// to the provider's numeric ids.
package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("rowstore: not found")
	ErrTransient = errors.New("rowstore: transient failure")
)

// Logical sheet names. Numeric ids differ per workspace and are resolved at runtime.
const (
	SheetLPOMaster        = "01_LPO_MASTER"
	SheetTagRegistry      = "02_TAG_REGISTRY"
	SheetNestingUploads   = "03_NESTING_UPLOADS"
	SheetBOMLines         = "04_BOM_LINES"
	SheetMaterialMaster   = "05_MATERIAL_MASTER"
	SheetMappingOverrides = "06_MAPPING_OVERRIDES"
	SheetMappingHistory   = "07_MAPPING_HISTORY"
	SheetExceptionLog     = "99_EXCEPTION_LOG"
)

type Gateway interface {
	FindRow(ctx context.Context, sheet, column string, value any) (*Row, error)
	GetRow(ctx context.Context, sheet string, rowId int64) (*Row, error)
	AddRow(ctx context.Context, sheet string, fields map[string]any) (int64, error)
	AddRowsBulk(ctx context.Context, sheet string, rows []map[string]any) ([]int64, error)
	UpdateRow(ctx context.Context, sheet string, rowId int64, fields map[string]any) error
	GetAllRows(ctx context.Context, sheet string) ([]Row, error)
	GetRowAttachments(ctx context.Context, sheet string, rowId int64) ([]Attachment, error)
	DownloadAttachment(ctx context.Context, sheet string, attachmentId int64) ([]byte, error)
}

// SheetResolver maps a logical sheet name to the sheet's current numeric id.
type SheetResolver interface {
	ResolveSheetId(ctx context.Context, logical string) (int64, error)
}

type Row struct {
	Id     int64
	Values map[string]any
}

type Attachment struct {
	Id       int64  `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	SizeInKb int64  `json:"sizeInKb"`
	Url      string `json:"url,omitempty"`
}

type Sheet struct {
	Id   int64  `json:"id"`
	Name string `json:"name"`
}

func (r Row) String(column string) string {
	v, ok := r.Values[column]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (r Row) Int64(column string) (int64, bool) {
	s := r.String(column)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return d.IntPart(), true
}

func (r Row) Decimal(column string) (decimal.Decimal, bool) {
	s := r.String(column)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (r Row) Bool(column string) bool {
	switch v := r.Values[column].(type) {
	case bool:
		return v
	case nil:
		return false
	}
	switch strings.ToLower(r.String(column)) {
	case "true", "yes", "y", "1", "active":
		return true
	}
	return false
}

// ValuesEqual compares two cell values the way a person reading the sheet would:
// trimmed, case-insensitive, with numbers compared by value.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as := strings.TrimSpace(fmt.Sprint(a))
	bs := strings.TrimSpace(fmt.Sprint(b))
	if da, err := decimal.NewFromString(as); err == nil {
		if db, err := decimal.NewFromString(bs); err == nil {
			return da.Equal(db)
		}
	}
	return strings.EqualFold(as, bs)
}

// normalizeCell turns decoded JSON numbers into int64 or decimal so Row helpers see stable types.
func normalizeCell(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if d, err := decimal.NewFromString(n.String()); err == nil {
		return d
	}
	return n.String()
}

// CellValue prepares a Go value for the provider's cell payload.
func CellValue(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		f, _ := t.Float64()
		return f
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		f, _ := t.Float64()
		return f
	case *string:
		if t == nil {
			return nil
		}
		return *t
	case fmt.Stringer:
		return t.String()
	}
	return v
}

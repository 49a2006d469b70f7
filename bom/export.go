package bom

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "BOM"

var exportColumns = []string{
	rowstore.ColLineId,
	rowstore.ColLineNumber,
	rowstore.ColMaterialType,
	rowstore.ColDescription,
	rowstore.ColQuantity,
	rowstore.ColUom,
	rowstore.ColCanonicalQuantity,
	rowstore.ColCanonicalUom,
	rowstore.ColCanonicalCode,
	rowstore.ColSapCode,
	rowstore.ColMappingDecision,
	rowstore.ColExceptionId,
}

// ExportSession writes the BOM lines of one nest session to an xlsx workbook, in line order.
// It returns the workbook bytes and the number of lines written.
func ExportSession(ctx context.Context, gw rowstore.Gateway, nestSessionId string) ([]byte, int, error) {
	rows, err := gw.GetAllRows(ctx, rowstore.SheetBOMLines)
	if err != nil {
		return nil, 0, fmt.Errorf("read BOM lines: %w", err)
	}
	lines := make([]rowstore.Row, 0)
	for _, r := range rows {
		if r.String(rowstore.ColNestSessionId) == nestSessionId {
			lines = append(lines, r)
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		a, _ := lines[i].Int64(rowstore.ColLineNumber)
		b, _ := lines[j].Int64(rowstore.ColLineNumber)
		return a < b
	})

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return nil, 0, err
	}

	header := make([]any, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, 0, err
	}
	for i, r := range lines {
		values := make([]any, len(exportColumns))
		for j, c := range exportColumns {
			values[j] = rowstore.CellValue(r.Values[c])
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, 0, err
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, 0, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, 0, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), len(lines), nil
}

package bom

import (
	"testing"

	"github.com/xuri/excelize/v2"
)

func buildWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheets := map[string][][]interface{}{
		"Summary": {
			{"Nest Session ID", "NEST-0009"},
			{"LPO ID", "LPO-42"},
			{"Project", "PRJ-1"},
		},
		"Panels": {
			{"Description", "Quantity", "UOM"},
			{"PIR Panel 50mm", "12.5", "m2"},
			{"", "", ""},
		},
		"Profiles": {
			{"Description", "Total Consumption (m)"},
			{"Top Hat", "1,250.5"},
		},
	}
	for name, rows := range sheets {
		if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("new sheet: %v", err)
		}
		for i, row := range rows {
			cell, _ := excelize.CoordinatesToCellName(1, i+1)
			r := row
			if err := f.SetSheetRow(name, cell, &r); err != nil {
				t.Fatalf("set row: %v", err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestLoadExecutionRecord_XLSX(t *testing.T) {
	rec, err := LoadExecutionRecord("run.xlsx", buildWorkbook(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.NestSessionId != "NEST-0009" || rec.LpoId != "LPO-42" || rec.ProjectId != "PRJ-1" {
		t.Fatalf("summary not parsed: %+v", rec)
	}
	if len(rec.Panels) != 1 || rec.Panels[0].Quantity.String() != "12.5" || rec.Panels[0].Uom != "m2" {
		t.Fatalf("panels not parsed: %+v", rec.Panels)
	}
	if len(rec.Profiles) != 1 || rec.Profiles[0].TotalConsumptionM.String() != "1250.5" {
		t.Fatalf("profiles not parsed: %+v", rec.Profiles)
	}
	if len(rec.Accessories) != 0 {
		t.Fatalf("missing sheet should yield no lines")
	}
}

func TestLoadExecutionRecord_JSON(t *testing.T) {
	data := []byte(`{"nest_session_id":"NEST-0001","panels":[{"description":"Panel","quantity":"2","uom":"m2"}],
		"profiles":[{"description":"Angle","total_consumption_m":4.5}]}`)
	rec, err := LoadExecutionRecord("record", data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rec.Panels) != 1 || !rec.Profiles[0].TotalConsumptionM.Equal(dec("4.5")) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := LoadExecutionRecord("empty.json", []byte("  ")); err == nil {
		t.Fatalf("expected error for empty record")
	}
}

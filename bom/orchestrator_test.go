package bom

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/nesting_backend/mapping"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore/rowstoretest"
	"github.com/shopspring/decimal"
)

type fakeMapper struct {
	results map[string]models.MappingResult
	errs    map[string]error
	calls   []mapping.LookupRequest
}

func (f *fakeMapper) Lookup(_ context.Context, req mapping.LookupRequest) (models.MappingResult, error) {
	f.calls = append(f.calls, req)
	if err, ok := f.errs[req.Description]; ok {
		return models.MappingResult{}, err
	}
	if r, ok := f.results[req.Description]; ok {
		return r, nil
	}
	return models.MappingResult{Success: false, Decision: models.MappingDecisionReview, ExceptionId: "MAPEX-0001"}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func twoLineRecord() ExecutionRecord {
	return ExecutionRecord{
		NestSessionId: "NEST-0001",
		LpoId:         "LPO-7",
		Panels:        []ItemConsumption{{Description: "  PIR Panel 50mm ", Quantity: dec("12.5"), Uom: "m2"}},
		Profiles:      []ProfileConsumption{{Description: "Unknown Trim", TotalConsumptionM: dec("3")}},
	}
}

func TestOrchestrator_MappedAndExceptionLines(t *testing.T) {
	gw := rowstoretest.NewMemory()
	mapper := &fakeMapper{results: map[string]models.MappingResult{
		"pir panel 50mm": {Success: true, Decision: models.MappingDecisionAuto, CanonicalCode: "PNL-50", SapCode: "SAP-1", Uom: "m2", HistoryId: "MH-0001"},
	}}
	o := NewOrchestrator(mapper, gw, nil, false)

	res := o.Process(context.Background(), twoLineRecord(), "NEST-0001", "")
	if !res.Success {
		t.Fatalf("expected success, errors=%v", res.Errors)
	}
	if res.TotalLines != 2 || res.MappedLines != 1 || res.ExceptionLines != 1 {
		t.Fatalf("unexpected counts: total=%d mapped=%d exceptions=%d", res.TotalLines, res.MappedLines, res.ExceptionLines)
	}
	if gw.BulkCalls != 1 {
		t.Fatalf("expected one bulk write, got %d", gw.BulkCalls)
	}
	rows := gw.Rows(rowstore.SheetBOMLines)
	if len(rows) != 2 {
		t.Fatalf("expected 2 BOM rows, got %d", len(rows))
	}

	first := res.BomLines[0]
	if first.LineId != "NEST-0001-0001" || first.MaterialType != models.MaterialTypePanel {
		t.Fatalf("unexpected first line: %+v", first)
	}
	if first.MappingDecision != models.MappingDecisionAuto || first.CanonicalCode != "PNL-50" {
		t.Fatalf("first line not mapped: %+v", first)
	}
	if first.LpoId != "LPO-7" {
		t.Fatalf("expected lpo from record, got %q", first.LpoId)
	}
	second := res.BomLines[1]
	if second.MappingDecision != models.MappingDecisionReview || second.ExceptionId != "MAPEX-0001" {
		t.Fatalf("second line should be under review: %+v", second)
	}
	if second.CanonicalUom != "m" {
		t.Fatalf("profile line should keep its own uom, got %q", second.CanonicalUom)
	}

	if got := mapper.calls[0].IngestLineId; got != "NEST-0001-0001" {
		t.Fatalf("ingest line id = %q", got)
	}
	if got := mapper.calls[0].Description; got != "pir panel 50mm" {
		t.Fatalf("description not normalized: %q", got)
	}
}

func TestOrchestrator_BulkWriteFailure(t *testing.T) {
	gw := rowstoretest.NewMemory()
	gw.FailAddRowsBulk[rowstore.SheetBOMLines] = errors.New("sheet is locked")
	o := NewOrchestrator(&fakeMapper{}, gw, nil, false)

	res := o.Process(context.Background(), twoLineRecord(), "NEST-0002", "LPO-7")
	if res.Success {
		t.Fatalf("expected failure")
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "sheet is locked") {
		t.Fatalf("expected bulk write message, got %v", res.Errors)
	}
	if len(gw.Rows(rowstore.SheetBOMLines)) != 0 {
		t.Fatalf("no rows should be written")
	}
}

func TestOrchestrator_LookupErrorKeepsLineForReview(t *testing.T) {
	gw := rowstoretest.NewMemory()
	mapper := &fakeMapper{errs: map[string]error{"unknown trim": errors.New("history sheet unavailable")}}
	o := NewOrchestrator(mapper, gw, nil, false)

	res := o.Process(context.Background(), twoLineRecord(), "NEST-0003", "LPO-7")
	if !res.Success {
		t.Fatalf("a lookup error must not fail the bulk write: %v", res.Errors)
	}
	if res.TotalLines != 2 || res.ExceptionLines != 2 {
		t.Fatalf("unexpected counts: total=%d exceptions=%d", res.TotalLines, res.ExceptionLines)
	}
	if res.BomLines[1].MappingDecision != models.MappingDecisionReview {
		t.Fatalf("expected REVIEW, got %s", res.BomLines[1].MappingDecision)
	}
}

func TestOrchestrator_ConvertsWithFactor(t *testing.T) {
	gw := rowstoretest.NewMemory()
	factor := dec("30")
	mapper := &fakeMapper{results: map[string]models.MappingResult{
		"sealant tape": {Success: true, Decision: models.MappingDecisionAuto, CanonicalCode: "TAPE", Uom: "m", ConversionFactor: &factor},
	}}
	rec := ExecutionRecord{Consumables: []ItemConsumption{{Description: "Sealant Tape", Quantity: dec("2"), Uom: "roll"}}}

	res := NewOrchestrator(mapper, gw, nil, false).Process(context.Background(), rec, "NEST-0004", "LPO-1")
	line := res.BomLines[0]
	if !line.CanonicalQuantity.Equal(dec("60")) || line.CanonicalUom != "m" {
		t.Fatalf("expected 60 m, got %s %s", line.CanonicalQuantity, line.CanonicalUom)
	}
}

func TestFlatten(t *testing.T) {
	rec := ExecutionRecord{
		Panels:      []ItemConsumption{{Description: "Panel A", Quantity: dec("1")}},
		Profiles:    []ProfileConsumption{{Description: "joint", TotalConsumptionM: decimal.Zero}, {Description: "Angle", TotalConsumptionM: dec("4.2")}},
		Accessories: []ItemConsumption{{Description: "Rivet", Quantity: dec("-3")}, {Description: " ", Quantity: dec("1")}},
		Consumables: []ItemConsumption{{Description: "Silicone", Quantity: dec("2"), Uom: "tube"}},
		MachineWear: []ItemConsumption{{Description: "Blade", Quantity: dec("0.5")}},
	}

	lines, errs := Flatten(rec, false)
	want := []struct {
		mt  models.MaterialType
		uom string
	}{
		{models.MaterialTypePanel, "m2"},
		{models.MaterialTypeProfile, "m"},
		{models.MaterialTypeConsumable, "tube"},
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %+v", len(want), len(lines), lines)
	}
	for i, w := range want {
		if lines[i].MaterialType != w.mt || lines[i].Uom != w.uom {
			t.Fatalf("line %d: got %s/%s want %s/%s", i, lines[i].MaterialType, lines[i].Uom, w.mt, w.uom)
		}
	}
	if len(errs) != 2 {
		t.Fatalf("expected negative quantity and blank description errors, got %v", errs)
	}

	lines, _ = Flatten(rec, true)
	last := lines[len(lines)-1]
	if last.MaterialType != models.MaterialTypeMachine || last.Uom != "hr" {
		t.Fatalf("machine wear not appended last: %+v", last)
	}
}

func TestOrchestrator_ReportsDroppedLinesAsValidationErrors(t *testing.T) {
	gw := rowstoretest.NewMemory()
	rec := twoLineRecord()
	rec.Profiles = append(rec.Profiles, ProfileConsumption{Description: "Top Hat", TotalConsumptionM: dec("-3")})
	o := NewOrchestrator(&fakeMapper{}, gw, nil, false)

	res := o.Process(context.Background(), rec, "NEST-0005", "")
	if !res.Success || res.TotalLines != 2 {
		t.Fatalf("valid lines should still be processed: %+v", res)
	}
	if len(res.ValidationErrors) != 1 || !strings.Contains(res.ValidationErrors[0], "negative quantity -3") {
		t.Fatalf("validation errors = %v", res.ValidationErrors)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}
}

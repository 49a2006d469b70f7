package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore/rowstoretest"
)

type seqIds struct {
	n map[string]int
}

func (s *seqIds) Next(_ context.Context, prefix string) (string, error) {
	if s.n == nil {
		s.n = map[string]int{}
	}
	s.n[prefix]++
	return fmt.Sprintf("%s-%04d", prefix, s.n[prefix]), nil
}

func tagFixture() (*TagIntakeWorkflow, *rowstoretest.Memory) {
	mem := rowstoretest.NewMemory()
	mem.Seed(rowstore.SheetLPOMaster, map[string]any{rowstore.ColLPOId: "LPO-100", rowstore.ColCustomer: "Acme"})
	mem.Seed(rowstore.SheetTagRegistry, map[string]any{rowstore.ColTagId: "TAG-1", rowstore.ColLPOId: "LPO-100", rowstore.ColTagQuantity: 4})
	return NewTagIntakeWorkflow(mem, NewExceptionLog(mem, &seqIds{})), mem
}

func addTag(mem *rowstoretest.Memory, fields map[string]any) models.Event {
	id := mem.Seed(rowstore.SheetTagRegistry, fields)[0]
	return models.Event{EventId: "evt_tag", SheetId: mem.SheetId(rowstore.SheetTagRegistry), RowId: id, Action: models.EventActionCreated}
}

func TestTagIntake_Accepted(t *testing.T) {
	w, mem := tagFixture()
	ev := addTag(mem, map[string]any{rowstore.ColTagId: "TAG-2", rowstore.ColLPOId: "lpo-100 ", rowstore.ColTagQuantity: "2.5", rowstore.ColTagUom: "pcs"})

	out, err := w.Handle(context.Background(), ev)
	if err != nil || out.Status != DispatchOK {
		t.Fatalf("got %s, %v (%s)", out.Status, err, out.Message)
	}
	row, _ := mem.GetRow(context.Background(), rowstore.SheetTagRegistry, ev.RowId)
	if row.String(rowstore.ColStatus) != string(models.TagStatusAccepted) {
		t.Fatalf("tag row not marked accepted: %v", row.Values)
	}
}

func TestTagIntake_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		status DispatchStatus
		reason string
	}{
		{"unknown LPO", map[string]any{rowstore.ColTagId: "TAG-3", rowstore.ColLPOId: "LPO-404", rowstore.ColTagQuantity: 1}, DispatchError, ReasonLPONotFound},
		{"duplicate tag", map[string]any{rowstore.ColTagId: "tag-1", rowstore.ColLPOId: "LPO-100", rowstore.ColTagQuantity: 1}, DispatchError, ReasonTagDuplicate},
		{"negative quantity", map[string]any{rowstore.ColTagId: "TAG-4", rowstore.ColLPOId: "LPO-100", rowstore.ColTagQuantity: -2}, DispatchExceptionLogged, ReasonValidationFailed},
		{"missing fields", map[string]any{rowstore.ColTagUom: "pcs"}, DispatchExceptionLogged, ReasonValidationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, mem := tagFixture()
			out, err := w.Handle(context.Background(), addTag(mem, tc.fields))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Status != tc.status || out.Details["reason"] != tc.reason {
				t.Fatalf("got %s/%v, want %s/%s (%s)", out.Status, out.Details["reason"], tc.status, tc.reason, out.Message)
			}
			exceptions := mem.Rows(rowstore.SheetExceptionLog)
			if tc.status == DispatchExceptionLogged {
				if len(exceptions) != 1 || out.Details["exception_id"] != "EXC-0001" {
					t.Fatalf("expected one EXC-0001 exception, got %d rows, details %v", len(exceptions), out.Details)
				}
				if got := exceptions[0].String(rowstore.ColStatus); got != "OPEN" {
					t.Fatalf("exception status = %q", got)
				}
			} else if len(exceptions) != 0 {
				t.Fatalf("ERROR outcomes write no exception rows")
			}
		})
	}
}

func TestTagIntake_MissingFieldsSummary(t *testing.T) {
	w, mem := tagFixture()
	out, _ := w.Handle(context.Background(), addTag(mem, map[string]any{rowstore.ColTagUom: "pcs"}))
	for _, want := range []string{"LpoId:required", "TagId:required", "Quantity:required"} {
		if !strings.Contains(out.Message, want) {
			t.Fatalf("message %q should mention %s", out.Message, want)
		}
	}
}

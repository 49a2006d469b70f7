package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noBackoff(int) time.Duration { return time.Millisecond }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok", WithBackoff(noBackoff))
}

func sheetAPI(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sheets":
			io.WriteString(w, `{"data":[{"id":11,"name":"01_LPO_MASTER"},{"id":22,"name":"02_Tag_Registry"}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/sheets/11":
			io.WriteString(w, `{"id":11,"name":"01_LPO_MASTER",
				"columns":[{"id":1,"title":"LPO ID"},{"id":2,"title":"PO Quantity"}],
				"rows":[{"id":501,"cells":[{"columnId":1,"value":"LPO-0001"},{"columnId":2,"value":12.5}]},
				        {"id":502,"cells":[{"columnId":1,"value":"LPO-0002"},{"columnId":2,"value":4}]}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/sheets/11/columns":
			io.WriteString(w, `{"data":[{"id":1,"title":"LPO ID"},{"id":2,"title":"PO Quantity"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/sheets/11/rows":
			var rows []apiRow
			if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
				t.Errorf("decode body: %v", err)
			}
			out := make([]map[string]any, 0, len(rows))
			for i := range rows {
				if !rows[i].ToBottom || len(rows[i].Cells) == 0 {
					t.Errorf("unexpected row payload %+v", rows[i])
				}
				out = append(out, map[string]any{"id": 900 + i})
			}
			json.NewEncoder(w).Encode(map[string]any{"result": out})
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"errorCode":1006,"message":"Not Found"}`)
		}
	}
}

func TestClient_GetAllRowsAndFindRow(t *testing.T) {
	c := newTestClient(t, sheetAPI(t))
	ctx := context.Background()

	rows, err := c.GetAllRows(ctx, SheetLPOMaster)
	if err != nil {
		t.Fatalf("GetAllRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if q, ok := rows[0].Decimal("PO Quantity"); !ok || q.String() != "12.5" {
		t.Fatalf("PO Quantity = %v %v", q, ok)
	}
	if n, ok := rows[1].Int64("PO Quantity"); !ok || n != 4 {
		t.Fatalf("PO Quantity int = %d %v", n, ok)
	}

	row, err := c.FindRow(ctx, SheetLPOMaster, "LPO ID", "lpo-0002")
	if err != nil {
		t.Fatalf("FindRow: %v", err)
	}
	if row.Id != 502 {
		t.Fatalf("FindRow returned row %d", row.Id)
	}
	if _, err := c.FindRow(ctx, SheetLPOMaster, "LPO ID", "LPO-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_SheetNameMatchIsCaseInsensitive(t *testing.T) {
	c := newTestClient(t, sheetAPI(t))
	id, err := c.Sheets().ResolveSheetId(context.Background(), SheetTagRegistry)
	if err != nil || id != 22 {
		t.Fatalf("ResolveSheetId = %d, %v", id, err)
	}
	if _, err := c.Sheets().ResolveSheetId(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_SheetEnvOverride(t *testing.T) {
	t.Setenv("SHEET_ID_04_BOM_LINES", "4242")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s %s", r.Method, r.URL.Path)
	})
	id, err := c.Sheets().ResolveSheetId(context.Background(), SheetBOMLines)
	if err != nil || id != 4242 {
		t.Fatalf("ResolveSheetId = %d, %v", id, err)
	}
}

func TestClient_AddRowsBulk(t *testing.T) {
	c := newTestClient(t, sheetAPI(t))
	ids, err := c.AddRowsBulk(context.Background(), SheetLPOMaster, []map[string]any{
		{"LPO ID": "LPO-0003", "PO Quantity": 1},
		{"LPO ID": "LPO-0004"},
	})
	if err != nil {
		t.Fatalf("AddRowsBulk: %v", err)
	}
	if len(ids) != 2 || ids[0] != 900 || ids[1] != 901 {
		t.Fatalf("ids = %v", ids)
	}

	_, err = c.AddRow(context.Background(), SheetLPOMaster, map[string]any{"Unknown": 1})
	if err == nil || !strings.Contains(err.Error(), "Unknown") {
		t.Fatalf("expected unknown column error, got %v", err)
	}
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			io.WriteString(w, `{"data":[{"id":7,"name":"X"}]}`)
		}
	})
	sheets, err := c.ListSheets(context.Background())
	if err != nil {
		t.Fatalf("ListSheets: %v", err)
	}
	if len(sheets) != 1 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("sheets=%v calls=%d", sheets, calls)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.ListSheets(context.Background())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != maxRetries+1 {
		t.Fatalf("expected %d calls, got %d", maxRetries+1, got)
	}
}

func TestClient_NonTransientNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "forbidden")
	})
	_, err := c.ListSheets(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 APIError, got %v", err)
	}
	if apiErr.Transient() || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("403 must not be retried, calls=%d", calls)
	}
}

func TestValuesEqual(t *testing.T) {
	cases := []struct {
		a, b any
		want bool
	}{
		{"LPO-1", " lpo-1 ", true},
		{int64(4), "4.0", true},
		{12.5, "12.50", true},
		{"a", "b", false},
		{nil, "", false},
		{nil, nil, true},
	}
	for _, tc := range cases {
		if got := ValuesEqual(tc.a, tc.b); got != tc.want {
			t.Fatalf("ValuesEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore/rowstoretest"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"bitbucket.org/mmdatafocus/nesting_backend/workflow"
	"github.com/gin-gonic/gin"
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

func newTestService() (*Service, *rowstoretest.Memory, *utils.MemoryBlobStore) {
	mem := rowstoretest.NewMemory()
	blobs := utils.NewMemoryBlobStore()
	ids := &seqIds{}
	return NewService(mem, blobs, ids, workflow.NewExceptionLog(mem, ids), nil), mem, blobs
}

func files() []File {
	return []File{
		{Name: "Run 12.json", Data: []byte(`{"panels":[]}`)},
		{Name: "cut.dxf", Data: []byte("0\nSECTION")},
	}
}

func TestContentHash_OrderIndependent(t *testing.T) {
	f := files()
	reversed := []File{f[1], f[0]}
	if ContentHash(f) != ContentHash(reversed) {
		t.Fatalf("hash should not depend on file order")
	}
	if ContentHash(f) == ContentHash(f[:1]) {
		t.Fatalf("different content must hash differently")
	}
}

func TestSubmit_AcceptsAndStores(t *testing.T) {
	svc, mem, blobs := newTestService()
	res, err := svc.Submit(context.Background(), Request{ClientRequestId: "req-1", LpoId: "LPO-100", Files: files()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != StatusAccepted || res.NestSessionId != "NEST-0001" || res.Replayed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if blobs.Len() != 2 {
		t.Fatalf("expected 2 stored files, got %d", blobs.Len())
	}
	rows := mem.Rows(rowstore.SheetNestingUploads)
	if len(rows) != 1 {
		t.Fatalf("expected one upload row, got %d", len(rows))
	}
	if got := rows[0].String(rowstore.ColRecordKey); got != "nesting/NEST-0001/run_12.json" {
		t.Fatalf("record key = %q", got)
	}
	if got := rows[0].String(rowstore.ColStatus); got != "RECEIVED" {
		t.Fatalf("status = %q", got)
	}
}

func TestSubmit_DuplicateContent(t *testing.T) {
	svc, mem, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Submit(ctx, Request{ClientRequestId: "req-1", LpoId: "LPO-100", Files: files()}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	res, err := svc.Submit(ctx, Request{ClientRequestId: "req-2", LpoId: "LPO-100", Files: files()})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res.Status != StatusDuplicate || res.ExceptionId != "EXC-0001" || res.DuplicateOf != "NEST-0001" {
		t.Fatalf("unexpected duplicate result: %+v", res)
	}
	if len(mem.Rows(rowstore.SheetNestingUploads)) != 1 {
		t.Fatalf("duplicate must not add an upload row")
	}
	exceptions := mem.Rows(rowstore.SheetExceptionLog)
	if len(exceptions) != 1 || exceptions[0].String(rowstore.ColReasonCode) != workflow.ReasonDuplicateUpload {
		t.Fatalf("expected one DUPLICATE_UPLOAD exception, got %+v", exceptions)
	}

	again, err := svc.Submit(ctx, Request{ClientRequestId: "req-2", LpoId: "LPO-100", Files: files()})
	if err != nil || !again.Replayed || again.ExceptionId != "EXC-0001" {
		t.Fatalf("replayed duplicate should return the same exception: %+v, %v", again, err)
	}
	if len(mem.Rows(rowstore.SheetExceptionLog)) != 1 {
		t.Fatalf("replay must not log a second exception")
	}
}

func TestSubmit_ReplaySameRequest(t *testing.T) {
	svc, mem, _ := newTestService()
	ctx := context.Background()
	first, _ := svc.Submit(ctx, Request{ClientRequestId: "req-9", LpoId: "LPO-100", Files: files()})
	second, err := svc.Submit(ctx, Request{ClientRequestId: "req-9", LpoId: "LPO-100", Files: files()})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.NestSessionId != first.NestSessionId || second.RowId != first.RowId {
		t.Fatalf("replay should return the earlier answer: first=%+v second=%+v", first, second)
	}
	if len(mem.Rows(rowstore.SheetNestingUploads)) != 1 {
		t.Fatalf("replay must not add a row")
	}
}

func TestSubmit_Invalid(t *testing.T) {
	svc, _, _ := newTestService()
	tests := []Request{
		{LpoId: "LPO-1", Files: files()},
		{ClientRequestId: "r", Files: files()},
		{ClientRequestId: "r", LpoId: "LPO-1"},
		{ClientRequestId: "r", LpoId: "LPO-1", Files: []File{{Name: "empty.json"}}},
	}
	for i, req := range tests {
		if _, err := svc.Submit(context.Background(), req); !errors.Is(err, ErrInvalidUpload) {
			t.Fatalf("case %d: expected ErrInvalidUpload, got %v", i, err)
		}
	}
}

func TestUploadHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService()
	r := gin.New()
	r.POST("/api/nesting/uploads", UploadHandler(svc))

	post := func(requestId, fileName string, data []byte) (*httptest.ResponseRecorder, Result) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		_ = mw.WriteField("lpo_id", "LPO-100")
		fw, _ := mw.CreateFormFile("files", fileName)
		_, _ = fw.Write(data)
		_ = mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/api/nesting/uploads", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Idempotency-Key", requestId)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		var resp struct {
			Data Result `json:"data"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		return w, resp.Data
	}

	w, res := post("req-a", "run.json", []byte(`{"panels":[]}`))
	if w.Code != http.StatusCreated || res.NestSessionId != "NEST-0001" {
		t.Fatalf("expected 201 with a session, got %d %s", w.Code, w.Body.String())
	}
	w, res = post("req-b", "run.json", []byte(`{"panels":[]}`))
	if w.Code != http.StatusOK || res.Status != StatusDuplicate {
		t.Fatalf("expected 200 DUPLICATE, got %d %s", w.Code, w.Body.String())
	}
	w, _ = post("req-c", "virus.exe", []byte("MZ"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported type, got %d", w.Code)
	}
}

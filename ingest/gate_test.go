package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"github.com/gin-gonic/gin"
)

type fakeLedger struct {
	mu        sync.Mutex
	records   map[string]models.LedgerStatus
	existsErr error
	order     []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]models.LedgerStatus{}}
}

func (l *fakeLedger) Exists(_ context.Context, eventId string) (bool, error) {
	if l.existsErr != nil {
		return false, l.existsErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[eventId]
	return ok, nil
}

func (l *fakeLedger) InsertStub(_ context.Context, ev models.Event) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[ev.EventId]; ok {
		return false, nil
	}
	l.records[ev.EventId] = models.LedgerStatusPending
	l.order = append(l.order, "insert:"+ev.EventId)
	return true, nil
}

type fakePublisher struct {
	ledger    *fakeLedger
	published []models.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, ev models.Event) error {
	if p.ledger != nil {
		p.ledger.mu.Lock()
		p.ledger.order = append(p.ledger.order, "publish:"+ev.EventId)
		p.ledger.mu.Unlock()
	}
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, ev)
	return nil
}

func staticSettings(s GateSettings) func(context.Context) GateSettings {
	return func(context.Context) GateSettings { return s }
}

func sampleBatch() Callback {
	return Callback{
		WebhookId:     "9001",
		ScopeObjectId: "3285357287499652",
		Timestamp:     "2024-03-01T08:15:30.120Z",
		Events: []RawEvent{
			{ObjectType: "row", EventType: "created", Id: "111", UserId: "55"},
			{ObjectType: "cell", EventType: "updated", RowId: "111", ColumnId: "9", UserId: "55"},
			{ObjectType: "row", EventType: "updated", Id: "222", UserId: "svc-bot"},
			{ObjectType: "attachment", EventType: "created", Id: "7", ParentId: "333", UserId: "55"},
			{ObjectType: "row", EventType: "renamed", Id: "444", UserId: "55"},
			{ObjectType: "sheet", EventType: "updated", Id: "3285357287499652"},
		},
	}
}

func TestGate_FiltersAndEnqueuesSurvivors(t *testing.T) {
	ledger := newFakeLedger()
	pub := &fakePublisher{ledger: ledger}
	g := NewGate(ledger, pub, staticSettings(GateSettings{IgnoreSystemActors: true, SystemActorIds: []string{"svc-bot"}}))

	outcome, err := g.HandleBatch(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if outcome.Processed != 2 || outcome.Skipped != 4 {
		t.Fatalf("processed=%d skipped=%d reasons=%v", outcome.Processed, outcome.Skipped, outcome.Reasons)
	}
	if outcome.Reasons[SkipSystemActor] != 1 || outcome.Reasons[SkipObjectType] != 2 || outcome.Reasons[SkipInvalid] != 1 {
		t.Fatalf("unexpected reasons %v", outcome.Reasons)
	}
	if len(pub.published) != 2 || pub.published[0].RowId != 111 || pub.published[1].RowId != 333 {
		t.Fatalf("unexpected published events %+v", pub.published)
	}
	for i := 0; i < len(ledger.order); i += 2 {
		if !strings.HasPrefix(ledger.order[i], "insert:") || !strings.HasPrefix(ledger.order[i+1], "publish:") {
			t.Fatalf("ledger insert must precede publish: %v", ledger.order)
		}
	}
}

func TestGate_SystemActorsPassWhenToggleOff(t *testing.T) {
	ledger := newFakeLedger()
	g := NewGate(ledger, &fakePublisher{}, staticSettings(GateSettings{IgnoreSystemActors: false, SystemActorIds: []string{"svc-bot"}}))
	outcome, _ := g.HandleBatch(context.Background(), sampleBatch())
	if outcome.Processed != 3 || outcome.Reasons[SkipSystemActor] != 0 {
		t.Fatalf("processed=%d reasons=%v", outcome.Processed, outcome.Reasons)
	}
}

func TestGate_RedeliveryIsFullyDeduplicated(t *testing.T) {
	ledger := newFakeLedger()
	pub := &fakePublisher{}
	g := NewGate(ledger, pub, staticSettings(GateSettings{}))

	first, _ := g.HandleBatch(context.Background(), sampleBatch())
	second, err := g.HandleBatch(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if first.Processed != 3 {
		t.Fatalf("first delivery processed %d", first.Processed)
	}
	if second.Processed != 0 || second.Reasons[SkipDuplicate] != first.Processed {
		t.Fatalf("redelivery processed=%d reasons=%v", second.Processed, second.Reasons)
	}
	if len(pub.published) != first.Processed {
		t.Fatalf("redelivery must not publish again, published=%d", len(pub.published))
	}
}

func TestGate_PublishFailureLeavesPending(t *testing.T) {
	ledger := newFakeLedger()
	g := NewGate(ledger, &fakePublisher{err: errors.New("pubsub unavailable")}, staticSettings(GateSettings{}))

	outcome, err := g.HandleBatch(context.Background(), sampleBatch())
	if err == nil || outcome.Failed != 3 || outcome.Processed != 0 {
		t.Fatalf("expected 3 failures, got outcome=%+v err=%v", outcome, err)
	}
	for id, status := range ledger.records {
		if status != models.LedgerStatusPending {
			t.Fatalf("event %s should stay PENDING, got %s", id, status)
		}
	}
	if len(ledger.records) != 3 {
		t.Fatalf("expected 3 PENDING stubs, got %d", len(ledger.records))
	}
}

func TestGate_LedgerErrorFailsEvent(t *testing.T) {
	ledger := newFakeLedger()
	ledger.existsErr = errors.New("db down")
	pub := &fakePublisher{}
	g := NewGate(ledger, pub, staticSettings(GateSettings{}))

	outcome, err := g.HandleBatch(context.Background(), sampleBatch())
	if err == nil || outcome.Failed != 3 || len(pub.published) != 0 {
		t.Fatalf("outcome=%+v err=%v published=%d", outcome, err, len(pub.published))
	}
}

func newWebhookRouter(g *Gate) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhook", WebhookHandler(g))
	return r
}

func TestWebhook_ChallengeEchoedWithoutLedger(t *testing.T) {
	ledger := newFakeLedger()
	r := newWebhookRouter(NewGate(ledger, &fakePublisher{}, staticSettings(GateSettings{})))

	cases := []struct {
		name   string
		body   string
		header string
	}{
		{"body", `{"challenge":"abc-123","webhookId":1}`, ""},
		{"header", ``, "abc-123"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tc.body))
		if tc.header != "" {
			req.Header.Set(HeaderHookChallenge, tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tc.name, w.Code)
		}
		if got := w.Header().Get(HeaderHookResponse); got != "abc-123" {
			t.Fatalf("%s: header = %q", tc.name, got)
		}
		if !strings.Contains(w.Body.String(), `"smartsheetHookResponse":"abc-123"`) {
			t.Fatalf("%s: body = %s", tc.name, w.Body.String())
		}
	}
	if len(ledger.records) != 0 {
		t.Fatalf("challenge must not touch the ledger")
	}
}

func TestWebhook_AlwaysReturns200(t *testing.T) {
	ledger := newFakeLedger()
	r := newWebhookRouter(NewGate(ledger, &fakePublisher{err: errors.New("boom")}, staticSettings(GateSettings{})))

	cases := []struct {
		name       string
		body       string
		wantStatus string
	}{
		{"malformed", `{"events": [`, `"status":"ERROR"`},
		{"publish failure", `{"webhookId":1,"scopeObjectId":2,"timestamp":"2024-03-01T00:00:00Z","events":[{"objectType":"row","eventType":"created","id":5}]}`, `"status":"ERROR"`},
		{"noise only", `{"webhookId":1,"scopeObjectId":2,"timestamp":"2024-03-01T00:00:01Z","events":[{"objectType":"sheet","eventType":"updated","id":2}]}`, `"status":"OK"`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tc.body)))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tc.name, w.Code)
		}
		if !strings.Contains(w.Body.String(), tc.wantStatus) || !strings.Contains(w.Body.String(), `"trace_id":"`) {
			t.Fatalf("%s: body = %s", tc.name, w.Body.String())
		}
	}
}

package ingest

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
)

func TestEventId_DeterministicPerOrdinal(t *testing.T) {
	a := EventId("8444254503626628", "2024-03-01T08:15:30.120Z", 0)
	b := EventId("8444254503626628", "2024-03-01T08:15:30.120Z", 0)
	c := EventId("8444254503626628", "2024-03-01T08:15:30.120Z", 1)
	if a != b {
		t.Fatalf("same inputs produced %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("different ordinals must differ")
	}
	if !strings.HasPrefix(a, "evt_") || len(a) != len("evt_")+32 {
		t.Fatalf("unexpected id shape %q", a)
	}
}

func TestEventId_EquivalentTimestampsHashTheSame(t *testing.T) {
	utc := EventId("w1", "2024-03-01T08:15:30Z", 2)
	offset := EventId("w1", "2024-03-01T15:45:30+07:30", 2)
	if utc != offset {
		t.Fatalf("same instant in different offsets must hash identically")
	}
	if CleanTimestamp("  not-a-time ") != "not-a-time" {
		t.Fatalf("unparseable timestamps fall back to the trimmed raw value")
	}
}

func TestNormalize_RowIdsAndActions(t *testing.T) {
	raw := `{
		"webhookId": 8444254503626628,
		"scopeObjectId": "3285357287499652",
		"timestamp": "2024-03-01T08:15:30.120+00:00",
		"events": [
			{"objectType":"row","eventType":"CREATED","id":111,"userId":42,"timestamp":"2024-03-01T08:15:29Z"},
			{"objectType":"cell","eventType":"updated","rowId":111,"columnId":9},
			{"objectType":"attachment","eventType":"created","id":777,"parentId":222,"parentType":"ROW"},
			{"objectType":"row","eventType":"updated","id":333}
		]
	}`
	var cb Callback
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	events := Normalize(cb, "trace-1", now)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	first := events[0]
	if first.SheetId != 3285357287499652 || first.RowId != 111 || first.Action != models.EventActionCreated {
		t.Fatalf("unexpected first event %+v", first)
	}
	if first.Actor() != "42" || first.TraceId != "trace-1" {
		t.Fatalf("actor/trace not carried: %+v", first)
	}
	if !first.TimestampUtc.Equal(time.Date(2024, 3, 1, 8, 15, 29, 0, time.UTC)) {
		t.Fatalf("sub-event timestamp not used: %v", first.TimestampUtc)
	}
	if events[1].ColumnId == nil || *events[1].ColumnId != 9 || events[1].RowId != 111 {
		t.Fatalf("cell event row/column not parsed: %+v", events[1])
	}
	if events[2].RowId != 222 {
		t.Fatalf("attachment should take its parent row, got %d", events[2].RowId)
	}
	if !events[3].TimestampUtc.Equal(time.Date(2024, 3, 1, 8, 15, 30, 120000000, time.UTC)) {
		t.Fatalf("batch timestamp not used as fallback: %v", events[3].TimestampUtc)
	}
	if events[0].EventId != EventId("8444254503626628", cb.Timestamp, 0) {
		t.Fatalf("event id must derive from webhook id, batch timestamp and ordinal")
	}
}

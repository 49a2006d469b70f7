// Package ingest turns provider webhook callbacks into canonical events, drops noise and
// duplicate deliveries, and hands survivors to the queue.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
)

const SourceSmartsheet = "smartsheet"

// FlexString accepts a JSON string or number; the provider is not consistent about ids.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}

// Int64 returns 0 when the value is empty or not an integer.
func (s FlexString) Int64() int64 {
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Callback is the provider's webhook POST body. A verification handshake carries only Challenge.
type Callback struct {
	Nonce         string     `json:"nonce"`
	Timestamp     string     `json:"timestamp"`
	WebhookId     FlexString `json:"webhookId"`
	Scope         string     `json:"scope"`
	ScopeObjectId FlexString `json:"scopeObjectId"`
	Events        []RawEvent `json:"events"`
	Challenge     string     `json:"challenge"`
}

type RawEvent struct {
	ObjectType string     `json:"objectType"`
	EventType  string     `json:"eventType"`
	Id         FlexString `json:"id"`
	RowId      FlexString `json:"rowId"`
	ColumnId   FlexString `json:"columnId"`
	ParentId   FlexString `json:"parentId"`
	ParentType string     `json:"parentType"`
	UserId     FlexString `json:"userId"`
	Timestamp  string     `json:"timestamp"`
}

// CleanTimestamp re-renders a provider timestamp as RFC3339 UTC so offsets and
// precision variants of the same instant hash identically.
func CleanTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if t, ok := parseTimestamp(raw); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return raw
}

func parseTimestamp(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999Z0700", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// EventId is a pure function of (webhook id, batch timestamp, ordinal).
func EventId(webhookId, timestamp string, ordinal int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", webhookId, CleanTimestamp(timestamp), ordinal)))
	return "evt_" + hex.EncodeToString(sum[:])[:32]
}

// Normalize converts every sub-event in the batch; ordinal is the sub-event's index in the
// batch, so filtering never shifts ids. Events are not validated here.
func Normalize(cb Callback, traceId string, now time.Time) []models.Event {
	out := make([]models.Event, 0, len(cb.Events))
	sheetId := cb.ScopeObjectId.Int64()
	batchTs, hasBatchTs := parseTimestamp(strings.TrimSpace(cb.Timestamp))

	for i, raw := range cb.Events {
		objectType := models.ObjectType(strings.ToLower(strings.TrimSpace(raw.ObjectType)))
		action, err := models.ParseEventAction(raw.EventType)
		if err != nil {
			action = models.EventAction(strings.ToLower(strings.TrimSpace(raw.EventType)))
		}

		ev := models.Event{
			EventId:    EventId(string(cb.WebhookId), cb.Timestamp, i),
			Source:     SourceSmartsheet,
			SheetId:    sheetId,
			RowId:      rowIdOf(objectType, raw),
			ObjectType: objectType,
			Action:     action,
			TraceId:    traceId,
		}
		if col := raw.ColumnId.Int64(); col != 0 {
			ev.ColumnId = &col
		}
		if raw.UserId != "" {
			actor := string(raw.UserId)
			ev.ActorId = &actor
		}
		ev.TimestampUtc = now.UTC()
		if t, ok := parseTimestamp(strings.TrimSpace(raw.Timestamp)); ok {
			ev.TimestampUtc = t.UTC()
		} else if hasBatchTs {
			ev.TimestampUtc = batchTs.UTC()
		}
		out = append(out, ev)
	}
	return out
}

// rowIdOf: row events carry the row in id, attachment events in parentId, cell events in rowId.
func rowIdOf(objectType models.ObjectType, raw RawEvent) int64 {
	switch objectType {
	case models.ObjectTypeRow:
		if id := raw.Id.Int64(); id != 0 {
			return id
		}
	case models.ObjectTypeAttachment:
		if strings.EqualFold(raw.ParentType, "row") || raw.ParentType == "" {
			if id := raw.ParentId.Int64(); id != 0 {
				return id
			}
		}
	}
	return raw.RowId.Int64()
}

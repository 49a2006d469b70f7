package models

import (
	"time"
)

// Event is the canonical, immutable form of one provider sub-event.
// EventId is derived from (webhook id, batch timestamp, ordinal) so a redelivered batch
// produces the same ids; it is the only deduplication key.
type Event struct {
	EventId      string      `json:"event_id" validate:"required"`
	Source       string      `json:"source" validate:"required"`
	SheetId      int64       `json:"sheet_id" validate:"required"`
	RowId        int64       `json:"row_id" validate:"required"`
	ColumnId     *int64      `json:"column_id,omitempty"`
	ObjectType   ObjectType  `json:"object_type" validate:"required,oneof=row attachment"`
	Action       EventAction `json:"action" validate:"required,oneof=created updated deleted"`
	ActorId      *string     `json:"actor_id,omitempty"`
	TimestampUtc time.Time   `json:"timestamp_utc"`
	TraceId      string      `json:"trace_id"`
}

func (e Event) Actor() string {
	if e.ActorId == nil {
		return ""
	}
	return *e.ActorId
}

package models

import "time"

// EventLedgerRecord is the durable idempotency ledger row for one normalized event.
// Unique constraint: event_id. Inserted PENDING by the dedup gate before the event is enqueued,
// then moved to SUCCESS/FAILED by the queue consumer.
type EventLedgerRecord struct {
	ID         int          `gorm:"primary_key" json:"id"`
	EventId    string       `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	Source     string       `gorm:"size:50;not null" json:"source"`
	SheetId    int64        `gorm:"not null;index:idx_ledger_sheet_row" json:"sheet_id"`
	RowId      int64        `gorm:"not null;index:idx_ledger_sheet_row" json:"row_id"`
	ObjectType ObjectType   `gorm:"size:20;not null" json:"object_type"`
	Action     EventAction  `gorm:"size:20;not null" json:"action"`
	TraceId    string       `gorm:"size:64" json:"trace_id"`
	Status     LedgerStatus `gorm:"size:20;not null;index:idx_ledger_status_created" json:"status"`
	Handler    *string      `gorm:"size:100" json:"handler"`
	Attempts   int          `gorm:"not null;default:0" json:"attempts"`
	LastError  *string      `gorm:"type:text" json:"last_error"`
	Payload    []byte       `gorm:"type:json" json:"payload"`
	CreatedAt  time.Time    `gorm:"autoCreateTime;index:idx_ledger_status_created" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

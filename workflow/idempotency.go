package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLedgerRecordNotFound = errors.New("ledger record not found")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// EventLedger is the durable dedup store keyed by event_id.
// FailOpen makes Exists treat ledger errors as "not seen": duplicates may then be processed
// twice, which the handlers tolerate through their own already-processed checks.
type EventLedger struct {
	DB       *gorm.DB
	FailOpen bool
}

func NewEventLedger(db *gorm.DB, failOpen bool) *EventLedger {
	return &EventLedger{DB: db, FailOpen: failOpen}
}

func (l *EventLedger) Exists(ctx context.Context, eventId string) (bool, error) {
	var count int64
	err := l.DB.WithContext(ctx).Model(&models.EventLedgerRecord{}).
		Where("event_id = ?", eventId).
		Count(&count).Error
	if err != nil {
		if l.FailOpen {
			config.LogError(config.GetLogger(), "workflow", "EventLedger.Exists", "ledger unavailable; failing open", eventId, err)
			return false, nil
		}
		return false, err
	}
	return count > 0, nil
}

// InsertStub records the event as PENDING. inserted is false when the event_id already exists,
// which happens when two deliveries of the same batch race past Exists.
func (l *EventLedger) InsertStub(ctx context.Context, ev models.Event) (inserted bool, err error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	rec := models.EventLedgerRecord{
		EventId:    ev.EventId,
		Source:     ev.Source,
		SheetId:    ev.SheetId,
		RowId:      ev.RowId,
		ObjectType: ev.ObjectType,
		Action:     ev.Action,
		TraceId:    ev.TraceId,
		Status:     models.LedgerStatusPending,
		Payload:    payload,
	}
	res := l.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		if isDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (l *EventLedger) Get(ctx context.Context, eventId string) (*models.EventLedgerRecord, error) {
	var rec models.EventLedgerRecord
	err := l.DB.WithContext(ctx).Where("event_id = ?", eventId).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLedgerRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *EventLedger) Status(ctx context.Context, eventId string) (models.LedgerStatus, error) {
	rec, err := l.Get(ctx, eventId)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// UpdateStatus sets the event status and counts the attempt. PENDING is passed back
// for a failure that will be redelivered. A nil cause clears last_error.
func (l *EventLedger) UpdateStatus(ctx context.Context, eventId string, status models.LedgerStatus, handler string, cause error) error {
	updates := map[string]interface{}{
		"status":     status,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": utils.ErrorTextPtr(cause, 2000),
	}
	if handler != "" {
		updates["handler"] = handler
	}
	res := l.DB.WithContext(ctx).Model(&models.EventLedgerRecord{}).
		Where("event_id = ?", eventId).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLedgerRecordNotFound
	}
	return nil
}

// FindStuckPending lists events still PENDING after olderThan: inserted but never enqueued,
// or enqueued and never consumed.
func (l *EventLedger) FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]models.EventLedgerRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan)
	var recs []models.EventLedgerRecord
	err := l.DB.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.LedgerStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		config.GetLogger().WithFields(logrus.Fields{
			"field":         "workflow",
			"stuck_pending": true,
			"count":         len(recs),
			"older_than":    olderThan.String(),
		}).Warn("ledger has stuck PENDING events")
	}
	return recs, nil
}

// NoteRepublish counts a manual re-enqueue of a PENDING event without changing its status.
func (l *EventLedger) NoteRepublish(ctx context.Context, eventId string, cause error) error {
	res := l.DB.WithContext(ctx).Model(&models.EventLedgerRecord{}).
		Where("event_id = ? AND status = ?", eventId, models.LedgerStatusPending).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": utils.ErrorTextPtr(cause, 2000),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLedgerRecordNotFound
	}
	return nil
}

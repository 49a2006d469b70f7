package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"github.com/sirupsen/logrus"
)

type PendingLedger interface {
	FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]models.EventLedgerRecord, error)
	NoteRepublish(ctx context.Context, eventId string, cause error) error
	UpdateStatus(ctx context.Context, eventId string, status models.LedgerStatus, handler string, cause error) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type RepublishReport struct {
	Found       int      `json:"found"`
	Republished int      `json:"republished"`
	Failed      int      `json:"failed"`
	Dead        int      `json:"dead"`
	EventIds    []string `json:"event_ids"`
}

// PendingRepublisher re-enqueues events left PENDING because their publish failed or their
// message was lost. It is operator-triggered; nothing runs it on a timer.
type PendingRepublisher struct {
	Ledger      PendingLedger
	Publisher   EventPublisher
	Logger      *logrus.Logger
	OlderThan   time.Duration
	BatchSize   int
	MaxAttempts int
}

func NewPendingRepublisher(ledger PendingLedger, publisher EventPublisher) *PendingRepublisher {
	return &PendingRepublisher{
		Ledger:      ledger,
		Publisher:   publisher,
		Logger:      config.GetLogger(),
		OlderThan:   config.StuckPendingAfter(),
		BatchSize:   100,
		MaxAttempts: 20,
	}
}

func (p *PendingRepublisher) RunOnce(ctx context.Context) (RepublishReport, error) {
	var report RepublishReport
	recs, err := p.Ledger.FindStuckPending(ctx, p.OlderThan, p.BatchSize)
	if err != nil {
		return report, err
	}
	report.Found = len(recs)

	for _, rec := range recs {
		// Poison events go terminal instead of cycling forever.
		if p.MaxAttempts > 0 && rec.Attempts >= p.MaxAttempts {
			cause := fmt.Errorf("max republish attempts exceeded (%d)", p.MaxAttempts)
			if err := p.Ledger.UpdateStatus(ctx, rec.EventId, models.LedgerStatusFailed, "", cause); err != nil {
				config.LogError(p.Logger, "pendingRepublisher.go", "RunOnce", "UpdateStatus FAILED", rec.EventId, err)
			}
			report.Dead++
			continue
		}

		var ev models.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			config.LogError(p.Logger, "pendingRepublisher.go", "RunOnce", "Unmarshal payload", rec.EventId, err)
			_ = p.Ledger.UpdateStatus(ctx, rec.EventId, models.LedgerStatusFailed, "", fmt.Errorf("unreadable ledger payload: %w", err))
			report.Dead++
			continue
		}

		pubErr := p.Publisher.Publish(ctx, ev)
		if err := p.Ledger.NoteRepublish(ctx, rec.EventId, pubErr); err != nil {
			config.LogError(p.Logger, "pendingRepublisher.go", "RunOnce", "NoteRepublish", rec.EventId, err)
		}
		if pubErr != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":         "PendingRepublisher",
				"trace_id":      ev.TraceId,
				"event_id":      rec.EventId,
				"attempt":       rec.Attempts + 1,
				"stuck_pending": true,
			}).Error("republish failed: " + pubErr.Error())
			report.Failed++
			continue
		}
		report.Republished++
		report.EventIds = append(report.EventIds, rec.EventId)
	}

	p.Logger.WithFields(logrus.Fields{
		"field":       "PendingRepublisher",
		"found":       report.Found,
		"republished": report.Republished,
		"failed":      report.Failed,
		"dead":        report.Dead,
	}).Info("pending republish finished")
	return report, nil
}

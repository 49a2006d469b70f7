package ingest

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type Ledger interface {
	Exists(ctx context.Context, eventId string) (bool, error)
	InsertStub(ctx context.Context, ev models.Event) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type GateSettings struct {
	IgnoreSystemActors bool
	LogIgnoredEvents   bool
	SystemActorIds     []string
}

type SkipReason string

const (
	SkipSystemActor SkipReason = "system_actor"
	SkipObjectType  SkipReason = "object_type"
	SkipInvalid     SkipReason = "invalid"
	SkipDuplicate   SkipReason = "duplicate"
)

// BatchOutcome counts what happened to each sub-event of one callback.
type BatchOutcome struct {
	TraceId   string
	Processed int
	Skipped   int
	Failed    int
	Reasons   map[SkipReason]int
	Accepted  []models.Event
}

// Gate applies, in order: system-actor filter, object-type filter, payload validation,
// ledger dedup. Survivors are recorded PENDING in the ledger and only then published.
type Gate struct {
	ledger    Ledger
	publisher Publisher
	settings  func(ctx context.Context) GateSettings
	now       func() time.Time
}

func NewGate(ledger Ledger, publisher Publisher, settings func(ctx context.Context) GateSettings) *Gate {
	if settings == nil {
		settings = func(context.Context) GateSettings {
			return GateSettings{IgnoreSystemActors: true, SystemActorIds: config.SystemActorIds()}
		}
	}
	return &Gate{ledger: ledger, publisher: publisher, settings: settings, now: time.Now}
}

func (g *Gate) HandleBatch(ctx context.Context, cb Callback) (BatchOutcome, error) {
	ctx, traceId := utils.EnsureTraceId(ctx)
	ctx, span := otel.Tracer("ingest").Start(ctx, "Gate.HandleBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook_id", string(cb.WebhookId)),
		attribute.Int("events", len(cb.Events)),
	)

	logger := config.GetLogger()
	settings := g.settings(ctx)
	systemActors := make(map[string]bool, len(settings.SystemActorIds))
	for _, id := range settings.SystemActorIds {
		systemActors[id] = true
	}

	outcome := BatchOutcome{TraceId: traceId, Reasons: map[SkipReason]int{}}
	skip := func(ev models.Event, reason SkipReason) {
		outcome.Skipped++
		outcome.Reasons[reason]++
		if settings.LogIgnoredEvents {
			logger.WithFields(logrus.Fields{
				"field":       "ingest",
				"trace_id":    traceId,
				"event_id":    ev.EventId,
				"object_type": ev.ObjectType,
				"action":      ev.Action,
				"reason":      reason,
			}).Info("event skipped")
		}
	}

	for _, ev := range Normalize(cb, traceId, g.now()) {
		if settings.IgnoreSystemActors && systemActors[ev.Actor()] {
			skip(ev, SkipSystemActor)
			continue
		}
		if !ev.ObjectType.Routable() {
			skip(ev, SkipObjectType)
			continue
		}
		if err := utils.ValidateStruct(ev); err != nil {
			skip(ev, SkipInvalid)
			continue
		}

		exists, err := g.ledger.Exists(ctx, ev.EventId)
		if err != nil {
			outcome.Failed++
			config.LogError(logger, "ingest", "Gate.HandleBatch", "ledger exists check failed", ev.EventId, err)
			continue
		}
		if exists {
			skip(ev, SkipDuplicate)
			continue
		}
		inserted, err := g.ledger.InsertStub(ctx, ev)
		if err != nil {
			outcome.Failed++
			config.LogError(logger, "ingest", "Gate.HandleBatch", "ledger insert failed", ev.EventId, err)
			continue
		}
		if !inserted {
			skip(ev, SkipDuplicate)
			continue
		}

		if err := g.publisher.Publish(ctx, ev); err != nil {
			outcome.Failed++
			logger.WithFields(logrus.Fields{
				"field":         "ingest",
				"trace_id":      traceId,
				"event_id":      ev.EventId,
				"sheet_id":      ev.SheetId,
				"row_id":        ev.RowId,
				"stuck_pending": true,
				"error":         err.Error(),
			}).Error("enqueue failed after ledger insert; event left PENDING")
			continue
		}
		outcome.Processed++
		outcome.Accepted = append(outcome.Accepted, ev)
	}

	span.SetAttributes(
		attribute.Int("processed", outcome.Processed),
		attribute.Int("skipped", outcome.Skipped),
		attribute.Int("failed", outcome.Failed),
	)
	if outcome.Failed > 0 {
		return outcome, fmt.Errorf("%d of %d events failed to enqueue", outcome.Failed, len(cb.Events))
	}
	return outcome, nil
}

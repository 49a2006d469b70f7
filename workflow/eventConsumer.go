package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMalformedMessage is never retried; a redelivery cannot fix a parse error.
	ErrMalformedMessage = errors.New("malformed event message")
	ErrRetryable        = errors.New("retryable dispatch failure")
)

type LedgerStore interface {
	Status(ctx context.Context, eventId string) (models.LedgerStatus, error)
	UpdateStatus(ctx context.Context, eventId string, status models.LedgerStatus, handler string, cause error) error
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// EventConsumer is the queue-side boundary: it turns a message into a dispatch and the
// dispatch result into ack or redelivery, recording the outcome in the ledger.
type EventConsumer struct {
	ledger     LedgerStore
	dispatcher *Dispatcher
}

func NewEventConsumer(ledger LedgerStore, dispatcher *Dispatcher) *EventConsumer {
	return &EventConsumer{ledger: ledger, dispatcher: dispatcher}
}

// Consume returns nil to ack, ErrMalformedMessage to ack-and-drop, or an error wrapping
// ErrRetryable to request redelivery.
func (c *EventConsumer) Consume(ctx context.Context, data []byte) (DispatchResult, error) {
	logger := config.GetLogger()

	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		config.LogError(logger, "workflow", "EventConsumer.Consume", "undecodable message dropped", string(data), err)
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := utils.ValidateStruct(ev); err != nil {
		config.LogError(logger, "workflow", "EventConsumer.Consume", "invalid event dropped", ev.EventId, err)
		return DispatchResult{}, fmt.Errorf("%w: %s", ErrMalformedMessage, utils.ValidationSummary(err))
	}

	status, err := c.ledger.Status(ctx, ev.EventId)
	switch {
	case err == nil && status == models.LedgerStatusSuccess:
		logger.WithFields(logrus.Fields{
			"field":    "workflow",
			"trace_id": ev.TraceId,
			"event_id": ev.EventId,
		}).Info("event already processed; redelivery acked")
		return DispatchResult{Status: DispatchAlreadyProcessed, TraceId: ev.TraceId, Message: "ledger already SUCCESS"}, nil
	case err != nil && !errors.Is(err, ErrLedgerRecordNotFound):
		config.LogError(logger, "workflow", "EventConsumer.Consume", "ledger status unreadable; dispatching anyway", ev.EventId, err)
	}

	result := c.dispatcher.Dispatch(ctx, ev)

	entry := logger.WithFields(logrus.Fields{
		"field":              "workflow",
		"trace_id":           result.TraceId,
		"event_id":           ev.EventId,
		"sheet_id":           ev.SheetId,
		"row_id":             ev.RowId,
		"handler":            result.Handler,
		"status":             result.Status,
		"processing_time_ms": result.ProcessingTimeMs,
	})

	if result.Status == DispatchError {
		cause := errors.New(result.Message)
		if result.Retryable() {
			// The redelivery decides the final status; only the attempt is counted here.
			if err := c.ledger.UpdateStatus(ctx, ev.EventId, models.LedgerStatusPending, result.Handler, cause); err != nil {
				config.LogError(logger, "workflow", "EventConsumer.Consume", "ledger attempt update", ev.EventId, err)
			}
			entry.Warn("dispatch failed; requesting redelivery")
			return result, fmt.Errorf("%w: %s", ErrRetryable, result.Message)
		}
		if err := c.ledger.UpdateStatus(ctx, ev.EventId, models.LedgerStatusFailed, result.Handler, cause); err != nil {
			config.LogError(logger, "workflow", "EventConsumer.Consume", "ledger FAILED update", ev.EventId, err)
		}
		entry.Error("dispatch failed; not retryable")
		return result, nil
	}

	if err := c.ledger.UpdateStatus(ctx, ev.EventId, models.LedgerStatusSuccess, result.Handler, nil); err != nil {
		config.LogError(logger, "workflow", "EventConsumer.Consume", "ledger SUCCESS update", ev.EventId, err)
	}
	entry.Info("event dispatched")
	return result, nil
}

// PushHandler serves a Pub/Sub push subscription: 204 acks, 500 asks for redelivery.
func (c *EventConsumer) PushHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		body, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			ctx.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Message.Data) == 0 {
			config.LogError(config.GetLogger(), "workflow", "PushHandler", "malformed push envelope dropped", string(body), err)
			ctx.Status(http.StatusNoContent)
			return
		}

		reqCtx := ctx.Request.Context()
		if traceId := envelope.Message.Attributes["trace_id"]; traceId != "" {
			reqCtx = utils.SetTraceIdInContext(reqCtx, traceId)
		}
		if _, err := c.Consume(reqCtx, envelope.Message.Data); errors.Is(err, ErrRetryable) {
			ctx.Status(http.StatusInternalServerError)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

// Receive pulls from sub until ctx is cancelled, acking or nacking per Consume's verdict.
func (c *EventConsumer) Receive(ctx context.Context, sub *pubsub.Subscription) error {
	return sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if traceId := msg.Attributes["trace_id"]; traceId != "" {
			msgCtx = utils.SetTraceIdInContext(msgCtx, traceId)
		}
		if _, err := c.Consume(msgCtx, msg.Data); errors.Is(err, ErrRetryable) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

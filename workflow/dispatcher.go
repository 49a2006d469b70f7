package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type DispatchStatus string

const (
	DispatchIgnored          DispatchStatus = "IGNORED"
	DispatchNotImplemented   DispatchStatus = "NOT_IMPLEMENTED"
	DispatchOK               DispatchStatus = "OK"
	DispatchError            DispatchStatus = "ERROR"
	DispatchExceptionLogged  DispatchStatus = "EXCEPTION_LOGGED"
	DispatchAlreadyProcessed DispatchStatus = "ALREADY_PROCESSED"
)

// DispatchResult is closed: handler-specific values such as exception ids go in Details.
type DispatchResult struct {
	Status           DispatchStatus `json:"status"`
	Handler          string         `json:"handler"`
	Message          string         `json:"message"`
	TraceId          string         `json:"trace_id"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Details          map[string]any `json:"details,omitempty"`
}

const (
	detailTimeout   = "timeout"
	detailRetryable = "retryable"
)

// Retryable is true for ERROR results that redelivery can fix: timeouts, transient
// row-store failures and handlers configured with retry_on_failure.
func (r DispatchResult) Retryable() bool {
	if r.Status != DispatchError {
		return false
	}
	v, _ := r.Details[detailRetryable].(bool)
	return v
}

// RouteSource supplies the current routing table.
type RouteSource interface {
	Table(ctx context.Context) *RoutingTable
}

type Dispatcher struct {
	routes   RouteSource
	handlers map[HandlerID]Handler
}

func NewDispatcher(routes RouteSource, handlers map[HandlerID]Handler) *Dispatcher {
	if handlers == nil {
		handlers = map[HandlerID]Handler{}
	}
	return &Dispatcher{routes: routes, handlers: handlers}
}

type handlerReturn struct {
	outcome HandlerOutcome
	err     error
}

// Dispatch never panics and never returns an error: every failure is folded into the result.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) DispatchResult {
	start := time.Now()
	if ev.TraceId != "" {
		ctx = utils.SetTraceIdInContext(ctx, ev.TraceId)
	}
	ctx, traceId := utils.EnsureTraceId(ctx)
	ctx = utils.SetEventIdInContext(ctx, ev.EventId)
	ctx, span := otel.Tracer("workflow").Start(ctx, "Dispatcher.Dispatch")
	defer span.End()

	result := DispatchResult{TraceId: traceId}
	finish := func() DispatchResult {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.String("handler", result.Handler),
		)
		return result
	}

	table := d.routes.Table(ctx)
	handlerId, ok := table.Resolve(ev.SheetId, ev.Action)
	if !ok {
		result.Status = DispatchIgnored
		result.Message = fmt.Sprintf("no route for sheet %d action %s", ev.SheetId, ev.Action)
		return finish()
	}
	result.Handler = string(handlerId)
	ctx = utils.SetHandlerInContext(ctx, result.Handler)

	hc := table.HandlerConfig(handlerId)
	impl, registered := d.handlers[handlerId]
	if hc.NotImplemented || !registered {
		result.Status = DispatchNotImplemented
		result.Message = fmt.Sprintf("handler %s is not implemented", handlerId)
		return finish()
	}

	timeout := table.Timeout(handlerId)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		outcome, err := impl.Handle(hctx, ev)
		done <- handlerReturn{outcome: outcome, err: err}
	}()

	logger := config.GetLogger()
	timedOut := func() DispatchResult {
		result.Status = DispatchError
		result.Message = fmt.Sprintf("handler %s timed out after %s", handlerId, timeout)
		result.Details = map[string]any{detailTimeout: true, detailRetryable: true}
		logger.WithFields(logrus.Fields{
			"field":    "dispatcher",
			"trace_id": traceId,
			"event_id": ev.EventId,
			"handler":  handlerId,
			"timeout":  timeout.String(),
		}).Error("handler timed out")
		return finish()
	}

	select {
	case <-hctx.Done():
		// The handler goroutine is abandoned; its context is already cancelled.
		return timedOut()
	case ret := <-done:
		if ret.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		if ret.err != nil {
			result.Status = DispatchError
			result.Message = ret.err.Error()
			result.Details = mergeDetails(ret.outcome.Details, map[string]any{
				detailRetryable: hc.RetryOnFailure || errors.Is(ret.err, rowstore.ErrTransient),
			})
			logger.WithFields(logrus.Fields{
				"field":    "dispatcher",
				"trace_id": traceId,
				"event_id": ev.EventId,
				"handler":  handlerId,
				"error":    ret.err.Error(),
			}).Error("handler failed")
			return finish()
		}

		switch ret.outcome.Status {
		case DispatchOK, DispatchExceptionLogged, DispatchAlreadyProcessed:
			result.Status = ret.outcome.Status
			result.Message = ret.outcome.Message
			result.Details = ret.outcome.Details
		case DispatchError:
			result.Status = DispatchError
			result.Message = ret.outcome.Message
			result.Details = mergeDetails(ret.outcome.Details, map[string]any{detailRetryable: hc.RetryOnFailure})
		default:
			result.Status = DispatchError
			result.Message = fmt.Sprintf("handler %s returned invalid status %q", handlerId, ret.outcome.Status)
		}
		return finish()
	}
}

func mergeDetails(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

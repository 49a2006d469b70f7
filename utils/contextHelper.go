package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/nesting_backend/appctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var (
	ContextKeyTraceId   = appctx.ContextKeyTraceId
	ContextKeyEventId   = appctx.ContextKeyEventId
	ContextKeyHandler   = appctx.ContextKeyHandler
	ContextKeyRequestId = appctx.ContextKeyRequestId
	ContextKeyActor     = appctx.ContextKeyActor
)

// GetTraceIdFromContext prefers an explicitly stored trace id, then the active span's trace id.
func GetTraceIdFromContext(ctx context.Context) (string, bool) {
	if v, ok := appctx.GetString(ctx, ContextKeyTraceId); ok && v != "" {
		return v, true
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String(), true
	}
	return "", false
}

// EnsureTraceId returns ctx carrying a trace id, minting one when none is present.
func EnsureTraceId(ctx context.Context) (context.Context, string) {
	if v, ok := GetTraceIdFromContext(ctx); ok {
		return SetTraceIdInContext(ctx, v), v
	}
	v := uuid.NewString()
	return SetTraceIdInContext(ctx, v), v
}

func SetTraceIdInContext(ctx context.Context, traceId string) context.Context {
	return appctx.Set(ctx, ContextKeyTraceId, traceId)
}

func GetEventIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEventId)
}

func SetEventIdInContext(ctx context.Context, eventId string) context.Context {
	return appctx.Set(ctx, ContextKeyEventId, eventId)
}

func GetHandlerFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyHandler)
}

func SetHandlerInContext(ctx context.Context, handler string) context.Context {
	return appctx.Set(ctx, ContextKeyHandler, handler)
}

func GetRequestIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRequestId)
}

func SetRequestIdInContext(ctx context.Context, requestId string) context.Context {
	return appctx.Set(ctx, ContextKeyRequestId, requestId)
}

func GetActorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActor)
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, ContextKeyActor, actor)
}

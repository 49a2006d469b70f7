package workflow

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
)

// HandlerID names a domain handler. The set is closed: routing entries naming anything else
// are rejected when the table is built.
type HandlerID string

const (
	HandlerNestingBOM HandlerID = "nesting_bom"
	HandlerTagIntake  HandlerID = "tag_intake"
	HandlerLPOUpdate  HandlerID = "lpo_update"
)

var AllHandlers = []HandlerID{HandlerNestingBOM, HandlerTagIntake, HandlerLPOUpdate}

func ParseHandlerID(raw string) (HandlerID, bool) {
	id := HandlerID(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllHandlers {
		if id == known {
			return id, true
		}
	}
	return "", false
}

// HandlerOutcome is what a handler reports. Status must be OK, ERROR, EXCEPTION_LOGGED or
// ALREADY_PROCESSED; anything handler-specific goes in Details.
type HandlerOutcome struct {
	Status  DispatchStatus
	Message string
	Details map[string]any
}

// Handler processes one routed event. A returned error becomes status ERROR.
type Handler interface {
	Handle(ctx context.Context, ev models.Event) (HandlerOutcome, error)
}

type HandlerFunc func(ctx context.Context, ev models.Event) (HandlerOutcome, error)

func (f HandlerFunc) Handle(ctx context.Context, ev models.Event) (HandlerOutcome, error) {
	return f(ctx, ev)
}

func Outcome(status DispatchStatus, message string, details map[string]any) HandlerOutcome {
	return HandlerOutcome{Status: status, Message: message, Details: details}
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
)

const ExceptionPrefix = "EXC"

// Reason codes written to the exception log by the domain handlers.
const (
	ReasonValidationFailed   = "VALIDATION_FAILED"
	ReasonLPONotFound        = "LPO_NOT_FOUND"
	ReasonTagDuplicate       = "TAG_DUPLICATE"
	ReasonNoExecutionRecord  = "NO_EXECUTION_RECORD"
	ReasonBadExecutionRecord = "INVALID_EXECUTION_RECORD"
	ReasonDuplicateUpload    = "DUPLICATE_UPLOAD"
)

type IdGenerator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

type ExceptionEntry struct {
	Source    string
	Reason    string
	Reference string
	LpoId     string
	Message   string
}

// ExceptionLog appends OPEN rows to the exception sheet for people to resolve.
type ExceptionLog struct {
	gw  rowstore.Gateway
	ids IdGenerator
	now func() time.Time
}

func NewExceptionLog(gw rowstore.Gateway, ids IdGenerator) *ExceptionLog {
	return &ExceptionLog{gw: gw, ids: ids, now: time.Now}
}

func (l *ExceptionLog) Record(ctx context.Context, e ExceptionEntry) (string, error) {
	id, err := l.ids.Next(ctx, ExceptionPrefix)
	if err != nil {
		return "", fmt.Errorf("exception id: %w", err)
	}
	traceId, _ := utils.GetTraceIdFromContext(ctx)
	_, err = l.gw.AddRow(ctx, rowstore.SheetExceptionLog, map[string]any{
		rowstore.ColExceptionId:     id,
		rowstore.ColExceptionSource: e.Source,
		rowstore.ColReasonCode:      e.Reason,
		rowstore.ColReference:       e.Reference,
		rowstore.ColLPOId:           e.LpoId,
		rowstore.ColRemarks:         utils.TruncateText(e.Message, 1000),
		rowstore.ColStatus:          string(models.ExceptionStatusOpen),
		rowstore.ColTraceId:         traceId,
		rowstore.ColCreatedAt:       l.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("write exception %s: %w", id, err)
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":        "exception_log",
		"trace_id":     traceId,
		"exception_id": id,
		"reason":       e.Reason,
		"reference":    e.Reference,
	}).Warn("exception logged")
	return id, nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"bitbucket.org/mmdatafocus/nesting_backend/bom"
	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
)

type BOMProcessor interface {
	Process(ctx context.Context, record bom.ExecutionRecord, sessionId, lpoId string) models.BOMProcessingResult
}

// NestingBOMWorkflow generates the BOM for a newly created nesting upload row.
type NestingBOMWorkflow struct {
	gw         rowstore.Gateway
	blobs      utils.BlobStore
	processor  BOMProcessor
	exceptions *ExceptionLog
}

// NewNestingBOMWorkflow; blobs may be nil, then records are read from row attachments only.
func NewNestingBOMWorkflow(gw rowstore.Gateway, blobs utils.BlobStore, processor BOMProcessor, exceptions *ExceptionLog) *NestingBOMWorkflow {
	return &NestingBOMWorkflow{gw: gw, blobs: blobs, processor: processor, exceptions: exceptions}
}

func (w *NestingBOMWorkflow) Handle(ctx context.Context, ev models.Event) (HandlerOutcome, error) {
	logger := config.GetLogger()
	traceId, _ := utils.GetTraceIdFromContext(ctx)

	row, err := w.gw.GetRow(ctx, rowstore.SheetNestingUploads, ev.RowId)
	if err != nil {
		config.LogError(logger, "nestingBomWorkflow.go", "Handle", "GetRow", ev.RowId, err)
		return HandlerOutcome{}, fmt.Errorf("load upload row %d: %w", ev.RowId, err)
	}
	sessionId := row.String(rowstore.ColNestSessionId)
	lpoId := row.String(rowstore.ColLPOId)
	if sessionId == "" {
		return w.logException(ctx, ev, lpoId, ReasonValidationFailed, "upload row has no nest session id")
	}

	if _, err := w.gw.FindRow(ctx, rowstore.SheetBOMLines, rowstore.ColNestSessionId, sessionId); err == nil {
		return Outcome(DispatchAlreadyProcessed, fmt.Sprintf("session %s already has BOM lines", sessionId),
			map[string]any{"nest_session_id": sessionId}), nil
	} else if !errors.Is(err, rowstore.ErrNotFound) {
		return HandlerOutcome{}, fmt.Errorf("check existing BOM lines: %w", err)
	}

	name, data, err := w.loadRecord(ctx, row)
	if err != nil {
		return HandlerOutcome{}, err
	}
	if data == nil {
		return w.logException(ctx, ev, lpoId, ReasonNoExecutionRecord, fmt.Sprintf("session %s has no execution record", sessionId))
	}
	record, err := bom.LoadExecutionRecord(name, data)
	if err != nil {
		return w.logException(ctx, ev, lpoId, ReasonBadExecutionRecord, fmt.Sprintf("%s: %v", name, err))
	}
	if lpoId == "" {
		lpoId = record.LpoId
	}

	result := w.processor.Process(ctx, record, sessionId, lpoId)

	details := map[string]any{
		"nest_session_id": sessionId,
		"total_lines":     result.TotalLines,
		"mapped_lines":    result.MappedLines,
		"exception_lines": result.ExceptionLines,
		"invalid_lines":   len(result.ValidationErrors),
	}

	status := models.UploadStatusBOMGenerated
	switch {
	case !result.Success:
		status = models.UploadStatusBOMFailed
	case result.ExceptionLines > 0 || len(result.ValidationErrors) > 0:
		status = models.UploadStatusBOMReview
	}
	remarks := fmt.Sprintf("lines=%d mapped=%d exceptions=%d", result.TotalLines, result.MappedLines, result.ExceptionLines)
	if len(result.Errors) > 0 {
		remarks += "; " + strings.Join(result.Errors, "; ")
	}
	update := map[string]any{
		rowstore.ColStatus:  string(status),
		rowstore.ColRemarks: utils.TruncateText(remarks, 1000),
		rowstore.ColTraceId: traceId,
	}

	// Dropped record lines are reported once the BOM is written; a failed run is retried first.
	if result.Success && len(result.ValidationErrors) > 0 {
		exceptionId, err := w.exceptions.Record(ctx, ExceptionEntry{
			Source:    string(HandlerNestingBOM),
			Reason:    ReasonValidationFailed,
			Reference: sessionId,
			LpoId:     lpoId,
			Message:   strings.Join(result.ValidationErrors, "; "),
		})
		if err != nil {
			return HandlerOutcome{}, fmt.Errorf("record validation exception: %w", err)
		}
		update[rowstore.ColExceptionId] = exceptionId
		details["exception_id"] = exceptionId
		details["reason"] = ReasonValidationFailed
	}

	if err := w.gw.UpdateRow(ctx, rowstore.SheetNestingUploads, ev.RowId, update); err != nil {
		// The BOM is already written; a failed status update must not trigger regeneration.
		config.LogError(logger, "nestingBomWorkflow.go", "Handle", "UpdateRow status", sessionId, err)
	}

	if !result.Success {
		return Outcome(DispatchError, strings.Join(result.Errors, "; "), details), nil
	}

	logger.WithFields(logrus.Fields{
		"field":           "nestingBomWorkflow",
		"trace_id":        traceId,
		"nest_session_id": sessionId,
		"status":          status,
	}).Info("nesting BOM processed")
	if result.ExceptionLines > 0 || len(result.ValidationErrors) > 0 {
		return Outcome(DispatchExceptionLogged, remarks, details), nil
	}
	return Outcome(DispatchOK, remarks, details), nil
}

// loadRecord prefers the stored execution record key and falls back to the row's attachments.
// A nil payload with a nil error means there is nothing to read.
func (w *NestingBOMWorkflow) loadRecord(ctx context.Context, row *rowstore.Row) (string, []byte, error) {
	if key := row.String(rowstore.ColRecordKey); key != "" && w.blobs != nil {
		data, err := w.blobs.Get(ctx, key)
		if err == nil {
			return path.Base(key), data, nil
		}
		if !errors.Is(err, utils.ErrBlobNotFound) {
			return "", nil, fmt.Errorf("read execution record %s: %w", key, err)
		}
	}

	attachments, err := w.gw.GetRowAttachments(ctx, rowstore.SheetNestingUploads, row.Id)
	if err != nil {
		return "", nil, fmt.Errorf("list attachments of row %d: %w", row.Id, err)
	}
	if len(attachments) == 0 {
		return "", nil, nil
	}
	pick := attachments[0]
	for _, a := range attachments {
		ext := strings.ToLower(path.Ext(a.Name))
		if ext == ".json" || ext == ".xlsx" {
			pick = a
			break
		}
	}
	data, err := w.gw.DownloadAttachment(ctx, rowstore.SheetNestingUploads, pick.Id)
	if err != nil {
		return "", nil, fmt.Errorf("download attachment %d: %w", pick.Id, err)
	}
	return pick.Name, data, nil
}

func (w *NestingBOMWorkflow) logException(ctx context.Context, ev models.Event, lpoId, reason, message string) (HandlerOutcome, error) {
	id, err := w.exceptions.Record(ctx, ExceptionEntry{
		Source:    string(HandlerNestingBOM),
		Reason:    reason,
		Reference: fmt.Sprintf("%s row %d", rowstore.SheetNestingUploads, ev.RowId),
		LpoId:     lpoId,
		Message:   message,
	})
	if err != nil {
		return HandlerOutcome{}, err
	}
	if err := w.gw.UpdateRow(ctx, rowstore.SheetNestingUploads, ev.RowId, map[string]any{
		rowstore.ColStatus:      string(models.UploadStatusBOMFailed),
		rowstore.ColExceptionId: id,
		rowstore.ColRemarks:     utils.TruncateText(message, 1000),
	}); err != nil {
		config.LogError(config.GetLogger(), "nestingBomWorkflow.go", "logException", "UpdateRow status", ev.RowId, err)
	}
	return Outcome(DispatchExceptionLogged, message, map[string]any{"exception_id": id, "reason": reason}), nil
}

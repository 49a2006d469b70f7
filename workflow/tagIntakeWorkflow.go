package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
)

type tagIntake struct {
	TagId    string  `validate:"required"`
	LpoId    string  `validate:"required"`
	Quantity float64 `validate:"gte=0"`
	Uom      string  `validate:"omitempty,max=16"`
}

// TagIntakeWorkflow validates a new tag registry row against the LPO master.
type TagIntakeWorkflow struct {
	gw         rowstore.Gateway
	exceptions *ExceptionLog
}

func NewTagIntakeWorkflow(gw rowstore.Gateway, exceptions *ExceptionLog) *TagIntakeWorkflow {
	return &TagIntakeWorkflow{gw: gw, exceptions: exceptions}
}

func (w *TagIntakeWorkflow) Handle(ctx context.Context, ev models.Event) (HandlerOutcome, error) {
	logger := config.GetLogger()
	traceId, _ := utils.GetTraceIdFromContext(ctx)

	row, err := w.gw.GetRow(ctx, rowstore.SheetTagRegistry, ev.RowId)
	if err != nil {
		config.LogError(logger, "tagIntakeWorkflow.go", "Handle", "GetRow", ev.RowId, err)
		return HandlerOutcome{}, fmt.Errorf("load tag row %d: %w", ev.RowId, err)
	}

	tag := tagIntake{
		TagId: row.String(rowstore.ColTagId),
		LpoId: row.String(rowstore.ColLPOId),
		Uom:   row.String(rowstore.ColTagUom),
	}
	qty, hasQty := row.Decimal(rowstore.ColTagQuantity)
	tag.Quantity, _ = qty.Float64()

	var problems string
	if err := utils.ValidateStruct(tag); err != nil {
		problems = utils.ValidationSummary(err)
	}
	if !hasQty {
		if problems != "" {
			problems += ", "
		}
		problems += "Quantity:required"
	}
	if problems != "" {
		id, err := w.exceptions.Record(ctx, ExceptionEntry{
			Source:    string(HandlerTagIntake),
			Reason:    ReasonValidationFailed,
			Reference: fmt.Sprintf("%s row %d", rowstore.SheetTagRegistry, ev.RowId),
			LpoId:     tag.LpoId,
			Message:   "invalid tag row: " + problems,
		})
		if err != nil {
			return HandlerOutcome{}, err
		}
		w.markTag(ctx, ev.RowId, models.TagStatusRejected, problems, id)
		return Outcome(DispatchExceptionLogged, "invalid tag row: "+problems,
			map[string]any{"exception_id": id, "reason": ReasonValidationFailed}), nil
	}

	if _, err := w.gw.FindRow(ctx, rowstore.SheetLPOMaster, rowstore.ColLPOId, tag.LpoId); errors.Is(err, rowstore.ErrNotFound) {
		msg := fmt.Sprintf("%s: LPO %s does not exist", ReasonLPONotFound, tag.LpoId)
		w.markTag(ctx, ev.RowId, models.TagStatusRejected, msg, "")
		return Outcome(DispatchError, msg, map[string]any{"reason": ReasonLPONotFound, "lpo_id": tag.LpoId}), nil
	} else if err != nil {
		return HandlerOutcome{}, fmt.Errorf("look up LPO %s: %w", tag.LpoId, err)
	}

	rows, err := w.gw.GetAllRows(ctx, rowstore.SheetTagRegistry)
	if err != nil {
		return HandlerOutcome{}, fmt.Errorf("load tag registry: %w", err)
	}
	for _, other := range rows {
		if other.Id != ev.RowId && rowstore.ValuesEqual(other.Values[rowstore.ColTagId], tag.TagId) {
			msg := fmt.Sprintf("%s: tag %s already registered on row %d", ReasonTagDuplicate, tag.TagId, other.Id)
			w.markTag(ctx, ev.RowId, models.TagStatusRejected, msg, "")
			return Outcome(DispatchError, msg, map[string]any{"reason": ReasonTagDuplicate, "tag_id": tag.TagId}), nil
		}
	}

	w.markTag(ctx, ev.RowId, models.TagStatusAccepted, "", "")
	logger.WithFields(logrus.Fields{
		"field":    "tagIntakeWorkflow",
		"trace_id": traceId,
		"tag_id":   tag.TagId,
		"lpo_id":   tag.LpoId,
	}).Info("tag accepted")
	return Outcome(DispatchOK, fmt.Sprintf("tag %s accepted", tag.TagId),
		map[string]any{"tag_id": tag.TagId, "lpo_id": tag.LpoId}), nil
}

// markTag writes the verdict back to the tag row. The write-back is informational, so its
// failure is only logged.
func (w *TagIntakeWorkflow) markTag(ctx context.Context, rowId int64, status models.TagStatus, remarks, exceptionId string) {
	traceId, _ := utils.GetTraceIdFromContext(ctx)
	fields := map[string]any{
		rowstore.ColStatus:  string(status),
		rowstore.ColRemarks: utils.TruncateText(remarks, 1000),
		rowstore.ColTraceId: traceId,
	}
	if exceptionId != "" {
		fields[rowstore.ColExceptionId] = exceptionId
	}
	if err := w.gw.UpdateRow(ctx, rowstore.SheetTagRegistry, rowId, fields); err != nil {
		config.LogError(config.GetLogger(), "tagIntakeWorkflow.go", "markTag", "UpdateRow", rowId, err)
	}
}

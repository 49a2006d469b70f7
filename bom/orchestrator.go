// Package bom turns a nesting execution record into BOM lines with canonical material codes.
package bom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/mapping"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const sessionLockTTL = 2 * time.Minute

type Mapper interface {
	Lookup(ctx context.Context, req mapping.LookupRequest) (models.MappingResult, error)
}

type Orchestrator struct {
	mapper         Mapper
	gw             rowstore.Gateway
	locker         *redislock.Client
	units          UnitService
	includeMachine bool
}

// NewOrchestrator builds an orchestrator. locker may be nil, in which case sessions are not locked.
func NewOrchestrator(mapper Mapper, gw rowstore.Gateway, locker *redislock.Client, includeMachine bool) *Orchestrator {
	return &Orchestrator{mapper: mapper, gw: gw, locker: locker, includeMachine: includeMachine}
}

func LineId(sessionId string, lineNumber int) string {
	return fmt.Sprintf("%s-%04d", sessionId, lineNumber)
}

// Process flattens the record, resolves every line and writes all lines in one bulk call.
// It never returns an error; failures are reported in the result.
func (o *Orchestrator) Process(ctx context.Context, record ExecutionRecord, sessionId, lpoId string) models.BOMProcessingResult {
	logger := config.GetLogger()
	traceId, _ := utils.GetTraceIdFromContext(ctx)
	ctx, span := otel.Tracer("bom").Start(ctx, "Orchestrator.Process")
	defer span.End()
	span.SetAttributes(attribute.String("nest_session_id", sessionId), attribute.String("lpo_id", lpoId))

	result := models.BOMProcessingResult{BomLines: []models.BOMLine{}, Errors: []string{}, ValidationErrors: []string{}}
	if lpoId == "" {
		lpoId = record.LpoId
	}

	release, err := utils.TryLock(ctx, o.locker, "lock:bom:"+sessionId, sessionLockTTL, "bom", "Process")
	if errors.Is(err, utils.ErrLockHeld) {
		result.Errors = append(result.Errors, fmt.Sprintf("session %s is being processed by another instance", sessionId))
		return result
	}
	defer release()

	flat, verrs := Flatten(record, o.includeMachine)
	result.Errors = append(result.Errors, verrs...)
	result.ValidationErrors = append(result.ValidationErrors, verrs...)

	rows := make([]map[string]any, 0, len(flat))
	for i, fl := range flat {
		n := i + 1
		line := models.BOMLine{
			LineId:             LineId(sessionId, n),
			NestSessionId:      sessionId,
			LpoId:              lpoId,
			LineNumber:         n,
			MaterialType:       fl.MaterialType,
			NestingDescription: fl.Description,
			Quantity:           fl.Quantity,
			Uom:                fl.Uom,
			CanonicalQuantity:  fl.Quantity,
			CanonicalUom:       fl.Uom,
			MappingDecision:    models.MappingDecisionReview,
		}

		res, err := o.mapper.Lookup(ctx, mapping.LookupRequest{
			Description:  fl.Description,
			IngestLineId: line.LineId,
			LpoId:        lpoId,
			ProjectId:    record.ProjectId,
			CustomerId:   record.CustomerId,
			TraceId:      traceId,
		})
		switch {
		case err != nil:
			config.LogError(logger, "bom", "Process", "mapping lookup failed", line.LineId, err)
			result.Errors = append(result.Errors, fmt.Sprintf("line %d %q: lookup failed: %v", n, fl.Description, err))
			result.ExceptionLines++
		case res.Success:
			line.CanonicalCode = res.CanonicalCode
			line.SapCode = res.SapCode
			line.MappingDecision = res.Decision
			line.HistoryId = res.HistoryId
			if res.Uom != "" {
				line.CanonicalUom = res.Uom
			}
			line.CanonicalQuantity = o.units.Convert(fl.Quantity, fl.Uom, line.CanonicalUom, res.ConversionFactor)
			result.MappedLines++
		default:
			line.MappingDecision = res.Decision
			line.ExceptionId = res.ExceptionId
			result.ExceptionLines++
		}

		result.BomLines = append(result.BomLines, line)
		rows = append(rows, bomRow(line, traceId))
	}
	result.TotalLines = len(result.BomLines)

	if len(rows) > 0 {
		if _, err := o.gw.AddRowsBulk(ctx, rowstore.SheetBOMLines, rows); err != nil {
			config.LogError(logger, "bom", "Process", "bulk write failed", sessionId, err)
			result.Errors = append(result.Errors, "bulk write failed: "+err.Error())
			span.SetAttributes(attribute.Bool("bulk_write_failed", true))
			return result
		}
	}
	result.Success = true

	logger.WithFields(logrus.Fields{
		"field":           "bom",
		"trace_id":        traceId,
		"nest_session_id": sessionId,
		"total_lines":     result.TotalLines,
		"mapped_lines":    result.MappedLines,
		"exception_lines": result.ExceptionLines,
		"invalid_lines":   len(result.ValidationErrors),
	}).Info("bom generated")
	return result
}

func bomRow(l models.BOMLine, traceId string) map[string]any {
	return map[string]any{
		rowstore.ColLineId:            l.LineId,
		rowstore.ColNestSessionId:     l.NestSessionId,
		rowstore.ColLPOId:             l.LpoId,
		rowstore.ColLineNumber:        l.LineNumber,
		rowstore.ColMaterialType:      string(l.MaterialType),
		rowstore.ColDescription:       l.NestingDescription,
		rowstore.ColQuantity:          l.Quantity,
		rowstore.ColUom:               l.Uom,
		rowstore.ColCanonicalQuantity: l.CanonicalQuantity,
		rowstore.ColCanonicalUom:      l.CanonicalUom,
		rowstore.ColCanonicalCode:     l.CanonicalCode,
		rowstore.ColSapCode:           l.SapCode,
		rowstore.ColMappingDecision:   string(l.MappingDecision),
		rowstore.ColHistoryId:         l.HistoryId,
		rowstore.ColExceptionId:       l.ExceptionId,
		rowstore.ColTraceId:           traceId,
	}
}

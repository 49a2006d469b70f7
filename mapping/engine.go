// Package mapping resolves free-text nesting descriptions to canonical material codes.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	HistoryPrefix   = "MH"
	ExceptionPrefix = "MAPEX"
)

type LookupRequest struct {
	Description  string
	IngestLineId string
	LpoId        string
	ProjectId    string
	CustomerId   string
	TraceId      string
}

func (r LookupRequest) scopeValue(scope models.ScopeType) string {
	switch scope {
	case models.ScopeTypeLPO:
		return r.LpoId
	case models.ScopeTypeProject:
		return r.ProjectId
	case models.ScopeTypeCustomer:
		return r.CustomerId
	}
	return ""
}

type IdGenerator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// Engine tries its tiers in order; the first tier that finds a mapping wins.
type Engine struct {
	tiers  []Resolver
	store  Store
	master *MasterCache
	ids    IdGenerator
	now    func() time.Time
}

// NewEngine wires the standard tiers: history, override, master.
func NewEngine(store Store, ids IdGenerator, ttl time.Duration) *Engine {
	master := NewMasterCache(store.LoadMaster, ttl)
	return NewEngineWithTiers(store, ids, master, []Resolver{
		HistoryResolver{Store: store},
		OverrideResolver{Store: store, Master: master},
		MasterResolver{Master: master},
	})
}

func NewEngineWithTiers(store Store, ids IdGenerator, master *MasterCache, tiers []Resolver) *Engine {
	return &Engine{tiers: tiers, store: store, master: master, ids: ids, now: time.Now}
}

// Lookup resolves one description. A miss is not an error: it yields success=false,
// decision REVIEW and an OPEN exception. Errors mean a tier or a write failed.
func (e *Engine) Lookup(ctx context.Context, req LookupRequest) (models.MappingResult, error) {
	req.Description = utils.NormalizeKey(req.Description)
	if req.TraceId == "" {
		req.TraceId, _ = utils.GetTraceIdFromContext(ctx)
	}
	ctx, span := otel.Tracer("mapping").Start(ctx, "Engine.Lookup")
	defer span.End()

	if req.Description == "" {
		return models.MappingResult{}, errors.New("description is required")
	}

	for _, tier := range e.tiers {
		result, found, err := tier.Resolve(ctx, req)
		if err != nil {
			return models.MappingResult{}, fmt.Errorf("%s tier: %w", tier.Name(), err)
		}
		if !found {
			continue
		}
		span.SetAttributes(attribute.String("tier", tier.Name()), attribute.String("decision", string(result.Decision)))
		if result.HistoryId == "" && req.IngestLineId != "" &&
			(result.Decision == models.MappingDecisionAuto || result.Decision == models.MappingDecisionOverride) {
			if err := e.recordHistory(ctx, req, &result); err != nil {
				return models.MappingResult{}, err
			}
		}
		return result, nil
	}

	span.SetAttributes(attribute.String("tier", "none"))
	return e.escalate(ctx, req)
}

func (e *Engine) recordHistory(ctx context.Context, req LookupRequest, result *models.MappingResult) error {
	historyId, err := e.ids.Next(ctx, HistoryPrefix)
	if err != nil {
		return fmt.Errorf("history id: %w", err)
	}
	h := models.MappingHistory{
		HistoryId:          historyId,
		IngestLineId:       req.IngestLineId,
		NestingDescription: req.Description,
		CanonicalCode:      result.CanonicalCode,
		SapCode:            result.SapCode,
		Uom:                result.Uom,
		Decision:           result.Decision,
		ConversionFactor:   result.ConversionFactor,
		TraceId:            req.TraceId,
		CreatedAt:          e.now().UTC(),
	}
	if err := e.store.SaveHistory(ctx, h); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	result.HistoryId = historyId
	return nil
}

func (e *Engine) escalate(ctx context.Context, req LookupRequest) (models.MappingResult, error) {
	// A redelivered line keeps the exception its first attempt opened.
	if req.IngestLineId != "" {
		open, err := e.store.FindOpenException(ctx, req.IngestLineId)
		if err != nil {
			return models.MappingResult{}, fmt.Errorf("find open exception: %w", err)
		}
		if open != nil && open.ExceptionId != "" {
			return models.MappingResult{
				Success:     false,
				Decision:    models.MappingDecisionReview,
				ExceptionId: open.ExceptionId,
			}, nil
		}
	}

	exceptionId, err := e.ids.Next(ctx, ExceptionPrefix)
	if err != nil {
		return models.MappingResult{}, fmt.Errorf("exception id: %w", err)
	}
	ex := models.MappingException{
		ExceptionId:        exceptionId,
		IngestLineId:       req.IngestLineId,
		NestingDescription: req.Description,
		LpoId:              req.LpoId,
		Reason:             "no history, override or active master entry",
		Status:             models.ExceptionStatusOpen,
		TraceId:            req.TraceId,
		CreatedAt:          e.now().UTC(),
	}
	if err := e.store.SaveException(ctx, ex); err != nil {
		return models.MappingResult{}, fmt.Errorf("save exception: %w", err)
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "mapping",
		"trace_id":       req.TraceId,
		"exception_id":   exceptionId,
		"ingest_line_id": req.IngestLineId,
		"description":    req.Description,
	}).Info("mapping miss escalated for review")

	return models.MappingResult{
		Success:     false,
		Decision:    models.MappingDecisionReview,
		ExceptionId: exceptionId,
	}, nil
}

// Invalidate drops the material master snapshot; the next lookup reloads it.
func (e *Engine) Invalidate() {
	if e.master != nil {
		e.master.Invalidate()
	}
}

func (e *Engine) CacheStats() CacheStats {
	if e.master == nil {
		return CacheStats{}
	}
	return e.master.Stats()
}

package mapping

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
)

// Resolver is one precedence tier. found=false passes the request to the next tier;
// err aborts the lookup.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, req LookupRequest) (result models.MappingResult, found bool, err error)
}

// HistoryResolver replays the decision committed earlier for the same ingest line, verbatim.
type HistoryResolver struct {
	Store Store
}

func (HistoryResolver) Name() string { return "history" }

func (r HistoryResolver) Resolve(ctx context.Context, req LookupRequest) (models.MappingResult, bool, error) {
	if strings.TrimSpace(req.IngestLineId) == "" {
		return models.MappingResult{}, false, nil
	}
	h, err := r.Store.FindHistory(ctx, req.IngestLineId)
	if err != nil || h == nil {
		return models.MappingResult{}, false, err
	}
	return models.MappingResult{
		Success:          h.Decision.Resolved(),
		Decision:         h.Decision,
		CanonicalCode:    h.CanonicalCode,
		SapCode:          h.SapCode,
		Uom:              h.Uom,
		ConversionFactor: h.ConversionFactor,
		HistoryId:        h.HistoryId,
	}, true, nil
}

// OverrideResolver applies the most specific scoped override: LPO, then project, then
// customer. Only an exact scope value match counts. Unit data comes from the master entry
// for the override's canonical code.
type OverrideResolver struct {
	Store  Store
	Master *MasterCache
}

func (OverrideResolver) Name() string { return "override" }

func (r OverrideResolver) Resolve(ctx context.Context, req LookupRequest) (models.MappingResult, bool, error) {
	overrides, err := r.Store.ActiveOverrides(ctx, req.Description)
	if err != nil || len(overrides) == 0 {
		return models.MappingResult{}, false, err
	}

	for _, scope := range models.ScopePrecedence {
		want := strings.TrimSpace(req.scopeValue(scope))
		if want == "" {
			continue
		}
		for _, o := range overrides {
			if !o.Active || o.ScopeType != scope || strings.TrimSpace(o.ScopeValue) != want {
				continue
			}
			result := models.MappingResult{
				Success:       true,
				Decision:      models.MappingDecisionOverride,
				CanonicalCode: o.CanonicalCode,
				SapCode:       o.SapCode,
			}
			if r.Master != nil {
				entry, ok, err := r.Master.ByCanonicalCode(ctx, o.CanonicalCode)
				if err != nil {
					return models.MappingResult{}, false, err
				}
				if ok {
					result.Uom = entry.Uom
					result.ConversionFactor = entry.ConversionFactor
					if result.SapCode == "" {
						result.SapCode = entry.DefaultSapCode
					}
				}
			}
			return result, true, nil
		}
	}
	return models.MappingResult{}, false, nil
}

// MasterResolver matches the normalized description against active master entries.
type MasterResolver struct {
	Master *MasterCache
}

func (MasterResolver) Name() string { return "master" }

func (r MasterResolver) Resolve(ctx context.Context, req LookupRequest) (models.MappingResult, bool, error) {
	entry, ok, err := r.Master.Get(ctx, req.Description)
	if err != nil || !ok {
		return models.MappingResult{}, false, err
	}
	return models.MappingResult{
		Success:          true,
		Decision:         models.MappingDecisionAuto,
		CanonicalCode:    entry.CanonicalCode,
		SapCode:          entry.DefaultSapCode,
		Uom:              entry.Uom,
		ConversionFactor: entry.ConversionFactor,
	}, true, nil
}

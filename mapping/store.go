package mapping

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/shopspring/decimal"
)

// Store is where mapping data lives. History and overrides are always read fresh.
type Store interface {
	FindHistory(ctx context.Context, ingestLineId string) (*models.MappingHistory, error)
	ActiveOverrides(ctx context.Context, description string) ([]models.MappingOverride, error)
	LoadMaster(ctx context.Context) ([]models.MaterialMasterEntry, error)
	SaveHistory(ctx context.Context, h models.MappingHistory) error
	SaveException(ctx context.Context, e models.MappingException) error
	// FindOpenException returns the OPEN mapping exception raised for an ingest line, or nil.
	FindOpenException(ctx context.Context, ingestLineId string) (*models.MappingException, error)
}

const exceptionSource = "MAPPING"

// SheetStore keeps mapping data in the row-store sheets 05, 06, 07 and 99.
type SheetStore struct {
	gw rowstore.Gateway
}

func NewSheetStore(gw rowstore.Gateway) *SheetStore {
	return &SheetStore{gw: gw}
}

func (s *SheetStore) FindHistory(ctx context.Context, ingestLineId string) (*models.MappingHistory, error) {
	row, err := s.gw.FindRow(ctx, rowstore.SheetMappingHistory, rowstore.ColIngestLineId, ingestLineId)
	if errors.Is(err, rowstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h := &models.MappingHistory{
		HistoryId:          row.String(rowstore.ColHistoryId),
		IngestLineId:       row.String(rowstore.ColIngestLineId),
		NestingDescription: row.String(rowstore.ColDescription),
		CanonicalCode:      row.String(rowstore.ColCanonicalCode),
		SapCode:            row.String(rowstore.ColSapCode),
		Uom:                row.String(rowstore.ColUom),
		Decision:           models.MappingDecision(row.String(rowstore.ColMappingDecision)),
		ConversionFactor:   decimalPtr(*row, rowstore.ColConversionFactor),
		TraceId:            row.String(rowstore.ColTraceId),
	}
	if t, err := time.Parse(time.RFC3339, row.String(rowstore.ColCreatedAt)); err == nil {
		h.CreatedAt = t
	}
	return h, nil
}

func (s *SheetStore) ActiveOverrides(ctx context.Context, description string) ([]models.MappingOverride, error) {
	rows, err := s.gw.GetAllRows(ctx, rowstore.SheetMappingOverrides)
	if err != nil {
		return nil, err
	}
	key := utils.NormalizeKey(description)
	var out []models.MappingOverride
	for _, row := range rows {
		if !row.Bool(rowstore.ColActive) || utils.NormalizeKey(row.String(rowstore.ColDescription)) != key {
			continue
		}
		out = append(out, models.MappingOverride{
			ScopeType:          models.ScopeType(strings.ToUpper(row.String(rowstore.ColScopeType))),
			ScopeValue:         row.String(rowstore.ColScopeValue),
			NestingDescription: key,
			CanonicalCode:      row.String(rowstore.ColCanonicalCode),
			SapCode:            row.String(rowstore.ColSapCode),
			Active:             true,
		})
	}
	return out, nil
}

func (s *SheetStore) LoadMaster(ctx context.Context) ([]models.MaterialMasterEntry, error) {
	rows, err := s.gw.GetAllRows(ctx, rowstore.SheetMaterialMaster)
	if err != nil {
		return nil, err
	}
	out := make([]models.MaterialMasterEntry, 0, len(rows))
	for _, row := range rows {
		desc := utils.NormalizeKey(row.String(rowstore.ColDescription))
		if desc == "" {
			continue
		}
		out = append(out, models.MaterialMasterEntry{
			NestingDescription: desc,
			CanonicalCode:      row.String(rowstore.ColCanonicalCode),
			DefaultSapCode:     row.String(rowstore.ColDefaultSapCode),
			Uom:                row.String(rowstore.ColUom),
			ConversionFactor:   decimalPtr(row, rowstore.ColConversionFactor),
			Active:             row.Bool(rowstore.ColActive),
		})
	}
	return out, nil
}

func (s *SheetStore) SaveHistory(ctx context.Context, h models.MappingHistory) error {
	_, err := s.gw.AddRow(ctx, rowstore.SheetMappingHistory, map[string]any{
		rowstore.ColHistoryId:        h.HistoryId,
		rowstore.ColIngestLineId:     h.IngestLineId,
		rowstore.ColDescription:      h.NestingDescription,
		rowstore.ColCanonicalCode:    h.CanonicalCode,
		rowstore.ColSapCode:          h.SapCode,
		rowstore.ColUom:              h.Uom,
		rowstore.ColMappingDecision:  string(h.Decision),
		rowstore.ColConversionFactor: h.ConversionFactor,
		rowstore.ColTraceId:          h.TraceId,
		rowstore.ColCreatedAt:        h.CreatedAt.UTC().Format(time.RFC3339),
	})
	return err
}

func (s *SheetStore) SaveException(ctx context.Context, e models.MappingException) error {
	_, err := s.gw.AddRow(ctx, rowstore.SheetExceptionLog, map[string]any{
		rowstore.ColExceptionId:     e.ExceptionId,
		rowstore.ColExceptionSource: exceptionSource,
		rowstore.ColReasonCode:      "MAPPING_MISS",
		rowstore.ColIngestLineId:    e.IngestLineId,
		rowstore.ColDescription:     e.NestingDescription,
		rowstore.ColLPOId:           e.LpoId,
		rowstore.ColRemarks:         e.Reason,
		rowstore.ColStatus:          string(e.Status),
		rowstore.ColTraceId:         e.TraceId,
		rowstore.ColCreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
	})
	return err
}

func (s *SheetStore) FindOpenException(ctx context.Context, ingestLineId string) (*models.MappingException, error) {
	rows, err := s.gw.GetAllRows(ctx, rowstore.SheetExceptionLog)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.String(rowstore.ColExceptionSource) != exceptionSource ||
			!rowstore.ValuesEqual(row.String(rowstore.ColIngestLineId), ingestLineId) ||
			!strings.EqualFold(row.String(rowstore.ColStatus), string(models.ExceptionStatusOpen)) {
			continue
		}
		return &models.MappingException{
			ExceptionId:        row.String(rowstore.ColExceptionId),
			IngestLineId:       row.String(rowstore.ColIngestLineId),
			NestingDescription: row.String(rowstore.ColDescription),
			LpoId:              row.String(rowstore.ColLPOId),
			Reason:             row.String(rowstore.ColRemarks),
			Status:             models.ExceptionStatusOpen,
			TraceId:            row.String(rowstore.ColTraceId),
		}, nil
	}
	return nil, nil
}

func decimalPtr(row rowstore.Row, column string) *decimal.Decimal {
	d, ok := row.Decimal(column)
	if !ok {
		return nil
	}
	return &d
}

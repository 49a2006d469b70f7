package models

import "github.com/shopspring/decimal"

// BOMLine is one resolved consumption entry of a nest session. Written once, never updated.
type BOMLine struct {
	LineId             string          `json:"line_id"`
	NestSessionId      string          `json:"nest_session_id"`
	LpoId              string          `json:"lpo_id,omitempty"`
	LineNumber         int             `json:"line_number"`
	MaterialType       MaterialType    `json:"material_type"`
	NestingDescription string          `json:"nesting_description"`
	Quantity           decimal.Decimal `json:"quantity"`
	Uom                string          `json:"uom"`
	CanonicalQuantity  decimal.Decimal `json:"canonical_quantity"`
	CanonicalUom       string          `json:"canonical_uom"`
	CanonicalCode      string          `json:"canonical_code,omitempty"`
	SapCode            string          `json:"sap_code,omitempty"`
	MappingDecision    MappingDecision `json:"mapping_decision"`
	HistoryId          string          `json:"history_id,omitempty"`
	ExceptionId        string          `json:"exception_id,omitempty"`
}

type BOMProcessingResult struct {
	Success        bool      `json:"success"`
	TotalLines     int       `json:"total_lines"`
	MappedLines    int       `json:"mapped_lines"`
	ExceptionLines int       `json:"exception_lines"`
	BomLines       []BOMLine `json:"bom_lines"`
	Errors         []string  `json:"errors"`
	// ValidationErrors are the record lines dropped before mapping; also listed in Errors.
	ValidationErrors []string `json:"validation_errors"`
}

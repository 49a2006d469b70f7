package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaterialMasterEntry is one row of the material master sheet.
// NestingDescription is stored normalized (trimmed, lower-cased); only Active entries auto-resolve.
type MaterialMasterEntry struct {
	NestingDescription string           `json:"nesting_description"`
	CanonicalCode      string           `json:"canonical_code"`
	DefaultSapCode     string           `json:"default_sap_code"`
	Uom                string           `json:"uom"`
	ConversionFactor   *decimal.Decimal `json:"conversion_factor,omitempty"`
	Active             bool             `json:"active"`
}

// MappingOverride pins a description to a code within one LPO, project or customer.
type MappingOverride struct {
	ScopeType          ScopeType `json:"scope_type"`
	ScopeValue         string    `json:"scope_value"`
	NestingDescription string    `json:"nesting_description"`
	CanonicalCode      string    `json:"canonical_code"`
	SapCode            string    `json:"sap_code"`
	Active             bool      `json:"active"`
}

// MappingHistory is the decision previously committed for one ingest line.
type MappingHistory struct {
	HistoryId          string           `json:"history_id"`
	IngestLineId       string           `json:"ingest_line_id"`
	NestingDescription string           `json:"nesting_description"`
	CanonicalCode      string           `json:"canonical_code"`
	SapCode            string           `json:"sap_code"`
	Uom                string           `json:"uom"`
	Decision           MappingDecision  `json:"decision"`
	ConversionFactor   *decimal.Decimal `json:"conversion_factor,omitempty"`
	TraceId            string           `json:"trace_id"`
	CreatedAt          time.Time        `json:"created_at"`
}

// MappingResult is the lookup contract; it is never persisted as such.
type MappingResult struct {
	Success          bool             `json:"success"`
	Decision         MappingDecision  `json:"decision"`
	CanonicalCode    string           `json:"canonical_code,omitempty"`
	SapCode          string           `json:"sap_code,omitempty"`
	Uom              string           `json:"uom,omitempty"`
	ConversionFactor *decimal.Decimal `json:"conversion_factor,omitempty"`
	HistoryId        string           `json:"history_id,omitempty"`
	ExceptionId      string           `json:"exception_id,omitempty"`
}

// MappingException escalates a description no tier could resolve.
type MappingException struct {
	ExceptionId        string          `json:"exception_id"`
	IngestLineId       string          `json:"ingest_line_id"`
	NestingDescription string          `json:"nesting_description"`
	LpoId              string          `json:"lpo_id"`
	Reason             string          `json:"reason"`
	Status             ExceptionStatus `json:"status"`
	TraceId            string          `json:"trace_id"`
	CreatedAt          time.Time       `json:"created_at"`
}

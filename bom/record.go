package bom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type ItemConsumption struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Uom         string          `json:"uom"`
}

type ProfileConsumption struct {
	Description       string          `json:"description"`
	TotalConsumptionM decimal.Decimal `json:"total_consumption_m"`
}

// ExecutionRecord is the structured output of one nesting run.
type ExecutionRecord struct {
	NestSessionId string               `json:"nest_session_id"`
	LpoId         string               `json:"lpo_id"`
	ProjectId     string               `json:"project_id"`
	CustomerId    string               `json:"customer_id"`
	Panels        []ItemConsumption    `json:"panels"`
	Profiles      []ProfileConsumption `json:"profiles"`
	Accessories   []ItemConsumption    `json:"accessories"`
	Consumables   []ItemConsumption    `json:"consumables"`
	MachineWear   []ItemConsumption    `json:"machine_wear"`
}

func ParseExecutionRecordJSON(data []byte) (ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse execution record: %w", err)
	}
	return rec, nil
}

// Workbook layout: sheets Panels, Accessories, Consumables and Machine with header
// Description | Quantity | UOM; sheet Profiles with Description | Total Consumption (m);
// optional sheet Summary with key/value rows (Nest Session ID, LPO ID, Project, Customer).
const (
	xlsxSheetSummary     = "Summary"
	xlsxSheetPanels      = "Panels"
	xlsxSheetProfiles    = "Profiles"
	xlsxSheetAccessories = "Accessories"
	xlsxSheetConsumables = "Consumables"
	xlsxSheetMachine     = "Machine"
)

func ParseExecutionRecordXLSX(data []byte) (ExecutionRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	rowsOf := func(sheet string) ([][]string, error) {
		for _, name := range sheets {
			if strings.EqualFold(name, sheet) {
				return f.GetRows(name)
			}
		}
		return nil, nil
	}

	var rec ExecutionRecord
	summary, err := rowsOf(xlsxSheetSummary)
	if err != nil {
		return ExecutionRecord{}, err
	}
	for _, row := range summary {
		if len(row) < 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(row[0])) {
		case "nest session id", "nest_session_id":
			rec.NestSessionId = strings.TrimSpace(row[1])
		case "lpo id", "lpo_id":
			rec.LpoId = strings.TrimSpace(row[1])
		case "project", "project id", "project_id":
			rec.ProjectId = strings.TrimSpace(row[1])
		case "customer", "customer id", "customer_id":
			rec.CustomerId = strings.TrimSpace(row[1])
		}
	}

	items := []struct {
		sheet string
		dest  *[]ItemConsumption
	}{
		{xlsxSheetPanels, &rec.Panels},
		{xlsxSheetAccessories, &rec.Accessories},
		{xlsxSheetConsumables, &rec.Consumables},
		{xlsxSheetMachine, &rec.MachineWear},
	}
	for _, it := range items {
		rows, err := rowsOf(it.sheet)
		if err != nil {
			return ExecutionRecord{}, err
		}
		parsed, err := parseItemRows(it.sheet, rows)
		if err != nil {
			return ExecutionRecord{}, err
		}
		*it.dest = parsed
	}

	rows, err := rowsOf(xlsxSheetProfiles)
	if err != nil {
		return ExecutionRecord{}, err
	}
	for idx, row := range skipHeader(rows) {
		desc := cell(row, 0)
		if desc == "" {
			continue
		}
		qty, err := parseQuantity(cell(row, 1))
		if err != nil {
			return ExecutionRecord{}, fmt.Errorf("%s row %d: %v", xlsxSheetProfiles, idx+2, err)
		}
		rec.Profiles = append(rec.Profiles, ProfileConsumption{Description: desc, TotalConsumptionM: qty})
	}
	return rec, nil
}

func parseItemRows(sheet string, rows [][]string) ([]ItemConsumption, error) {
	var out []ItemConsumption
	for idx, row := range skipHeader(rows) {
		desc := cell(row, 0)
		if desc == "" {
			continue
		}
		qty, err := parseQuantity(cell(row, 1))
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %v", sheet, idx+2, err)
		}
		out = append(out, ItemConsumption{Description: desc, Quantity: qty, Uom: cell(row, 2)})
	}
	return out, nil
}

func skipHeader(rows [][]string) [][]string {
	if len(rows) == 0 {
		return nil
	}
	return rows[1:]
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseQuantity(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
}

// LoadExecutionRecord picks the parser from the file name, falling back to content sniffing.
func LoadExecutionRecord(name string, data []byte) (ExecutionRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return ExecutionRecord{}, errors.New("execution record is empty")
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return ParseExecutionRecordXLSX(data)
	case ".json":
		return ParseExecutionRecordJSON(data)
	}
	if bytes.HasPrefix(data, []byte("PK")) {
		return ParseExecutionRecordXLSX(data)
	}
	return ParseExecutionRecordJSON(data)
}

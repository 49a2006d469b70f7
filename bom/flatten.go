package bom

import (
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/shopspring/decimal"
)

// Default units when the record leaves one blank.
const (
	defaultPanelUom      = "m2"
	defaultProfileUom    = "m"
	defaultAccessoryUom  = "pcs"
	defaultConsumableUom = "pcs"
	defaultMachineUom    = "hr"
)

type FlatLine struct {
	MaterialType models.MaterialType
	Description  string
	Quantity     decimal.Decimal
	Uom          string
}

// Flatten lists the record's consumption in BOM order. Zero quantities are dropped silently;
// negative quantities and blank descriptions are dropped and reported.
func Flatten(rec ExecutionRecord, includeMachine bool) ([]FlatLine, []string) {
	var (
		lines []FlatLine
		errs  []string
	)
	add := func(section string, idx int, mt models.MaterialType, desc string, qty decimal.Decimal, uom, defUom string) {
		desc = utils.NormalizeKey(desc)
		if desc == "" {
			errs = append(errs, fmt.Sprintf("%s[%d]: description is required", section, idx))
			return
		}
		if qty.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s[%d] %q: negative quantity %s", section, idx, desc, qty.String()))
			return
		}
		if qty.IsZero() {
			return
		}
		uom = strings.TrimSpace(uom)
		if uom == "" {
			uom = defUom
		}
		lines = append(lines, FlatLine{MaterialType: mt, Description: desc, Quantity: qty, Uom: uom})
	}

	for i, p := range rec.Panels {
		add("panels", i, models.MaterialTypePanel, p.Description, p.Quantity, p.Uom, defaultPanelUom)
	}
	for i, p := range rec.Profiles {
		add("profiles", i, models.MaterialTypeProfile, p.Description, p.TotalConsumptionM, defaultProfileUom, defaultProfileUom)
	}
	for i, a := range rec.Accessories {
		add("accessories", i, models.MaterialTypeAccessory, a.Description, a.Quantity, a.Uom, defaultAccessoryUom)
	}
	for i, c := range rec.Consumables {
		add("consumables", i, models.MaterialTypeConsumable, c.Description, c.Quantity, c.Uom, defaultConsumableUom)
	}
	if includeMachine {
		for i, m := range rec.MachineWear {
			add("machine_wear", i, models.MaterialTypeMachine, m.Description, m.Quantity, m.Uom, defaultMachineUom)
		}
	}
	return lines, errs
}

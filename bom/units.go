package bom

import (
	"strings"

	"github.com/shopspring/decimal"
)

// metres per unit for the length units with fixed ratios.
var lengthRatios = map[string]decimal.Decimal{
	"mm": decimal.RequireFromString("0.001"),
	"cm": decimal.RequireFromString("0.01"),
	"m":  decimal.NewFromInt(1),
}

var unitAliases = map[string]string{
	"millimeter": "mm", "millimeters": "mm", "millimetre": "mm", "millimetres": "mm",
	"centimeter": "cm", "centimeters": "cm", "centimetre": "cm", "centimetres": "cm",
	"meter": "m", "meters": "m", "metre": "m", "metres": "m", "mtr": "m", "lm": "m",
}

func NormalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if alias, ok := unitAliases[u]; ok {
		return alias
	}
	return u
}

type UnitService struct{}

// Convert applies, in order: the conversion factor when present and non-zero, the fixed
// mm/cm/m ratios, identity.
func (UnitService) Convert(q decimal.Decimal, from, to string, factor *decimal.Decimal) decimal.Decimal {
	if factor != nil && !factor.IsZero() {
		return q.Mul(*factor)
	}
	from, to = NormalizeUnit(from), NormalizeUnit(to)
	if from == to {
		return q
	}
	fromRatio, okFrom := lengthRatios[from]
	toRatio, okTo := lengthRatios[to]
	if okFrom && okTo {
		return q.Mul(fromRatio).Div(toRatio)
	}
	return q
}

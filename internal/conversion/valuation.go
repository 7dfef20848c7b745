package conversion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Stage is one step of a site's configurable sales playbook.
type Stage struct {
	Name       string `json:"name"`
	ValueCents int64  `json:"value_cents"`
	Terminal   bool   `json:"terminal"`
}

// IsJunk reports whether reaching the stage closes the lead without value.
func (s Stage) IsJunk() bool {
	return strings.EqualFold(s.Name, "junk") || (s.Terminal && s.ValueCents == 0)
}

// ParseStages decodes the plan's stage list. Empty input means no
// playbook is configured.
func ParseStages(raw []byte) ([]Stage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var stages []Stage
	if err := json.Unmarshal(raw, &stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	return stages, nil
}

// FindStage looks a stage up by case-insensitive name.
func FindStage(stages []Stage, name string) (Stage, bool) {
	for _, s := range stages {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Stage{}, false
}

// DefaultStarWeights apply when a plan configures none.
var DefaultStarWeights = map[int]decimal.Decimal{
	1: decimal.RequireFromString("0.25"),
	2: decimal.RequireFromString("0.5"),
	3: decimal.NewFromInt(1),
	4: decimal.RequireFromString("1.5"),
	5: decimal.NewFromInt(2),
}

// ParseStarWeights decodes {"3": 1, "4": "1.5"} style weights.
func ParseStarWeights(raw []byte) (map[int]decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultStarWeights, nil
	}
	var byKey map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode star weights: %w", err)
	}
	out := make(map[int]decimal.Decimal, len(byKey))
	for k, w := range byKey {
		star, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("star weight key %q: %w", k, err)
		}
		if w.IsNegative() {
			return nil, fmt.Errorf("star weight for %d is negative", star)
		}
		out[star] = w
	}
	return out, nil
}

// SealValue is base x weight[star] rounded half away from zero to whole
// cents.
func SealValue(baseCents int64, weights map[int]decimal.Decimal, star int) int64 {
	w, ok := weights[star]
	if !ok {
		return 0
	}
	return decimal.NewFromInt(baseCents).Mul(w).Round(0).IntPart()
}

package credit

import (
	"fmt"
	"sort"
)

// Metered features.
const (
	FeatureChat         = "chat"
	FeatureDiagnosis    = "diagnosis"
	FeaturePrescription = "prescription"
	FeatureCarePlan     = "care-plan"
	FeatureDrugSearch   = "drug-search"
	FeatureVoiceTTS     = "voice-tts"
	FeatureVoiceSTT     = "voice-stt"
	FeatureNotes        = "notes"
)

var defaultCosts = map[string]int64{
	FeatureChat:         5,
	FeatureDiagnosis:    5,
	FeaturePrescription: 8,
	FeatureCarePlan:     15,
	FeatureDrugSearch:   2,
	FeatureVoiceTTS:     3,
	FeatureVoiceSTT:     3,
	FeatureNotes:        10,
}

// PricingTable maps feature names to a fixed credit cost.
// It is immutable once built; deployments change it by restarting with overrides.
type PricingTable struct {
	costs map[string]int64
}

// DefaultPricing returns the standard price list.
func DefaultPricing() PricingTable {
	p, _ := NewPricingTable(nil)
	return p
}

// NewPricingTable builds a table from the defaults plus overrides.
func NewPricingTable(overrides map[string]int64) (PricingTable, error) {
	costs := make(map[string]int64, len(defaultCosts)+len(overrides))
	for k, v := range defaultCosts {
		costs[k] = v
	}
	for k, v := range overrides {
		if k == "" {
			return PricingTable{}, fmt.Errorf("pricing: empty feature name")
		}
		if v <= 0 {
			return PricingTable{}, fmt.Errorf("pricing: cost for %q must be positive, got %d", k, v)
		}
		costs[k] = v
	}
	return PricingTable{costs: costs}, nil
}

// Cost returns the price of a feature.
func (p PricingTable) Cost(feature string) (int64, error) {
	cost, ok := p.costs[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	return cost, nil
}

// Features lists priced features in name order.
func (p PricingTable) Features() []string {
	out := make([]string, 0, len(p.costs))
	for k := range p.costs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Prices returns a copy of the table.
func (p PricingTable) Prices() map[string]int64 {
	out := make(map[string]int64, len(p.costs))
	for k, v := range p.costs {
		out[k] = v
	}
	return out
}

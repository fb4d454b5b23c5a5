package models

// RateEntry is one row of the rate card. Entries carrying PricePerHour are GPU
// tiers; the others are model-name prefixes priced per 1K tokens.
type RateEntry struct {
	ID               string   `json:"id" yaml:"id"`
	InputPricePer1K  *float64 `json:"input_price_per_1k,omitempty" yaml:"input_price_per_1k,omitempty"`
	OutputPricePer1K *float64 `json:"output_price_per_1k,omitempty" yaml:"output_price_per_1k,omitempty"`
	PricePerHour     *float64 `json:"price_per_hour,omitempty" yaml:"price_per_hour,omitempty"`
}

// IsGPU reports whether the entry prices a GPU tier.
func (r RateEntry) IsGPU() bool {
	return r.PricePerHour != nil
}

// Price returns a pointer to v, for building RateEntry literals.
func Price(v float64) *float64 {
	return &v
}

// Catalog lists the model names and GPU tiers events may reference.
type Catalog struct {
	Models   []string `json:"models"`
	GPUTiers []string `json:"gpu_tiers"`
}

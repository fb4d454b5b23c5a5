// Package ratetable prices synthetic usage against a static rate card.
//
// Model names are matched against registered prefixes by case-insensitive
// substring; unmatched models fall back to a default rate and unknown GPU
// tiers to the cheapest tier. Lookups never fail.
package ratetable

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pario-ai/usagesim/pkg/models"
)

// ErrNoRates is returned when a table is built without any entries.
var ErrNoRates = errors.New("rate table has no entries")

type tokenRate struct {
	id     string
	needle string
	input  float64
	output float64
}

// Table is an immutable price lookup built from rate entries.
type Table struct {
	tokens       []tokenRate
	defaultToken tokenRate
	gpus         map[string]float64
	tiers        []string
	cheapestGPU  float64
}

// New builds a Table. Token entries are matched in the order given.
// defaultModel names the token entry used when nothing matches; when empty the
// first token entry is the default.
func New(entries []models.RateEntry, defaultModel string) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrNoRates
	}

	t := &Table{gpus: make(map[string]float64)}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("rate entry without id")
		}
		key := strings.ToLower(e.ID)
		if seen[key] {
			continue
		}
		seen[key] = true

		if e.IsGPU() {
			if *e.PricePerHour < 0 {
				return nil, fmt.Errorf("rate %s: negative price_per_hour", e.ID)
			}
			t.gpus[e.ID] = *e.PricePerHour
			t.tiers = append(t.tiers, e.ID)
			continue
		}
		r := tokenRate{id: e.ID, needle: key}
		if e.InputPricePer1K != nil {
			r.input = *e.InputPricePer1K
		}
		if e.OutputPricePer1K != nil {
			r.output = *e.OutputPricePer1K
		}
		if r.input < 0 || r.output < 0 {
			return nil, fmt.Errorf("rate %s: negative token price", e.ID)
		}
		t.tokens = append(t.tokens, r)
	}

	if len(t.tokens) > 0 {
		t.defaultToken = t.tokens[0]
		if defaultModel != "" {
			found := false
			for _, r := range t.tokens {
				if strings.EqualFold(r.id, defaultModel) {
					t.defaultToken = r
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("default model %q has no rate entry", defaultModel)
			}
		}
	}

	sort.Strings(t.tiers)
	for i, tier := range t.tiers {
		if p := t.gpus[tier]; i == 0 || p < t.cheapestGPU {
			t.cheapestGPU = p
		}
	}
	return t, nil
}

// PriceForToken returns the per-1K-token price for the model and direction.
// The first registered prefix contained in the model name wins; otherwise the
// default entry's price is returned.
func (t *Table) PriceForToken(model string, dir models.Direction) float64 {
	r, _ := t.matchToken(model)
	return r.price(dir)
}

// MatchModel returns the id of the rate entry that prices model and whether it
// was a real match rather than the default fallback.
func (t *Table) MatchModel(model string) (string, bool) {
	r, ok := t.matchToken(model)
	return r.id, ok
}

// PriceForGPU returns the hourly price of a tier; unknown tiers are charged at
// the cheapest configured tier.
func (t *Table) PriceForGPU(tier string) float64 {
	if p, ok := t.gpus[tier]; ok {
		return p
	}
	return t.cheapestGPU
}

// TokenCost returns the unit price and total cost of count tokens.
func (t *Table) TokenCost(model string, dir models.Direction, count int64) (pricePer1K, cost float64) {
	pricePer1K = t.PriceForToken(model, dir)
	return pricePer1K, float64(count) / 1000 * pricePer1K
}

// GPUCost returns the hourly price and total cost of seconds of GPU time.
func (t *Table) GPUCost(tier string, seconds int64) (pricePerHour, cost float64) {
	pricePerHour = t.PriceForGPU(tier)
	return pricePerHour, float64(seconds) / 3600 * pricePerHour
}

// Tiers returns the configured GPU tiers in sorted order.
func (t *Table) Tiers() []string {
	out := make([]string, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Entries returns the table's entries, token rates first in match order, for
// display.
func (t *Table) Entries() []models.RateEntry {
	out := make([]models.RateEntry, 0, len(t.tokens)+len(t.tiers))
	for _, r := range t.tokens {
		out = append(out, models.RateEntry{
			ID:               r.id,
			InputPricePer1K:  models.Price(r.input),
			OutputPricePer1K: models.Price(r.output),
		})
	}
	for _, tier := range t.tiers {
		out = append(out, models.RateEntry{ID: tier, PricePerHour: models.Price(t.gpus[tier])})
	}
	return out
}

// DefaultModel returns the id of the fallback token entry.
func (t *Table) DefaultModel() string {
	return t.defaultToken.id
}

func (t *Table) matchToken(model string) (tokenRate, bool) {
	lower := strings.ToLower(model)
	for _, r := range t.tokens {
		if strings.Contains(lower, r.needle) {
			return r, true
		}
	}
	return t.defaultToken, false
}

func (r tokenRate) price(dir models.Direction) float64 {
	if dir == models.DirectionOutput {
		return r.output
	}
	return r.input
}

// Merge returns base with every entry of overrides applied: an override
// replaces the base entry with the same id (case-insensitive) in place, and
// new ids are appended in order.
func Merge(base, overrides []models.RateEntry) []models.RateEntry {
	out := make([]models.RateEntry, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[strings.ToLower(e.ID)] = i
	}
	for _, e := range overrides {
		key := strings.ToLower(e.ID)
		if i, ok := index[key]; ok {
			out[i] = e
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

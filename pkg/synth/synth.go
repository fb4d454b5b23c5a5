// Package synth produces seeded, lazily generated usage events that mimic
// customer traffic over a trailing window of days.
package synth

import (
	"fmt"
	"iter"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/ratetable"
)

// Synthesizer generates usage events for a fixed window. It is safe to call
// Events concurrently; every sequence is driven by its own random source.
type Synthesizer struct {
	cfg     Config
	models  []string
	choices []any
	tiers   []string
	rates   *ratetable.Table
	seed    uint64
	start   time.Time
	end     time.Time
	now     func() time.Time
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithClock overrides the clock used to anchor the window.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		s.now = now
	}
}

// New validates cfg and fixes the generation window to the days ending now.
// GPU tiers come from the catalog, or from rates when the catalog lists none.
// rates may be nil unless cost annotation is enabled.
func New(cfg Config, catalog models.Catalog, rates *ratetable.Table, opts ...Option) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(catalog.Models) == 0 {
		return nil, fmt.Errorf("%w: catalog has no models", ErrInvalidConfig)
	}
	if cfg.AnnotateCost && rates == nil {
		return nil, fmt.Errorf("%w: annotate_cost requires a rate table", ErrInvalidConfig)
	}

	s := &Synthesizer{
		cfg:    cfg,
		models: slices.Clone(catalog.Models),
		tiers:  slices.Clone(catalog.GPUTiers),
		rates:  rates,
		seed:   cfg.Seed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(s.tiers) == 0 && rates != nil {
		s.tiers = rates.Tiers()
	}
	if len(s.tiers) == 0 && cfg.GPUUsageProbability.Max > 0 {
		return nil, fmt.Errorf("%w: gpu usage enabled but no gpu tiers configured", ErrInvalidConfig)
	}

	s.choices = make([]any, len(s.models))
	for i, m := range s.models {
		s.choices[i] = m
	}

	for s.seed == 0 {
		s.seed = gofakeit.Uint64()
	}

	s.end = s.now().UTC().Truncate(time.Second)
	s.start = s.end.Add(-time.Duration(cfg.Days) * 24 * time.Hour)
	return s, nil
}

// Seed returns the seed driving every sequence, so a run can be replayed.
func (s *Synthesizer) Seed() uint64 {
	return s.seed
}

// Window returns the half-open interval [start, end) holding every timestamp.
func (s *Synthesizer) Window() (start, end time.Time) {
	return s.start, s.end
}

// Tiers returns the GPU tiers events are drawn from.
func (s *Synthesizer) Tiers() []string {
	return slices.Clone(s.tiers)
}

// HourlyCount returns the number of usage units generated in a bucket whose
// UTC clock hour is hour. Batch hours take precedence over business hours.
func (s *Synthesizer) HourlyCount(hour int) int {
	mult := s.cfg.OffHourMultiplier
	switch {
	case slices.Contains(s.cfg.BatchHours, hour):
		mult = s.cfg.BatchHourMultiplier
	case s.cfg.BusinessHours.Contains(hour):
		mult = s.cfg.BusinessHourMultiplier
	}
	return int(math.Round(s.cfg.BaseHourlyEvents * mult))
}

// Generate materialises Events.
func (s *Synthesizer) Generate(customerIDs []string) []models.UsageEvent {
	return slices.Collect(s.Events(customerIDs))
}

// Events returns the event sequence for the customers, in customer order and
// chronological bucket order within a customer. The sequence is finite and
// restartable: each iteration replays exactly the same events.
func (s *Synthesizer) Events(customerIDs []string) iter.Seq[models.UsageEvent] {
	return func(yield func(models.UsageEvent) bool) {
		f := gofakeit.New(s.seed)
		ids := &idSource{ns: uuid.NewSHA1(uuid.NameSpaceOID, []byte(f.UUID()))}
		buckets := s.cfg.Days * 24

		for _, customer := range customerIDs {
			p := s.samplePattern(f)
			for h := range buckets {
				bucket := s.start.Add(time.Duration(h) * time.Hour)
				for range s.HourlyCount(bucket.Hour()) {
					if !s.emitUnit(f, ids, customer, p, bucket, yield) {
						return
					}
				}
			}
		}
	}
}

// pattern holds the per-customer behaviour sampled once per sequence.
type pattern struct {
	weights []float32
	gpuProb float64
}

func (s *Synthesizer) samplePattern(f *gofakeit.Faker) pattern {
	var p pattern
	if s.cfg.ModelChoice == ModelWeighted {
		raw := make([]float64, len(s.models))
		var sum float64
		for i := range raw {
			raw[i] = between(f, s.cfg.PreferenceWeight)
			sum += raw[i]
		}
		p.weights = make([]float32, len(raw))
		for i, w := range raw {
			p.weights[i] = float32(w / sum)
		}
	}
	p.gpuProb = between(f, s.cfg.GPUUsageProbability)
	return p
}

func (s *Synthesizer) emitUnit(f *gofakeit.Faker, ids *idSource, customer string, p pattern, bucket time.Time, yield func(models.UsageEvent) bool) bool {
	model := s.chooseModel(f, p)
	input := f.IntRange(s.cfg.InputTokens.Min, s.cfg.InputTokens.Max)
	output := f.IntRange(min(s.cfg.OutputTokensMin, input), input)
	ts := bucket.Add(time.Duration(f.IntRange(0, 3599)) * time.Second)

	inputID := ids.next(customer)
	outputID := inputID
	if s.cfg.TransactionIDs == TxnIndependent {
		outputID = ids.next(customer)
	}

	if !yield(s.tokenEvent(inputID, customer, ts, model, models.DirectionInput, input)) {
		return false
	}
	if !yield(s.tokenEvent(outputID, customer, ts, model, models.DirectionOutput, output)) {
		return false
	}

	if len(s.tiers) == 0 || f.Float64() >= p.gpuProb {
		return true
	}
	tier := s.tiers[f.IntRange(0, len(s.tiers)-1)]
	seconds := int64(f.IntRange(s.cfg.GPUSeconds.Min, s.cfg.GPUSeconds.Max))
	gpu := &models.GPUUsage{Tier: tier, Seconds: seconds}
	if s.cfg.AnnotateCost {
		gpu.PricePerHour, gpu.CostUSD = s.rates.GPUCost(tier, seconds)
	}
	return yield(models.UsageEvent{
		TransactionID: ids.next(customer),
		CustomerID:    customer,
		EventType:     models.EventGPU,
		Timestamp:     ts,
		GPU:           gpu,
	})
}

func (s *Synthesizer) tokenEvent(id, customer string, ts time.Time, model string, dir models.Direction, count int) models.UsageEvent {
	usage := &models.TokenUsage{Direction: dir, ModelName: model, Count: int64(count)}
	if s.cfg.AnnotateCost {
		usage.PricePer1K, usage.CostUSD = s.rates.TokenCost(model, dir, usage.Count)
	}
	return models.UsageEvent{
		TransactionID: id,
		CustomerID:    customer,
		EventType:     models.EventTokens,
		Timestamp:     ts,
		Tokens:        usage,
	}
}

func (s *Synthesizer) chooseModel(f *gofakeit.Faker, p pattern) string {
	if s.cfg.ModelChoice == ModelWeighted {
		if v, err := f.Weighted(s.choices, p.weights); err == nil {
			return v.(string)
		}
	}
	return s.models[f.IntRange(0, len(s.models)-1)]
}

func between(f *gofakeit.Faker, r FloatRange) float64 {
	if r.Min == r.Max {
		return r.Min
	}
	return f.Float64Range(r.Min, r.Max)
}

// idSource derives transaction ids from a per-sequence namespace and a
// running counter, so ids never repeat within a sequence and replay exactly.
type idSource struct {
	ns uuid.UUID
	n  uint64
}

func (s *idSource) next(customer string) string {
	s.n++
	return uuid.NewSHA1(s.ns, []byte(customer+"/"+strconv.FormatUint(s.n, 10))).String()
}

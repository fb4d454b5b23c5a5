package synth

import (
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/usagesim/pkg/models"
	"github.com/pario-ai/usagesim/pkg/ratetable"
)

var fixedNow = time.Date(2026, 2, 21, 13, 45, 30, 0, time.UTC)

func clock() time.Time { return fixedNow }

var testCatalog = models.Catalog{
	Models:   []string{"gpt4-o", "claude-3.5-sonnet", "gemini-1.5-flash-8B"},
	GPUTiers: []string{"gpu_type_1", "gpu_type_2", "gpu_type_3"},
}

func testRates(t *testing.T) *ratetable.Table {
	t.Helper()
	tbl, err := ratetable.New([]models.RateEntry{
		{ID: "gpt4-o", InputPricePer1K: models.Price(0.03), OutputPricePer1K: models.Price(0.06)},
		{ID: "claude-3.5-sonnet", InputPricePer1K: models.Price(0.02), OutputPricePer1K: models.Price(0.04)},
		{ID: "gemini-1.5-flash-8B", InputPricePer1K: models.Price(0.01), OutputPricePer1K: models.Price(0.03)},
		{ID: "gpu_type_1", PricePerHour: models.Price(0.80)},
		{ID: "gpu_type_2", PricePerHour: models.Price(1.60)},
		{ID: "gpu_type_3", PricePerHour: models.Price(2.40)},
	}, "claude-3.5-sonnet")
	require.NoError(t, err)
	return tbl
}

func smallConfig() Config {
	cfg := Baseline()
	cfg.Days = 2
	cfg.Seed = 42
	cfg.GPUUsageProbability = FloatRange{Min: 0.3, Max: 0.3}
	return cfg
}

func newSynth(t *testing.T, cfg Config) *Synthesizer {
	t.Helper()
	s, err := New(cfg, testCatalog, testRates(t), WithClock(clock))
	require.NoError(t, err)
	return s
}

func TestEventInvariants(t *testing.T) {
	s := newSynth(t, smallConfig())
	start, end := s.Window()
	assert.Equal(t, fixedNow, end)
	assert.Equal(t, fixedNow.Add(-48*time.Hour), start)

	events := s.Generate([]string{"cust-a", "cust-b"})
	require.NotEmpty(t, events)

	var gpu int
	for i, ev := range events {
		require.NoError(t, ev.Validate(testCatalog.GPUTiers), "event %d", i)
		assert.False(t, ev.Timestamp.Before(start), "event %d before window", i)
		assert.True(t, ev.Timestamp.Before(end), "event %d after window", i)
		assert.Equal(t, time.UTC, ev.Timestamp.Location())

		switch ev.EventType {
		case models.EventTokens:
			assert.Contains(t, testCatalog.Models, ev.Tokens.ModelName)
			assert.GreaterOrEqual(t, ev.Tokens.Count, int64(0))
			assert.Zero(t, ev.Tokens.CostUSD, "baseline does not annotate cost")
		case models.EventGPU:
			gpu++
			assert.GreaterOrEqual(t, ev.GPU.Seconds, int64(360))
			assert.LessOrEqual(t, ev.GPU.Seconds, int64(7200))
		}
	}
	assert.Positive(t, gpu)
}

func TestOutputNeverExceedsInput(t *testing.T) {
	cfg := smallConfig()
	cfg.InputTokens = IntRange{Min: 0, Max: 80}
	s := newSynth(t, cfg)

	events := s.Generate([]string{"cust-a"})
	for i := 0; i < len(events); i++ {
		ev := events[i]
		if ev.EventType != models.EventTokens || ev.Tokens.Direction != models.DirectionInput {
			continue
		}
		out := events[i+1]
		require.Equal(t, models.DirectionOutput, out.Tokens.Direction)
		assert.Equal(t, ev.Tokens.ModelName, out.Tokens.ModelName)
		assert.Equal(t, ev.Timestamp, out.Timestamp)
		assert.LessOrEqual(t, out.Tokens.Count, ev.Tokens.Count)
	}
}

func TestDeterministicAndRestartable(t *testing.T) {
	cfg := smallConfig()
	a := newSynth(t, cfg)
	b := newSynth(t, cfg)
	customers := []string{"cust-a", "cust-b"}

	first := a.Generate(customers)
	assert.Equal(t, first, a.Generate(customers), "same synthesizer replays")
	assert.Equal(t, first, b.Generate(customers), "same seed replays")

	cfg.Seed = 43
	other := newSynth(t, cfg).Generate(customers)
	assert.NotEqual(t, first[0].TransactionID, other[0].TransactionID)
}

func TestFreshSeedIsRecorded(t *testing.T) {
	cfg := smallConfig()
	cfg.Seed = 0
	s := newSynth(t, cfg)
	require.NotZero(t, s.Seed())

	cfg.Seed = s.Seed()
	replay := newSynth(t, cfg)
	assert.Equal(t, s.Generate([]string{"c"}), replay.Generate([]string{"c"}))
}

func TestEarlyStop(t *testing.T) {
	s := newSynth(t, smallConfig())
	var got []models.UsageEvent
	for ev := range s.Events([]string{"cust-a"}) {
		got = append(got, ev)
		if len(got) == 5 {
			break
		}
	}
	assert.Len(t, got, 5)
	assert.Equal(t, s.Generate([]string{"cust-a"})[:5], got)
}

func TestSingleDayBucketCounts(t *testing.T) {
	cfg := Baseline()
	cfg.Days = 1
	cfg.Seed = 7
	cfg.BaseHourlyEvents = 10
	cfg.BusinessHourMultiplier = 1.5
	cfg.OffHourMultiplier = 0.5
	cfg.GPUUsageProbability = FloatRange{}
	s := newSynth(t, cfg)

	start, _ := s.Window()
	perBucket := make(map[time.Time]int)
	want := 0
	for h := range 24 {
		bucket := start.Add(time.Duration(h) * time.Hour)
		perBucket[bucket] = 0
		want += s.HourlyCount(bucket.Hour()) * 2
	}
	require.Len(t, perBucket, 24)

	var tokens, gpu int
	for ev := range s.Events([]string{"solo"}) {
		switch ev.EventType {
		case models.EventTokens:
			tokens++
		case models.EventGPU:
			gpu++
		}
		bucket := start.Add(ev.Timestamp.Sub(start).Truncate(time.Hour))
		_, ok := perBucket[bucket]
		require.True(t, ok, "timestamp %s outside the 24 buckets", ev.Timestamp)
		perBucket[bucket]++
	}

	// 11 business hours at round(15) and 13 off hours at round(5).
	assert.Equal(t, 2*(11*15+13*5), want)
	assert.Equal(t, want, tokens)
	assert.Zero(t, gpu)
	for bucket, n := range perBucket {
		assert.Equal(t, s.HourlyCount(bucket.Hour())*2, n, "bucket %s", bucket)
	}
}

func TestHourlyCount(t *testing.T) {
	s := newSynth(t, func() Config {
		c := HighUsage()
		c.Seed = 1
		return c
	}())

	tests := []struct {
		hour int
		want int
	}{
		{0, 500},
		{1, 2500},
		{8, 1000},
		{9, 2500},
		{18, 1000},
		{19, 500},
		{20, 2500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.HourlyCount(tt.hour), "hour %d", tt.hour)
	}
}

func TestUniqueTransactionIDs(t *testing.T) {
	s := newSynth(t, smallConfig())
	seen := make(map[string]bool)
	for ev := range s.Events([]string{"cust-a", "cust-b", "cust-c"}) {
		require.False(t, seen[ev.TransactionID], "duplicate id %s", ev.TransactionID)
		seen[ev.TransactionID] = true
	}
}

func TestPairedTransactionIDs(t *testing.T) {
	cfg := smallConfig()
	cfg.TransactionIDs = TxnPaired
	events := newSynth(t, cfg).Generate([]string{"cust-a"})

	for i, ev := range events {
		if ev.EventType == models.EventTokens && ev.Tokens.Direction == models.DirectionInput {
			assert.Equal(t, ev.TransactionID, events[i+1].TransactionID)
		}
		if ev.EventType == models.EventGPU {
			assert.NotEqual(t, events[i-1].TransactionID, ev.TransactionID)
		}
	}
}

func TestCostAnnotation(t *testing.T) {
	cfg := HighUsage()
	cfg.Days = 1
	cfg.Seed = 3
	cfg.BaseHourlyEvents = 2
	cfg.GPUUsageProbability = FloatRange{Min: 1, Max: 1}
	rates := testRates(t)
	s, err := New(cfg, testCatalog, rates, WithClock(clock))
	require.NoError(t, err)

	for ev := range s.Events([]string{"cust-a"}) {
		switch ev.EventType {
		case models.EventTokens:
			price := rates.PriceForToken(ev.Tokens.ModelName, ev.Tokens.Direction)
			assert.InDelta(t, price, ev.Tokens.PricePer1K, 1e-9)
			assert.InDelta(t, float64(ev.Tokens.Count)/1000*price, ev.Tokens.CostUSD, 1e-9)
		case models.EventGPU:
			assert.InDelta(t, float64(ev.GPU.Seconds)/3600*ev.GPU.PricePerHour, ev.GPU.CostUSD, 1e-9)
			assert.Positive(t, ev.GPU.PricePerHour)
		}
	}
}

func TestUniformModelChoiceAndRateTiers(t *testing.T) {
	cfg := smallConfig()
	cfg.ModelChoice = ModelUniform
	catalog := models.Catalog{Models: []string{"m1", "m2"}}
	s, err := New(cfg, catalog, testRates(t), WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu_type_1", "gpu_type_2", "gpu_type_3"}, s.Tiers())

	used := make(map[string]int)
	for ev := range s.Events([]string{"c"}) {
		if ev.Tokens != nil {
			used[ev.Tokens.ModelName]++
		}
	}
	assert.Len(t, used, 2)
}

func TestNewErrors(t *testing.T) {
	_, err := New(smallConfig(), models.Catalog{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(smallConfig(), models.Catalog{Models: []string{"m"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "gpu usage without tiers")

	cfg := smallConfig()
	cfg.GPUUsageProbability = FloatRange{}
	_, err = New(cfg, models.Catalog{Models: []string{"m"}}, nil)
	assert.NoError(t, err)

	cfg.AnnotateCost = true
	_, err = New(cfg, models.Catalog{Models: []string{"m"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero days", func(c *Config) { c.Days = 0 }},
		{"negative base", func(c *Config) { c.BaseHourlyEvents = -1 }},
		{"business hours reversed", func(c *Config) { c.BusinessHours = HourRange{Start: 18, End: 8} }},
		{"business hours past 23", func(c *Config) { c.BusinessHours.End = 24 }},
		{"batch hour out of range", func(c *Config) { c.BatchHours = []int{25} }},
		{"probability above one", func(c *Config) { c.GPUUsageProbability.Max = 1.5 }},
		{"input range reversed", func(c *Config) { c.InputTokens = IntRange{Min: 10, Max: 5} }},
		{"zero gpu seconds", func(c *Config) { c.GPUSeconds.Min = 0 }},
		{"zero preference weight", func(c *Config) { c.PreferenceWeight.Min = 0 }},
		{"unknown model choice", func(c *Config) { c.ModelChoice = "random" }},
		{"unknown txn policy", func(c *Config) { c.TransactionIDs = "shared" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Baseline()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, Baseline().Validate())
	assert.NoError(t, HighUsage().Validate())
}

func TestPreset(t *testing.T) {
	cfg, err := Preset("")
	require.NoError(t, err)
	assert.Equal(t, Baseline(), cfg)

	cfg, err = Preset(ProfileHighUsage)
	require.NoError(t, err)
	assert.True(t, cfg.AnnotateCost)

	_, err = Preset("burst")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRangeYAML(t *testing.T) {
	var doc struct {
		Fixed  FloatRange `yaml:"fixed"`
		Ranged FloatRange `yaml:"ranged"`
		Tokens IntRange   `yaml:"tokens"`
		Count  IntRange   `yaml:"count"`
	}
	err := yaml.Unmarshal([]byte(`
fixed: 0.1
ranged: {min: 0.05, max: 0.2}
tokens: {min: 100, max: 2000}
count: 12
`), &doc)
	require.NoError(t, err)
	assert.Equal(t, FloatRange{Min: 0.1, Max: 0.1}, doc.Fixed)
	assert.Equal(t, FloatRange{Min: 0.05, Max: 0.2}, doc.Ranged)
	assert.Equal(t, IntRange{Min: 100, Max: 2000}, doc.Tokens)
	assert.Equal(t, IntRange{Min: 12, Max: 12}, doc.Count)
}

func count(seq iter.Seq[models.UsageEvent]) int {
	n := 0
	for range seq {
		n++
	}
	return n
}

func TestEmptyCustomers(t *testing.T) {
	s := newSynth(t, smallConfig())
	assert.Zero(t, count(s.Events(nil)))
}

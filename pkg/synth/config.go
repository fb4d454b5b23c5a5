package synth

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid simulation config")

// ModelChoice selects how a unit of usage picks its model.
type ModelChoice string

const (
	// ModelWeighted samples models by the customer's preference weights.
	ModelWeighted ModelChoice = "weighted"
	// ModelUniform samples models uniformly.
	ModelUniform ModelChoice = "uniform"
)

// TxnPolicy controls how transaction ids are assigned to events.
type TxnPolicy string

const (
	// TxnIndependent gives every event its own transaction id.
	TxnIndependent TxnPolicy = "independent"
	// TxnPaired shares one transaction id between the input and output token
	// events of a unit. The gpu event still gets its own.
	TxnPaired TxnPolicy = "paired"
)

// Profile names.
const (
	ProfileBaseline  = "baseline"
	ProfileHighUsage = "high_usage"
)

// FloatRange is an inclusive range. In YAML it is either a scalar, meaning a
// fixed value, or a {min, max} mapping.
type FloatRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// UnmarshalYAML accepts a scalar or a mapping.
func (r *FloatRange) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*r = FloatRange{Min: v, Max: v}
		return nil
	}
	type plain FloatRange
	p := plain(*r)
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = FloatRange(p)
	return nil
}

func (r FloatRange) validate(name string, lo, hi float64) error {
	if r.Min > r.Max {
		return fmt.Errorf("%w: %s min %g exceeds max %g", ErrInvalidConfig, name, r.Min, r.Max)
	}
	if r.Min < lo || r.Max > hi {
		return fmt.Errorf("%w: %s must be within [%g, %g]", ErrInvalidConfig, name, lo, hi)
	}
	return nil
}

// IntRange is an inclusive integer range, decoded like FloatRange.
type IntRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// UnmarshalYAML accepts a scalar or a mapping.
func (r *IntRange) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v int
		if err := node.Decode(&v); err != nil {
			return err
		}
		*r = IntRange{Min: v, Max: v}
		return nil
	}
	type plain IntRange
	p := plain(*r)
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = IntRange(p)
	return nil
}

func (r IntRange) validate(name string, lo int) error {
	if r.Min > r.Max {
		return fmt.Errorf("%w: %s min %d exceeds max %d", ErrInvalidConfig, name, r.Min, r.Max)
	}
	if r.Min < lo {
		return fmt.Errorf("%w: %s must be at least %d", ErrInvalidConfig, name, lo)
	}
	return nil
}

// HourRange is an inclusive range of UTC clock hours.
type HourRange struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Contains reports whether hour lies within the range.
func (h HourRange) Contains(hour int) bool {
	return hour >= h.Start && hour <= h.End
}

// Config parameterises the synthesizer. The two presets reproduce the
// baseline and high-usage traffic shapes; any field may be overridden.
type Config struct {
	Days                   int         `yaml:"days"`
	Seed                   uint64      `yaml:"seed"`
	BaseHourlyEvents       float64     `yaml:"base_hourly_events"`
	BusinessHours          HourRange   `yaml:"business_hours"`
	BusinessHourMultiplier float64     `yaml:"business_hour_multiplier"`
	OffHourMultiplier      float64     `yaml:"off_hour_multiplier"`
	BatchHours             []int       `yaml:"batch_hours"`
	BatchHourMultiplier    float64     `yaml:"batch_hour_multiplier"`
	GPUUsageProbability    FloatRange  `yaml:"gpu_usage_probability"`
	InputTokens            IntRange    `yaml:"input_tokens"`
	OutputTokensMin        int         `yaml:"output_tokens_min"`
	GPUSeconds             IntRange    `yaml:"gpu_seconds"`
	ModelChoice            ModelChoice `yaml:"model_choice"`
	PreferenceWeight       FloatRange  `yaml:"preference_weight"`
	TransactionIDs         TxnPolicy   `yaml:"transaction_ids"`
	AnnotateCost           bool        `yaml:"annotate_cost"`
}

// Baseline returns the everyday traffic shape.
func Baseline() Config {
	return Config{
		Days:                   7,
		BaseHourlyEvents:       4,
		BusinessHours:          HourRange{Start: 8, End: 18},
		BusinessHourMultiplier: 1.5,
		OffHourMultiplier:      0.5,
		GPUUsageProbability:    FloatRange{Min: 0.05, Max: 0.2},
		InputTokens:            IntRange{Min: 100, Max: 2000},
		OutputTokensMin:        50,
		GPUSeconds:             IntRange{Min: 360, Max: 7200},
		ModelChoice:            ModelWeighted,
		PreferenceWeight:       FloatRange{Min: 0.1, Max: 1.0},
		TransactionIDs:         TxnIndependent,
	}
}

// HighUsage returns the heavy traffic shape with batch-processing peaks and
// cost annotation.
func HighUsage() Config {
	return Config{
		Days:                   7,
		BaseHourlyEvents:       500,
		BusinessHours:          HourRange{Start: 8, End: 18},
		BusinessHourMultiplier: 2,
		OffHourMultiplier:      1,
		BatchHours:             []int{1, 9, 14, 20},
		BatchHourMultiplier:    5,
		GPUUsageProbability:    FloatRange{Min: 0.1, Max: 0.1},
		InputTokens:            IntRange{Min: 1200, Max: 3000},
		OutputTokensMin:        200,
		GPUSeconds:             IntRange{Min: 1800, Max: 14400},
		ModelChoice:            ModelWeighted,
		PreferenceWeight:       FloatRange{Min: 0.1, Max: 1.0},
		TransactionIDs:         TxnIndependent,
		AnnotateCost:           true,
	}
}

// Preset returns the named profile.
func Preset(name string) (Config, error) {
	switch name {
	case "", ProfileBaseline:
		return Baseline(), nil
	case ProfileHighUsage:
		return HighUsage(), nil
	}
	return Config{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidConfig, name)
}

// Validate checks every field for a usable value.
func (c Config) Validate() error {
	if c.Days < 1 {
		return fmt.Errorf("%w: days must be at least 1, got %d", ErrInvalidConfig, c.Days)
	}
	if c.BaseHourlyEvents < 0 {
		return fmt.Errorf("%w: base_hourly_events must not be negative", ErrInvalidConfig)
	}
	if c.BusinessHours.Start < 0 || c.BusinessHours.End > 23 || c.BusinessHours.Start > c.BusinessHours.End {
		return fmt.Errorf("%w: business_hours %d-%d outside 0-23", ErrInvalidConfig, c.BusinessHours.Start, c.BusinessHours.End)
	}
	if c.BusinessHourMultiplier < 0 || c.OffHourMultiplier < 0 || c.BatchHourMultiplier < 0 {
		return fmt.Errorf("%w: hour multipliers must not be negative", ErrInvalidConfig)
	}
	for _, h := range c.BatchHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: batch hour %d outside 0-23", ErrInvalidConfig, h)
		}
	}
	if err := c.GPUUsageProbability.validate("gpu_usage_probability", 0, 1); err != nil {
		return err
	}
	if err := c.InputTokens.validate("input_tokens", 0); err != nil {
		return err
	}
	if c.OutputTokensMin < 0 {
		return fmt.Errorf("%w: output_tokens_min must not be negative", ErrInvalidConfig)
	}
	if err := c.GPUSeconds.validate("gpu_seconds", 1); err != nil {
		return err
	}
	switch c.ModelChoice {
	case ModelWeighted:
		if c.PreferenceWeight.Min <= 0 {
			return fmt.Errorf("%w: preference_weight must be positive", ErrInvalidConfig)
		}
		if c.PreferenceWeight.Min > c.PreferenceWeight.Max {
			return fmt.Errorf("%w: preference_weight min exceeds max", ErrInvalidConfig)
		}
	case ModelUniform:
	default:
		return fmt.Errorf("%w: unknown model_choice %q", ErrInvalidConfig, c.ModelChoice)
	}
	switch c.TransactionIDs {
	case TxnIndependent, TxnPaired:
	default:
		return fmt.Errorf("%w: unknown transaction_ids policy %q", ErrInvalidConfig, c.TransactionIDs)
	}
	return nil
}

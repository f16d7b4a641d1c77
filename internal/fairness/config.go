package fairness

import (
	"encoding/json"
	"fmt"
	"os"

	dErrors "fairway/pkg/domain-errors"
)

// Thresholds are the governance limits a report is evaluated against.
// Difference metrics violate above their threshold; the impact ratio violates
// below it (the 80% rule).
type Thresholds struct {
	DemographicParityDifference float64 `json:"demographic_parity_difference"`
	EqualOpportunityDifference  float64 `json:"equal_opportunity_difference"`
	DisparateImpactRatio        float64 `json:"disparate_impact_ratio"`
}

// DefaultThresholds returns the regulatory defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DemographicParityDifference: 0.1,
		EqualOpportunityDifference:  0.1,
		DisparateImpactRatio:        0.8,
	}
}

// Validate rejects thresholds outside their meaningful ranges.
func (t Thresholds) Validate() error {
	if t.DemographicParityDifference < 0 || t.DemographicParityDifference > 1 {
		return dErrors.New(dErrors.CodeValidation, "demographic_parity_difference threshold must be within [0, 1]")
	}
	if t.EqualOpportunityDifference < 0 || t.EqualOpportunityDifference > 1 {
		return dErrors.New(dErrors.CodeValidation, "equal_opportunity_difference threshold must be within [0, 1]")
	}
	if t.DisparateImpactRatio <= 0 || t.DisparateImpactRatio > 1 {
		return dErrors.New(dErrors.CodeValidation, "disparate_impact_ratio threshold must be within (0, 1]")
	}
	return nil
}

// Config enumerates the protected attributes, their allowed group values, and
// the evaluation thresholds. Loaded once at startup; thresholds may later be
// changed through governance rules.
type Config struct {
	ProtectedAttributes map[string][]string `json:"protected_attributes"`
	Thresholds          Thresholds          `json:"thresholds"`
	MinSampleSize       int                 `json:"min_sample_size"`
}

// DefaultMinSampleSize gates metric computation on too-small snapshots.
const DefaultMinSampleSize = 10

// DefaultConfig returns the built-in protected group enumeration.
func DefaultConfig() Config {
	return Config{
		ProtectedAttributes: map[string][]string{
			"gender":    {"male", "female"},
			"region":    {"urban", "rural"},
			"age_group": {"18-25", "26-40", "40+"},
		},
		Thresholds:    DefaultThresholds(),
		MinSampleSize: DefaultMinSampleSize,
	}
}

// LoadConfig reads a protected-groups file, filling unset fields with
// defaults. An empty path yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read fairness config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse fairness config: %w", err)
	}

	if len(cfg.ProtectedAttributes) == 0 {
		cfg.ProtectedAttributes = DefaultConfig().ProtectedAttributes
	}
	defaults := DefaultThresholds()
	if cfg.Thresholds.DemographicParityDifference == 0 {
		cfg.Thresholds.DemographicParityDifference = defaults.DemographicParityDifference
	}
	if cfg.Thresholds.EqualOpportunityDifference == 0 {
		cfg.Thresholds.EqualOpportunityDifference = defaults.EqualOpportunityDifference
	}
	if cfg.Thresholds.DisparateImpactRatio == 0 {
		cfg.Thresholds.DisparateImpactRatio = defaults.DisparateImpactRatio
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = DefaultMinSampleSize
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateAttributes checks a submitted attribute map against the enumeration.
// Unknown attributes and unknown group values are rejected so the pipeline
// never aggregates shapes it does not recognize. Missing attributes are fine;
// the engine omits attributes absent from the input.
func (c Config) ValidateAttributes(attrs map[string]string) error {
	for attr, group := range attrs {
		allowed, ok := c.ProtectedAttributes[attr]
		if !ok {
			return dErrors.New(dErrors.CodeValidation, "unknown protected attribute: "+attr)
		}
		found := false
		for _, g := range allowed {
			if g == group {
				found = true
				break
			}
		}
		if !found {
			return dErrors.New(dErrors.CodeValidation, "unknown group "+group+" for attribute "+attr)
		}
	}
	return nil
}

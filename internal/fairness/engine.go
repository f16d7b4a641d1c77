// Package fairness computes group parity statistics over decision snapshots
// and evaluates them against governance thresholds.
package fairness

import (
	"sort"
	"time"

	id "fairway/pkg/domain"
)

// Status distinguishes a computed report from a declined one. Insufficient
// data is a valid report variant, not an error.
type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
)

// Metric names as they appear in reports and violations.
const (
	MetricDemographicParity = "demographic_parity_difference"
	MetricEqualOpportunity  = "equal_opportunity_difference"
	MetricDisparateImpact   = "disparate_impact_ratio"
)

// Row is one decision in the analysis snapshot. Outcome is the ground truth,
// or the prediction itself when true outcomes are not yet observable.
type Row struct {
	Prediction bool
	Outcome    bool
	Attributes map[string]string
}

// GroupMetrics are the confusion counts and derived rates for one group.
// Rates with a zero denominator are reported as 0.
type GroupMetrics struct {
	Samples      int     `json:"samples"`
	TP           int     `json:"tp"`
	TN           int     `json:"tn"`
	FP           int     `json:"fp"`
	FN           int     `json:"fn"`
	TPR          float64 `json:"tpr"`
	TNR          float64 `json:"tnr"`
	FPR          float64 `json:"fpr"`
	FNR          float64 `json:"fnr"`
	PositiveRate float64 `json:"positive_rate"`
}

// AttributeMetrics aggregates one protected attribute. Parity metrics are nil
// unless at least two groups have members; a single populated group has
// nothing to compare against.
type AttributeMetrics struct {
	Groups                      map[string]GroupMetrics `json:"groups"`
	DemographicParityDifference *float64                `json:"demographic_parity_difference,omitempty"`
	EqualOpportunityDifference  *float64                `json:"equal_opportunity_difference,omitempty"`
	DisparateImpactRatio        *float64                `json:"disparate_impact_ratio,omitempty"`
}

// Violation flags one metric crossing its threshold for one attribute.
type Violation struct {
	Attribute string  `json:"attribute"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Report is the immutable result of one fairness computation. Recomputed from
// scratch on every invocation; no incremental state survives between runs.
type Report struct {
	ReportID    id.ReportID                 `json:"report_id"`
	GeneratedAt time.Time                   `json:"generated_at"`
	Status      Status                      `json:"status"`
	SampleCount int                         `json:"sample_count"`
	Attributes  map[string]AttributeMetrics `json:"attributes,omitempty"`
	Violations  []Violation                 `json:"violations,omitempty"`
}

// Compute derives parity metrics for every configured protected attribute.
// Attributes absent from the input are omitted, never zero-filled. Violations
// come out in deterministic order: attributes alphabetically, then metric
// declaration order.
func Compute(rows []Row, cfg Config) Report {
	minSample := cfg.MinSampleSize
	if minSample <= 0 {
		minSample = DefaultMinSampleSize
	}
	if len(rows) < minSample {
		return Report{Status: StatusInsufficientData, SampleCount: len(rows)}
	}

	report := Report{
		Status:      StatusOK,
		SampleCount: len(rows),
		Attributes:  make(map[string]AttributeMetrics),
	}

	attrNames := make([]string, 0, len(cfg.ProtectedAttributes))
	for attr := range cfg.ProtectedAttributes {
		attrNames = append(attrNames, attr)
	}
	sort.Strings(attrNames)

	for _, attr := range attrNames {
		metrics, present := computeAttribute(rows, attr, cfg.ProtectedAttributes[attr])
		if !present {
			continue
		}
		report.Attributes[attr] = metrics
		report.Violations = append(report.Violations, checkThresholds(attr, metrics, cfg.Thresholds)...)
	}

	return report
}

func computeAttribute(rows []Row, attr string, groups []string) (AttributeMetrics, bool) {
	metrics := AttributeMetrics{Groups: make(map[string]GroupMetrics, len(groups))}

	present := false
	var positiveRates, tprs []float64
	for _, group := range groups {
		gm := computeGroup(rows, attr, group)
		metrics.Groups[group] = gm
		if gm.Samples == 0 {
			// Empty groups never enter min/max; a zero rate there would
			// manufacture a parity gap out of nothing.
			continue
		}
		present = true
		positiveRates = append(positiveRates, gm.PositiveRate)
		tprs = append(tprs, gm.TPR)
	}
	if !present {
		return AttributeMetrics{}, false
	}

	if len(positiveRates) >= 2 {
		minRate, maxRate := minMax(positiveRates)
		dpd := maxRate - minRate
		metrics.DemographicParityDifference = &dpd

		dir := 0.0
		if maxRate > 0 {
			dir = minRate / maxRate
		}
		metrics.DisparateImpactRatio = &dir

		minTPR, maxTPR := minMax(tprs)
		eod := maxTPR - minTPR
		metrics.EqualOpportunityDifference = &eod
	}

	return metrics, true
}

func computeGroup(rows []Row, attr, group string) GroupMetrics {
	var gm GroupMetrics
	positives := 0
	for _, row := range rows {
		if row.Attributes[attr] != group {
			continue
		}
		gm.Samples++
		if row.Prediction {
			positives++
		}
		switch {
		case row.Prediction && row.Outcome:
			gm.TP++
		case !row.Prediction && !row.Outcome:
			gm.TN++
		case row.Prediction && !row.Outcome:
			gm.FP++
		default:
			gm.FN++
		}
	}
	if gm.Samples == 0 {
		return gm
	}

	gm.TPR = ratio(gm.TP, gm.TP+gm.FN)
	gm.TNR = ratio(gm.TN, gm.TN+gm.FP)
	gm.FPR = ratio(gm.FP, gm.FP+gm.TN)
	gm.FNR = ratio(gm.FN, gm.FN+gm.TP)
	gm.PositiveRate = float64(positives) / float64(gm.Samples)
	return gm
}

func checkThresholds(attr string, metrics AttributeMetrics, t Thresholds) []Violation {
	var violations []Violation
	if metrics.DemographicParityDifference != nil && *metrics.DemographicParityDifference > t.DemographicParityDifference {
		violations = append(violations, Violation{
			Attribute: attr,
			Metric:    MetricDemographicParity,
			Value:     *metrics.DemographicParityDifference,
			Threshold: t.DemographicParityDifference,
		})
	}
	if metrics.EqualOpportunityDifference != nil && *metrics.EqualOpportunityDifference > t.EqualOpportunityDifference {
		violations = append(violations, Violation{
			Attribute: attr,
			Metric:    MetricEqualOpportunity,
			Value:     *metrics.EqualOpportunityDifference,
			Threshold: t.EqualOpportunityDifference,
		})
	}
	if metrics.DisparateImpactRatio != nil && *metrics.DisparateImpactRatio < t.DisparateImpactRatio {
		violations = append(violations, Violation{
			Attribute: attr,
			Metric:    MetricDisparateImpact,
			Value:     *metrics.DisparateImpactRatio,
			Threshold: t.DisparateImpactRatio,
		})
	}
	return violations
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

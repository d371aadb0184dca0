package experiments

import (
	"fmt"
	"math"
	"sort"
)

// Metric names shared between the snapshot provider and verdict computation.
const (
	MetricOrders     = "orders"
	MetricRevenue    = "revenue"
	MetricMargin     = "margin"
	MetricViews      = "views"
	MetricClicks     = "clicks"
	MetricSpend      = "spend"
	MetricAddToCart  = "add_to_cart"
	MetricConversion = "conversion"
)

// Thresholds configures verdict computation. Values are fractions: 0.05 means
// a five percent move on the primary metric decides the verdict.
type Thresholds struct {
	// Primary maps each kind to its deciding threshold.
	Primary map[Kind]float64 `yaml:"primary"`

	// Secondary maps each kind to per-metric advisory thresholds. Secondary
	// metrics never change the verdict; when the primary metric is neutral
	// and a secondary crosses its threshold, an advisory is surfaced.
	Secondary map[Kind]map[string]float64 `yaml:"secondary"`
}

// DefaultThresholds returns the stock threshold configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Primary: map[Kind]float64{
			KindPrice:       0.05,
			KindAdvertising: 0.05,
			KindContent:     0.03,
		},
		Secondary: map[Kind]map[string]float64{
			KindPrice: {
				MetricMargin: 0.05,
			},
			KindAdvertising: {
				"ctr":       0.05,
				MetricSpend: 0.20,
				"cpc":       0.10,
			},
			KindContent: {
				MetricAddToCart: 0.05,
			},
		},
	}
}

func (t Thresholds) primary(kind Kind) float64 {
	if v, ok := t.Primary[kind]; ok && v > 0 {
		return v
	}
	return 0.05
}

// Outcome is the result of verdict computation: the decisive classification
// plus any secondary-metric advisories.
type Outcome struct {
	Verdict    Verdict
	Delta      float64
	Advisories []string
}

// ComputeVerdict classifies an experiment outcome from its baseline and
// result snapshots. It is a pure function: no store access, no clock, same
// inputs always produce the same outcome.
//
// The primary metric per kind is decisive; price uses a profit proxy
// (margin x orders), advertising uses orders, content uses the conversion
// rate. When the baseline primary is zero, the absolute delta is compared
// against the threshold instead of a relative one.
func ComputeVerdict(kind Kind, baseline, result Metrics, thresholds Thresholds) Outcome {
	threshold := thresholds.primary(kind)
	delta := metricDelta(primaryMetric(kind, baseline), primaryMetric(kind, result))

	out := Outcome{Delta: delta}
	switch {
	case delta >= threshold:
		out.Verdict = VerdictSuccess
	case delta <= -threshold:
		out.Verdict = VerdictFailed
	default:
		out.Verdict = VerdictNeutral
		out.Advisories = secondaryAdvisories(kind, baseline, result, thresholds)
	}
	return out
}

// primaryMetric extracts the deciding metric for a kind from a snapshot.
func primaryMetric(kind Kind, m Metrics) float64 {
	if m == nil {
		return 0
	}
	switch kind {
	case KindPrice:
		return m[MetricMargin] * m[MetricOrders]
	case KindAdvertising:
		return m[MetricOrders]
	case KindContent:
		if v, ok := m[MetricConversion]; ok {
			return v
		}
		if m[MetricViews] > 0 {
			return m[MetricOrders] / m[MetricViews]
		}
		return 0
	default:
		return 0
	}
}

// metricDelta returns the relative change, falling back to the absolute
// change when the baseline is zero.
func metricDelta(baseline, result float64) float64 {
	if baseline != 0 {
		return (result - baseline) / baseline
	}
	return result - baseline
}

// secondaryAdvisories evaluates the configured secondary metrics and reports
// the ones that crossed their own threshold.
func secondaryAdvisories(kind Kind, baseline, result Metrics, thresholds Thresholds) []string {
	secondaries := thresholds.Secondary[kind]
	if len(secondaries) == 0 {
		return nil
	}

	var advisories []string
	for _, name := range sortedKeys(secondaries) {
		threshold := secondaries[name]
		if threshold <= 0 {
			continue
		}
		b, bok := derivedMetric(name, baseline)
		r, rok := derivedMetric(name, result)
		if !bok || !rok {
			continue
		}
		delta := metricDelta(b, r)
		if math.Abs(delta) < threshold {
			continue
		}
		direction := "up"
		if delta < 0 {
			direction = "down"
		}
		advisories = append(advisories, fmt.Sprintf("%s %s %.1f%%", name, direction, math.Abs(delta)*100))
	}
	return advisories
}

// derivedMetric resolves a secondary metric, computing ratios (ctr, cpc) that
// are not stored directly in the snapshot.
func derivedMetric(name string, m Metrics) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch name {
	case "ctr":
		if m[MetricViews] <= 0 {
			return 0, false
		}
		return m[MetricClicks] / m[MetricViews], true
	case "cpc":
		if m[MetricClicks] <= 0 {
			return 0, false
		}
		return m[MetricSpend] / m[MetricClicks], true
	default:
		v, ok := m[name]
		return v, ok
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

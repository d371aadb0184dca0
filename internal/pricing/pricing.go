// Package pricing implements the price recommendation engine. A daily
// analysis scores each watched product on inventory, sales trend, and margin,
// and files a price experiment proposal when the evidence for a change is
// strong enough.
package pricing

import (
	"fmt"
	"math"
)

// Directions for a recommended price change.
const (
	DirectionUp   = "UP"
	DirectionDown = "DOWN"
)

// Analysis is the per-product input to scoring.
type Analysis struct {
	CurrentPrice  float64
	CostPrice     float64
	DaysOfStock   float64
	SalesLast30d  float64
	SalesTrendPct float64
	MarginPct     float64
	AvgDailySales float64
}

// Recommendation is a scored price change proposal.
type Recommendation struct {
	ProductID        int64
	CurrentPrice     float64
	RecommendedPrice float64
	ChangePct        float64
	Direction        string
	Factors          []string
	ScoreUp          float64
	ScoreDown        float64
}

// ScoreConfig holds the scoring thresholds.
type ScoreConfig struct {
	// MinMarginPct is the margin floor a recommendation never breaks.
	MinMarginPct float64 `yaml:"min_margin_pct"`

	// MaxChangePct caps a single recommended change.
	MaxChangePct float64 `yaml:"max_change_pct"`

	// MinChangePct drops recommendations too small to act on.
	MinChangePct float64 `yaml:"min_change_pct"`
}

// DefaultScoreConfig returns the stock scoring thresholds.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		MinMarginPct: 20,
		MaxChangePct: 15,
		MinChangePct: 3,
	}
}

// Recommend scores the analysis and returns a recommendation, or nil when no
// change is warranted. Each point of score moves the price 5%, capped at
// MaxChangePct; the result is rounded to a charm price and never breaks the
// margin floor.
func Recommend(productID int64, a Analysis, cfg ScoreConfig) *Recommendation {
	var scoreUp, scoreDown float64
	var factors []string

	// Inventory pressure.
	switch {
	case a.DaysOfStock > 90:
		scoreDown += 2
		factors = append(factors, fmt.Sprintf("overstock (%.0f days of stock)", a.DaysOfStock))
	case a.DaysOfStock > 60:
		scoreDown++
		factors = append(factors, fmt.Sprintf("excess stock (%.0f days)", a.DaysOfStock))
	case a.DaysOfStock < 7:
		scoreUp += 2
		factors = append(factors, "shortage (<7 days of stock)")
	case a.DaysOfStock < 14:
		scoreUp++
		factors = append(factors, "low stock (7-14 days)")
	}

	// Sales trend, last 7 days vs the 7 before.
	switch {
	case a.SalesTrendPct < -50:
		scoreDown += 3
		factors = append(factors, fmt.Sprintf("critical sales drop (%.0f%%)", a.SalesTrendPct))
	case a.SalesTrendPct < -30:
		scoreDown += 2
		factors = append(factors, fmt.Sprintf("strong sales drop (%.0f%%)", a.SalesTrendPct))
	case a.SalesTrendPct < -15:
		scoreDown++
		factors = append(factors, fmt.Sprintf("declining sales (%.0f%%)", a.SalesTrendPct))
	case a.SalesTrendPct > 50:
		scoreUp += 2
		factors = append(factors, fmt.Sprintf("explosive growth (%.0f%%)", a.SalesTrendPct))
	case a.SalesTrendPct > 30:
		scoreUp += 1.5
		factors = append(factors, fmt.Sprintf("strong growth (%.0f%%)", a.SalesTrendPct))
	}

	if a.CostPrice > 0 && a.MarginPct < cfg.MinMarginPct {
		scoreUp += 3
		factors = append(factors, fmt.Sprintf("low margin (%.1f%% < %.0f%%)", a.MarginPct, cfg.MinMarginPct))
	}

	if a.SalesLast30d == 0 {
		scoreDown += 2
		factors = append(factors, "no sales in 30 days")
	}

	var direction string
	var changePct float64
	switch {
	case scoreUp > scoreDown && scoreUp >= 2:
		direction = DirectionUp
		changePct = math.Min(scoreUp*5, cfg.MaxChangePct)
	case scoreDown > scoreUp && scoreDown >= 2:
		direction = DirectionDown
		changePct = math.Min(scoreDown*5, cfg.MaxChangePct)
	default:
		return nil
	}

	newPrice := a.CurrentPrice * (1 + changePct/100)
	if direction == DirectionDown {
		newPrice = a.CurrentPrice * (1 - changePct/100)
	}

	// Margin floor.
	if a.CostPrice > 0 {
		minPrice := a.CostPrice * (1 + cfg.MinMarginPct/100)
		newPrice = math.Max(newPrice, minPrice)
	}

	newPrice = NiceRound(newPrice)

	actualChangePct := math.Abs((newPrice - a.CurrentPrice) / a.CurrentPrice * 100)
	if actualChangePct < cfg.MinChangePct {
		return nil
	}

	return &Recommendation{
		ProductID:        productID,
		CurrentPrice:     a.CurrentPrice,
		RecommendedPrice: newPrice,
		ChangePct:        actualChangePct,
		Direction:        direction,
		Factors:          factors,
		ScoreUp:          scoreUp,
		ScoreDown:        scoreDown,
	}
}

// NiceRound rounds to a charm price: 49/59 under 100, 290/390 under 1000,
// 1490/2990 above.
func NiceRound(price float64) float64 {
	switch {
	case price < 100:
		return math.Round(price/10)*10 - 1
	case price < 1000:
		return math.Round(price/100)*100 - 10
	default:
		return math.Round(price/500)*500 - 10
	}
}

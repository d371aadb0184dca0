package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/marketplace"
)

// MarketData is the slice of the seller API the analyzer reads.
type MarketData interface {
	GetProduct(ctx context.Context, productID int64) (*marketplace.Product, error)
	GetStocks(ctx context.Context, productID int64) ([]marketplace.Stock, error)
	GetAnalytics(ctx context.Context, productID int64, window marketplace.Window) (*marketplace.AnalyticsData, error)
}

// ProposalSink files experiment proposals. Implemented by the engine.
type ProposalSink interface {
	Propose(ctx context.Context, kind experiments.Kind, subjectRef string, action json.RawMessage, durationDays int) (*experiments.Experiment, error)
}

// Config holds the analyzer inputs.
type Config struct {
	// Products is the watchlist of product ids to analyze.
	Products []int64 `yaml:"products"`

	// Costs maps product id to unit cost for margin scoring. Products
	// without a cost score margin as zero, never triggering the low-margin
	// factor or the margin floor.
	Costs map[int64]float64 `yaml:"costs"`

	// DurationDays is the experiment duration proposed for each change.
	DurationDays int `yaml:"duration_days"`

	// Scoring thresholds.
	Scoring ScoreConfig `yaml:"scoring"`
}

// Analyzer runs the daily price analysis and proposes experiments for the
// recommendations it produces.
type Analyzer struct {
	market MarketData
	sink   ProposalSink
	config Config
	logger *slog.Logger

	now func() time.Time
}

// NewAnalyzer creates the analyzer.
func NewAnalyzer(market MarketData, sink ProposalSink, config Config, logger *slog.Logger) *Analyzer {
	if config.Scoring == (ScoreConfig{}) {
		config.Scoring = DefaultScoreConfig()
	}
	if config.DurationDays <= 0 {
		config.DurationDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		market: market,
		sink:   sink,
		config: config,
		logger: logger.With("component", "pricing"),
		now:    time.Now,
	}
}

// Run analyzes the watchlist and files a proposal per recommendation.
// Products with an active experiment are skipped via the proposal conflict;
// per-product failures are logged and do not stop the run. Returns the
// number of proposals filed.
func (a *Analyzer) Run(ctx context.Context) (int, error) {
	a.logger.Info("price analysis started", "products", len(a.config.Products))

	proposed := 0
	for _, productID := range a.config.Products {
		rec, err := a.analyzeOne(ctx, productID)
		if err != nil {
			a.logger.Error("analysis failed", "product_id", productID, "error", err)
			continue
		}
		if rec == nil {
			continue
		}

		if err := a.propose(ctx, rec); err != nil {
			if errors.Is(err, experiments.ErrConflict) {
				a.logger.Debug("skipping product with active experiment", "product_id", productID)
				continue
			}
			a.logger.Error("proposal failed", "product_id", productID, "error", err)
			continue
		}
		proposed++
	}

	a.logger.Info("price analysis done", "proposed", proposed)
	return proposed, nil
}

func (a *Analyzer) analyzeOne(ctx context.Context, productID int64) (*Recommendation, error) {
	analysis, err := a.gather(ctx, productID)
	if err != nil {
		return nil, err
	}
	return Recommend(productID, *analysis, a.config.Scoring), nil
}

// gather assembles the scoring inputs from the seller API: 30 days of sales
// for the average and trend, current stock for days-of-stock, the product
// record for price and margin.
func (a *Analyzer) gather(ctx context.Context, productID int64) (*Analysis, error) {
	product, err := a.market.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("product %d: %w", productID, err)
	}

	now := a.now().UTC()
	month, err := a.market.GetAnalytics(ctx, productID, marketplace.LastDays(now, 30))
	if err != nil {
		return nil, fmt.Errorf("product %d analytics: %w", productID, err)
	}

	last7, err := a.market.GetAnalytics(ctx, productID, marketplace.LastDays(now, 7))
	if err != nil {
		return nil, fmt.Errorf("product %d analytics: %w", productID, err)
	}
	prev7, err := a.market.GetAnalytics(ctx, productID, marketplace.LastDays(now.AddDate(0, 0, -7), 7))
	if err != nil {
		return nil, fmt.Errorf("product %d analytics: %w", productID, err)
	}

	stocks, err := a.market.GetStocks(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("product %d stocks: %w", productID, err)
	}
	var present float64
	for _, s := range stocks {
		present += float64(s.Present)
	}

	avgDaily := month.Orders / 30
	daysOfStock := math.Inf(1)
	if avgDaily > 0 {
		daysOfStock = present / avgDaily
	}

	trendPct := 0.0
	if prev7.Orders > 0 {
		trendPct = (last7.Orders - prev7.Orders) / prev7.Orders * 100
	}

	cost := a.config.Costs[productID]
	marginPct := 0.0
	if cost > 0 && product.Price > 0 {
		marginPct = (product.Price - cost) / product.Price * 100
	}

	return &Analysis{
		CurrentPrice:  product.Price,
		CostPrice:     cost,
		DaysOfStock:   daysOfStock,
		SalesLast30d:  month.Orders,
		SalesTrendPct: trendPct,
		MarginPct:     marginPct,
		AvgDailySales: avgDaily,
	}, nil
}

func (a *Analyzer) propose(ctx context.Context, rec *Recommendation) error {
	action, err := json.Marshal(map[string]any{
		"type":  "set_price",
		"price": rec.RecommendedPrice,
	})
	if err != nil {
		return err
	}

	subjectRef := fmt.Sprintf("%d", rec.ProductID)
	exp, err := a.sink.Propose(ctx, experiments.KindPrice, subjectRef, action, a.config.DurationDays)
	if err != nil {
		return err
	}

	a.logger.Info("price experiment proposed",
		"experiment_id", exp.ID,
		"product_id", rec.ProductID,
		"direction", rec.Direction,
		"current_price", rec.CurrentPrice,
		"recommended_price", rec.RecommendedPrice,
		"change_pct", fmt.Sprintf("%.1f", rec.ChangePct),
		"factors", rec.Factors,
	)
	return nil
}

package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

// CostResolver returns the unit cost for a product, used to derive the margin
// metric. Returning (0, false) means the cost is unknown and margin is
// omitted from the snapshot.
type CostResolver interface {
	Cost(ctx context.Context, productID int64) (float64, bool)
}

// StaticCosts is a CostResolver backed by a fixed product-to-cost map.
type StaticCosts map[int64]float64

func (s StaticCosts) Cost(_ context.Context, productID int64) (float64, bool) {
	cost, ok := s[productID]
	return cost, ok
}

// SnapshotConfig tunes metric capture.
type SnapshotConfig struct {
	// WindowDays is how many full days of analytics each snapshot covers.
	WindowDays int `yaml:"window_days"`
}

// Snapshots captures per-kind metrics from the marketplace APIs.
//
// Price and content snapshots come from seller analytics; advertising
// snapshots from performance campaign statistics. Transient API failures
// surface as experiments.ErrUnavailable so the engine retries on the next
// sweep instead of recording a bogus result.
type Snapshots struct {
	seller      *SellerClient
	performance *PerformanceClient
	costs       CostResolver
	config      SnapshotConfig
	logger      *slog.Logger

	now func() time.Time
}

// NewSnapshots creates the snapshot provider. costs may be nil; margin is
// then reported as revenue-only (cost unknown).
func NewSnapshots(seller *SellerClient, performance *PerformanceClient, costs CostResolver, config SnapshotConfig, logger *slog.Logger) *Snapshots {
	if config.WindowDays <= 0 {
		config.WindowDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{
		seller:      seller,
		performance: performance,
		costs:       costs,
		config:      config,
		logger:      logger.With("component", "snapshots"),
		now:         time.Now,
	}
}

// Snapshot implements experiments.SnapshotProvider.
func (s *Snapshots) Snapshot(ctx context.Context, kind experiments.Kind, subjectRef string) (experiments.Metrics, error) {
	window := LastDays(s.now().UTC(), s.config.WindowDays)

	var (
		metrics experiments.Metrics
		err     error
	)
	switch kind {
	case experiments.KindPrice:
		metrics, err = s.priceSnapshot(ctx, subjectRef, window)
	case experiments.KindAdvertising:
		metrics, err = s.advertisingSnapshot(ctx, subjectRef, window)
	case experiments.KindContent:
		metrics, err = s.contentSnapshot(ctx, subjectRef, window)
	default:
		return nil, fmt.Errorf("snapshot: unknown kind %q", kind)
	}
	if err != nil {
		return nil, classifySnapshotErr(err)
	}
	return metrics, nil
}

func (s *Snapshots) priceSnapshot(ctx context.Context, subjectRef string, window Window) (experiments.Metrics, error) {
	productID, err := parseProductRef(subjectRef)
	if err != nil {
		return nil, err
	}

	data, err := s.seller.GetAnalytics(ctx, productID, window)
	if err != nil {
		return nil, err
	}
	product, err := s.seller.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	metrics := experiments.Metrics{
		experiments.MetricOrders:  data.Orders,
		experiments.MetricRevenue: data.Revenue,
	}
	if s.costs != nil {
		if cost, ok := s.costs.Cost(ctx, productID); ok {
			metrics[experiments.MetricMargin] = product.Price - cost
		}
	}
	if _, ok := metrics[experiments.MetricMargin]; !ok {
		// Without a cost the price itself is the best margin proxy: the
		// delta under an unchanged cost is the same either way.
		metrics[experiments.MetricMargin] = product.Price
	}
	return metrics, nil
}

func (s *Snapshots) advertisingSnapshot(ctx context.Context, campaignID string, window Window) (experiments.Metrics, error) {
	if s.performance == nil {
		return nil, fmt.Errorf("performance api not configured: %w", experiments.ErrUnavailable)
	}
	stats, err := s.performance.GetStats(ctx, campaignID, window)
	if err != nil {
		return nil, err
	}
	return experiments.Metrics{
		experiments.MetricViews:   stats.Views,
		experiments.MetricClicks:  stats.Clicks,
		experiments.MetricSpend:   stats.Spend,
		experiments.MetricOrders:  stats.Orders,
		experiments.MetricRevenue: stats.Revenue,
	}, nil
}

func (s *Snapshots) contentSnapshot(ctx context.Context, subjectRef string, window Window) (experiments.Metrics, error) {
	productID, err := parseProductRef(subjectRef)
	if err != nil {
		return nil, err
	}
	data, err := s.seller.GetAnalytics(ctx, productID, window)
	if err != nil {
		return nil, err
	}

	metrics := experiments.Metrics{
		experiments.MetricViews:     data.Views,
		experiments.MetricAddToCart: data.AddToCart,
		experiments.MetricOrders:    data.Orders,
	}
	if data.Views > 0 {
		metrics[experiments.MetricConversion] = data.Orders / data.Views
	} else {
		metrics[experiments.MetricConversion] = 0
	}
	return metrics, nil
}

// classifySnapshotErr maps client failures onto the snapshot taxonomy:
// transient API trouble becomes ErrUnavailable, missing subjects pass through.
func classifySnapshotErr(err error) error {
	switch {
	case errors.Is(err, experiments.ErrSubjectNotFound),
		errors.Is(err, experiments.ErrUnavailable):
		return err
	case errors.Is(err, experiments.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, experiments.ErrUnavailable)
	default:
		return err
	}
}

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/marketplace"
)

var analyzerNow = time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)

type fakeMarket struct {
	products  map[int64]*marketplace.Product
	stocks    map[int64]int
	orders30d map[int64]float64
	last7     map[int64]float64
	prev7     map[int64]float64
}

func (f *fakeMarket) GetProduct(_ context.Context, id int64) (*marketplace.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, experiments.ErrSubjectNotFound)
	}
	return p, nil
}

func (f *fakeMarket) GetStocks(_ context.Context, id int64) ([]marketplace.Stock, error) {
	return []marketplace.Stock{{ProductID: id, Present: f.stocks[id]}}, nil
}

func (f *fakeMarket) GetAnalytics(_ context.Context, id int64, window marketplace.Window) (*marketplace.AnalyticsData, error) {
	days := int(window.To.Sub(window.From).Hours()/24) + 1
	endsYesterday := window.To.Format("2006-01-02") == analyzerNow.AddDate(0, 0, -1).Format("2006-01-02")
	switch {
	case days == 30:
		return &marketplace.AnalyticsData{Orders: f.orders30d[id]}, nil
	case days == 7 && endsYesterday:
		return &marketplace.AnalyticsData{Orders: f.last7[id]}, nil
	case days == 7:
		return &marketplace.AnalyticsData{Orders: f.prev7[id]}, nil
	}
	return nil, fmt.Errorf("unexpected analytics window %v", window)
}

type fakeSink struct {
	proposals map[string]json.RawMessage
	conflicts map[string]bool
}

func (f *fakeSink) Propose(_ context.Context, kind experiments.Kind, subjectRef string, action json.RawMessage, _ int) (*experiments.Experiment, error) {
	if f.conflicts[subjectRef] {
		return nil, experiments.ErrConflict
	}
	if f.proposals == nil {
		f.proposals = make(map[string]json.RawMessage)
	}
	f.proposals[subjectRef] = action
	return &experiments.Experiment{ID: "exp-" + subjectRef, Kind: kind, SubjectRef: subjectRef}, nil
}

func newTestAnalyzer(market *fakeMarket, sink *fakeSink, config Config) *Analyzer {
	a := NewAnalyzer(market, sink, config, nil)
	a.now = func() time.Time { return analyzerNow }
	return a
}

func TestAnalyzerProposesMarkdownForOverstock(t *testing.T) {
	market := &fakeMarket{
		products:  map[int64]*marketplace.Product{42: {ProductID: 42, Price: 1990}},
		stocks:    map[int64]int{42: 500},
		orders30d: map[int64]float64{42: 30}, // 1/day, 500 days of stock
		last7:     map[int64]float64{42: 3},
		prev7:     map[int64]float64{42: 10}, // -70% trend
	}
	sink := &fakeSink{}
	a := newTestAnalyzer(market, sink, Config{
		Products: []int64{42},
		Costs:    map[int64]float64{42: 600},
	})

	n, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("proposed %d, want 1", n)
	}

	var action struct {
		Type  string  `json:"type"`
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(sink.proposals["42"], &action); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if action.Type != "set_price" {
		t.Errorf("action type = %q", action.Type)
	}
	if action.Price >= 1990 {
		t.Errorf("proposed price %v, want a markdown below 1990", action.Price)
	}
}

func TestAnalyzerSkipsActiveExperiments(t *testing.T) {
	market := &fakeMarket{
		products:  map[int64]*marketplace.Product{42: {ProductID: 42, Price: 1990}},
		stocks:    map[int64]int{42: 500},
		orders30d: map[int64]float64{42: 30},
		last7:     map[int64]float64{42: 3},
		prev7:     map[int64]float64{42: 10},
	}
	sink := &fakeSink{conflicts: map[string]bool{"42": true}}
	a := newTestAnalyzer(market, sink, Config{Products: []int64{42}})

	n, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("proposed %d, want 0 (subject has an active experiment)", n)
	}
}

func TestAnalyzerContinuesPastFailures(t *testing.T) {
	market := &fakeMarket{
		products: map[int64]*marketplace.Product{
			// 41 missing: GetProduct fails and the run moves on.
			42: {ProductID: 42, Price: 1990},
		},
		stocks:    map[int64]int{42: 500},
		orders30d: map[int64]float64{42: 30},
		last7:     map[int64]float64{42: 3},
		prev7:     map[int64]float64{42: 10},
	}
	sink := &fakeSink{}
	a := newTestAnalyzer(market, sink, Config{Products: []int64{41, 42}})

	n, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("proposed %d, want 1", n)
	}
}

func TestAnalyzerHealthyProductNoProposal(t *testing.T) {
	market := &fakeMarket{
		products:  map[int64]*marketplace.Product{42: {ProductID: 42, Price: 1990}},
		stocks:    map[int64]int{42: 30},
		orders30d: map[int64]float64{42: 30}, // 30 days of stock
		last7:     map[int64]float64{42: 7},
		prev7:     map[int64]float64{42: 7},
	}
	sink := &fakeSink{}
	a := newTestAnalyzer(market, sink, Config{
		Products: []int64{42},
		Costs:    map[int64]float64{42: 600},
	})

	n, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Errorf("proposed %d, want 0 for a healthy product", n)
	}
}

package marketplace

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

func TestSnapshotPriceWithCost(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analytics/data":
			w.Write([]byte(`{"result":{"data":[{"metrics":[200,20,5,9950]}]}}`))
		case "/v3/product/info/list":
			w.Write([]byte(`{"items":[{"id":42,"price":"1990.00"}]}`))
		}
	}))
	s := NewSnapshots(seller, nil, StaticCosts{42: 1200}, SnapshotConfig{WindowDays: 7}, nil)

	metrics, err := s.Snapshot(context.Background(), experiments.KindPrice, "42")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if metrics[experiments.MetricOrders] != 5 {
		t.Errorf("orders = %v, want 5", metrics[experiments.MetricOrders])
	}
	if metrics[experiments.MetricMargin] != 790 {
		t.Errorf("margin = %v, want 790 (1990 - 1200)", metrics[experiments.MetricMargin])
	}
}

func TestSnapshotPriceWithoutCostFallsBackToPrice(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analytics/data":
			w.Write([]byte(`{"result":{"data":[]}}`))
		case "/v3/product/info/list":
			w.Write([]byte(`{"items":[{"id":42,"price":"1990.00"}]}`))
		}
	}))
	s := NewSnapshots(seller, nil, nil, SnapshotConfig{}, nil)

	metrics, err := s.Snapshot(context.Background(), experiments.KindPrice, "42")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if metrics[experiments.MetricMargin] != 1990 {
		t.Errorf("margin = %v, want price fallback 1990", metrics[experiments.MetricMargin])
	}
}

func TestSnapshotContentConversion(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"data":[{"metrics":[500,40,10,19900]}]}}`))
	}))
	s := NewSnapshots(seller, nil, nil, SnapshotConfig{}, nil)

	metrics, err := s.Snapshot(context.Background(), experiments.KindContent, "42")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if metrics[experiments.MetricConversion] != 0.02 {
		t.Errorf("conversion = %v, want 0.02", metrics[experiments.MetricConversion])
	}
	if metrics[experiments.MetricAddToCart] != 40 {
		t.Errorf("add_to_cart = %v, want 40", metrics[experiments.MetricAddToCart])
	}
}

func TestSnapshotAdvertising(t *testing.T) {
	perf, _ := newTestPerformance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows":[{"views":1000,"clicks":50,"moneySpent":"320.00","orders":4,"ordersMoney":"7960.00"}]}`))
	}))
	s := NewSnapshots(nil, perf, nil, SnapshotConfig{}, nil)

	metrics, err := s.Snapshot(context.Background(), experiments.KindAdvertising, "777")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if metrics[experiments.MetricOrders] != 4 || metrics[experiments.MetricSpend] != 320 {
		t.Errorf("unexpected metrics: %v", metrics)
	}
}

func TestSnapshotTransientBecomesUnavailable(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	s := NewSnapshots(seller, nil, nil, SnapshotConfig{}, nil)

	_, err := s.Snapshot(context.Background(), experiments.KindContent, "42")
	if !errors.Is(err, experiments.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestSnapshotSubjectNotFoundPassesThrough(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/analytics/data":
			w.Write([]byte(`{"result":{"data":[]}}`))
		case "/v3/product/info/list":
			w.Write([]byte(`{"items":[]}`))
		}
	}))
	s := NewSnapshots(seller, nil, nil, SnapshotConfig{}, nil)

	_, err := s.Snapshot(context.Background(), experiments.KindPrice, "42")
	if !errors.Is(err, experiments.ErrSubjectNotFound) {
		t.Errorf("expected ErrSubjectNotFound, got %v", err)
	}
}

package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

func newTestSeller(t *testing.T, handler http.Handler) *SellerClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewSellerClient(SellerConfig{
		BaseURL:  server.URL,
		ClientID: "client-1",
		APIKey:   "key-1",
		Timeout:  5 * time.Second,
	}, nil, nil)
}

func TestSellerGetProduct(t *testing.T) {
	client := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/product/info/list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Client-Id") != "client-1" || r.Header.Get("Api-Key") != "key-1" {
			t.Error("missing auth headers")
		}
		w.Write([]byte(`{"items":[{"id":42,"offer_id":"SKU-42","name":"Widget","price":"1990.00","old_price":"2490.00","visible":true}]}`))
	}))

	product, err := client.GetProduct(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.ProductID != 42 || product.Price != 1990 || product.OldPrice != 2490 {
		t.Errorf("unexpected product: %+v", product)
	}
}

func TestSellerGetProductNotFound(t *testing.T) {
	client := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))

	_, err := client.GetProduct(context.Background(), 42)
	if !errors.Is(err, experiments.ErrSubjectNotFound) {
		t.Errorf("expected ErrSubjectNotFound, got %v", err)
	}
}

func TestSellerSetPriceRefused(t *testing.T) {
	client := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"product_id":42,"updated":false,"errors":[{"code":"PRICE_BELOW_MIN","message":"price below minimum"}]}]}`))
	}))

	err := client.SetPrice(context.Background(), 42, 100, 200)
	if !errors.Is(err, experiments.ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestSellerStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, experiments.ErrTransient},
		{"server error", http.StatusBadGateway, experiments.ErrTransient},
		{"not found", http.StatusNotFound, experiments.ErrSubjectNotFound},
		{"bad request", http.StatusBadRequest, experiments.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := client.GetProduct(context.Background(), 42)
			if !errors.Is(err, tt.want) {
				t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
			}
		})
	}
}

func TestSellerGetAnalytics(t *testing.T) {
	client := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"data":[
			{"metrics":[100,10,3,5970]},
			{"metrics":[50,5,1,1990]}
		]}}`))
	}))

	window := LastDays(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC), 7)
	data, err := client.GetAnalytics(context.Background(), 42, window)
	if err != nil {
		t.Fatalf("GetAnalytics: %v", err)
	}
	if data.Views != 150 || data.AddToCart != 15 || data.Orders != 4 || data.Revenue != 7960 {
		t.Errorf("unexpected aggregation: %+v", data)
	}
}

func TestLastDaysExcludesToday(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	window := LastDays(now, 7)
	if got := window.To.Format("2006-01-02"); got != "2025-06-09" {
		t.Errorf("window end = %s, want 2025-06-09", got)
	}
	if got := window.From.Format("2006-01-02"); got != "2025-06-03" {
		t.Errorf("window start = %s, want 2025-06-03", got)
	}
}

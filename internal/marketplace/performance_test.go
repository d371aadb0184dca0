package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPerformance(t *testing.T, handler http.Handler) (*PerformanceClient, *atomic.Int64) {
	t.Helper()
	var tokenCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/client/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-abc",
			"expires_in":   1800,
		})
	})
	mux.Handle("/", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewPerformanceClient(PerformanceConfig{
		BaseURL:      server.URL,
		ClientID:     "perf-client",
		ClientSecret: "perf-secret",
		Timeout:      5 * time.Second,
	}, nil, nil)
	return client, &tokenCalls
}

func TestPerformanceTokenCached(t *testing.T) {
	client, tokenCalls := newTestPerformance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-abc" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"list":[{"id":"777","state":"CAMPAIGN_STATE_RUNNING"}]}`))
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.GetCampaign(ctx, "777"); err != nil {
			t.Fatalf("GetCampaign: %v", err)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
}

func TestPerformanceGetStatsAggregates(t *testing.T) {
	client, _ := newTestPerformance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/client/statistics" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"rows":[
			{"views":1000,"clicks":50,"moneySpent":"320.50","orders":4,"ordersMoney":"7960.00"},
			{"views":800,"clicks":30,"moneySpent":"210.00","orders":2,"ordersMoney":"3980.00"}
		]}`))
	}))

	stats, err := client.GetStats(context.Background(), "777", LastDays(time.Now(), 7))
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Views != 1800 || stats.Clicks != 80 || stats.Spend != 530.50 || stats.Orders != 6 {
		t.Errorf("unexpected aggregation: %+v", stats)
	}
}

func TestPerformanceSetProductBid(t *testing.T) {
	client, _ := newTestPerformance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		var payload struct {
			Bids []struct {
				SKU int64  `json:"sku"`
				Bid string `json:"bid"`
			} `json:"bids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if len(payload.Bids) != 1 || payload.Bids[0].SKU != 42 || payload.Bids[0].Bid != "35.50" {
			t.Errorf("unexpected payload: %+v", payload)
		}
		w.Write([]byte(`{}`))
	}))

	if err := client.SetProductBid(context.Background(), "777", 42, 35.5); err != nil {
		t.Fatalf("SetProductBid: %v", err)
	}
}

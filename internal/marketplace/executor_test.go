package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

func TestExecutorValidatesActions(t *testing.T) {
	x := NewExecutor(nil, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		kind   experiments.Kind
		action string
	}{
		{"price missing value", experiments.KindPrice, `{"type":"set_price"}`},
		{"price negative", experiments.KindPrice, `{"type":"set_price","price":-5}`},
		{"price wrong type tag", experiments.KindPrice, `{"type":"set_bid","price":100}`},
		{"advertising unknown type", experiments.KindAdvertising, `{"type":"pause"}`},
		{"advertising bid without product", experiments.KindAdvertising, `{"type":"set_bid","bid":10}`},
		{"content empty value", experiments.KindContent, `{"type":"set_name","value":""}`},
		{"not json", experiments.KindPrice, `set_price 100`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Execute(ctx, tt.kind, "42", json.RawMessage(tt.action))
			if !errors.Is(err, experiments.ErrRejected) {
				t.Errorf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestExecutorPriceRoundTrip(t *testing.T) {
	var gotPrice string
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/product/info/list":
			w.Write([]byte(`{"items":[{"id":42,"price":"2490.00","old_price":"2990.00"}]}`))
		case "/v1/product/import/prices":
			var payload struct {
				Prices []struct {
					Price string `json:"price"`
				} `json:"prices"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			gotPrice = payload.Prices[0].Price
			w.Write([]byte(`{"result":[{"product_id":42,"updated":true}]}`))
		}
	}))
	x := NewExecutor(seller, nil, nil)
	ctx := context.Background()

	action := json.RawMessage(`{"type":"set_price","price":1990}`)

	// Invert reads the pre-action price.
	rollback, err := x.Invert(ctx, experiments.KindPrice, "42", action)
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	var rb priceAction
	if err := json.Unmarshal(rollback, &rb); err != nil {
		t.Fatalf("decode rollback: %v", err)
	}
	if rb.Type != "set_price" || rb.Price != 2490 {
		t.Errorf("unexpected rollback: %+v", rb)
	}

	if _, err := x.Execute(ctx, experiments.KindPrice, "42", action); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPrice != "1990.00" {
		t.Errorf("sent price = %q, want 1990.00", gotPrice)
	}
}

func TestExecutorVerifyPrice(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":42,"price":"1990.00"}]}`))
	}))
	x := NewExecutor(seller, nil, nil)
	ctx := context.Background()

	applied, err := x.Verify(ctx, experiments.KindPrice, "42", json.RawMessage(`{"type":"set_price","price":1990}`))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !applied {
		t.Error("expected applied=true for matching price")
	}

	applied, err = x.Verify(ctx, experiments.KindPrice, "42", json.RawMessage(`{"type":"set_price","price":1790}`))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if applied {
		t.Error("expected applied=false for mismatched price")
	}
}

func TestExecutorInvertAdvertisingState(t *testing.T) {
	perf, _ := newTestPerformance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"list":[{"id":"777","state":"CAMPAIGN_STATE_INACTIVE"}]}`))
	}))
	x := NewExecutor(nil, perf, nil)

	rollback, err := x.Invert(context.Background(), experiments.KindAdvertising, "777", json.RawMessage(`{"type":"activate"}`))
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	var rb advertisingAction
	if err := json.Unmarshal(rollback, &rb); err != nil {
		t.Fatalf("decode rollback: %v", err)
	}
	if rb.Type != "deactivate" {
		t.Errorf("rollback type = %q, want deactivate (campaign is inactive now)", rb.Type)
	}
}

func TestExecutorInvertBidWithoutCurrent(t *testing.T) {
	perf, _ := newTestPerformance(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products":[]}`))
	}))
	x := NewExecutor(nil, perf, nil)

	rollback, err := x.Invert(context.Background(), experiments.KindAdvertising, "777",
		json.RawMessage(`{"type":"set_bid","product_id":42,"bid":35.5}`))
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	if rollback != nil {
		t.Errorf("expected nil rollback when no current bid exists, got %s", rollback)
	}
}

func TestExecutorAdvertisingUnconfigured(t *testing.T) {
	x := NewExecutor(nil, nil, nil)
	_, err := x.Execute(context.Background(), experiments.KindAdvertising, "777", json.RawMessage(`{"type":"activate"}`))
	if !errors.Is(err, experiments.ErrRejected) {
		t.Errorf("expected ErrRejected without performance client, got %v", err)
	}
}

func TestExecutorContentInvert(t *testing.T) {
	seller := newTestSeller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":42,"name":"Old Name","description":"Old description"}]}`))
	}))
	x := NewExecutor(seller, nil, nil)

	rollback, err := x.Invert(context.Background(), experiments.KindContent, "42",
		json.RawMessage(`{"type":"set_name","value":"New Name"}`))
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	var rb contentAction
	if err := json.Unmarshal(rollback, &rb); err != nil {
		t.Fatalf("decode rollback: %v", err)
	}
	if rb.Type != "set_name" || rb.Value != "Old Name" {
		t.Errorf("unexpected rollback: %+v", rb)
	}
}

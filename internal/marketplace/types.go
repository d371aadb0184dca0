// Package marketplace implements the thin clients for the marketplace Seller
// and Performance (advertising) APIs, and the snapshot provider and action
// executor the experiment engine depends on.
//
// The clients classify failures so callers can decide: business refusals map
// to experiments.ErrRejected, network and rate-limit failures to
// experiments.ErrTransient / ErrUnavailable, and missing subjects to
// experiments.ErrSubjectNotFound. Transient failures are retried with
// exponential backoff before they surface.
package marketplace

import "time"

// Product is the seller-API view of a catalog item.
type Product struct {
	ProductID   int64   `json:"id"`
	OfferID     string  `json:"offer_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price,string"`
	OldPrice    float64 `json:"old_price,string"`
	IsActive    bool    `json:"visible"`
}

// Stock is per-warehouse stock for a product.
type Stock struct {
	ProductID int64  `json:"product_id"`
	Warehouse string `json:"warehouse_name"`
	Present   int    `json:"present"`
	Reserved  int    `json:"reserved"`
}

// AnalyticsData aggregates seller analytics for a product over a window.
type AnalyticsData struct {
	Views     float64
	AddToCart float64
	Orders    float64
	Revenue   float64
}

// Campaign is the performance-API view of an ad campaign.
type Campaign struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	State    string `json:"state"`
	AdObject string `json:"advObjectType"`
}

// Campaign states as reported by the performance API.
const (
	CampaignStateRunning  = "CAMPAIGN_STATE_RUNNING"
	CampaignStateInactive = "CAMPAIGN_STATE_INACTIVE"
)

// CampaignStats aggregates campaign statistics over a window.
type CampaignStats struct {
	Views  float64
	Clicks float64
	Spend  float64
	Orders float64
	// Revenue is attributed order revenue.
	Revenue float64
}

// ProductBid is a product's bid inside a campaign.
type ProductBid struct {
	ProductID int64   `json:"productId"`
	Bid       float64 `json:"bid"`
}

// Window is a closed date interval for statistics queries.
type Window struct {
	From time.Time
	To   time.Time
}

// LastDays returns the window covering the previous n full days, excluding
// today.
func LastDays(now time.Time, n int) Window {
	to := now.AddDate(0, 0, -1)
	return Window{From: to.AddDate(0, 0, -(n - 1)), To: to}
}

package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/observability"
)

// PerformanceConfig configures the Performance (advertising) API client.
type PerformanceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Configured reports whether advertising credentials are present.
func (c PerformanceConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// PerformanceClient talks to the marketplace Performance API for campaign
// management. Auth is OAuth2 client credentials with a cached access token.
type PerformanceClient struct {
	config  PerformanceConfig
	http    *http.Client
	retry   retryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics

	mu             sync.Mutex
	accessToken    string
	tokenExpiresAt time.Time
}

// NewPerformanceClient creates a Performance API client.
func NewPerformanceClient(config PerformanceConfig, logger *slog.Logger, metrics *observability.Metrics) *PerformanceClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PerformanceClient{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		retry:   defaultRetryPolicy(),
		logger:  logger.With("component", "performance-api"),
		metrics: metrics,
	}
}

// GetCampaign returns a single campaign.
func (c *PerformanceClient) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	var resp struct {
		List []Campaign `json:"list"`
	}
	path := "/api/client/campaign?campaignIds=" + campaignID
	if err := c.call(ctx, "get_campaign", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.List {
		if resp.List[i].ID == campaignID {
			return &resp.List[i], nil
		}
	}
	return nil, fmt.Errorf("campaign %s: %w", campaignID, experiments.ErrSubjectNotFound)
}

// Activate turns a campaign on.
func (c *PerformanceClient) Activate(ctx context.Context, campaignID string) error {
	path := fmt.Sprintf("/api/client/campaign/%s/activate", campaignID)
	return c.call(ctx, "activate_campaign", http.MethodPost, path, map[string]any{}, nil)
}

// Deactivate turns a campaign off.
func (c *PerformanceClient) Deactivate(ctx context.Context, campaignID string) error {
	path := fmt.Sprintf("/api/client/campaign/%s/deactivate", campaignID)
	return c.call(ctx, "deactivate_campaign", http.MethodPost, path, map[string]any{}, nil)
}

// GetProductBids returns per-product bids in a campaign.
func (c *PerformanceClient) GetProductBids(ctx context.Context, campaignID string) ([]ProductBid, error) {
	var resp struct {
		Products []ProductBid `json:"products"`
	}
	path := fmt.Sprintf("/api/client/campaign/%s/products", campaignID)
	if err := c.call(ctx, "get_product_bids", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// SetProductBid updates a product's bid in a campaign.
func (c *PerformanceClient) SetProductBid(ctx context.Context, campaignID string, productID int64, bid float64) error {
	payload := map[string]any{
		"bids": []map[string]any{{
			"sku": productID,
			"bid": strconv.FormatFloat(bid, 'f', 2, 64),
		}},
	}
	path := fmt.Sprintf("/api/client/campaign/%s/products", campaignID)
	return c.call(ctx, "set_product_bid", http.MethodPut, path, payload, nil)
}

// GetStats aggregates campaign statistics over the window.
func (c *PerformanceClient) GetStats(ctx context.Context, campaignID string, window Window) (*CampaignStats, error) {
	payload := map[string]any{
		"campaigns": []string{campaignID},
		"dateFrom":  window.From.Format("2006-01-02"),
		"dateTo":    window.To.Format("2006-01-02"),
		"groupBy":   "DATE",
	}
	var resp struct {
		Rows []struct {
			Views   float64 `json:"views"`
			Clicks  float64 `json:"clicks"`
			Spend   float64 `json:"moneySpent,string"`
			Orders  float64 `json:"orders"`
			Revenue float64 `json:"ordersMoney,string"`
		} `json:"rows"`
	}
	if err := c.call(ctx, "get_stats", http.MethodPost, "/api/client/statistics", payload, &resp); err != nil {
		return nil, err
	}

	stats := &CampaignStats{}
	for _, row := range resp.Rows {
		stats.Views += row.Views
		stats.Clicks += row.Clicks
		stats.Spend += row.Spend
		stats.Orders += row.Orders
		stats.Revenue += row.Revenue
	}
	return stats, nil
}

// token returns a valid access token, refreshing the cached one when it is
// within a minute of expiry.
func (c *PerformanceClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiresAt.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     c.config.ClientID,
		"client_secret": c.config.ClientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/client/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("token request: %v: %w", err, experiments.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("token request: status %d: %w", resp.StatusCode, experiments.ErrTransient)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.ExpiresIn <= 0 {
		token.ExpiresIn = 1800
	}

	c.accessToken = token.AccessToken
	c.tokenExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	c.logger.Debug("refreshed performance api token")
	return c.accessToken, nil
}

func (c *PerformanceClient) call(ctx context.Context, operation, method, path string, payload, out any) error {
	start := time.Now()
	err := withRetry(ctx, c.retry, func() error {
		return c.doCall(ctx, method, path, payload, out)
	})
	if c.metrics != nil {
		c.metrics.MarketplaceRequest("performance", operation, err, time.Since(start))
	}
	return err
}

func (c *PerformanceClient) doCall(ctx context.Context, method, path string, payload, out any) error {
	accessToken, err := c.token(ctx)
	if err != nil {
		return err
	}

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %v: %w", path, err, experiments.ErrTransient)
	}
	defer resp.Body.Close()

	if err := classifyStatus(path, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

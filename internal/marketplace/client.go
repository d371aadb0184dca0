package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/observability"
)

// SellerConfig configures the Seller API client.
type SellerConfig struct {
	BaseURL  string        `yaml:"base_url"`
	ClientID string        `yaml:"client_id"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SellerClient talks to the marketplace Seller API: catalog, prices, stocks,
// and product analytics.
type SellerClient struct {
	config  SellerConfig
	http    *http.Client
	retry   retryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSellerClient creates a Seller API client.
func NewSellerClient(config SellerConfig, logger *slog.Logger, metrics *observability.Metrics) *SellerClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SellerClient{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		retry:   defaultRetryPolicy(),
		logger:  logger.With("component", "seller-api"),
		metrics: metrics,
	}
}

// GetProduct returns detailed product information.
func (c *SellerClient) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	var resp struct {
		Items []Product `json:"items"`
	}
	payload := map[string]any{"product_id": []int64{productID}}
	if err := c.post(ctx, "get_product", "/v3/product/info/list", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("product %d: %w", productID, experiments.ErrSubjectNotFound)
	}
	return &resp.Items[0], nil
}

// SetPrice updates the product price. The marketplace refuses prices below
// its allowed minimum; that refusal surfaces as experiments.ErrRejected.
func (c *SellerClient) SetPrice(ctx context.Context, productID int64, price, oldPrice float64) error {
	payload := map[string]any{
		"prices": []map[string]any{{
			"product_id": productID,
			"price":      strconv.FormatFloat(price, 'f', 2, 64),
			"old_price":  strconv.FormatFloat(oldPrice, 'f', 2, 64),
		}},
	}
	var resp struct {
		Result []struct {
			ProductID int64 `json:"product_id"`
			Updated   bool  `json:"updated"`
			Errors    []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"result"`
	}
	if err := c.post(ctx, "set_price", "/v1/product/import/prices", payload, &resp); err != nil {
		return err
	}
	for _, r := range resp.Result {
		if r.ProductID == productID && !r.Updated {
			msg := "price update refused"
			if len(r.Errors) > 0 {
				msg = r.Errors[0].Message
			}
			return fmt.Errorf("product %d: %s: %w", productID, msg, experiments.ErrRejected)
		}
	}
	return nil
}

// UpdateContent updates a product's name or description.
func (c *SellerClient) UpdateContent(ctx context.Context, productID int64, field, value string) error {
	payload := map[string]any{
		"product_id": productID,
		field:        value,
	}
	var resp struct {
		Result struct {
			Updated bool `json:"updated"`
		} `json:"result"`
	}
	if err := c.post(ctx, "update_content", "/v1/product/update/attributes", payload, &resp); err != nil {
		return err
	}
	return nil
}

// GetStocks returns current stock per warehouse for a product.
func (c *SellerClient) GetStocks(ctx context.Context, productID int64) ([]Stock, error) {
	payload := map[string]any{
		"filter": map[string]any{"product_id": []int64{productID}, "visibility": "ALL"},
		"limit":  100,
	}
	var resp struct {
		Items []struct {
			ProductID int64 `json:"product_id"`
			Stocks    []struct {
				Warehouse string `json:"warehouse_name"`
				Present   int   `json:"present"`
				Reserved  int   `json:"reserved"`
			} `json:"stocks"`
		} `json:"items"`
	}
	if err := c.post(ctx, "get_stocks", "/v4/product/info/stocks", payload, &resp); err != nil {
		return nil, err
	}
	var stocks []Stock
	for _, item := range resp.Items {
		for _, s := range item.Stocks {
			stocks = append(stocks, Stock{
				ProductID: item.ProductID,
				Warehouse: s.Warehouse,
				Present:   s.Present,
				Reserved:  s.Reserved,
			})
		}
	}
	return stocks, nil
}

// GetAnalytics aggregates views, add-to-cart, orders, and revenue for a
// product over the window.
func (c *SellerClient) GetAnalytics(ctx context.Context, productID int64, window Window) (*AnalyticsData, error) {
	payload := map[string]any{
		"date_from": window.From.Format("2006-01-02"),
		"date_to":   window.To.Format("2006-01-02"),
		"dimension": []string{"sku"},
		"metrics":   []string{"hits_view", "hits_tocart", "ordered_units", "revenue"},
		"filters": []map[string]any{{
			"key":   "sku",
			"value": strconv.FormatInt(productID, 10),
		}},
	}
	var resp struct {
		Result struct {
			Data []struct {
				Metrics []float64 `json:"metrics"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := c.post(ctx, "get_analytics", "/v1/analytics/data", payload, &resp); err != nil {
		return nil, err
	}

	data := &AnalyticsData{}
	for _, row := range resp.Result.Data {
		if len(row.Metrics) < 4 {
			continue
		}
		data.Views += row.Metrics[0]
		data.AddToCart += row.Metrics[1]
		data.Orders += row.Metrics[2]
		data.Revenue += row.Metrics[3]
	}
	return data, nil
}

// post issues an authenticated JSON request and decodes the response,
// classifying HTTP failures into the engine's error taxonomy.
func (c *SellerClient) post(ctx context.Context, operation, path string, payload, out any) error {
	start := time.Now()
	err := withRetry(ctx, c.retry, func() error {
		return c.doPost(ctx, path, payload, out)
	})
	if c.metrics != nil {
		c.metrics.MarketplaceRequest("seller", operation, err, time.Since(start))
	}
	return err
}

func (c *SellerClient) doPost(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Client-Id", c.config.ClientID)
	req.Header.Set("Api-Key", c.config.APIKey)
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

// classifyStatus maps HTTP status codes onto the engine's error taxonomy.
func classifyStatus(path string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, experiments.ErrSubjectNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, experiments.ErrTransient)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s: %w", path, resp.StatusCode, bytes.TrimSpace(detail), experiments.ErrRejected)
	}
}

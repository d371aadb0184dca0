package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

// Action payload schemas, one per experiment kind. Payloads are validated
// before any marketplace call so malformed actions fail as rejections, not
// mid-flight API errors.
const (
	priceActionSchema = `{
		"type": "object",
		"required": ["type", "price"],
		"properties": {
			"type": {"const": "set_price"},
			"price": {"type": "number", "exclusiveMinimum": 0},
			"old_price": {"type": "number", "minimum": 0}
		},
		"additionalProperties": false
	}`

	advertisingActionSchema = `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"enum": ["activate", "deactivate", "set_bid"]},
			"product_id": {"type": "integer", "exclusiveMinimum": 0},
			"bid": {"type": "number", "exclusiveMinimum": 0}
		},
		"additionalProperties": false,
		"if": {"properties": {"type": {"const": "set_bid"}}},
		"then": {"required": ["type", "product_id", "bid"]}
	}`

	contentActionSchema = `{
		"type": "object",
		"required": ["type", "value"],
		"properties": {
			"type": {"enum": ["set_name", "set_description"]},
			"value": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`
)

var actionSchemas = map[experiments.Kind]*jsonschema.Schema{
	experiments.KindPrice:       jsonschema.MustCompileString("price-action.json", priceActionSchema),
	experiments.KindAdvertising: jsonschema.MustCompileString("advertising-action.json", advertisingActionSchema),
	experiments.KindContent:     jsonschema.MustCompileString("content-action.json", contentActionSchema),
}

// priceAction covers price experiments and doubles as the content of a
// derived rollback.
type priceAction struct {
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	OldPrice float64 `json:"old_price,omitempty"`
}

type advertisingAction struct {
	Type      string  `json:"type"`
	ProductID int64   `json:"product_id,omitempty"`
	Bid       float64 `json:"bid,omitempty"`
}

type contentAction struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Executor applies experiment actions to the marketplace. Subject refs are
// product ids for price and content experiments and campaign ids for
// advertising experiments.
type Executor struct {
	seller      *SellerClient
	performance *PerformanceClient
	logger      *slog.Logger
}

// NewExecutor creates an action executor over the marketplace clients.
func NewExecutor(seller *SellerClient, performance *PerformanceClient, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		seller:      seller,
		performance: performance,
		logger:      logger.With("component", "executor"),
	}
}

// Execute validates and applies the action.
func (x *Executor) Execute(ctx context.Context, kind experiments.Kind, subjectRef string, action json.RawMessage) (*experiments.ExecResult, error) {
	if err := validateAction(kind, action); err != nil {
		return nil, err
	}

	switch kind {
	case experiments.KindPrice:
		return x.executePrice(ctx, subjectRef, action)
	case experiments.KindAdvertising:
		return x.executeAdvertising(ctx, subjectRef, action)
	case experiments.KindContent:
		return x.executeContent(ctx, subjectRef, action)
	default:
		return nil, fmt.Errorf("execute: unknown kind %q", kind)
	}
}

// Invert derives the rollback action from current marketplace state.
func (x *Executor) Invert(ctx context.Context, kind experiments.Kind, subjectRef string, action json.RawMessage) (json.RawMessage, error) {
	if err := validateAction(kind, action); err != nil {
		return nil, err
	}

	switch kind {
	case experiments.KindPrice:
		return x.invertPrice(ctx, subjectRef)
	case experiments.KindAdvertising:
		return x.invertAdvertising(ctx, subjectRef, action)
	case experiments.KindContent:
		return x.invertContent(ctx, subjectRef, action)
	default:
		return nil, fmt.Errorf("invert: unknown kind %q", kind)
	}
}

// Verify re-queries marketplace state and reports whether the action is in
// effect. Called after a timed-out Execute, when the outcome is unknown.
func (x *Executor) Verify(ctx context.Context, kind experiments.Kind, subjectRef string, action json.RawMessage) (bool, error) {
	if err := validateAction(kind, action); err != nil {
		return false, err
	}

	switch kind {
	case experiments.KindPrice:
		var a priceAction
		if err := json.Unmarshal(action, &a); err != nil {
			return false, err
		}
		productID, err := parseProductRef(subjectRef)
		if err != nil {
			return false, err
		}
		product, err := x.seller.GetProduct(ctx, productID)
		if err != nil {
			return false, err
		}
		return priceEqual(product.Price, a.Price), nil

	case experiments.KindAdvertising:
		var a advertisingAction
		if err := json.Unmarshal(action, &a); err != nil {
			return false, err
		}
		switch a.Type {
		case "set_bid":
			bids, err := x.performance.GetProductBids(ctx, subjectRef)
			if err != nil {
				return false, err
			}
			for _, b := range bids {
				if b.ProductID == a.ProductID {
					return priceEqual(b.Bid, a.Bid), nil
				}
			}
			return false, nil
		default:
			campaign, err := x.performance.GetCampaign(ctx, subjectRef)
			if err != nil {
				return false, err
			}
			if a.Type == "activate" {
				return campaign.State == CampaignStateRunning, nil
			}
			return campaign.State != CampaignStateRunning, nil
		}

	case experiments.KindContent:
		var a contentAction
		if err := json.Unmarshal(action, &a); err != nil {
			return false, err
		}
		productID, err := parseProductRef(subjectRef)
		if err != nil {
			return false, err
		}
		product, err := x.seller.GetProduct(ctx, productID)
		if err != nil {
			return false, err
		}
		if a.Type == "set_name" {
			return product.Name == a.Value, nil
		}
		return product.Description == a.Value, nil

	default:
		return false, fmt.Errorf("verify: unknown kind %q", kind)
	}
}

func (x *Executor) executePrice(ctx context.Context, subjectRef string, action json.RawMessage) (*experiments.ExecResult, error) {
	var a priceAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("decode price action: %w", err)
	}
	productID, err := parseProductRef(subjectRef)
	if err != nil {
		return nil, err
	}

	oldPrice := a.OldPrice
	if oldPrice == 0 {
		product, err := x.seller.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		oldPrice = product.OldPrice
	}

	if err := x.seller.SetPrice(ctx, productID, a.Price, oldPrice); err != nil {
		return nil, err
	}
	return &experiments.ExecResult{AppliedDetails: map[string]any{"price": a.Price}}, nil
}

func (x *Executor) executeAdvertising(ctx context.Context, subjectRef string, action json.RawMessage) (*experiments.ExecResult, error) {
	if x.performance == nil {
		return nil, fmt.Errorf("advertising action: performance api not configured: %w", experiments.ErrRejected)
	}
	var a advertisingAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("decode advertising action: %w", err)
	}

	switch a.Type {
	case "activate":
		if err := x.performance.Activate(ctx, subjectRef); err != nil {
			return nil, err
		}
	case "deactivate":
		if err := x.performance.Deactivate(ctx, subjectRef); err != nil {
			return nil, err
		}
	case "set_bid":
		if err := x.performance.SetProductBid(ctx, subjectRef, a.ProductID, a.Bid); err != nil {
			return nil, err
		}
	}
	return &experiments.ExecResult{AppliedDetails: map[string]any{"type": a.Type}}, nil
}

func (x *Executor) executeContent(ctx context.Context, subjectRef string, action json.RawMessage) (*experiments.ExecResult, error) {
	var a contentAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("decode content action: %w", err)
	}
	productID, err := parseProductRef(subjectRef)
	if err != nil {
		return nil, err
	}

	field := "name"
	if a.Type == "set_description" {
		field = "description"
	}
	if err := x.seller.UpdateContent(ctx, productID, field, a.Value); err != nil {
		return nil, err
	}
	return &experiments.ExecResult{AppliedDetails: map[string]any{"field": field}}, nil
}

func (x *Executor) invertPrice(ctx context.Context, subjectRef string) (json.RawMessage, error) {
	productID, err := parseProductRef(subjectRef)
	if err != nil {
		return nil, err
	}
	product, err := x.seller.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.Price <= 0 {
		return nil, nil
	}
	return json.Marshal(priceAction{Type: "set_price", Price: product.Price, OldPrice: product.OldPrice})
}

func (x *Executor) invertAdvertising(ctx context.Context, subjectRef string, action json.RawMessage) (json.RawMessage, error) {
	if x.performance == nil {
		return nil, fmt.Errorf("performance api not configured")
	}
	var a advertisingAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, err
	}

	switch a.Type {
	case "activate", "deactivate":
		campaign, err := x.performance.GetCampaign(ctx, subjectRef)
		if err != nil {
			return nil, err
		}
		// Inverse restores the state the campaign is in now.
		inverse := "deactivate"
		if campaign.State == CampaignStateRunning {
			inverse = "activate"
		}
		return json.Marshal(advertisingAction{Type: inverse})
	case "set_bid":
		bids, err := x.performance.GetProductBids(ctx, subjectRef)
		if err != nil {
			return nil, err
		}
		for _, b := range bids {
			if b.ProductID == a.ProductID && b.Bid > 0 {
				return json.Marshal(advertisingAction{Type: "set_bid", ProductID: a.ProductID, Bid: b.Bid})
			}
		}
		// No current bid on record, nothing to restore.
		return nil, nil
	}
	return nil, nil
}

func (x *Executor) invertContent(ctx context.Context, subjectRef string, action json.RawMessage) (json.RawMessage, error) {
	var a contentAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, err
	}
	productID, err := parseProductRef(subjectRef)
	if err != nil {
		return nil, err
	}
	product, err := x.seller.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	current := product.Name
	if a.Type == "set_description" {
		current = product.Description
	}
	if current == "" {
		return nil, nil
	}
	return json.Marshal(contentAction{Type: a.Type, Value: current})
}

// validateAction checks the payload against the kind's schema. Violations are
// business rejections: retrying an invalid payload cannot succeed.
func validateAction(kind experiments.Kind, action json.RawMessage) error {
	schema, ok := actionSchemas[kind]
	if !ok {
		return fmt.Errorf("no action schema for kind %q", kind)
	}
	var doc any
	if err := json.Unmarshal(action, &doc); err != nil {
		return fmt.Errorf("action is not valid json: %v: %w", err, experiments.ErrRejected)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s action: %v: %w", kind, err, experiments.ErrRejected)
	}
	return nil
}

func parseProductRef(subjectRef string) (int64, error) {
	id, err := strconv.ParseInt(subjectRef, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("subject ref %q is not a product id: %w", subjectRef, experiments.ErrRejected)
	}
	return id, nil
}

// priceEqual compares money values to the kopeck.
func priceEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

// Package bridge implements the venue interface against the order bridge
// command API and its order event stream.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"oco_tracker/internal/core"
	apperrors "oco_tracker/pkg/errors"
	httpclient "oco_tracker/pkg/http"

	"golang.org/x/time/rate"
)

// Client talks to the bridge command API. All venue errors are normalized
// to the apperrors sentinels so callers can branch on errors.Is instead of
// HTTP status codes.
type Client struct {
	http          *httpclient.Client
	logger        core.ILogger
	cancelLimiter *rate.Limiter
}

// Config holds bridge connectivity settings
type Config struct {
	BaseURL         string
	APIKey          string
	RequestTimeout  time.Duration
	CancelRateLimit int // cancel requests per second
}

// NewClient creates a bridge client. Cancels are rate limited because the
// reconciliation loop can issue bursts of them during repairs.
func NewClient(cfg Config, logger core.ILogger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.CancelRateLimit <= 0 {
		cfg.CancelRateLimit = 5
	}

	return &Client{
		http:          httpclient.NewClient(cfg.BaseURL, cfg.RequestTimeout, cfg.APIKey),
		logger:        logger.WithField("component", "bridge_venue"),
		cancelLimiter: rate.NewLimiter(rate.Limit(cfg.CancelRateLimit), cfg.CancelRateLimit),
	}
}

// GetName returns the venue name
func (c *Client) GetName() string {
	return "bridge"
}

// CheckHealth verifies the command API is reachable
func (c *Client) CheckHealth(ctx context.Context) error {
	if _, err := c.http.Get(ctx, "/v1/health", nil); err != nil {
		return mapVenueError(err)
	}
	return nil
}

type submitResponse struct {
	OrderID int64 `json:"order_id"`
}

// SubmitOrder places a new order and returns the venue-assigned ID
func (c *Client) SubmitOrder(ctx context.Context, req *core.SubmitOrderRequest) (int64, error) {
	body, err := c.http.Post(ctx, "/v1/orders", req)
	if err != nil {
		return 0, mapVenueError(err)
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode submit response: %w", err)
	}

	c.logger.Info("Order submitted",
		"order_id", resp.OrderID,
		"symbol", req.Symbol,
		"role", string(req.Role))
	return resp.OrderID, nil
}

// CancelOrder requests cancellation of a single order. A 404 or 410 from
// the bridge means the order is already terminal and is surfaced as
// apperrors.ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	if err := c.cancelLimiter.Wait(ctx); err != nil {
		return err
	}

	path := fmt.Sprintf("/v1/orders/%d", orderID)
	if _, err := c.http.Delete(ctx, path, nil); err != nil {
		return mapVenueError(err)
	}
	return nil
}

type cancelAllResponse struct {
	Cancelled int `json:"cancelled"`
}

// CancelAllPending cancels every open order and returns how many the
// bridge reported cancelled
func (c *Client) CancelAllPending(ctx context.Context) (int, error) {
	if err := c.cancelLimiter.Wait(ctx); err != nil {
		return 0, err
	}

	body, err := c.http.Delete(ctx, "/v1/orders", nil)
	if err != nil {
		return 0, mapVenueError(err)
	}

	var resp cancelAllResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode cancel-all response: %w", err)
	}
	return resp.Cancelled, nil
}

type positionResponse struct {
	Symbol string `json:"symbol"`
	Open   bool   `json:"open"`
}

// HasOpenPosition queries the bridge position endpoint
func (c *Client) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	body, err := c.http.Get(ctx, "/v1/position", map[string]string{"symbol": symbol})
	if err != nil {
		return false, mapVenueError(err)
	}

	var resp positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to decode position response: %w", err)
	}
	return resp.Open, nil
}

// mapVenueError converts transport-level failures into the sentinel errors
// the tracker and reconciler branch on
func mapVenueError(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone:
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, string(apiErr.Body))
		case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", apperrors.ErrVenueUnavailable, apiErr.StatusCode)
		default:
			return err
		}
	}
	// Network errors and exhausted retries land here
	return fmt.Errorf("%w: %v", apperrors.ErrVenueUnavailable, err)
}

var _ core.IVenue = (*Client)(nil)

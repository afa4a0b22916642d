package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	BaseURL    = "https://api.kucoin.com"
	SandboxURL = "https://openapi-sandbox.kucoin.com"
)

// Venue is the surface the strategy needs from an exchange: quotes, balances,
// limit orders and the open-order book. Client implements it against KuCoin.
type Venue interface {
	AllTickers(ctx context.Context) (*AllTickersResponse, error)
	Balances(ctx context.Context) ([]Account, error)
	PlaceLimitOrder(ctx context.Context, side, symbol, price, size string) (*OrderResponse, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

type Client struct {
	client      *resty.Client
	apiKey      string
	apiSecret   string
	passphrase  string
	logger      *logrus.Logger
	rateLimiter *RateLimiter
}

func NewClient(config Config, logger *logrus.Logger) *Client {
	client := resty.New()

	baseURL := BaseURL
	if config.Sandbox {
		baseURL = SandboxURL
	}

	client.SetBaseURL(baseURL)
	client.SetTimeout(30 * time.Second)

	return &Client{
		client:      client,
		apiKey:      config.APIKey,
		apiSecret:   config.APISecret,
		passphrase:  config.Passphrase,
		logger:      logger,
		rateLimiter: NewRateLimiter(10, 5),
	}
}

func (c *Client) generateSignature(timestamp, method, endpoint, body string) string {
	message := timestamp + method + endpoint + body
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) generatePassphraseSignature() string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(c.passphrase))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) setAuthHeaders(req *resty.Request, method, endpoint, body string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := c.generateSignature(timestamp, method, endpoint, body)
	passphraseSignature := c.generatePassphraseSignature()

	req.SetHeaders(map[string]string{
		"KC-API-KEY":         c.apiKey,
		"KC-API-SIGN":        signature,
		"KC-API-TIMESTAMP":   timestamp,
		"KC-API-PASSPHRASE":  passphraseSignature,
		"KC-API-KEY-VERSION": "2",
		"Content-Type":       "application/json",
	})
}

// decode unpacks the venue's response envelope into out. A non-success code
// becomes an APIError carrying the HTTP status for retry classification.
func decode(resp *resty.Response, out interface{}) error {
	var apiResp APIResponse
	if err := json.Unmarshal(resp.Body(), &apiResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if apiResp.Code != "200000" {
		return &APIError{HTTPStatus: resp.StatusCode(), Code: apiResp.Code, Msg: apiResp.Msg}
	}

	if out == nil {
		return nil
	}

	dataBytes, err := json.Marshal(apiResp.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	return json.Unmarshal(dataBytes, out)
}

func (c *Client) AllTickers(ctx context.Context) (*AllTickersResponse, error) {
	if err := c.rateLimiter.WaitForPublic(); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	endpoint := "/api/v1/market/allTickers"

	resp, err := c.client.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		c.logger.WithError(err).Error("Failed to fetch all tickers")
		return nil, fmt.Errorf("failed to fetch tickers: %w", err)
	}

	var tickersResp AllTickersResponse
	if err := decode(resp, &tickersResp); err != nil {
		return nil, err
	}

	c.logger.WithField("ticker_count", len(tickersResp.Ticker)).Debug("Fetched all tickers")
	return &tickersResp, nil
}

func (c *Client) Balances(ctx context.Context) ([]Account, error) {
	if err := c.rateLimiter.WaitForPrivate(); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	endpoint := "/api/v1/accounts"
	req := c.client.R().SetContext(ctx)
	c.setAuthHeaders(req, "GET", endpoint, "")

	resp, err := req.Get(endpoint)
	if err != nil {
		c.logger.WithError(err).Error("Failed to fetch account balances")
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}

	var accounts []Account
	if err := decode(resp, &accounts); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, side, symbol, price, size string) (*OrderResponse, error) {
	if err := c.rateLimiter.WaitForPrivate(); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	order := OrderRequest{
		ClientOid: uuid.New().String(),
		Side:      side,
		Symbol:    symbol,
		Type:      "limit",
		Price:     price,
		Size:      size,
	}

	endpoint := "/api/v1/orders"

	bodyBytes, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	req := c.client.R().SetContext(ctx).SetBody(bodyBytes)
	c.setAuthHeaders(req, "POST", endpoint, string(bodyBytes))

	resp, err := req.Post(endpoint)
	if err != nil {
		c.logger.WithError(err).Error("Failed to place order")
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	var orderResp OrderResponse
	if err := decode(resp, &orderResp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": orderResp.OrderId,
		"symbol":   symbol,
		"side":     side,
		"price":    price,
		"size":     size,
	}).Info("Order placed")

	return &orderResp, nil
}

// OpenOrders lists active orders, optionally filtered by symbol. KuCoin pages
// the listing; every page is drained so the reconciler sees the full book.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var orders []Order

	for page := 1; ; page++ {
		if err := c.rateLimiter.WaitForPrivate(); err != nil {
			return nil, fmt.Errorf("rate limit exceeded: %w", err)
		}

		endpoint := "/api/v1/orders?status=active&currentPage=" + strconv.Itoa(page) + "&pageSize=500"
		if symbol != "" {
			endpoint += "&symbol=" + symbol
		}

		req := c.client.R().SetContext(ctx)
		c.setAuthHeaders(req, "GET", endpoint, "")

		resp, err := req.Get(endpoint)
		if err != nil {
			c.logger.WithError(err).Error("Failed to fetch open orders")
			return nil, fmt.Errorf("failed to fetch open orders: %w", err)
		}

		var pageResp OrdersPage
		if err := decode(resp, &pageResp); err != nil {
			return nil, err
		}

		orders = append(orders, pageResp.Items...)
		if page >= pageResp.TotalPage || len(pageResp.Items) == 0 {
			break
		}
	}

	return orders, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rateLimiter.WaitForPrivate(); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	endpoint := fmt.Sprintf("/api/v1/orders/%s", orderID)
	req := c.client.R().SetContext(ctx)
	c.setAuthHeaders(req, "DELETE", endpoint, "")

	resp, err := req.Delete(endpoint)
	if err != nil {
		c.logger.WithError(err).Error("Failed to cancel order")
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	if err := decode(resp, nil); err != nil {
		return err
	}

	c.logger.WithField("order_id", orderID).Info("Order cancelled")
	return nil
}

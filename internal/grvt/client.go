package grvt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sessionCookieName = "gravity"

// Client is a session-authenticated GRVT REST client for one trading account.
// Trading endpoints require the gravity session cookie; market data does not.
type Client struct {
	edgeURL   string
	tradeURL  string
	marketURL string
	http      *http.Client
	log       *zap.Logger

	apiKey    string
	accountID string

	mu            sync.Mutex
	cookie        string
	cookieExpires time.Time
}

type Endpoints struct {
	TradeBaseURL  string
	MarketBaseURL string
	EdgeBaseURL   string
}

func NewClient(ep Endpoints, apiKey, accountID string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		edgeURL:   strings.TrimRight(ep.EdgeBaseURL, "/"),
		tradeURL:  strings.TrimRight(ep.TradeBaseURL, "/"),
		marketURL: strings.TrimRight(ep.MarketBaseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		log:       log,
		apiKey:    apiKey,
		accountID: accountID,
	}
}

func (c *Client) AccountID() string {
	return c.accountID
}

// Login exchanges the API key for a session cookie. Called lazily before the
// first authenticated request and again after a 401.
func (c *Client) Login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return err
	}
	url := c.edgeURL + "/auth/api_key/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		kind := KindAuth
		if resp.StatusCode >= 500 {
			kind = KindTransient
		}
		return &APIError{Kind: kind, HTTP: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			c.mu.Lock()
			c.cookie = cookie.Value
			c.cookieExpires = cookie.Expires
			c.mu.Unlock()
			return nil
		}
	}
	return &APIError{Kind: KindAuth, HTTP: resp.StatusCode, Message: "login response missing session cookie"}
}

func (c *Client) sessionCookie() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookie
}

// post sends one authenticated request; on 401 it rebuilds the session once and
// retries. Persistent auth failure surfaces as KindAuth.
func (c *Client) post(ctx context.Context, base, path string, reqBody, out any) error {
	if c.sessionCookie() == "" {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}
	err := c.postOnce(ctx, base, path, reqBody, out)
	if err != nil && IsAuth(err) {
		if loginErr := c.Login(ctx); loginErr != nil {
			return loginErr
		}
		err = c.postOnce(ctx, base, path, reqBody, out)
	}
	return err
}

// postPublic is for market-data endpoints that need no session.
func (c *Client) postPublic(ctx context.Context, base, path string, reqBody, out any) error {
	return c.postOnce(ctx, base, path, reqBody, out)
}

func (c *Client) postOnce(ctx context.Context, base, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie := c.sessionCookie(); cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: cookie})
		req.Header.Set("X-Grvt-Account-Id", c.accountID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindTransient
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &APIError{Kind: kind, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindTransient, HTTP: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func apiErrorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body apiErrorBody
	_ = json.Unmarshal(raw, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	return &APIError{
		Kind:    classify(resp.StatusCode, body.Code, message),
		HTTP:    resp.StatusCode,
		Code:    body.Code,
		Message: message,
	}
}

func (c *Client) CreateOrder(ctx context.Context, order Order) (Order, error) {
	var resp createOrderResponse
	if err := c.post(ctx, c.tradeURL, "/full/v1/create_order", createOrderRequest{Order: order}, &resp); err != nil {
		return Order{}, err
	}
	return resp.Result, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	req := cancelOrderRequest{SubAccountID: c.accountID, OrderID: orderID}
	return c.post(ctx, c.tradeURL, "/full/v1/cancel_order", req, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var resp getOrderResponse
	req := getOrderRequest{SubAccountID: c.accountID, OrderID: orderID}
	if err := c.post(ctx, c.tradeURL, "/full/v1/order", req, &resp); err != nil {
		return Order{}, err
	}
	return resp.Result, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]Order, error) {
	var resp openOrdersResponse
	req := openOrdersRequest{SubAccountID: c.accountID, Kind: []string{"PERPETUAL"}}
	if err := c.post(ctx, c.tradeURL, "/full/v1/open_orders", req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var resp positionsResponse
	req := positionsRequest{SubAccountID: c.accountID, Kind: []string{"PERPETUAL"}}
	if err := c.post(ctx, c.tradeURL, "/full/v1/positions", req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) AggregatedAccountSummary(ctx context.Context) (AccountSummary, error) {
	var resp summaryResponse
	if err := c.post(ctx, c.tradeURL, "/full/v1/aggregated_account_summary", struct{}{}, &resp); err != nil {
		return AccountSummary{}, err
	}
	return resp.Result, nil
}

func (c *Client) GetInstrument(ctx context.Context, instrument string) (Instrument, error) {
	var resp instrumentResponse
	if err := c.postPublic(ctx, c.marketURL, "/full/v1/instrument", instrumentRequest{Instrument: instrument}, &resp); err != nil {
		return Instrument{}, err
	}
	return resp.Result, nil
}

func (c *Client) GetAllInstruments(ctx context.Context) ([]Instrument, error) {
	var resp allInstrumentsResponse
	if err := c.postPublic(ctx, c.marketURL, "/full/v1/all_instruments", allInstrumentsRequest{IsActive: true}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) OrderbookLevels(ctx context.Context, instrument string, depth int) (Orderbook, error) {
	var resp bookResponse
	if err := c.postPublic(ctx, c.marketURL, "/full/v1/book", bookRequest{Instrument: instrument, Depth: depth}, &resp); err != nil {
		return Orderbook{}, err
	}
	return resp.Result, nil
}

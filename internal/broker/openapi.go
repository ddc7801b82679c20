package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Default per-call timeouts.
const (
	quoteTimeout  = 5 * time.Second
	candleTimeout = 10 * time.Second
	orderTimeout  = 10 * time.Second
)

// OpenAPIClient talks to the broker's REST OpenAPI. All methods honour the
// caller's context and additionally bound each call with an operation
// timeout.
type OpenAPIClient struct {
	baseURL     string
	accessToken string
	accountID   string
	httpClient  *http.Client
}

// Ensure OpenAPIClient implements Broker at compile time.
var _ Broker = (*OpenAPIClient)(nil)

// NewOpenAPIClient creates a broker client for the given endpoint and account.
func NewOpenAPIClient(baseURL, accessToken, accountID string) *OpenAPIClient {
	return &OpenAPIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		accountID:   accountID,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// apiEnvelope is the common response wrapper of the OpenAPI.
type apiEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *OpenAPIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env apiEnvelope
	if len(data) > 0 {
		// Tolerate non-JSON error bodies; the envelope stays empty.
		_ = json.Unmarshal(data, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Code:    env.Code,
			Message: env.Message,
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

// quotePayload mirrors the API's quote item.
type quotePayload struct {
	Symbol    string  `json:"symbol"`
	LastDone  float64 `json:"last_done"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

func quotesFromPayload(items []quotePayload) map[string]models.Quote {
	out := make(map[string]models.Quote, len(items))
	for _, q := range items {
		if q.Symbol == "" || q.LastDone <= 0 {
			continue
		}
		out[q.Symbol] = models.Quote{
			Symbol:      q.Symbol,
			Last:        q.LastDone,
			VolumeToday: q.Volume,
			Timestamp:   time.Unix(q.Timestamp, 0),
		}
	}
	return out
}

func (c *OpenAPIClient) fetchQuotes(ctx context.Context, path string, symbols []string) (map[string]models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	query := url.Values{"symbols": {strings.Join(symbols, ",")}}
	var items []quotePayload
	if err := c.doRequest(ctx, http.MethodGet, path, query, nil, &items); err != nil {
		return nil, err
	}
	return quotesFromPayload(items), nil
}

// RealtimeQuotes fetches last-trade quotes from the realtime endpoint.
func (c *OpenAPIClient) RealtimeQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return c.fetchQuotes(ctx, "/v1/quote/realtime", symbols)
}

// Quotes fetches last-trade quotes from the delayed snapshot endpoint.
func (c *OpenAPIClient) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return c.fetchQuotes(ctx, "/v1/quote/snapshot", symbols)
}

// candlePayload mirrors the API's kline item.
type candlePayload struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Candles fetches up to count daily candles for a symbol, oldest first.
func (c *OpenAPIClient) Candles(ctx context.Context, symbol string, count int) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, candleTimeout)
	defer cancel()

	query := url.Values{
		"symbol": {symbol},
		"count":  {strconv.Itoa(count)},
		"period": {"day"},
	}
	var items []candlePayload
	if err := c.doRequest(ctx, http.MethodGet, "/v1/quote/candles", query, nil, &items); err != nil {
		return nil, err
	}
	out := make([]models.Candle, 0, len(items))
	for _, k := range items {
		out = append(out, models.Candle{
			Timestamp: time.Unix(k.Timestamp, 0),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		})
	}
	return out, nil
}

// Depth fetches the top-of-book bid/ask for a symbol.
func (c *OpenAPIClient) Depth(ctx context.Context, symbol string) (*Depth, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	var payload struct {
		Bid     float64 `json:"bid"`
		Ask     float64 `json:"ask"`
		BidSize int64   `json:"bid_size"`
		AskSize int64   `json:"ask_size"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/quote/depth", query, nil, &payload); err != nil {
		return nil, err
	}
	return &Depth{Bid: payload.Bid, Ask: payload.Ask, BidSize: payload.BidSize, AskSize: payload.AskSize}, nil
}

// LotSize fetches the board lot for a symbol.
func (c *OpenAPIClient) LotSize(ctx context.Context, symbol string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	var payload struct {
		LotSize int64 `json:"lot_size"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/quote/static", query, nil, &payload); err != nil {
		return 0, err
	}
	if payload.LotSize <= 0 {
		return 0, fmt.Errorf("broker returned invalid lot size %d for %s", payload.LotSize, symbol)
	}
	return payload.LotSize, nil
}

// AccountBalance fetches per-currency balances.
func (c *OpenAPIClient) AccountBalance(ctx context.Context) (map[string]models.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	var items []struct {
		Currency         string  `json:"currency"`
		Cash             float64 `json:"cash"`
		BuyPower         float64 `json:"buy_power"`
		MaxFinance       float64 `json:"max_finance"`
		RemainingFinance float64 `json:"remaining_finance"`
		NetAssets        float64 `json:"net_assets"`
	}
	query := url.Values{"account_id": {c.accountID}}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/account/balance", query, nil, &items); err != nil {
		return nil, err
	}
	out := make(map[string]models.Balance, len(items))
	for _, b := range items {
		out[b.Currency] = models.Balance{
			Cash:             b.Cash,
			BuyPower:         b.BuyPower,
			MaxFinance:       b.MaxFinance,
			RemainingFinance: b.RemainingFinance,
			NetAssets:        b.NetAssets,
		}
	}
	return out, nil
}

// Positions fetches current holdings.
func (c *OpenAPIClient) Positions(ctx context.Context) ([]models.PositionItem, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	var items []struct {
		Symbol   string  `json:"symbol"`
		Quantity int64   `json:"quantity"`
		AvgCost  float64 `json:"avg_cost"`
		Currency string  `json:"currency"`
	}
	query := url.Values{"account_id": {c.accountID}}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/account/positions", query, nil, &items); err != nil {
		return nil, err
	}
	out := make([]models.PositionItem, 0, len(items))
	for _, p := range items {
		out = append(out, models.PositionItem{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
			Currency: p.Currency,
		})
	}
	return out, nil
}

// SubmitOrder places a regular order and returns the broker order id.
func (c *OpenAPIClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	tif := req.TIF
	if tif == "" {
		tif = TIFDay
	}
	body := map[string]any{
		"account_id":      c.accountID,
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            strings.ToUpper(string(req.Side)),
		"quantity":        req.Quantity,
		"price":           req.Price,
		"order_type":      string(req.Type),
		"time_in_force":   string(tif),
	}
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/orders", nil, body, &payload); err != nil {
		return "", err
	}
	if payload.OrderID == "" {
		return "", fmt.Errorf("broker accepted order but returned no order id")
	}
	return payload.OrderID, nil
}

// orderStateFromAPI maps the wire status to the local lifecycle.
func orderStateFromAPI(status string) models.OrderState {
	switch strings.ToLower(status) {
	case "new", "pending", "submitted", "wait_to_submit":
		return models.StatePendingSubmit
	case "open", "live", "partial_withdrawal":
		return models.StateLive
	case "partially_filled", "partial":
		return models.StatePartiallyFilled
	case "filled":
		return models.StateFilled
	case "cancelled", "canceled", "expired":
		return models.StateCancelled
	default:
		return models.StateFailed
	}
}

// OrderStatus fetches the state of a submitted order.
func (c *OpenAPIClient) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	var payload struct {
		Status       string  `json:"status"`
		FilledQty    int64   `json:"filled_quantity"`
		AvgFillPrice float64 `json:"avg_fill_price"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil, &payload); err != nil {
		return nil, err
	}
	return &OrderStatus{
		State:          orderStateFromAPI(payload.Status),
		FilledQuantity: payload.FilledQty,
		AvgFillPrice:   payload.AvgFillPrice,
	}, nil
}

// CancelOrder cancels a live order. Cancelling an already terminal order is
// not an error.
func (c *OpenAPIClient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	err := c.doRequest(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil, nil)
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// SubmitConditional places an exchange-side LIT order and returns its id.
func (c *OpenAPIClient) SubmitConditional(ctx context.Context, req ConditionalRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	tif := req.TIF
	if tif == "" {
		tif = TIFGoodTillCancel
	}
	body := map[string]any{
		"account_id":    c.accountID,
		"symbol":        req.Symbol,
		"side":          strings.ToUpper(string(req.Side)),
		"quantity":      req.Quantity,
		"trigger_price": req.TriggerPrice,
		"limit_price":   req.LimitPrice,
		"order_type":    string(TypeLIT),
		"time_in_force": string(tif),
	}
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/orders/conditional", nil, body, &payload); err != nil {
		return "", err
	}
	if payload.OrderID == "" {
		return "", fmt.Errorf("broker accepted conditional order but returned no order id")
	}
	return payload.OrderID, nil
}

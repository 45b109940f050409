package deribit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gateway/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	_deribitBaseUrl     = "https://www.deribit.com/api/v2"
	_deribitBaseUrlTest = "https://test.deribit.com/api/v2"

	_deribitBaseWsUrl     = "wss://www.deribit.com/ws/api/v2"
	_deribitBaseWsUrlTest = "wss://test.deribit.com/ws/api/v2"

	// tokens are refreshed this long before they expire
	_refreshMargin = 30 * time.Second
)

// Directions and order types accepted by the exchange.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"

	TypeLimit      = "limit"
	TypeMarket     = "market"
	TypeStopLimit  = "stop_limit"
	TypeStopMarket = "stop_market"
)

type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// RestURL overrides the endpoint picked by Testnet.
	RestURL string
	Timeout time.Duration
	Clock   func() time.Time
}

func (c Config) restURL() string {
	switch {
	case c.RestURL != "":
		return strings.TrimRight(c.RestURL, "/")
	case c.Testnet:
		return _deribitBaseUrlTest
	default:
		return _deribitBaseUrl
	}
}

// WsURL returns the streaming endpoint of the environment.
func WsURL(testnet bool) string {
	if testnet {
		return _deribitBaseWsUrlTest
	}
	return _deribitBaseWsUrl
}

// OrderRequest is a new order sent to private/buy or private/sell.
type OrderRequest struct {
	Instrument   string
	Direction    string
	Type         string
	Amount       float64
	Price        float64
	TriggerPrice float64
	Label        string
	ReduceOnly   bool
	PostOnly     bool
}

// Client talks to the JSON-RPC over HTTP API.
type Client struct {
	cfg    Config
	base   string
	client *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time
}

func NewClient(cfg Config, client *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		base:   cfg.restURL(),
		client: client,
	}
}

// Authenticate exchanges the client credentials for an access token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return exception.ErrExchangeMissingKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grant(ctx, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.APIKey},
		"client_secret": {c.cfg.APISecret},
	})
}

// Authenticated reports whether a token is held and not yet expired.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken != "" && c.cfg.Clock().Before(c.expiry)
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var method string
	switch req.Direction {
	case DirectionBuy:
		method = "private/buy"
	case DirectionSell:
		method = "private/sell"
	default:
		return Order{}, errors.Wrapf(exception.ErrExchangeUnsupportedArg, "direction: %q", req.Direction)
	}
	if req.Type == "" {
		req.Type = TypeLimit
	}

	params := url.Values{
		"instrument_name": {req.Instrument},
		"amount":          {formatFloat(req.Amount)},
		"type":            {req.Type},
	}
	if req.Price > 0 && req.Type != TypeMarket && req.Type != TypeStopMarket {
		params.Set("price", formatFloat(req.Price))
	}
	if req.TriggerPrice > 0 {
		params.Set("trigger_price", formatFloat(req.TriggerPrice))
		params.Set("trigger", "last_price")
	}
	if req.Label != "" {
		params.Set("label", req.Label)
	}
	if req.ReduceOnly {
		params.Set("reduce_only", "true")
	}
	if req.PostOnly {
		params.Set("post_only", "true")
	}

	var result OrderResult
	if err := c.private(ctx, method, params, &result); err != nil {
		return Order{}, errors.Wrap(err, "place order")
	}
	if result.Order.OrderID == "" {
		return Order{}, errors.Wrap(exception.ErrExchangeEmptyResult, "place order")
	}
	return result.Order, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	var result Order
	if err := c.private(ctx, "private/cancel", url.Values{"order_id": {orderID}}, &result); err != nil {
		return Order{}, errors.Wrapf(err, "cancel order %s", orderID)
	}
	return result, nil
}

// ModifyOrder edits a resting order. Zero values keep the current amount or price.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, amount, price float64) (Order, error) {
	params := url.Values{"order_id": {orderID}}
	if amount > 0 {
		params.Set("amount", formatFloat(amount))
	}
	if price > 0 {
		params.Set("price", formatFloat(price))
	}

	var result OrderResult
	if err := c.private(ctx, "private/edit", params, &result); err != nil {
		return Order{}, errors.Wrapf(err, "modify order %s", orderID)
	}
	return result.Order, nil
}

func (c *Client) GetOrderBook(ctx context.Context, instrument string, depth int) (OrderBook, error) {
	params := url.Values{"instrument_name": {instrument}}
	if depth > 0 {
		params.Set("depth", strconv.Itoa(depth))
	}

	var result OrderBook
	if err := c.call(ctx, "public/get_order_book", params, "", &result); err != nil {
		return OrderBook{}, errors.Wrapf(err, "get order book %s", instrument)
	}
	return result, nil
}

func (c *Client) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	var result []Position
	if err := c.private(ctx, "private/get_positions", url.Values{"currency": {currency}, "kind": {"future"}}, &result); err != nil {
		return nil, errors.Wrapf(err, "get positions %s", currency)
	}
	return result, nil
}

func (c *Client) GetOpenOrders(ctx context.Context, currency string) ([]Order, error) {
	var result []Order
	if err := c.private(ctx, "private/get_open_orders_by_currency", url.Values{"currency": {currency}}, &result); err != nil {
		return nil, errors.Wrapf(err, "get open orders %s", currency)
	}
	return result, nil
}

func (c *Client) private(ctx context.Context, method string, params url.Values, result any) error {
	access, err := c.token(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, method, params, access, result)
}

// token returns a valid access token, refreshing or re-authenticating when
// it is about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	if c.accessToken != "" && now.Add(_refreshMargin).Before(c.expiry) {
		return c.accessToken, nil
	}

	if c.refreshToken != "" {
		err := c.grant(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {c.refreshToken},
		})
		if err == nil {
			return c.accessToken, nil
		}
		logs.Warnf("refresh deribit token failed, authenticate again, err: %+v", err)
	}

	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return "", exception.ErrExchangeUnauthorized
	}
	if err := c.grant(ctx, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.APIKey},
		"client_secret": {c.cfg.APISecret},
	}); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// grant must be called with mu held.
func (c *Client) grant(ctx context.Context, params url.Values) error {
	var t token
	if err := c.call(ctx, "public/auth", params, "", &t); err != nil {
		return errors.Wrap(err, "authenticate")
	}
	if t.AccessToken == "" {
		return errors.Wrap(exception.ErrExchangeEmptyResult, "authenticate")
	}

	c.accessToken = t.AccessToken
	c.refreshToken = t.RefreshToken
	c.expiry = c.cfg.Clock().Add(time.Duration(t.ExpiresIn) * time.Second)
	logs.Infof("deribit authenticated, token expires in %ds", t.ExpiresIn)
	return nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, access string, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.base + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return errors.Wrapf(err, "request %s", method)
	}
	defer resp.Body.Close()

	data := Response[json.RawMessage]{}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&data); err != nil {
		return errors.Wrapf(err, "decode %s response, status: %d", method, resp.StatusCode)
	}
	if data.Error != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			c.dropToken(access)
			return errors.Wrap(exception.ErrExchangeUnauthorized, data.Error.err().Error())
		}
		return data.Error.err()
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(exception.ErrExchangeResponse, "%s status: %d", method, resp.StatusCode)
	}
	if len(data.Result) == 0 || string(data.Result) == "null" {
		return errors.Wrap(exception.ErrExchangeEmptyResult, method)
	}
	if err := sonic.Unmarshal(data.Result, result); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

// dropToken forgets a rejected access token. Grant requests carry no token.
func (c *Client) dropToken(access string) {
	if access == "" {
		return
	}
	c.mu.Lock()
	if c.accessToken == access {
		c.accessToken = ""
	}
	c.mu.Unlock()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package deribit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

// ChannelUserOrders carries updates of every order of the account.
const ChannelUserOrders = "user.orders.any.any.raw"

// MarketEvent is a notification of a subscribed public channel.
type MarketEvent struct {
	Channel    string
	Data       []byte
	ReceivedAt time.Time
}

type FeedConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// WsURL overrides the endpoint picked by Testnet.
	WsURL string
	Clock func() time.Time
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params rpcParams       `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

type rpcParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Feed streams subscription notifications over the JSON-RPC websocket.
type Feed struct {
	cfg    FeedConfig
	wss    *ws.WebSocket
	nextID atomic.Int64

	mu       sync.Mutex
	channels map[string]struct{}
}

func NewFeed(ctx context.Context, cfg FeedConfig) *Feed {
	if cfg.WsURL == "" {
		cfg.WsURL = WsURL(cfg.Testnet)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Feed{
		cfg:      cfg,
		wss:      ws.New(ctx, cfg.WsURL),
		channels: make(map[string]struct{}),
	}
}

// Start connects, and authenticates the connection when credentials are set.
func (f *Feed) Start(ctx context.Context) error {
	if f.cfg.APIKey == "" || f.cfg.APISecret == "" {
		if err := f.wss.Start(ctx); err != nil {
			return errors.Wrap(err, "start wss")
		}
		return nil
	}

	if err := f.wss.Start(ctx, f.request("public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     f.cfg.APIKey,
		"client_secret": f.cfg.APISecret,
	})); err != nil {
		return errors.Wrap(err, "start wss and auth")
	}
	return nil
}

// Subscribe subscribes channels and waits for the confirmation. Subscriptions
// are replayed when the connection is re-established.
func (f *Feed) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}

	appendIntoRegister := true
	if err := f.wss.SendAndWait(ctx, f.request(subscribeMethod("subscribe", channels), map[string]any{
		"channels": channels,
	}), appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait").With("channels", channels)
	}

	f.mu.Lock()
	for _, ch := range channels {
		f.channels[ch] = struct{}{}
	}
	f.mu.Unlock()
	logs.Infof("deribit subscribed %v", channels)
	return nil
}

func (f *Feed) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}

	if err := f.wss.SendAndWait(ctx, f.request(subscribeMethod("unsubscribe", channels), map[string]any{
		"channels": channels,
	}), false); err != nil {
		return errors.Wrap(err, "send and wait").With("channels", channels)
	}

	f.mu.Lock()
	for _, ch := range channels {
		delete(f.channels, ch)
	}
	f.mu.Unlock()
	logs.Infof("deribit unsubscribed %v", channels)
	return nil
}

// Channels returns the subscribed channels.
func (f *Feed) Channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels := make([]string, 0, len(f.channels))
	for ch := range f.channels {
		channels = append(channels, ch)
	}
	return channels
}

// Observe hands notifications to the handlers until ctx is done or unsubscribe
// is called. Order updates go to onOrder, everything else to onMarket.
func (f *Feed) Observe(ctx context.Context, onMarket func(MarketEvent), onOrder func(Order)) (unsubscribe func()) {
	ch, cancel := f.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				msg, ok := ws.ReadMessage[rpcMessage](m)
				if !ok {
					continue
				}
				f.dispatch(msg, onMarket, onOrder)
			}
		}
	}()

	return cancel
}

func (f *Feed) dispatch(msg rpcMessage, onMarket func(MarketEvent), onOrder func(Order)) {
	event, ok := msg.event(f.cfg.Clock())
	if !ok {
		return
	}

	if isUserOrders(event.Channel) {
		if onOrder == nil {
			return
		}
		orders, err := decodeOrders(event.Data)
		if err != nil {
			logs.Warnf("decode deribit order update failed, err: %+v", err)
			return
		}
		for _, o := range orders {
			onOrder(o)
		}
		return
	}

	if onMarket != nil {
		onMarket(event)
	}
}

func (f *Feed) Close() {
	f.wss.Close()
}

func (f *Feed) request(method string, params map[string]any) ws.Sidecar {
	id := f.nextID.Add(1)
	return ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write request").With("method", method)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := ws.ReadMessage[rpcMessage](m)
			if !ok || resp.ID == nil || *resp.ID != id {
				return false, nil
			}
			if err := resp.Error.err(); err != nil {
				return false, errors.Wrap(err, method)
			}
			return true, nil
		},
	}
}

// event extracts the notification of a subscription message.
func (m rpcMessage) event(now time.Time) (MarketEvent, bool) {
	if m.Method != "subscription" || m.Params.Channel == "" {
		return MarketEvent{}, false
	}
	return MarketEvent{
		Channel:    m.Params.Channel,
		Data:       []byte(m.Params.Data),
		ReceivedAt: now,
	}, true
}

// decodeOrders accepts one order or a batch of orders.
func decodeOrders(data []byte) ([]Order, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var orders []Order
		if err := sonic.Unmarshal(data, &orders); err != nil {
			return nil, errors.Wrap(err, "unmarshal orders")
		}
		return orders, nil
	}

	var o Order
	if err := sonic.Unmarshal(data, &o); err != nil {
		return nil, errors.Wrap(err, "unmarshal order")
	}
	return []Order{o}, nil
}

func isUserOrders(channel string) bool {
	return strings.HasPrefix(channel, "user.orders.")
}

// subscribeMethod picks private/ when any channel needs an authenticated session.
func subscribeMethod(action string, channels []string) string {
	for _, ch := range channels {
		if strings.HasPrefix(ch, "user.") {
			return "private/" + action
		}
	}
	return "public/" + action
}

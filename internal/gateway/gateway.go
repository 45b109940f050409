package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gateway/internal/bus"
	"gateway/internal/distribution"
	"gateway/internal/exchange/deribit"
	"gateway/internal/order"
	"gateway/internal/telemetry"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"
)

// OrdersChannelPrefix prefixes the distribution channel of order events, e.g. orders.BTC-PERPETUAL.
const OrdersChannelPrefix = "orders."

// Sink receives every committed order event, e.g. an audit journal.
type Sink interface {
	Record(ctx context.Context, e order.Event) error
}

type Config struct {
	// Channels are the exchange channels forwarded to subscribers.
	Channels []string
	// Private subscribes the account order updates and accepts trading
	// commands from subscribers.
	Private bool
	// QueueSize bounds each internal event queue.
	QueueSize int
	// CommandTimeout bounds the exchange calls of one trading command.
	CommandTimeout time.Duration
	// ShutdownTimeout bounds unsubscribing and draining on shutdown.
	ShutdownTimeout time.Duration
	// Backoff paces the retries of the initial subscription.
	Backoff Backoff
	Clock   func() time.Time
}

type Deps struct {
	Orders   *order.Registry
	Server   *distribution.Server
	Exchange Exchange
	Feed     Feed
	Metrics  *telemetry.Metrics
	Sinks    []Sink
}

// Gateway connects the exchange session, the order registry and the
// distribution server.
type Gateway struct {
	cfg      Config
	orders   *order.Registry
	server   *distribution.Server
	exchange Exchange
	feed     Feed
	metrics  *telemetry.Metrics
	sinks    []Sink

	market  *bus.Queue[deribit.MarketEvent]
	updates *bus.Queue[deribit.Order]
	events  *bus.Queue[order.Event]

	// applyMu serializes exchange updates per gateway, so an acknowledgement
	// and a feed update of the same order never interleave.
	applyMu sync.Mutex

	observerPanics atomic.Uint64
	running        atomic.Bool
	pumps          sync.WaitGroup
	recorder       sync.WaitGroup
}

func New(cfg Config, deps Deps) *Gateway {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	g := &Gateway{
		cfg:      cfg,
		orders:   deps.Orders,
		server:   deps.Server,
		exchange: deps.Exchange,
		feed:     deps.Feed,
		metrics:  deps.Metrics,
		sinks:    deps.Sinks,
		market:   bus.NewQueue[deribit.MarketEvent](cfg.QueueSize),
		updates:  bus.NewQueue[deribit.Order](cfg.QueueSize),
		events:   bus.NewQueue[order.Event](cfg.QueueSize),
	}

	g.orders.SetOnOrderCreated(func(o order.Order) {
		g.publish(order.Event{Kind: order.EventCreated, Order: o, To: o.Status, At: o.UpdatedAt})
	})
	g.orders.SetOnOrderModified(func(o order.Order) {
		g.publish(order.Event{Kind: order.EventModified, Order: o, From: o.Status, To: o.Status, At: o.UpdatedAt})
	})
	g.orders.SetOnOrderCanceled(func(o order.Order) {
		g.publish(order.Event{Kind: order.EventCanceled, Order: o, To: o.Status, At: o.UpdatedAt})
	})
	g.orders.SetOnOrderStatusChanged(func(o order.Order, from, to order.Status) {
		g.publish(order.Event{Kind: order.EventStatusChanged, Order: o, From: from, To: to, At: o.UpdatedAt})
	})
	g.server.SetOnMessage(g.handleMessage)

	return g
}

// OnObserverPanic reports a panic raised by an order observer. It is meant
// for order.RegistryConfig.OnObserverPanic.
func (g *Gateway) OnObserverPanic(kind order.EventKind, o order.Order, recovered any) {
	g.observerPanics.Add(1)
	logs.Errorf("order %s observer of %s panicked, recovered: %+v", kind, o.ID, recovered)
}

// ObserverPanics returns how many observer panics were reported.
func (g *Gateway) ObserverPanics() uint64 {
	return g.observerPanics.Load()
}

// publish broadcasts the event on the instrument orders channel and queues it
// for the sinks. It runs inside the registry observers.
func (g *Gateway) publish(e order.Event) {
	payload, err := sonic.Marshal(e.Message())
	if err != nil {
		logs.Errorf("marshal order event %s of %s, err: %+v", e.Kind, e.Order.ID, err)
	} else {
		channel := OrdersChannelPrefix + e.Order.Instrument
		if frame, err := distribution.EncodeFrame(channel, payload); err == nil {
			g.server.Broadcast(channel, frame)
		}
	}

	if len(g.sinks) == 0 {
		return
	}
	if err := g.events.TryPublish(e); err != nil {
		logs.Warnf("order event %s of %s not queued for sinks, err: %+v", e.Kind, e.Order.ID, err)
	}
}

// HandleMarketEvent forwards an exchange notification to the subscribers of
// the channel of the same name.
func (g *Gateway) HandleMarketEvent(e deribit.MarketEvent) int {
	g.metrics.RecordMarketDataUpdate(instrumentOf(e.Channel))

	frame, err := distribution.EncodeFrame(e.Channel, e.Data)
	if err != nil {
		logs.Warnf("encode market event of %s, err: %+v", e.Channel, err)
		return 0
	}
	return g.server.Broadcast(e.Channel, frame)
}

// handleMessage answers a subscriber message. Trading commands go to
// HandleCommand, everything else is a subscription control request.
func (g *Gateway) handleMessage(id uint64, msg []byte) {
	var (
		reply []byte
		err   error
	)
	if isCommand(msg) {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CommandTimeout)
		reply, err = g.HandleCommand(ctx, msg)
		cancel()
	} else {
		reply, err = g.server.HandleControl(id, msg)
	}
	if err != nil {
		logs.Warnf("message of subscriber %d rejected, err: %+v", id, err)
	}
	if err := g.server.Send(id, reply); err != nil {
		logs.Warnf("reply to subscriber %d failed, err: %+v", id, err)
	}
}

func (g *Gateway) record(e order.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()
	for _, s := range g.sinks {
		if err := s.Record(ctx, e); err != nil {
			logs.Errorf("record order event %s of %s, err: %+v", e.Kind, e.Order.ID, err)
		}
	}
}

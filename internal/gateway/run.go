package gateway

import (
	"context"

	"gateway/internal/exchange/deribit"
	"gateway/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Run subscribes the configured channels and forwards exchange events until
// ctx is done. On return the channels are unsubscribed and every queued
// order event has reached the sinks.
func (g *Gateway) Run(ctx context.Context) error {
	if g.feed == nil {
		return errors.Wrap(exception.ErrExchangeUnsupportedArg, "no feed")
	}
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("gateway already running")
	}

	unobserve := g.feed.Observe(ctx, g.onMarket, g.onOrder)
	defer unobserve()

	channels := g.channels()
	if err := g.cfg.Backoff.retry(ctx, "subscribe exchange channels", func(ctx context.Context) error {
		return g.feed.Subscribe(ctx, channels...)
	}); err != nil {
		g.shutdown()
		return err
	}

	g.consume(ctx)
	logs.Infof("gateway running, forwarding %d channels", len(channels))

	<-ctx.Done()

	uctx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()
	if err := g.feed.Unsubscribe(uctx, channels...); err != nil {
		logs.Warnf("unsubscribe exchange channels, err: %+v", err)
	}

	g.shutdown()
	logs.Info("gateway stopped")
	return nil
}

func (g *Gateway) channels() []string {
	channels := append([]string(nil), g.cfg.Channels...)
	if g.cfg.Private {
		channels = append(channels, deribit.ChannelUserOrders)
	}
	return channels
}

func (g *Gateway) onMarket(e deribit.MarketEvent) {
	if err := g.market.TryPublish(e); err != nil {
		logs.Debugf("market event of %s dropped, err: %+v", e.Channel, err)
	}
}

func (g *Gateway) onOrder(u deribit.Order) {
	if err := g.updates.TryPublish(u); err != nil {
		logs.Warnf("order update of %s dropped, err: %+v", u.OrderID, err)
	}
}

// consume starts the queue consumers. Market events stop with ctx, order
// updates and sink events drain until their queue is closed.
func (g *Gateway) consume(ctx context.Context) {
	g.pumps.Add(2)
	go func() {
		defer g.pumps.Done()
		g.market.Run(ctx, func(e deribit.MarketEvent) { g.HandleMarketEvent(e) })
	}()
	go func() {
		defer g.pumps.Done()
		g.updates.Run(context.Background(), g.HandleOrderUpdate)
	}()

	g.recorder.Add(1)
	go func() {
		defer g.recorder.Done()
		g.events.Run(context.Background(), g.record)
	}()
}

// shutdown closes the queues and waits for the consumers. The sink queue
// closes last so events of drained order updates are still recorded.
func (g *Gateway) shutdown() {
	g.market.Close()
	g.updates.Close()
	g.pumps.Wait()

	g.events.Close()
	g.recorder.Wait()
}

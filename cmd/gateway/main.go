package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gateway/internal/distribution"
	"gateway/internal/exchange/deribit"
	"gateway/internal/gateway"
	"gateway/internal/journal"
	"gateway/internal/ops"
	"gateway/internal/order"
	"gateway/internal/publisher"
	"gateway/internal/telemetry"
	"gateway/pkg/conn"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	publicOnly := flag.Bool("public-only", false, "Forward public market data only, no trading session")
	reportPath := flag.String("report", "", "Telemetry report output (default: telemetry.report of the config)")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(*publicOnly); err != nil {
		logs.Errorf("invalid config, err: %+v", err)
		os.Exit(1)
	}
	if *reportPath != "" {
		cfg.Telemetry.Report = *reportPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *publicOnly); err != nil {
		logs.Errorf("gateway failed, err: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg ops.Config, publicOnly bool) error {
	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "deribit.gateway",
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags: map[string]string{
				"testnet": boolTag(cfg.Exchange.Testnet),
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return errors.Wrap(err, "start pyroscope")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(telemetry.Config{
		MaxSamples: cfg.Telemetry.MaxSamples,
		Registerer: registry,
	})

	var gw *gateway.Gateway
	orders := order.NewRegistry(order.RegistryConfig{
		OnObserverPanic: func(kind order.EventKind, o order.Order, recovered any) {
			gw.OnObserverPanic(kind, o, recovered)
		},
	})

	server := distribution.NewServer(distribution.Config{Metrics: metrics})
	wsCfg := cfg.WebsocketConfig()
	wsCfg.Routes = map[string]http.Handler{
		"/metrics": promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
	if _, err := distribution.NewWebsocketListener(server, wsCfg); err != nil {
		return errors.Wrap(err, "new websocket listener")
	}

	client := deribit.NewClient(deribit.Config{
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Testnet:   cfg.Exchange.Testnet,
		RestURL:   cfg.Exchange.RestURL,
		Timeout:   cfg.Exchange.Timeout.Std(),
	}, &http.Client{})

	feedCfg := deribit.FeedConfig{Testnet: cfg.Exchange.Testnet, WsURL: cfg.Exchange.WsURL}
	if !publicOnly {
		feedCfg.APIKey, feedCfg.APISecret = cfg.Exchange.APIKey, cfg.Exchange.APISecret
		if err := client.Authenticate(ctx); err != nil {
			return errors.Wrap(err, "authenticate")
		}
	}
	feed := deribit.NewFeed(ctx, feedCfg)
	if err := feed.Start(ctx); err != nil {
		return errors.Wrap(err, "start feed")
	}
	defer feed.Close()

	sinks, closeSinks, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	gw = gateway.New(gateway.Config{
		Channels:       cfg.BookChannels(),
		Private:        !publicOnly,
		CommandTimeout: cfg.Exchange.Timeout.Std(),
	}, gateway.Deps{
		Orders:   orders,
		Server:   server,
		Exchange: client,
		Feed:     feed,
		Metrics:  metrics,
		Sinks:    sinks,
	})

	if !publicOnly {
		if _, err := gw.Reconcile(ctx, currencies(cfg.Instruments)...); err != nil {
			logs.Warnf("reconcile open orders, err: %+v", err)
		}
	}

	if err := server.Start(); err != nil {
		return errors.Wrap(err, "start distribution server")
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logs.Warnf("stop distribution server, err: %+v", err)
		}
	}()

	go refreshTelemetry(ctx, metrics, cfg.Telemetry.UpdateInterval.Std())

	err = gw.Run(ctx)

	metrics.Update()
	if rerr := metrics.Report(cfg.Telemetry.Report); rerr != nil {
		logs.Warnf("write telemetry report, err: %+v", rerr)
	}
	return err
}

// openSinks connects the optional journal and publisher. The returned func
// closes whatever was opened.
func openSinks(ctx context.Context, cfg ops.Config) ([]gateway.Sink, func(), error) {
	var (
		sinks   []gateway.Sink
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logs.Warnf("close sink, err: %+v", err)
			}
		}
	}

	if cfg.Journal.Enabled {
		pg, err := conn.Open(ctx, conn.Option{DSN: cfg.Journal.DSN})
		if err != nil {
			return nil, closeAll, errors.Wrap(err, "open journal database")
		}
		closers = append(closers, pg.Close)

		j := journal.New(pg.DB())
		if err := j.Migrate(ctx); err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, j)
	}

	if cfg.Kafka.Enabled {
		p := publisher.New(publisher.NewKafkaWriter(publisher.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}))
		closers = append(closers, p.Close)
		sinks = append(sinks, p)
	}

	return sinks, closeAll, nil
}

func refreshTelemetry(ctx context.Context, metrics *telemetry.Metrics, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Update()
		}
	}
}

// currencies returns the settlement currencies of the instruments, e.g. BTC for BTC-PERPETUAL.
func currencies(instruments []string) []string {
	seen := make(map[string]struct{}, len(instruments))
	result := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		currency, _, _ := strings.Cut(strings.TrimSpace(inst), "-")
		if currency == "" {
			continue
		}
		if _, ok := seen[currency]; ok {
			continue
		}
		seen[currency] = struct{}{}
		result = append(result, currency)
	}
	return result
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

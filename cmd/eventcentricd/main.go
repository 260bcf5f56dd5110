// Command eventcentricd runs one replicating event-sourcing node: SQLite
// storage, the HTTP poll API for downstream consumers, pullers for every
// subscription this node holds, and an optional NATS notification bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codewandler/eventcentric-go/adapters/httppoll"
	"github.com/codewandler/eventcentric-go/adapters/nats"
	"github.com/codewandler/eventcentric-go/adapters/prometheus"
	"github.com/codewandler/eventcentric-go/adapters/sqlite"
	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/node"
	"github.com/codewandler/eventcentric-go/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := es.NewRegistry()
	registerDocumentEvents(registry)

	var metrics es.StoreMetrics
	if cfg.Metrics.Enabled {
		reg := promclient.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = prometheus.NewStoreMetrics(reg)

		metricsSrv := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer shutdown(metricsSrv, log)
	}

	n, err := node.New(node.Config{
		Context:                 ctx,
		Log:                     log,
		StreamType:              cfg.Node.StreamType,
		Storage:                 store,
		Registry:                registry,
		Factory:                 es.NewFactory(NewDocument),
		Handler:                 documentHandler(),
		PullClient:              httppoll.NewClient(httppoll.ClientConfig{Timeout: cfg.Pull.Timeout, Quantity: cfg.Pull.Quantity}),
		PollInterval:            cfg.Pull.Interval,
		PollQuantity:            cfg.Pull.Quantity,
		DispatchShards:          cfg.Node.DispatchShards,
		SnapshotTTL:             cfg.Node.SnapshotTTL,
		PersistIncomingPayloads: cfg.Node.PersistIncomingPayloads,
		Metrics:                 metrics,
	})
	if err != nil {
		return err
	}

	for _, sub := range cfg.Subscriptions {
		added, err := n.Subscribe(ctx, sub.StreamType, sub.URL, sub.Token)
		if err != nil {
			return err
		}
		if added {
			log.Info("subscription added", slog.String("producer", sub.StreamType))
		}
	}

	if cfg.NATS.Enabled {
		bridge, err := nats.NewBridge(nats.BridgeConfig{
			Connect:       nats.ConnectURL(cfg.NATS.URL),
			Log:           log,
			Bus:           n.Bus(),
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			StreamType:    cfg.Node.StreamType,
		})
		if err != nil {
			return err
		}
		go bridge.Run(ctx)
		defer bridge.Close()
	}

	pollSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httppoll.NewServer(httppoll.ServerConfig{
			Log:   log,
			Store: n.Store(),
			Token: cfg.HTTP.Token,
		}).Handler(),
	}
	go func() {
		log.Info("poll api listening", slog.String("addr", cfg.HTTP.Addr))
		if err := pollSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("poll api failed", slog.Any("error", err))
		}
	}()
	defer shutdown(pollSrv, log)

	if err := n.Run(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	n.Stop()
	return nil
}

func shutdown(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", slog.Any("error", err))
	}
}

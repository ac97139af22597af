// Package main is the entry point for whale-intel, a service that watches
// token transfers of trending and configured coins and reports whale moves.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/aggregate"
	"github.com/yourorg/whale-intel/internal/cache"
	"github.com/yourorg/whale-intel/internal/config"
	"github.com/yourorg/whale-intel/internal/events"
	"github.com/yourorg/whale-intel/internal/fetch"
	"github.com/yourorg/whale-intel/internal/httpclient"
	"github.com/yourorg/whale-intel/internal/jobs"
	"github.com/yourorg/whale-intel/internal/otel"
	"github.com/yourorg/whale-intel/internal/scheduler"
	"github.com/yourorg/whale-intel/internal/security"
	"github.com/yourorg/whale-intel/internal/storage"
	"github.com/yourorg/whale-intel/internal/storage/memory"
	"github.com/yourorg/whale-intel/internal/storage/postgres"
	"github.com/yourorg/whale-intel/internal/whale"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// API key headers of the two upstreams
const (
	marketKeyHeader = "x-cg-pro-api-key"
	chainKeyHeader  = "X-API-Key"
)

// main is the entry point for the application
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	setupLogging(cfg.App)
	logrus.WithFields(cfg.Fields()).Info("Configuration loaded")

	shutdownTracer := otel.InitTracer(cfg.App.OtelEndpoint)
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize server: %v", err)
	}
	server.Start(ctx)
}

// setupLogging configures the logging for the application
func setupLogging(cfg config.AppConfig) {
	switch cfg.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	logrus.Info("Logging configured")
}

// Server represents the whale-intel process: the HTTP surface, the jobs and
// everything they share.
type Server struct {
	cfg *config.Config

	service *whale.Service
	runner  *jobs.Runner
	cron    *cron.Cron

	// Upstream clients, reported by /circuit
	upstreams map[string]fetch.BreakerReporter

	hub      *events.Hub
	webhook  *events.WebhookExporter
	closers  []func() error
	checkers map[string]func(context.Context) error

	server *http.Server
}

// NewServer connects the backends and wires the service and its jobs.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		upstreams: map[string]fetch.BreakerReporter{},
		checkers:  map[string]func(context.Context) error{},
	}

	marketHTTP := httpclient.New(cfg.Market.ClientOptions("market", marketKeyHeader))
	chainHTTP := httpclient.New(cfg.Chain.ClientOptions("chain", chainKeyHeader))
	market := fetch.NewMarketClient(marketHTTP)
	chain := fetch.NewChainClient(chainHTTP)
	s.upstreams["market"] = market
	s.upstreams["chain"] = chain

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.openCache(ctx)
	if err != nil {
		s.close()
		return nil, err
	}
	publisher, err := s.openPublishers()
	if err != nil {
		s.close()
		return nil, err
	}

	exchanges := cfg.Whale.ExchangeAddresses
	if len(exchanges) == 0 {
		exchanges = aggregate.DefaultExchangeAddresses
	}
	book := aggregate.NewStaticAddressBook(exchanges, cfg.Whale.DevAddresses)

	opts := whale.DefaultOptions()
	opts.MinUSDValue = cfg.Whale.MinUSDValue
	opts.TransferLimit = cfg.Whale.TransferLimit
	opts.ActiveWindow = cfg.Whale.ActiveWindow
	s.service = whale.NewService(whale.Deps{
		Transfers:   chain,
		Prices:      market,
		Store:       store,
		Cache:       c,
		Publisher:   publisher,
		AddressBook: book,
	}, opts)

	tracked, err := cfg.Whale.Coins()
	if err != nil {
		s.close()
		return nil, err
	}
	s.runner = jobs.NewRunner(s.service,
		jobs.NewDiscovery(market, tracked, cfg.Whale.TrendingEnabled),
		scheduler.New(scheduler.Options{BatchSize: cfg.Jobs.SyncBatchSize, Delay: cfg.Jobs.SyncDelay, Publisher: publisher}),
		scheduler.New(scheduler.Options{BatchSize: cfg.Jobs.AnalysisBatchSize, Delay: cfg.Jobs.AnalysisDelay, Publisher: publisher}),
	)

	s.cron = jobs.NewCron()
	if err := s.runner.Register(ctx, s.cron, jobs.Schedules{
		Discovery: cfg.Jobs.DiscoverySchedule,
		Sync:      cfg.Jobs.SyncSchedule,
		Analysis:  cfg.Jobs.AnalysisSchedule,
	}); err != nil {
		s.close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"port":           cfg.App.Port,
		"exchange_addrs": book.Len(),
		"tracked_coins":  len(tracked),
	}).Info("Server initialized")
	return s, nil
}

func (s *Server) openStore(ctx context.Context) (storage.WhaleTransactionStore, error) {
	if s.cfg.Postgres.DSN == "" {
		logrus.Warn("POSTGRES_DSN not set, whale transactions are kept in memory")
		return memory.NewWhaleTransactionStore(), nil
	}
	pool, err := postgres.NewPool(ctx, s.cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	if s.cfg.Postgres.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	s.closers = append(s.closers, func() error { pool.Close(); return nil })
	s.checkers["postgres"] = pool.Ping
	logrus.Info("Postgres store ready")
	return postgres.NewWhaleTransactionStore(pool), nil
}

func (s *Server) openCache(ctx context.Context) (cache.Cache, error) {
	if s.cfg.Redis.Addr == "" {
		logrus.Info("REDIS_ADDR not set, using in-process cache")
		return cache.NewMemory(), nil
	}
	r, err := cache.NewRedis(ctx, cache.RedisOptions{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
		Prefix:   s.cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, r.Close)
	s.checkers["redis"] = r.Health
	logrus.Info("Redis cache ready")
	return r, nil
}

func (s *Server) openPublishers() (events.Publisher, error) {
	s.hub = events.NewHub()
	publishers := events.Multi{s.hub}

	if len(s.cfg.Kafka.Brokers) > 0 {
		k := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      s.cfg.Kafka.Brokers,
			Topic:        s.cfg.Kafka.Topic,
			BatchTimeout: s.cfg.Kafka.BatchTimeout,
		})
		s.closers = append(s.closers, k.Close)
		publishers = append(publishers, k)
		logrus.Infof("Kafka publisher enabled, topic %s", s.cfg.Kafka.Topic)
	}

	if s.cfg.Webhook.URL != "" {
		headers := map[string]string{}
		if s.cfg.Webhook.APIKey != "" {
			headers["Authorization"] = "Bearer " + s.cfg.Webhook.APIKey
		}
		var signer *security.Signer
		if s.cfg.Webhook.Sign {
			var err error
			if signer, err = security.NewSigner(s.cfg.Webhook.SigningKey); err != nil {
				return nil, err
			}
		}
		client := httpclient.New(httpclient.Options{
			Name:    "webhook",
			BaseURL: s.cfg.Webhook.URL,
			Headers: headers,
		})
		s.webhook = events.NewWebhookExporter(client, events.WebhookConfig{
			BatchSize: s.cfg.Webhook.BatchSize,
			Interval:  s.cfg.Webhook.Interval,
			Signer:    signer,
		})
		s.upstreams["webhook"] = client
		publishers = append(publishers, s.webhook)
		logrus.Info("Webhook exporter enabled")
	}
	return publishers, nil
}

// Start serves HTTP and runs the jobs until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) {
	s.server = &http.Server{
		Addr:         ":" + s.cfg.App.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.App.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	s.cron.Start()
	if s.cfg.Jobs.RunOnStart {
		go func() {
			s.runner.Refresh(ctx)
			s.runner.Sync(ctx)
		}()
	}

	<-ctx.Done()
	logrus.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.App.ShutdownTimeout)
	defer cancel()

	// Wait for running jobs; they observe the cancelled ctx.
	select {
	case <-s.cron.Stop().Done():
	case <-shutdownCtx.Done():
		logrus.Warn("Jobs did not finish before the shutdown deadline")
	}

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	s.hub.Close()
	if s.webhook != nil {
		s.webhook.Stop(shutdownCtx)
	}
	s.close()

	logrus.Info("Server stopped")
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logrus.Warnf("Close failed: %v", err)
		}
	}
	s.closers = nil
}

// health runs every backend check.
func (s *Server) health(ctx context.Context) map[string]string {
	out := make(map[string]string, len(s.checkers))
	for name, check := range s.checkers {
		if err := check(ctx); err != nil {
			out[name] = fmt.Sprintf("error: %v", err)
			continue
		}
		out[name] = "ok"
	}
	return out
}

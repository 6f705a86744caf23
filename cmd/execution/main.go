package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/realisonsdotcom/execution-core/internal/audit"
	"github.com/realisonsdotcom/execution-core/internal/broker"
	"github.com/realisonsdotcom/execution-core/internal/broker/paper"
	"github.com/realisonsdotcom/execution-core/internal/broker/smartrest"
	"github.com/realisonsdotcom/execution-core/internal/config"
	"github.com/realisonsdotcom/execution-core/internal/entitlement"
	"github.com/realisonsdotcom/execution-core/internal/handlers"
	"github.com/realisonsdotcom/execution-core/internal/rate"
	execrouter "github.com/realisonsdotcom/execution-core/internal/router"
	"github.com/realisonsdotcom/execution-core/internal/storage"
	"github.com/realisonsdotcom/execution-core/internal/vault"
	"github.com/realisonsdotcom/execution-core/libs/health"
	"github.com/realisonsdotcom/execution-core/libs/httpmiddleware"
	"github.com/realisonsdotcom/execution-core/libs/kafka"
	"github.com/realisonsdotcom/execution-core/libs/logging"
	"github.com/realisonsdotcom/execution-core/libs/metrics"
	"github.com/realisonsdotcom/execution-core/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	routerMetrics := execrouter.NewMetrics(registry)
	auditMetrics := audit.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool)
	auditRec := audit.NewRecorder(store, logging.WithComponent(logger, "audit"), auditMetrics)

	keyring, err := buildKeyring(cfg.Vault)
	if err != nil {
		logger.Error("vault keyring init failed", "error", err)
		os.Exit(1)
	}

	// Adapter lookups happen per request, so the registry can be
	// populated after the router is built. Paper fills feed straight
	// back through ApplyBrokerUpdate.
	brokers := broker.NewRegistry()

	credVault, err := vault.New(store, brokers, keyring, auditRec, logging.WithComponent(logger, "vault"))
	if err != nil {
		logger.Error("vault init failed", "error", err)
		os.Exit(1)
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithMetrics(kafka.NewConsumerMetrics(registry))
	defer consumerGroup.Close()

	gate := entitlement.NewGate(entitlement.DefaultCapabilities())

	exec := execrouter.New(execrouter.Config{
		Retry: execrouter.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			MaxDelay:    cfg.Dispatch.MaxDelay,
		},
		LaneBuffer:      cfg.Dispatch.LaneBuffer,
		DispatchTimeout: cfg.Dispatch.Timeout,
		LifecycleTopic:  cfg.Kafka.LifecycleTopic,
	}, store, credVault, gate, brokers, auditRec, producer, routerMetrics, logging.WithComponent(logger, "router"))

	if cfg.Paper.Enabled {
		paperAdapter := paper.New(paper.Config{FillDelay: cfg.Paper.FillDelay, LotSize: decimal.Zero}, func(upd paper.Update) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := exec.ApplyBrokerUpdate(ctx, execrouter.BrokerUpdate{
				OrderID:        upd.OrderID,
				Status:         upd.Status,
				FilledQuantity: upd.FilledQty,
				BrokerRef:      upd.BrokerRef,
			})
			if err != nil {
				logger.Error("paper fill apply failed", "order_id", upd.OrderID, "error", err)
			}
		})
		if err := brokers.Register(paperAdapter); err != nil {
			logger.Error("register paper broker failed", "error", err)
			os.Exit(1)
		}
		defer paperAdapter.Drain()
	}
	if cfg.SmartREST.Enabled {
		srAdapter := smartrest.New(smartrest.Config{
			BrokerID:    "smartrest",
			BaseURL:     cfg.SmartREST.BaseURL,
			CallTimeout: cfg.SmartREST.CallTimeout,
			SessionTTL:  cfg.SmartREST.SessionTTL,
		})
		if err := brokers.Register(srAdapter); err != nil {
			logger.Error("register smartrest broker failed", "error", err)
			os.Exit(1)
		}
	}

	limiter := buildLimiter(cfg, logger)

	handler := handlers.New(exec, credVault, auditRec, gate, limiter, logging.WithComponent(logger, "http"))
	engine := gin.New()
	engine.Use(httpmiddleware.RequestID())
	engine.Use(httpmiddleware.Logger(logger))
	engine.Use(httpmiddleware.Recovery(logger))
	engine.Use(trace.Middleware(cfg.App.ServiceName))

	engine.GET("/healthz", health.LivenessHandler)
	engine.GET("/readyz", health.ReadinessHandler(ready))
	engine.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(engine, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	updates := execrouter.NewUpdateConsumer(exec)

	ready.SetReady(true)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	go func() {
		logger.Info("execution http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("execution consumer starting", "topic", cfg.Kafka.UpdatesTopic)
		if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.UpdatesTopic}, updates); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	waitForShutdown(httpServer, exec, ready, consumerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildKeyring(cfg config.VaultConfig) (*vault.Keyring, error) {
	keys := make([]vault.KeyConfig, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, vault.KeyConfig{
			Version:    k.Version,
			Material:   k.Material,
			Passphrase: k.Passphrase,
			Salt:       k.Salt,
		})
	}
	return vault.NewKeyring(cfg.ActiveKeyVersion, keys)
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) rate.Limiter {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, using in-process rate limiter")
		return rate.NewMemory(cfg.Rate.Limit, cfg.Rate.Window)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return rate.NewRedis(client, cfg.Rate.Limit, cfg.Rate.Window, "")
}

func waitForShutdown(httpServer *http.Server, exec *execrouter.Router, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetDraining()
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelTimeout()

	// Close the listener first so no new submissions arrive, then drain
	// the dispatch lanes so already-accepted orders reach a broker or a
	// terminal state.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := exec.Close(ctx); err != nil {
		logger.Error("router drain error", "error", err)
	}
	logger.Info("shutdown complete")
}

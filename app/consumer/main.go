// Command consumer wires together configuration, the router, the
// lock/store/writer clients, the lifecycle glue, and the worker pool
// into one running NSQ consumer process, with a small admin HTTP surface
// for health checks and Prometheus scraping.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/nsqpipe/config"
	"github.com/flowmesh/nsqpipe/consumer"
	"github.com/flowmesh/nsqpipe/health"
	"github.com/flowmesh/nsqpipe/lifecycle"
	"github.com/flowmesh/nsqpipe/lock"
	"github.com/flowmesh/nsqpipe/logging"
	"github.com/flowmesh/nsqpipe/metrics"
	"github.com/flowmesh/nsqpipe/nsqadmin"
	"github.com/flowmesh/nsqpipe/router"
	"github.com/flowmesh/nsqpipe/store"
	"github.com/flowmesh/nsqpipe/writer"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewFromEnv(cfg.LogLevel, cfg.LogPath, cfg.ServiceName)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metricsRecorder := metrics.New()
	if err := metricsRecorder.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	monitor := health.NewMonitor(0)

	admin := nsqadmin.New(cfg.NSQDAddrs, nsqadmin.WithLogger(logger), nsqadmin.WithLookupd(cfg.LookupdAddr))
	if err := admin.EnsureTopics(ctx, []string{cfg.Topic}); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	locks := lock.New(rdb, cfg.ServiceName)
	failedStore := store.New(rdb)

	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.MaxInFlight
	producer, err := nsq.NewProducer(cfg.NSQDAddrs[0], nsqCfg)
	if err != nil {
		return fmt.Errorf("new nsq producer: %w", err)
	}
	pub := writer.New(producer, writer.WithLogger(logger))
	defer pub.Stop()

	rt := router.New()
	registerRoutes(rt, cfg, locks, failedStore, pub, metricsRecorder, logger)

	nsqConsumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		return fmt.Errorf("new nsq consumer: %w", err)
	}
	sub := consumer.NewNSQSubscription(nsqConsumer)

	pool, err := consumer.New(sub, consumer.Config{
		Concurrency: cfg.Concurrency,
		MaxInFlight: cfg.MaxInFlight,
		Timeout:     cfg.Timeout,
		ServiceName: cfg.ServiceName,
	}, func(msg consumer.Message) {
		if err := rt.Dispatch(msg); err != nil {
			logger.Error("route dispatch failed", slog.String("message_id", msg.ID()), slog.Any("err", err))
		}
	}, consumer.WithLogger(logger), consumer.WithHealthMonitor(monitor))
	if err != nil {
		return fmt.Errorf("new consumer pool: %w", err)
	}

	if err := connectNSQ(nsqConsumer, cfg); err != nil {
		return fmt.Errorf("connect nsq consumer: %w", err)
	}

	adminSrv := newAdminServer(monitor)
	metricsSrv := &http.Server{Addr: cfg.AdminAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	go func() {
		if err := adminSrv.Listen(cfg.HealthAddr); err != nil {
			logger.Warn("admin server stopped", slog.Any("err", err))
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	pool.Stop(30 * time.Second)
	_ = adminSrv.ShutdownWithTimeout(5 * time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}

// registerRoutes binds each business route to the router through a
// Lifecycle, so locking/retry/persistence wraps every handler uniformly.
// A route's HandlerFunc receives the router.Message it matched on; since
// every message delivered by the pool is really a consumer.Message, the
// type assertion below always succeeds for traffic coming through Dispatch
// from the pool's own handler.
func registerRoutes(rt *router.Router, cfg config.Config, locks *lock.Client, failedStore *store.Store, pub *writer.Writer, m *metrics.Metrics, logger *slog.Logger) {
	life := lifecycle.New(lifecycle.Config{
		Topic:        cfg.Topic,
		Channel:      cfg.Channel,
		RouteName:    "default",
		Idempotent:   true,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	}, func(ctx context.Context, body []byte) error {
		// Application business logic lives here; left as a routing seam
		// for whatever route-specific handler is registered below.
		return nil
	}, lifecycle.WithLock(lifecycle.LockOptions{
		Client: locks,
		KeyFunc: func(body []byte) (string, bool) {
			return cfg.Topic, true
		},
		Mandatory: false,
	}),
		lifecycle.WithStore(failedStore),
		lifecycle.WithWriter(pub),
		lifecycle.WithMetrics(m),
		lifecycle.WithLogger(logger))

	_ = rt.Register("default", router.Always, func(msg router.Message) error {
		full, ok := msg.(consumer.Message)
		if !ok {
			return fmt.Errorf("registerRoutes: message %T does not support the full lifecycle contract", msg)
		}
		life.Handle(full)
		return nil
	})
}

func connectNSQ(c *nsq.Consumer, cfg config.Config) error {
	if cfg.LookupdAddr != "" {
		return c.ConnectToNSQLookupd(cfg.LookupdAddr)
	}
	return c.ConnectToNSQDs(cfg.NSQDAddrs)
}

func newAdminServer(monitor *health.Monitor) *adminServer {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if !monitor.IsHealthy() {
			return c.SendStatus(http.StatusServiceUnavailable)
		}
		return c.JSON(fiber.Map{
			"healthy":               true,
			"last_activity_seconds": monitor.SecondsSinceActivity(),
			"requests":              monitor.RequestCount(),
			"timeouts":              monitor.TimeoutCount(),
			"goroutines":            monitor.GoroutineCount(),
		})
	})
	return &adminServer{app: app}
}

type adminServer struct {
	app *fiber.App
}

func (a *adminServer) Listen(addr string) error {
	return a.app.Listen(addr)
}

func (a *adminServer) ShutdownWithTimeout(d time.Duration) error {
	return a.app.ShutdownWithTimeout(d)
}

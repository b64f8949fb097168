package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/powershare/energymatch/internal/allocation"
	"github.com/powershare/energymatch/internal/api"
	"github.com/powershare/energymatch/internal/auth"
	"github.com/powershare/energymatch/internal/config"
	"github.com/powershare/energymatch/internal/ledger"
	"github.com/powershare/energymatch/internal/logging"
	"github.com/powershare/energymatch/internal/marketdata"
	"github.com/powershare/energymatch/internal/matching"
	"github.com/powershare/energymatch/internal/telemetry"
	"github.com/powershare/energymatch/pkg/circuit"
	"github.com/powershare/energymatch/pkg/messaging"
	"github.com/powershare/energymatch/pkg/outbox"
	"github.com/powershare/energymatch/pkg/scoring"
)

func main() {
	logger, err := logging.New(logging.ConfigFromEnv("matching-engine"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger, config.Load()); err != nil {
		logger.Fatal("matching engine failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model, err := loadModel(ctx, cfg, logger)
	if err != nil {
		return err
	}

	queue, err := outbox.Open(cfg.OutboxDir)
	if err != nil {
		return err
	}
	defer queue.Close()

	tracker := marketdata.NewTracker(marketdata.WithTrackerLogger(logger))
	hub := api.NewHub(logger)
	sink := messaging.Fanout{
		{Name: "outbox", Sink: queue},
		{Name: "tracker", Sink: tracker},
		{Name: "hub", Sink: hub},
	}

	engine := matching.NewEngine(
		matching.WithSink(sink),
		matching.WithLogger(logger.Named("engine")),
		matching.WithSweepInterval(cfg.SweepInterval),
		matching.WithTradeHistory(cfg.TradeHistory),
	)
	matcher := allocation.NewMatcher(
		allocation.WithModel(model),
		allocation.WithSink(sink),
		allocation.WithLogger(logger.Named("allocation")),
	)

	downstream, closeAll, err := dialSinks(ctx, cfg, engine, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	var authSvc *auth.Service
	if cfg.JWTSecret != "" {
		authSvc = auth.NewService(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set; trusting X-User-ID header")
	}

	server := api.NewServer(api.Config{
		DefaultExpiry: time.Duration(cfg.DefaultExpiryHours) * time.Hour,
		SnapshotDepth: cfg.SnapshotDepth,
	}, api.Deps{
		Engine:  engine,
		Matcher: matcher,
		Tracker: tracker,
		Hub:     hub,
		Auth:    authSvc,
		Logger:  logger.Named("api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	engine.Start(ctx)
	defer engine.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if len(downstream) > 0 {
		relay := messaging.NewRelay(queue, downstream, messaging.RelayConfig{
			BatchSize: cfg.RelayBatch,
			Interval:  cfg.RelayInterval,
			Breaker: circuit.Config{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				HalfOpenMax: 1,
			},
		}, logger.Named("relay"))
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		logger.Warn("no downstream sinks configured; outbox will only accumulate")
	}
	g.Go(func() error {
		pruneLoop(gctx, engine, cfg.PruneAfter, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("matching engine listening", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down matching engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// loadModel applies the etcd weight overlay when endpoints are configured.
func loadModel(ctx context.Context, cfg config.Config, logger *zap.Logger) (*scoring.Model, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return scoring.DefaultModel(), nil
	}
	cli, err := config.DialEtcd(cfg)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	weights, err := config.LoadProfileWeights(ctx, cli, cfg.EtcdPrefix)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded profile weights from etcd", zap.Int("profiles", len(weights)))
	return scoring.NewModel(weights)
}

// dialSinks connects every configured downstream. The returned func closes
// whatever was opened.
func dialSinks(ctx context.Context, cfg config.Config, engine *matching.Engine, logger *zap.Logger) ([]messaging.Named, func(), error) {
	var (
		sinks   []messaging.Named
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) ([]messaging.Named, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	if cfg.NATSURL != "" {
		client, err := messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "matching-engine",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { client.Close() })
		if err := client.EnsureStream(cfg.NATSStream, []string{cfg.NATSSubject + ".>"}, 2*time.Minute); err != nil {
			return fail(err)
		}
		sinks = append(sinks, messaging.Named{Name: "nats", Sink: client.Sink(cfg.NATSSubject)})
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafka := messaging.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, func() { kafka.Close() })
		sinks = append(sinks, messaging.Named{Name: "kafka", Sink: kafka})
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", zap.Error(err))
		}
		sinks = append(sinks, messaging.Named{Name: "redis", Sink: marketdata.NewRedisPublisher(rdb, engine)})
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { db.Close() })
		rec := ledger.NewRecorder(db, ledger.WithLogger(logger.Named("ledger")))
		if err := rec.Migrate(ctx); err != nil {
			return fail(err)
		}
		sinks = append(sinks, messaging.Named{Name: "postgres", Sink: rec})
	}

	if cfg.InfluxURL != "" {
		influx := telemetry.DialInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		closers = append(closers, influx.Close)
		sinks = append(sinks, messaging.Named{Name: "influx", Sink: influx})
	}

	return sinks, closeAll, nil
}

func pruneLoop(ctx context.Context, engine *matching.Engine, after time.Duration, logger *zap.Logger) {
	if after <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := engine.PruneTerminal(now.Add(-after)); n > 0 {
				logger.Debug("pruned terminal orders", zap.Int("count", n))
			}
		}
	}
}

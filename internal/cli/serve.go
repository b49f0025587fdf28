package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/api"
	"github.com/AdnanHimself/couple-steps-sub000/internal/auth"
	"github.com/AdnanHimself/couple-steps-sub000/internal/challenge"
	"github.com/AdnanHimself/couple-steps-sub000/internal/config"
	"github.com/AdnanHimself/couple-steps-sub000/internal/daystore"
	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/engine"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger/postgres"
	"github.com/AdnanHimself/couple-steps-sub000/internal/outbox"
	"github.com/AdnanHimself/couple-steps-sub000/internal/realtime"
	"github.com/AdnanHimself/couple-steps-sub000/internal/sources"
	httptransport "github.com/AdnanHimself/couple-steps-sub000/internal/transport/http"
)

// NewServeCommand runs the engine, its session and the HTTP API.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Track, reconcile and sync today's steps and serve the query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.Config, opts.Logger)
		},
	}
}

// teardown runs registered release functions in reverse order.
type teardown []func()

func (t *teardown) add(fn func()) { *t = append(*t, fn) }

func (t teardown) run() {
	for i := len(t) - 1; i >= 0; i-- {
		t[i]()
	}
}

func runServe(parent context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	var release teardown
	defer func() {
		cancel()
		release.run()
	}()

	var (
		l          ledger.Ledger
		memory     *ledger.MemoryLedger
		dispatcher *outbox.Dispatcher
	)
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		release.add(pool.Close)
		l = postgres.NewRepository(pool)

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		release.add(func() { _ = producer.Close() })
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.Named("outbox")))
	} else {
		logger.Warn("POSTGRES_URL not set, using the in-memory ledger")
		memory = ledger.NewMemoryLedger()
		l = memory
	}

	store := daystore.New(cfg.LocalUserID, cfg.PartnerID)
	machine := challenge.New(l, cfg.LocalUserID,
		challenge.WithLogger(logger.Named("challenge")),
		challenge.WithNotifier(challenge.NotifierFunc(func(ctx context.Context, p domain.ChallengeProgress) {
			logger.Info("challenge goal reached",
				zap.String("challenge_id", p.ChallengeID),
				zap.String("kind", string(p.Kind)),
				zap.Int("steps", p.AggregatedSteps),
			)
		})),
	)
	eng := engine.New(store, l, machine,
		engine.WithLogger(logger.Named("engine")),
		engine.WithLocation(loc),
		engine.WithSyncWindow(cfg.SyncWindow),
		engine.WithStreakThreshold(cfg.StreakThreshold),
	)

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()
	release.add(func() { <-engineDone })
	select {
	case <-eng.Started():
	case err := <-engineDone:
		return err
	}

	if dispatcher != nil {
		go dispatcher.Start(ctx)
		release.add(dispatcher.Wait)
	}

	session, err := eng.OpenSession(ctx, sessionConfig(ctx, cfg, logger, eng, memory, &release))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	release.add(func() {
		if err := session.Close(); err != nil {
			logger.Warn("session close", zap.Error(err))
		}
	})
	logger.Info("session opened",
		zap.String("session_id", session.ID),
		zap.String("user_id", cfg.LocalUserID),
		zap.String("partner_id", cfg.PartnerID),
	)

	mux := http.NewServeMux()
	api.NewHandler(eng, cfg.LocalUserID, logger.Named("api")).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	srvCfg := httptransport.ServerConfig{
		Address:         cfg.HTTPAddress,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
	server := httptransport.NewServer(srvCfg, authMiddleware.Wrap(requestLogger(logger.Named("http"), mux)))
	return httptransport.Serve(ctx, server, srvCfg, logger)
}

// sessionConfig picks the change feed and the optional device sources. The
// Kafka reader and the in-memory subscription are released with the session.
func sessionConfig(ctx context.Context, cfg config.Config, logger *zap.Logger, eng *engine.Engine, memory *ledger.MemoryLedger, release *teardown) engine.SessionConfig {
	sc := engine.SessionConfig{HealthInterval: cfg.HealthPollInterval}
	feedLogger := realtime.WithLogger(logger.Named("feed"))

	if memory != nil {
		consumer := realtime.NewConsumer(nil, eng, cfg.LocalUserID, cfg.PartnerID, feedLogger)
		unsubscribe := memory.Subscribe(func(change ledger.Change) {
			if err := consumer.HandleChange(ctx, change); err != nil {
				logger.Debug("in-memory change not applied", zap.String("event_type", change.EventType), zap.Error(err))
			}
		})
		release.add(unsubscribe)
		sc.Feed = consumer
	} else {
		reader := realtime.NewKafkaReader(realtime.ReaderConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.ConsumerGroup})
		release.add(func() { _ = reader.Close() })
		sc.Feed = realtime.NewConsumer(reader, eng, cfg.LocalUserID, cfg.PartnerID, feedLogger)
	}

	loc, _ := cfg.Location()
	sourceOpts := []sources.Option{sources.WithLogger(logger.Named("sources")), sources.WithLocation(loc)}
	if cfg.SensorBridgeURL != "" {
		sc.Sensor = sources.NewWebsocketSensor(cfg.SensorBridgeURL, sourceOpts...)
	}
	if cfg.HealthBaseURL != "" {
		sc.Health = sources.NewHTTPHealthClient(cfg.HealthBaseURL, cfg.HealthToken)
	}
	return sc
}

func requestLogger(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

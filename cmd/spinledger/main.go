package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"SpinLedger/internal/core"
	"SpinLedger/internal/event"
	"SpinLedger/internal/ingestion"
	"SpinLedger/internal/observability"
	"SpinLedger/internal/persistence"
	"SpinLedger/internal/projection"
	"SpinLedger/internal/query"
	"SpinLedger/internal/queue"
	"SpinLedger/internal/server"
	"SpinLedger/internal/spin"
)

// Config is loaded from environment variables; .env is honored for
// local development.
type Config struct {
	PostgresURL string
	NATSURL     string

	GRPCAddr string
	HTTPAddr string

	MigrationsDir string

	MaxSpins   int
	MaxRetries int

	EventChanSize   int
	PersistChanSize int
	NotifyChanSize  int
	PublishChanSize int

	ValidateInterval time.Duration
	StuckThreshold   time.Duration
	StuckScanEvery   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PostgresURL:      envOrDefault("POSTGRES_URL", "postgres://localhost:5432/spinledger?sslmode=disable"),
		NATSURL:          envOrDefault("NATS_URL", "nats://localhost:4222"),
		GRPCAddr:         envOrDefault("SPIN_GRPC_ADDR", ":9090"),
		HTTPAddr:         envOrDefault("SPIN_HTTP_ADDR", ":8080"),
		MigrationsDir:    envOrDefault("MIGRATIONS_DIR", "migrations"),
		MaxSpins:         envIntOrDefault("SPIN_MAX_SPINS", 100),
		MaxRetries:       envIntOrDefault("SPIN_MAX_RETRIES", 3),
		EventChanSize:    envIntOrDefault("SPIN_EVENT_CHAN_SIZE", 4096),
		PersistChanSize:  envIntOrDefault("SPIN_PERSIST_CHAN_SIZE", 1024),
		NotifyChanSize:   envIntOrDefault("SPIN_NOTIFY_CHAN_SIZE", 2048),
		PublishChanSize:  envIntOrDefault("SPIN_PUBLISH_CHAN_SIZE", 4096),
		ValidateInterval: envDurationOrDefault("SPIN_VALIDATE_INTERVAL", time.Minute),
		StuckThreshold:   envDurationOrDefault("SPIN_STUCK_THRESHOLD", 5*time.Minute),
		StuckScanEvery:   envDurationOrDefault("SPIN_STUCK_SCAN_INTERVAL", time.Minute),
	}
}

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("main")
	logger.Info().Msg("SpinLedger starting")

	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine + channels ---
	// The persist channel blocks (backpressure, nothing lost); the notify
	// channel drops when full (projection/publisher re-derive from state).
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	notifyCoreChan := make(chan core.CoreOutput, cfg.NotifyChanSize)

	engine := core.NewQueueEngine(queue.Options{
		MaxSpins:   cfg.MaxSpins,
		MaxRetries: int64(cfg.MaxRetries),
	}, persistCoreChan, notifyCoreChan, metrics)

	// --- Recovery ---
	store := persistence.NewQueueStateStore(db, observability.NewLogger("store"))
	states, err := store.LoadAll(ctx)
	if err != nil {
		// Fail open: serve from empty state rather than refusing to start
		logger.Error().Err(err).Msg("state load failed, starting empty")
		states = nil
	}
	for _, st := range states {
		engine.RestoreQueue(st)
	}
	logger.Info().Int("queues", engine.QueueCount()).Msg("queues restored")

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))

	// --- Workers ---
	persistWorkerChan := make(chan *spin.PersistedState, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.NotifyChanSize)

	persistWorker := persistence.NewPersistenceWorker(store, persistWorkerChan, metrics, observability.NewLogger("persist"))
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, observability.NewLogger("projection"))

	// --- HTTP/gRPC server ---
	eventChan := make(chan event.Event, cfg.EventChanSize)
	queryService := query.NewQueryService(db)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:             db,
		QueryService:   queryService,
		EventChan:      eventChan,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		StuckThreshold: cfg.StuckThreshold,
	}, observability.NewLogger("server"))

	errChan := make(chan error, 8)

	go func() { errChan <- persistWorker.Run(ctx) }()
	go func() { errChan <- projWorker.Run(ctx) }()
	go func() { errChan <- publisher.Run(ctx) }()
	go func() { errChan <- grpcServer.StartGRPC(ctx) }()
	go func() { errChan <- grpcServer.StartHTTP(ctx) }()

	// Bridge engine outputs to the workers' input formats.
	go bridgeOutputs(ctx, persistCoreChan, notifyCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)

	// Engine loop: the ONLY goroutine that mutates queues.
	go runEngineLoop(ctx, engine, rawEventChan, eventChan, metrics, observability.NewLogger("engine"))

	// Periodic reservation sweep.
	go runPeriodicValidation(ctx, eventChan, cfg.ValidateInterval)

	// Stuck-spin watchdog: surfaces, never resolves.
	go runStuckSpinScan(ctx, queryService, db, cfg.StuckThreshold, cfg.StuckScanEvery, observability.NewLogger("watchdog"))

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("SpinLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()

	// Give the persistence worker a moment to flush its final states
	time.Sleep(time.Second)
	logger.Info().Msg("SpinLedger shutdown complete")
}

// runEngineLoop is the single-writer loop: raw NATS messages are parsed
// in the shell and applied alongside typed events from the HTTP API.
func runEngineLoop(
	ctx context.Context,
	engine *core.QueueEngine,
	rawChan <-chan ingestion.RawEvent,
	eventChan <-chan event.Event,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	subjects := ingestion.DefaultSubjects()

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			eventType := ingestion.EventTypeForSubject(subjects, raw.Subject)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				metrics.IngestRejected.WithLabelValues(raw.Subject).Inc()
				raw.AckFunc() // Ack to avoid a redelivery loop
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed message")
				metrics.IngestRejected.WithLabelValues(raw.Subject).Inc()
				raw.AckFunc() // Malformed messages are acked, not retried
				continue
			}

			if err := engine.ProcessEvent(evt); err != nil {
				logger.Error().Err(err).Str("subject", raw.Subject).Msg("apply failed")
			}
			raw.AckFunc()
			metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(raw.Timestamp).Seconds())

		case evt, ok := <-eventChan:
			if !ok {
				return
			}
			if err := engine.ProcessEvent(evt); err != nil {
				logger.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("apply failed")
			}
		}
	}
}

// bridgeOutputs converts core.CoreOutput into the worker input formats.
// Persistence is forwarded blocking; projection and publish sends drop
// when full since both are re-derivable from the state table.
func bridgeOutputs(
	ctx context.Context,
	persistIn, notifyIn <-chan core.CoreOutput,
	persistOut chan<- *spin.PersistedState,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			select {
			case persistOut <- output.State:
			default:
				metrics.PersistBackpressure.Inc()
				select {
				case persistOut <- output.State:
				case <-ctx.Done():
					return
				}
			}

		case output, ok := <-notifyIn:
			if !ok {
				return
			}

			select {
			case projectionOut <- projection.ProjectionOutput{
				Address:     output.State.Address,
				Stats:       queue.StatsOf(output.State.Spins, output.State.TotalReservedBalance),
				LastUpdated: output.State.LastUpdated,
			}:
			default:
				metrics.ProjectionDrops.WithLabelValues("wallet_stats").Inc()
			}

			for _, c := range output.Changes {
				select {
				case publishOut <- ingestion.PublishableEvent{
					Address:         c.Address,
					Kind:            string(c.Kind),
					SpinID:          c.SpinID,
					ReservedBalance: c.ReservedBalance,
					LastUpdated:     c.LastUpdated,
					Timestamp:       time.Now(),
				}:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// runPeriodicValidation sweeps every wallet's reservation ledger on an
// interval, self-correcting any drift.
func runPeriodicValidation(ctx context.Context, eventChan chan<- event.Event, interval time.Duration) {
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
			select {
			case eventChan <- &event.ValidateRequested{}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runStuckSpinScan logs non-terminal spins that have sat past the
// threshold. Surfacing only; resolution belongs to the operator or the
// reconciler publishing force-release events.
func runStuckSpinScan(
	ctx context.Context,
	qs *query.QueryService,
	db *sql.DB,
	threshold, every time.Duration,
	logger zerolog.Logger,
) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := db.QueryContext(ctx, `SELECT address FROM spin_queue.states`)
			if err != nil {
				logger.Warn().Err(err).Msg("stuck scan query failed")
				continue
			}
			var addresses []string
			for rows.Next() {
				var addr string
				if err := rows.Scan(&addr); err == nil {
					addresses = append(addresses, addr)
				}
			}
			rows.Close()

			for _, addr := range addresses {
				resp, err := qs.GetStuckSpins(ctx, addr, threshold)
				if err != nil || resp.Count == 0 {
					continue
				}
				for _, s := range resp.Spins {
					logger.Warn().
						Str("address", addr).
						Str("spin_id", s.ID).
						Str("status", s.Status.String()).
						Int64("age_ms", time.Now().UnixMilli()-s.Timestamp).
						Msg("stuck spin detected")
				}
			}
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

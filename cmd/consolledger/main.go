package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/cache/redis"
	"ConsolLedger/internal/config"
	"ConsolLedger/internal/core"
	"ConsolLedger/internal/guard"
	"ConsolLedger/internal/ingestion"
	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/persistence"
	"ConsolLedger/internal/projection"
	"ConsolLedger/internal/query"
	"ConsolLedger/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	persistChanSize     = 1024
	projectionChanSize  = 2048
	submissionChanSize  = 4096
	publishBufferSize   = 4096
	persistBatchSize    = 50
	persistFlushTimeout = 10 * time.Millisecond
	lruCapacity         = 1_000_000
	lruWarmKeys         = 100_000
	replayPageSize      = 1000
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	configPath := flag.String("config", os.Getenv("CONSOL_CONFIG"), "path to the TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	log.Println("INFO: ConsolLedger shutdown complete")
}

func run(configPath string) error {
	log.Println("INFO: ConsolLedger starting...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := persistence.OpenDB(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := persistence.NewPool(ctx, cfg.Postgres.DSN, int32(cfg.Postgres.MaxConns))
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Println("INFO: Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	coreLogger := observability.NewLoggerWithLevel("core", observability.ParseLevel(cfg.LogLevel))

	// --- Batch guard locker ---
	var locker guard.Locker = guard.NewMemoryLocker()
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		locker = redis.NewLockManager(rc, cfg.Redis.Prefix)
		log.Printf("INFO: Redis batch locks at %s", cfg.Redis.Addr)
	}

	control, err := access.NewControlFromConfig(cfg.Access)
	if err != nil {
		return fmt.Errorf("access: %w", err)
	}

	// --- Engine ---
	// Persistence blocks the engine when full; projections drop.
	persistChan := make(chan core.CoreOutput, persistChanSize)
	projectionChan := make(chan core.CoreOutput, projectionChanSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	engine, err := core.NewEngine(core.ConfigFrom(cfg), core.Options{
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		DBChecker:      dbChecker,
		LRUCapacity:    lruCapacity,
		Locker:         locker,
		LockTTL:        cfg.Redis.LockTTL.Duration,
		Access:         control,
		Metrics:        metrics,
		Logger:         &coreLogger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// --- Recovery: snapshot, replay, projections ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(ctx, engine, snapMgr, dbChecker); err != nil {
		return err
	}
	if err := projection.RebuildProjections(ctx, db, engine, time.Now()); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	log.Printf("INFO: projections rebuilt at sequence %d", engine.GetSequence()-1)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.CommandStream); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, cfg.NATS.EventStream); err != nil {
		return err
	}

	submissions := make(chan ingestion.Submission, submissionChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, submissions, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishBufferSize, metrics)

	persistWorker := persistence.NewPersistenceWorker(pool, persistChan, persistBatchSize, persistFlushTimeout, metrics)
	persistWorker.OnFlush(publisher.Enqueue)
	projWorker := projection.NewProjectionWorker(db, projectionChan, engine.GetSequence, metrics)

	// --- Services ---
	queryService := query.NewQueryService(engine, db, cfg.Ledger.DebtAsset, cfg.Ledger.FeeAsset, metrics)
	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Submitter:     ingestion.NewGRPCIngestService(submissions),
		QueryService:  queryService,
		HealthChecker: healthChecker,
	})
	if err != nil {
		return err
	}

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(persistWorker.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(projWorker.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	g.Go(func() error {
		return ignoreCanceled(ingestion.NewDispatcher(engine, submissions, metrics).Run(gctx))
	})
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error {
		return runSnapshots(gctx, engine, snapMgr, cfg.Postgres.SnapshotInterval, metrics)
	})
	g.Go(func() error {
		sampleChannels(gctx, metrics, map[string]func() (int, int){
			"persist":     func() (int, int) { return len(persistChan), cap(persistChan) },
			"projection":  func() (int, int) { return len(projectionChan), cap(projectionChan) },
			"submissions": func() (int, int) { return len(submissions), cap(submissions) },
		})
		return nil
	})
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr) })

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects(cfg.NATS.CommandStream, cfg.NATS.Durable)); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("nats subscribe: %w", err)
	}

	grpcServer.MarkReady()
	log.Printf("INFO: ConsolLedger ready (sequence=%d, grpc=%s, http=%s, metrics=%s)",
		engine.GetSequence(), cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, cfg.Server.MetricsAddr)

	<-gctx.Done()
	log.Println("INFO: shutting down...")
	healthChecker.SetReady(false)
	subscriber.Stop()

	err = g.Wait()

	// The persistence worker flushed on exit; snapshot what it wrote.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := takeSnapshot(shutdownCtx, engine, snapMgr, metrics); serr != nil {
		log.Printf("ERROR: final snapshot failed: %v", serr)
	} else {
		log.Println("INFO: final snapshot saved")
	}
	return err
}

// recoverEngine restores the latest verified snapshot, replays the log tail
// and warms the idempotency cache.
func recoverEngine(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, dbChecker *persistence.PostgresIdempotencyChecker) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		log.Printf("INFO: restored snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start")
	}

	replayed := 0
	for from := engine.GetSequence(); ; {
		batch, err := snapMgr.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := engine.Replay(ctx, batch); err != nil {
			return err
		}
		replayed += len(batch)
		from = batch[len(batch)-1].Sequence + 1
	}
	if replayed > 0 {
		log.Printf("INFO: replayed %d events (sequence now at %d)", replayed, engine.GetSequence())
	}

	// After replay: a warmed key would make the replayed command a duplicate.
	keys, err := dbChecker.RecentKeys(ctx, lruWarmKeys)
	if err != nil {
		return fmt.Errorf("warm idempotency cache: %w", err)
	}
	engine.WarmLRU(keys)
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("INFO: Metrics server listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

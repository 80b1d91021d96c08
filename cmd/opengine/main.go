package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/opengine-io/opengine/internal/analytics"
	"github.com/opengine-io/opengine/internal/api"
	"github.com/opengine-io/opengine/internal/circuitbreaker"
	"github.com/opengine-io/opengine/internal/config"
	"github.com/opengine-io/opengine/internal/engine"
	"github.com/opengine-io/opengine/internal/executor"
	"github.com/opengine-io/opengine/internal/gateway/channel"
	"github.com/opengine-io/opengine/internal/leaderelection"
	"github.com/opengine-io/opengine/internal/metrics"
	"github.com/opengine-io/opengine/internal/reconciler"
	"github.com/opengine-io/opengine/internal/registry"
	"github.com/opengine-io/opengine/internal/store/memory"
	"github.com/opengine-io/opengine/internal/store/postgres"

	_ "github.com/lib/pq"
)

// backend is the full store surface the service wires together. Both store
// drivers satisfy it.
type backend interface {
	registry.Store
	engine.Store
	reconciler.Store
	api.Store
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`opengine - scheduled operation engine

Usage:
  opengine <command>

Commands:
  serve      Start the engine, trigger registry and executor
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_DRIVER              Store backend: "postgres" or "memory" (default: "postgres")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  REDIS_ADDR                Redis address for activation analytics (optional)
  HTTP_ADDR                 Introspection HTTP address (default: ":8080")
  TICK_INTERVAL             Registry tick interval (default: "1s")
  ENGINE_WORKERS            Gateway request workers (default: "4")
  REQUEST_BUFFER_SIZE       Gateway request buffer (default: "100")
  ACTIVATION_BUFFER_SIZE    Activation bus buffer (default: "100")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable the state reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for leaked state (default: "5m")
  RECONCILE_THRESHOLD       Age before emitted state is orphaned (default: "10m")
  RECONCILE_RETENTION       How long deleted operations are kept (default: "24h")
  RECONCILE_BATCH_SIZE      Max repairs per cycle (default: "100")

  EXEC_WEBHOOK_URL          Webhook executor target; empty logs activations
  EXEC_WEBHOOK_SECRET       HMAC signing secret for webhook deliveries
  EXEC_WEBHOOK_TIMEOUT      Per-delivery timeout (default: "30s")
  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before opening ("0" disables, default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown (default: "2m")

  LEADER_ELECTION_ENABLED   Single-firer election via advisory lock (default: "false")
  LEADER_LOCK_KEY           Advisory lock key (default: "815230")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")

  ANALYTICS_WINDOW          Counter bucket width: 1m, 5m or 1h (default: "1m")
  ANALYTICS_RETENTION       Counter lifetime in Redis (default: "168h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(cfg)

	var st backend
	var db *sql.DB

	switch cfg.StoreDriver {
	case "postgres":
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		log.Printf("opengine: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}

		pgStore := postgres.New(db, cfg.DBOpTimeout)
		if err := pgStore.EnsureSchema(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
			return exitRuntimeError
		}
		st = pgStore

	case "memory":
		log.Println("opengine: using in-memory store; state is lost on restart")
		st = memory.New()
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("opengine: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("opengine: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("opengine: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("opengine: METRICS_ENABLED not set; metrics disabled")
	}

	// In-process transports: gateway for commands, bus for activations.
	var gwOpts []channel.GatewayOption
	var busOpts []channel.BusOption
	if metricsSink != nil {
		gwOpts = append(gwOpts, channel.WithMetrics(metricsSink))
		busOpts = append(busOpts, channel.WithBusMetrics(metricsSink))
	}
	gw := channel.NewGateway(cfg.RequestBufferSize, gwOpts...)
	bus := channel.NewActivationBus(cfg.ActivationBufferSize, busOpts...)

	var regOpts []registry.Option
	if metricsSink != nil {
		regOpts = append(regOpts, registry.WithMetrics(metricsSink))
	}
	reg := registry.New(registry.Config{TickInterval: cfg.TickInterval}, st, bus, regOpts...)

	if err := reg.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to recover trigger index: %v\n", err)
		return exitRuntimeError
	}
	log.Printf("opengine: recovered %d scheduled triggers", reg.Scheduled())

	// Executor: webhook when a target is configured, log sink otherwise.
	var exec engine.Executor
	if cfg.ExecWebhookURL != "" {
		webhook := executor.NewWebhook(executor.Config{
			URL:     cfg.ExecWebhookURL,
			Secret:  cfg.ExecWebhookSecret,
			Timeout: cfg.ExecWebhookTimeout,
		}, executor.NewHTTPSender())
		if cfg.CircuitBreakerThreshold > 0 {
			webhook = webhook.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		}
		if metricsSink != nil {
			webhook = webhook.WithMetrics(metricsSink)
		}
		exec = webhook
		log.Printf("opengine: webhook executor enabled (url=%s, timeout=%s)", cfg.ExecWebhookURL, cfg.ExecWebhookTimeout)
	} else {
		exec = executor.NewLog()
		log.Println("opengine: EXEC_WEBHOOK_URL not set; activations are logged only")
	}

	eng := engine.New(engine.Config{Workers: cfg.EngineWorkers}, st, reg, exec, gw)
	if metricsSink != nil {
		eng = eng.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, analytics.Config{
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		})
		eng = eng.WithAnalytics(sink)
		log.Printf("opengine: analytics enabled (redis=%s, window=%s)", cfg.RedisAddr, cfg.AnalyticsWindow)
	} else {
		log.Println("opengine: REDIS_ADDR not set; analytics disabled")
	}

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				Retention: cfg.ReconcileRetention,
				BatchSize: cfg.ReconcileBatchSize,
			},
			st,
			reg,
			bus,
		)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		log.Printf("opengine: reconciler enabled (interval=%s, threshold=%s, retention=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileRetention, cfg.ReconcileBatchSize)
	} else {
		log.Println("opengine: RECONCILE_ENABLED not set; reconciler disabled")
	}

	apiHandler := api.NewHandler(st, reg)
	if db != nil {
		apiHandler = apiHandler.WithHealthChecker(db)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("opengine: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("opengine: http server error: %v", err)
		}
	}()

	// Leader duties: the registry firing loop and the reconciler. Every
	// instance serves gateway requests and consumes activations.
	runLeaderDuties := func(ctx context.Context) *sync.WaitGroup {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("opengine: registry error: %v", err)
			}
		}()
		if recon != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				recon.Run(ctx)
			}()
		}
		return &wg
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	activationsCtx, cancelActivations := context.WithCancel(context.Background())

	var leaderWg sync.WaitGroup
	var engineWg sync.WaitGroup
	var activationsWg sync.WaitGroup

	if cfg.LeaderElectionEnabled {
		var dutiesMu sync.Mutex
		var dutiesWg *sync.WaitGroup

		elector := leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			func(ctx context.Context) {
				dutiesMu.Lock()
				defer dutiesMu.Unlock()
				dutiesWg = runLeaderDuties(ctx)
			},
			func() {
				dutiesMu.Lock()
				defer dutiesMu.Unlock()
				if dutiesWg != nil {
					dutiesWg.Wait()
					dutiesWg = nil
				}
			},
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		leaderWg.Add(1)
		go func() {
			defer leaderWg.Done()
			elector.Run(leaderCtx)
		}()
		log.Printf("opengine: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		wg := runLeaderDuties(leaderCtx)
		leaderWg.Add(1)
		go func() {
			defer leaderWg.Done()
			wg.Wait()
		}()
	}

	engineWg.Add(1)
	go func() {
		defer engineWg.Done()
		eng.Run(engineCtx)
	}()

	activationsWg.Add(1)
	go func() {
		defer activationsWg.Done()
		eng.RunActivations(activationsCtx, bus.Channel())
	}()

	log.Printf("opengine: started (driver=%s, tick=%s, workers=%d, http=%s)",
		cfg.StoreDriver, cfg.TickInterval, cfg.EngineWorkers, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("opengine: received signal %v, shutting down", received)

	// Phase 1: Stop the registry and reconciler (no new activations emitted)
	log.Println("opengine: stopping registry and reconciler...")
	cancelLeader()
	leaderWg.Wait()
	log.Println("opengine: registry and reconciler stopped")

	// Phase 2: Stop gateway request workers
	log.Println("opengine: stopping request workers...")
	cancelEngine()
	engineWg.Wait()
	log.Println("opengine: request workers stopped")

	// Phase 3: Drain buffered activations
	log.Println("opengine: draining activations...")
	cancelActivations()
	activationsWg.Wait()
	log.Println("opengine: activation loop stopped")

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("opengine: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("opengine: http server shutdown error: %v", err)
	}
	log.Println("opengine: http server stopped")

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("opengine: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("opengine: metrics server shutdown error: %v", err)
		}
		log.Println("opengine: metrics server stopped")
	}

	log.Println("opengine: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("opengine version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

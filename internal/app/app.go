package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"reachwatch/internal/app/bootstrap"
	"reachwatch/internal/app/server"
	"reachwatch/internal/config"
	"reachwatch/internal/consensus"
	"reachwatch/internal/database"
	"reachwatch/internal/domain"
	"reachwatch/internal/geolite"
	"reachwatch/internal/intake"
	"reachwatch/internal/jobs/maintenance"
	"reachwatch/internal/jobs/runtime"
	"reachwatch/internal/metrics"
	"reachwatch/internal/querylog"
	"reachwatch/internal/ranking"
	"reachwatch/internal/registry"
	"reachwatch/internal/support"
)

const defaultBackendPort = 8082

// reportStore exposes the report and reporter tables to the HTTP surface.
type reportStore struct{}

func (reportStore) GetReport(ctx context.Context, id uint64) (*domain.Report, error) {
	return database.GetReport(ctx, id)
}

func (reportStore) DeleteReport(ctx context.Context, id uint64) (int64, error) {
	return database.DeleteReport(ctx, id)
}

func (reportStore) ListReporters(ctx context.Context) ([]domain.Reporter, error) {
	return database.ListReporters(ctx)
}

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	backendPortFlag := flag.Int("backend-port", defaultBackendPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	if *productionFlag {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	backendPort := resolvePort("BACKEND_PORT", "backend-port", *backendPortFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	support.SetLeadershipObserver(m)
	reporters := registry.NewDefault()
	whitelist := consensus.NewWhitelist()

	if err := bootstrap.Setup(ctx, reporters, whitelist, m); err != nil {
		return err
	}
	defer database.CloseGeoLite()

	ranks := ranking.NewRegistry(ranking.WithMetrics(m))
	if err := ranks.LoadCache(ctx); err != nil {
		log.Warn("Rank table not loaded, ranks load lazily", "error", err)
	}

	redisClient, err := connectRedis()
	if err != nil {
		return err
	}
	defer func() {
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}()

	sinks := []consensus.Sink{consensus.PersistSink}
	var whitelistSync *runtime.WhitelistSync
	if redisClient != nil {
		config.EnableRedisSynchronization(ctx, redisClient)
		defer config.DisableRedisSynchronization()

		heartbeatCancel := runtime.LaunchInstanceHeartbeat(ctx, redisClient)
		defer heartbeatCancel()

		whitelistSync = runtime.NewWhitelistSync(redisClient, whitelist)
		sinks = append(sinks, whitelistSync)
	}

	engine := consensus.NewEngine(whitelist, ranks,
		consensus.WithSinks(sinks...),
		consensus.WithMetrics(m),
	)
	recomputeAfterRefresh := func(ctx context.Context) {
		if _, err := engine.Recompute(ctx); err != nil {
			log.Error("Whitelist recompute after rank refresh failed", "error", err)
		}
	}

	queries := querylog.NewLogger(querylog.WithMetrics(m))
	intakeService := intake.NewService(reporters, intake.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queries.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runtime.StartWhitelistRecomputeRoutine(gctx, engine)
		return nil
	})
	g.Go(func() error {
		runtime.StartRankRefreshRoutine(gctx, ranks, recomputeAfterRefresh)
		return nil
	})
	g.Go(func() error {
		maintenance.StartQueryRetentionRoutine(gctx)
		return nil
	})
	g.Go(func() error {
		maintenance.StartGeoLiteRefreshRoutine(gctx, geolite.NewUpdater())
		return nil
	})
	if whitelistSync != nil {
		g.Go(func() error {
			whitelistSync.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		err := server.OpenRoutes(gctx, backendPort, server.Deps{
			Intake:           intakeService,
			Engine:           engine,
			Whitelist:        whitelist,
			Queries:          queries,
			Reports:          reportStore{},
			Reporters:        reportStore{},
			Tokens:           reporters,
			Ranks:            ranks,
			Gatherer:         prometheus.DefaultGatherer,
			AfterRankRefresh: recomputeAfterRefresh,
		})
		// The server going away ends every background routine.
		stop()
		return err
	})

	return g.Wait()
}

// connectRedis returns nil when REDIS_URL is unset; this instance then runs
// every routine itself.
func connectRedis() (*redis.Client, error) {
	client, err := support.GetRedisClient()
	if errors.Is(err, support.ErrRedisNotConfigured) {
		log.Info("REDIS_URL not set, running as a single instance")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}
	return client, nil
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}

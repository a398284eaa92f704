// loom-server hosts the workflow engine: deployment API, trigger machinery,
// DAG executor, recovery sweeper, and the status WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"loom/internal/broadcast"
	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/deploy"
	"loom/internal/engine"
	"loom/internal/eventwaiter"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/node"
	"loom/internal/recovery"
	"loom/internal/server"
	"loom/internal/stores"
	"loom/internal/utils"
)

var (
	flagConfig string
	flagAddr   string
	flagDebug  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "loom-server",
		Short:         "Workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config file (default: loom.yaml in . or ~/.loom)")
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address override")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging and gin debug mode")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loom-server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	applyLogLevel(cfg.LogLevel)
	if flagDebug {
		utils.GetLogger().SetLevel(utils.DEBUG)
	}

	logger := logging.NewComponentLogger("loom-server")
	m := metrics.Default()

	// Durable backend: Redis when reachable, in-process fallback otherwise.
	var store cache.Cache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis at %s unreachable (%v), degrading to memory cache", cfg.Redis.Addr, err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}
	if redisClient != nil {
		store = cache.NewRedisCache(redisClient, logging.NewComponentLogger("cache"))
	} else {
		store = cache.NewMemoryCache(logging.NewComponentLogger("cache"))
	}
	logger.Info("execution cache mode: %s", store.Mode())

	// Event waiters follow the cache mode unless pinned by config.
	registry := eventwaiter.DefaultRegistry()
	var waiters eventwaiter.Waiters
	switch cfg.EventWaiterMode {
	case "memory":
		waiters = eventwaiter.NewMemoryWaiters(registry, logging.NewComponentLogger("eventwaiter"))
	case "redis-stream":
		if redisClient == nil {
			return fmt.Errorf("event_waiter_mode redis-stream requires a reachable Redis")
		}
		waiters = eventwaiter.NewRedisWaiters(redisClient, registry, logging.NewComponentLogger("eventwaiter"))
	default:
		if redisClient != nil {
			waiters = eventwaiter.NewRedisWaiters(redisClient, registry, logging.NewComponentLogger("eventwaiter"))
		} else {
			waiters = eventwaiter.NewMemoryWaiters(registry, logging.NewComponentLogger("eventwaiter"))
		}
	}
	logger.Info("event waiter mode: %s", waiters.Mode())

	broadcaster := broadcast.New(waiters, logging.NewComponentLogger("broadcast"))

	paramStore := stores.NewMemoryParameterStore()
	outputStore := stores.NewMemoryOutputStore()
	credStore := stores.NewMemoryCredentialStore()

	handlerRegistry := node.NewRegistry()
	node.RegisterBuiltins(handlerRegistry, logging.NewComponentLogger("node"))

	resolver := node.NewResolver(outputStore, logging.NewComponentLogger("resolver"))
	nodeExec := node.NewExecutor(handlerRegistry, paramStore, outputStore, credStore, resolver,
		node.Settings{StrictHandlers: cfg.Engine.StrictHandlers, MapsKey: cfg.MapsKey},
		logging.NewComponentLogger("node"))

	var dlq engine.DLQHandler
	if cfg.Engine.DLQEnabled {
		dlq = engine.NewActiveDLQ(store, logging.NewComponentLogger("dlq"))
	} else {
		dlq = engine.NullDLQ{}
	}

	executor := engine.New(nodeExec, store, dlq, broadcaster, m, engine.Settings{
		CacheResults: cfg.Engine.CacheResults,
		LockTimeout:  cfg.LockTimeout(),
	}, logging.NewComponentLogger("engine"))

	cron := deploy.NewRobfigScheduler(logging.NewComponentLogger("cron"))
	deployments := deploy.NewManager(executor, waiters, cron, broadcaster, m, deploy.Settings{
		StopOnError:       cfg.Deploy.StopOnError,
		MaxConcurrentRuns: cfg.Deploy.MaxConcurrentRuns,
	}, logging.NewComponentLogger("deploy"))

	recoverFn := func(ctx context.Context, executionID string) {
		state := store.LoadExecutionState(ctx, executionID)
		if state == nil {
			return
		}
		nodes, edges, ok := deployments.Graph(state.WorkflowID)
		if !ok {
			logger.Warn("cannot recover %s: workflow %s is not deployed", executionID, state.WorkflowID)
			store.RemoveActiveExecution(ctx, executionID)
			return
		}
		if _, err := executor.RecoverExecution(ctx, executionID, nodes, edges); err != nil {
			logger.Error("recovery of %s failed: %v", executionID, err)
		}
	}
	sweeper := recovery.New(store, recoverFn, recovery.Settings{
		SweepInterval:    cfg.SweepInterval(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	}, logging.NewComponentLogger("recovery"))

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		AllowOrigins: cfg.Server.AllowOrigins,
		Debug:        flagDebug,
	}, deployments, executor, dlq, broadcaster, store, waiters, logging.NewComponentLogger("server"))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Recovery.ScanOnStartup {
		for _, executionID := range sweeper.ScanOnStartup(runCtx) {
			logger.Warn("startup: execution %s was interrupted, queueing recovery", executionID)
			go recoverFn(runCtx, executionID)
		}
	}
	sweeper.Start(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown: %v", err)
	}
	sweeper.Stop()
	deployments.Shutdown(shutdownCtx)
	cron.Stop()
	if err := store.Close(); err != nil {
		logger.Warn("cache close: %v", err)
	}
	return nil
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		utils.GetLogger().SetLevel(utils.DEBUG)
	case "warn":
		utils.GetLogger().SetLevel(utils.WARN)
	case "error":
		utils.GetLogger().SetLevel(utils.ERROR)
	default:
		utils.GetLogger().SetLevel(utils.INFO)
	}
}

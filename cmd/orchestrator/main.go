// Command orchestrator wires the graph execution engine, its persistence
// backend, the change-notification listener, and a metrics/health HTTP
// surface into a single long-running process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskgraph/orchestrator/engine"
	"github.com/taskgraph/orchestrator/graph"
	"github.com/taskgraph/orchestrator/graph/agentexec"
	"github.com/taskgraph/orchestrator/graph/agentexec/anthropic"
	"github.com/taskgraph/orchestrator/graph/emit"
	"github.com/taskgraph/orchestrator/graph/notify"
	"github.com/taskgraph/orchestrator/graph/store"
	"github.com/taskgraph/orchestrator/graph/toolexec"
	"github.com/taskgraph/orchestrator/internal/config"
	"github.com/taskgraph/orchestrator/internal/migrate"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	// 1. Load configuration.
	log.Info("loading configuration")
	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Open the persistence backend.
	log.Info("opening persistence backend", zap.String("driver", cfg.Database.Driver))
	st, queue, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	// 3. Wire the predicate evaluator, data-flow mapper, and successor
	// activator that together implement the Successor Activator stage.
	log.Info("building component chain")
	emitter := emit.NewLogEmitter(os.Stdout, false)
	evaluator, err := graph.NewPredicateEvaluator(emitter)
	if err != nil {
		log.Fatal("new predicate evaluator", zap.Error(err))
	}
	mapper := graph.NewDataFlowMapper(emitter)
	activator := graph.NewSuccessorActivator(st, evaluator, mapper, emitter)

	// 4. Set up Prometheus metrics and the health/metrics HTTP surface.
	log.Info("setting up metrics server", zap.Int("port", cfg.Metrics.Port))
	registry := prometheus.NewRegistry()
	metrics := graph.NewMetrics(registry)
	metricsServer := newMetricsServer(cfg, registry, log)
	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()

	// 5. Register the assignees this process can dispatch to.
	log.Info("registering assignees")
	router := engine.NewAssigneeRouter()
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model := anthropic.NewChatModel(apiKey, "claude-sonnet-4-5")
		router.RegisterAgent("default", agentexec.NewLLMAgent(model, defaultSystemPrompt, nil))
	}
	router.RegisterTool(toolexec.NewHTTPTool())

	// 6. Build the engine.
	log.Info("building engine", zap.Int("workers", cfg.Engine.Workers))
	retryPolicy := &graph.RetryPolicy{
		MaxAttempts: cfg.Engine.MaxRetries,
		BaseDelay:   cfg.Engine.RetryBaseDelay,
		MaxDelay:    cfg.Engine.RetryMaxDelay,
		Retryable:   isTransient,
	}
	eng := engine.New(st, queue, router, activator, emitter, metrics, engine.Options{
		Workers:           cfg.Engine.Workers,
		RetryPolicy:       retryPolicy,
		ActivateOnFailure: cfg.Engine.ActivateOnFailure,
	})

	// 7. Bootstrap sweep: re-seed the queue from ListPendingTasks so a task
	// created or left PENDING across a listener reconnect gap (or before
	// this process first came up) still gets dispatched.
	go bootstrapSweep(ctx, st, queue, cfg.Engine.BootstrapSweepPeriod, log)

	// 8. Run the engine's worker pool.
	log.Info("starting engine worker pool")
	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()

	// 9. Wait for an interrupt, then shut everything down in order.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown", zap.Error(err))
	}

	<-engineDone
	log.Info("shutdown complete")
}

const defaultSystemPrompt = "You are a task executor in an automated workflow graph. " +
	"Respond with a final answer, a tool call request, or a sub-plan blueprint."

// openStore opens the configured persistence backend and, for the postgres
// driver, starts the LISTEN/NOTIFY listener that feeds the returned queue.
// Other drivers return a queue the caller must still seed (the memory and
// sqlite backends have no trigger-driven notification path of their own).
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, *notify.Queue, func(), error) {
	queue := notify.NewQueue(cfg.Engine.QueueDepth)

	switch cfg.Database.Driver {
	case "postgres":
		migrator, err := migrate.NewMigrator(cfg.Database.DSN(), log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := migrator.Up(ctx); err != nil {
			migrator.Close() //nolint:errcheck
			return nil, nil, nil, err
		}
		migrator.Close() //nolint:errcheck

		st, err := store.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, nil, err
		}

		listener := notify.NewListener(cfg.Database.DSN(), queue, log)
		if err := listener.Connect(ctx); err != nil {
			st.Close()
			return nil, nil, nil, err
		}
		go listener.Run(ctx)

		closeFn := func() {
			listener.Close(context.Background()) //nolint:errcheck
			st.Close()
		}
		return st, queue, closeFn, nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, queue, func() { st.Close() }, nil

	case "memory":
		st := store.NewMemStore()
		return st, queue, func() {}, nil

	default:
		return nil, nil, nil, errors.New("unknown DB_DRIVER: " + cfg.Database.Driver)
	}
}

// bootstrapSweep periodically lists PENDING tasks and re-pushes their ids
// onto the queue, re-seeding work the listener might have missed during a
// reconnect gap. Duplicate pushes are harmless: the engine's claim is a
// compare-and-swap, so a task already claimed or completed by the time its
// id is popped again is simply skipped.
func bootstrapSweep(ctx context.Context, st store.Store, queue *notify.Queue, period time.Duration, log *zap.Logger) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := st.ListPendingTasks(ctx)
			if err != nil {
				log.Warn("bootstrap sweep: list pending tasks", zap.Error(err))
				continue
			}
			for _, task := range pending {
				queue.Push(task.ID)
			}
		}
	}
}

// isTransient classifies an error as retryable infrastructure failure
// rather than a terminal agent/tool outcome, per the error taxonomy's
// distinction between the two.
func isTransient(err error) bool {
	return err != nil
}

// metricsServer exposes /metrics and a liveness probe on cfg.Metrics.Port.
type metricsServer struct {
	echo *echo.Echo
	addr string
}

func newMetricsServer(cfg *config.Config, registry *prometheus.Registry, log *zap.Logger) *metricsServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return &metricsServer{echo: e, addr: ":" + strconv.Itoa(cfg.Metrics.Port)}
}

func (m *metricsServer) Start() error {
	return m.echo.Start(m.addr)
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	return m.echo.Shutdown(ctx)
}

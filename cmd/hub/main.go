package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	adminapi "github.com/agentcom/agentcom/internal/admin/api"
	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/auth"
	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/events"
	"github.com/agentcom/agentcom/internal/hubfsm"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/internal/scheduler"
	"github.com/agentcom/agentcom/internal/session"
	"github.com/agentcom/agentcom/internal/task/queue"
	"github.com/agentcom/agentcom/internal/task/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting AgentCom hub...")

	// 3. Create context cancelled on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the durable task store. This also takes the single-hub lock:
	// a second hub on the same store fails here.
	taskStore, closeStore, err := store.Provide(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open task store", zap.Error(err))
	}
	defer closeStore()
	log.Info("Task store ready", zap.String("driver", cfg.Storage.Driver))

	// 5. Event bus (NATS when configured, in-memory otherwise)
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus

	// 6. Task queue, recovering any persisted state
	queueMgr, err := queue.NewManager(ctx, cfg.Queue, taskStore, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize task queue", zap.Error(err))
	}

	// 7. Agent lifecycle
	lifecycleMgr := lifecycle.NewManager(cfg.Lifecycle, queueMgr, eventBus, log)
	queueMgr.SetAgentProbe(lifecycleMgr)
	queueMgr.Start()
	defer queueMgr.Stop()

	// 8. Rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimit, eventBus, log)

	// 9. Scheduler
	sched := scheduler.New(queueMgr, lifecycleMgr, limiter, eventBus, log)
	if err := sched.Start(); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// 10. Hub FSM fed by queue occupancy
	snapshot := func() hubfsm.Snapshot {
		stats := queueMgr.Stats(context.Background())
		return hubfsm.Snapshot{
			PendingGoals:   stats.Queued,
			ActiveGoals:    stats.Assigned,
			HealthCritical: cfg.Queue.SoftCap > 0 && stats.Queued >= cfg.Queue.SoftCap,
		}
	}
	fsm := hubfsm.New(cfg.FSM, hubfsm.NewBudgetLedger(nil), snapshot, eventBus, log)
	fsm.Start()
	defer fsm.Stop()

	// 11. HTTP surface: agent sessions plus the operator API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	validator := auth.NewStaticValidator(cfg.Auth, log)
	sessionServer := session.NewServer(cfg.Session, lifecycleMgr, queueMgr, limiter, validator, log)
	sessionServer.RegisterRoutes(router)
	adminapi.SetupRoutes(router, queueMgr, lifecycleMgr, limiter, fsm, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Run until a signal arrives, then drain
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down AgentCom hub...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Hub terminated with error", zap.Error(err))
	}
	log.Info("AgentCom hub stopped")
}

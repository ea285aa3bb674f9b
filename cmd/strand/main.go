// Package main is the entry point for the Strand session server.
// One binary hosts the event store, the turn orchestrator and the
// WebSocket gateway.
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

	"github.com/strand-dev/strand/internal/common/config"
	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/events"
	gateway "github.com/strand-dev/strand/internal/gateway/websocket"
	"github.com/strand-dev/strand/internal/models"
	"github.com/strand-dev/strand/internal/orchestrator"
	"github.com/strand-dev/strand/internal/provider"
	"github.com/strand-dev/strand/internal/session/notify"
	"github.com/strand-dev/strand/internal/tracing"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 database
// unrecoverable.
const (
	exitBadConfig = 2
	exitDatabase  = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitBadConfig)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitBadConfig)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Strand...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing.Setup(cfg.Tracing)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// Event store. A failure here is unrecoverable: the log is the source
	// of truth and there is nothing to serve without it.
	eventStore, err := provideStore(cfg, log)
	if err != nil {
		log.Error("Failed to open event store", zap.Error(err))
		os.Exit(exitDatabase)
	}
	defer func() { _ = eventStore.Close() }()

	// Lifecycle announcements: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		os.Exit(exitBadConfig)
	}
	defer busCleanup()
	announcer := events.NewAnnouncer(eventBus, "strand-server", log)

	registry, err := models.NewRegistry()
	if err != nil {
		log.Error("Failed to load model registry", zap.Error(err))
		os.Exit(exitBadConfig)
	}

	factory := provider.NewFactory(registry, cfg.Providers, log)

	bus := notify.New(log)
	orch := orchestrator.New(eventStore, bus, factory, registry, orchestrator.Options{
		TurnTimeout: cfg.Orchestrator.TurnTimeoutDuration(),
	}, log)
	defer orch.Close()

	gw := gateway.NewGateway(eventStore, orch, bus, announcer, gateway.Options{
		WorkspaceRoot: cfg.Workspace.Root,
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gw.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "strand",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		gw.Hub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/health"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down", zap.String("signal", sig.String()))
		case <-groupCtx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Strand stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

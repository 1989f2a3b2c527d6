package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/promptembed/internal/ai"
	"github.com/xxxsen/promptembed/internal/config"
	"github.com/xxxsen/promptembed/internal/cronjob"
	"github.com/xxxsen/promptembed/internal/db"
	"github.com/xxxsen/promptembed/internal/handler"
	"github.com/xxxsen/promptembed/internal/job"
	"github.com/xxxsen/promptembed/internal/middleware"
	"github.com/xxxsen/promptembed/internal/repo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptembed",
		Short: "prompt weighting, scheduling and embedding cache",
	}
	rootCmd.AddCommand(newRunCmd(), newParseCmd(), newScheduleCmd(), newEmbedCmd())

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run promptembed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Port == 0 {
				return fmt.Errorf("port is required")
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			var conn *sql.DB
			if cfg.Database != nil {
				conn, err = db.Open(*cfg.Database)
				if err != nil {
					return fmt.Errorf("open db: %w", err)
				}
				defer conn.Close()
				if err := db.ApplyMigrations(conn); err != nil {
					return fmt.Errorf("migrations: %w", err)
				}
			}
			return runServer(cfg, conn)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	return cmd
}

func runServer(cfg *config.Config, conn *sql.DB) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("encoder", cfg.Encoder.Provider),
		zap.Int("cache_capacity", cfg.Cache.Capacity),
		zap.Bool("database", conn != nil),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store ai.VectorStore
	if conn != nil {
		vectors := repo.NewVectorCacheRepo(conn)
		store = vectors
		scheduler := cronjob.NewCronScheduler()
		cleanup := job.NewVectorCacheCleanupJob(vectors, cfg.Cleanup.MaxAgeDays)
		if err := scheduler.AddJob(cleanup, cfg.Cleanup.Cron); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
		// prune once at startup instead of waiting for the first tick
		go func() { _, _ = scheduler.RunNow(ctx, cleanup.Name()) }()
	}

	prompts, err := buildService(cfg, store)
	if err != nil {
		return err
	}
	deps := handler.RouterDeps{
		Prompts:         handler.NewPromptHandler(prompts),
		Cache:           handler.NewCacheHandler(prompts),
		EmbedRateWindow: time.Duration(cfg.EmbedRateLimitMs) * time.Millisecond,
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSAllowlist),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

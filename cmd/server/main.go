// Package main runs the attendance HTTP server with the draw room WebSocket and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/attendance/config"
	"github.com/aura-webinar/attendance/internal/auth"
	"github.com/aura-webinar/attendance/internal/lottery"
	"github.com/aura-webinar/attendance/internal/middleware"
	"github.com/aura-webinar/attendance/internal/models"
	"github.com/aura-webinar/attendance/internal/realtime"
	"github.com/aura-webinar/attendance/internal/reports"
	"github.com/aura-webinar/attendance/internal/sessionlog"
	"github.com/aura-webinar/attendance/pkg/database"
	"github.com/aura-webinar/attendance/pkg/queue"
	"github.com/aura-webinar/attendance/pkg/redis"
	"github.com/aura-webinar/attendance/pkg/response"
	"github.com/aura-webinar/attendance/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	settings := cfg.Settings
	opts, err := settings.PipelineOptions()
	if err != nil {
		logger.Fatal("settings", zap.Error(err))
	}
	reader, err := settings.Reader(logger)
	if err != nil {
		logger.Fatal("settings", zap.Error(err))
	}
	writer, err := settings.Writer()
	if err != nil {
		logger.Fatal("settings", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	deps := reports.Deps{}
	if cfg.AWS.Bucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Bucket:               cfg.AWS.Bucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			deps.Exports = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	if cfg.Admin.Email != "" {
		admin, err := auth.EnsureAdmin(ctx, authRepo, cfg.Admin.Email, cfg.Admin.Password, cfg.Admin.FullName)
		if err != nil {
			logger.Fatal("seed admin", zap.Error(err))
		}
		logger.Info("admin account ready", zap.String("email", admin.Email))
	}

	// Reports
	deps.Events = sessionlog.NewRepository(pool)
	deps.Jobs = queue.NewQueue(rdb.Client, logger)
	deps.Room = hub
	voucher := settings.Spreadsheets.Operations.GiveawayVoucher
	reportHandler := reports.NewHandler(reports.Config{
		Options:        opts,
		Reader:         reader,
		Writer:         writer,
		Drawer:         lottery.NewDrawer(nil, logger),
		DefaultWinners: voucher.Number,
		DropUsers:      voucher.DropUsers,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	}, deps, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins()))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth (public)
	loginLimiter := middleware.NewRateLimiter(cfg.Server.LoginRatePerMinute)
	router.POST("/auth/login", loginLimiter.Middleware(), authHandler.Login)

	// Protected API (JWT required, organizers and admins)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(models.RoleOrganizer, models.RoleAdmin))
	{
		api.POST("/attendance", reportHandler.Attendance)
		api.POST("/attendance/count", reportHandler.Count)
		api.POST("/vouchers/draw", reportHandler.DrawVouchers)
		api.GET("/webinars/:id/attendance", reportHandler.WebinarAttendance)
		api.POST("/jobs/reconcile", reportHandler.EnqueueReconcile)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/draws", realtime.ServeWs(hub, realtime.NewUpgrader(cfg.Server.AllowedOrigins()), jwtService, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, _ := zcfg.Build()
	return logger
}

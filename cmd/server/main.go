// Package main runs the forecasting platform HTTP server with the state
// websocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/consensio/backend/config"
	"github.com/consensio/backend/internal/comments"
	"github.com/consensio/backend/internal/devsetup"
	"github.com/consensio/backend/internal/export"
	"github.com/consensio/backend/internal/extensions"
	"github.com/consensio/backend/internal/invites"
	"github.com/consensio/backend/internal/middleware"
	"github.com/consensio/backend/internal/predictions"
	"github.com/consensio/backend/internal/presenter"
	"github.com/consensio/backend/internal/questions"
	"github.com/consensio/backend/internal/realtime"
	"github.com/consensio/backend/internal/rooms"
	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
	"github.com/consensio/backend/internal/users"
	"github.com/consensio/backend/internal/worker"
	"github.com/consensio/backend/pkg/database"
	"github.com/consensio/backend/pkg/queue"
	"github.com/consensio/backend/pkg/redis"
	"github.com/consensio/backend/pkg/response"
	"github.com/consensio/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var backend state.Backend
	if cfg.Dev.Mode {
		backend = state.NewMemoryBackend()
		logger.Info("dev mode: in-memory backend")
	} else {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		backend = database.NewDocStore(pool)
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	store := state.NewStore(backend, logger)
	extensions.Register(extensions.NewActivityLog(logger))
	extensions.Install(store, logger)
	if err := store.Load(ctx); err != nil {
		logger.Fatal("load state", zap.Error(err))
	}

	transient := sessions.NewTransientStore()
	tracker := sessions.NewTracker(store, transient, logger)
	hub := realtime.NewHub(store, tracker, transient, logger)
	defer hub.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	tokenService := presenter.NewTokenService(cfg.JWT.Secret, cfg.JWT.ExpireMinutes)

	userHandler := users.NewHandler(store, tracker, logger)
	roomHandler := rooms.NewHandler(store, tracker, logger)
	questionHandler := questions.NewHandler(store, tracker, logger)
	predictionHandler := predictions.NewHandler(store, tracker, logger)
	commentHandler := comments.NewHandler(store, tracker, logger)
	inviteHandler := invites.NewHandler(store, tracker, rdb, logger)
	presenterHandler := presenter.NewHandler(store, tracker, transient, tokenService, logger)
	exportHandler := export.NewHandler(store, tracker, jobQueue, logger)
	exportProcessor := worker.NewExportProcessor(s3Client, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(sessions.Middleware(tracker, logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth and profile
	router.POST("/login", userHandler.Login)
	router.POST("/logout", userHandler.Logout)
	router.GET("/profile", userHandler.Profile)
	router.PATCH("/profile", userHandler.UpdateProfile)

	// Rooms
	router.POST("/rooms", roomHandler.Create)
	router.PATCH("/rooms/:id", roomHandler.Update)
	router.PUT("/rooms/:id/members/:userID", roomHandler.SetMemberRole)
	router.DELETE("/rooms/:id/members/:userID", roomHandler.RemoveMember)

	// Questions
	router.POST("/rooms/:id/questions", questionHandler.Create)
	router.POST("/rooms/:id/questions/reorder", questionHandler.Reorder)
	router.PATCH("/questions/:id", questionHandler.Update)
	router.POST("/questions/:id/resolve", questionHandler.Resolve)
	router.DELETE("/questions/:id", questionHandler.Delete)

	// Predictions
	router.PUT("/questions/:id/predict", predictionHandler.Predict)
	router.GET("/questions/:id/predictions", predictionHandler.List)
	router.GET("/questions/:id/history", predictionHandler.MyHistory)
	router.GET("/questions/:id/group-history", predictionHandler.GroupHistory)

	// Comments
	router.POST("/questions/:id/comments", commentHandler.Create)
	router.DELETE("/comments/:id", commentHandler.Delete)

	// Invite links
	router.POST("/rooms/:id/invites", inviteHandler.Create)
	router.PATCH("/rooms/:id/invites/:linkID", inviteHandler.Update)
	router.POST("/invites/shortlink", inviteHandler.CreateShortlink)
	router.GET("/invites/shortlink/:code", inviteHandler.ResolveShortlink)
	router.POST("/invites/join", inviteHandler.Join)

	// Presenter mode
	router.PUT("/presenter/view", presenterHandler.SetView)
	router.DELETE("/presenter/view", presenterHandler.ClearView)
	router.POST("/presenter/share", presenterHandler.Share)
	router.POST("/presenter/accept", presenterHandler.Accept)

	// Exports
	router.POST("/rooms/:id/export", exportHandler.Create)
	router.GET("/exports/:id", exportHandler.Status)

	// State websocket
	router.GET("/state", hub.ServeState(false))
	router.GET("/state/presenter", hub.ServeState(true))

	if cfg.Dev.Mode {
		router.POST("/init", func(c *gin.Context) {
			if err := devsetup.Seed(c.Request.Context(), store, logger); err != nil {
				response.Error(c, err)
				return
			}
			response.OK(c, gin.H{"seeded": true})
		})
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go tracker.RunGC(bgCtx, time.Hour)
	if s3Client != nil {
		go exportProcessor.Run(bgCtx)
		logger.Info("export worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/caselink/caselink/internal/auth"
	"github.com/caselink/caselink/internal/chat"
	"github.com/caselink/caselink/internal/handlers"
	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/internal/presence"
	"github.com/caselink/caselink/internal/push"
	"github.com/caselink/caselink/internal/ratelimit"
	"github.com/caselink/caselink/internal/storage"
	"github.com/caselink/caselink/internal/store"
	"github.com/caselink/caselink/internal/ws"
	"github.com/caselink/caselink/pkg/config"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Environment)
	defer logger.Sync()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, logger, os.Args[1:]); err != nil {
			logger.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg, logger); err != nil {
		logger.Fatalf("failed to start server: %v", err)
	}
}

func newLogger(environment string) *zap.SugaredLogger {
	var (
		base *zap.Logger
		err  error
	)
	if environment == "production" {
		base, err = zap.NewProduction()
	} else {
		base, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return base.Sugar()
}

func runCommand(cfg *config.Config, logger *zap.SugaredLogger, args []string) error {
	switch args[0] {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "migrate":
		return runMigrate(cfg, logger)
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  caselink           Start the chat server")
	fmt.Fprintln(out, "  caselink migrate   Run database migrations and exit")
	fmt.Fprintln(out, "  caselink status    Show application statistics")
	fmt.Fprintln(out, "  caselink status --json")
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runMigrate(cfg *config.Config, logger *zap.SugaredLogger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("database migrated")
	return nil
}

func ipRateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func runServer(cfg *config.Config, logger *zap.SugaredLogger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(db, logger)
	registry := presence.NewRegistry(logger)
	messageLimiter := ratelimit.NewSlidingWindow(cfg.ChatRateLimitMaxEvents, cfg.ChatRateLimitWindow)

	// Idle users must not pin rate limit state forever.
	go func() {
		ticker := time.NewTicker(cfg.ChatRateLimitWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				messageLimiter.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	var blobs chat.BlobStore
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.AWSAccessKey, cfg.AWSSecretKey)
		if err != nil {
			return fmt.Errorf("failed to initialize blob storage: %w", err)
		}
		blobs = s3Store
	} else {
		logger.Warn("no S3 bucket configured, attachments disabled")
	}

	notifier := push.New(db, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, "mailto:support@caselink.example", logger)
	authSvc := auth.New(db, cfg.JWTSecret)

	engine := chat.NewEngine(st, registry, messageLimiter, blobs, notifier, chat.Config{
		MaxMessageLength:       cfg.ChatMaxMessageLength,
		MaxPageSize:            cfg.ChatMaxPageSize,
		AttachmentMaxBytes:     cfg.AttachmentMaxBytes,
		AttachmentAllowedTypes: cfg.AttachmentAllowedTypes,
		AttachmentURLTTL:       cfg.AttachmentURLTTL,
	}, logger)

	authHandler := handlers.NewAuthHandler(authSvc)
	chatHandler := handlers.NewChatHandler(engine, notifier, logger)
	wsHandler := ws.NewHandler(authSvc, st, engine, registry, messageLimiter, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = cfg.AttachmentMaxBytes

	corsConfig := cors.DefaultConfig()
	if cfg.CORSOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.CORSOrigins, ",")
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/health", chatHandler.Health)

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", ipRateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", ipRateLimitMiddleware(loginLimiter), authHandler.Login)
	}

	protected := api.Group("", authHandler.AuthMiddleware())
	{
		protected.POST("/conversations", chatHandler.CreateConversation)
		protected.GET("/conversations", chatHandler.ListConversations)
		protected.GET("/conversations/:id/messages", chatHandler.ListMessages)
		protected.POST("/conversations/:id/messages", chatHandler.SendMessage)
		protected.POST("/conversations/:id/attachments", chatHandler.UploadAttachment)
		protected.POST("/messages/:id/ack", chatHandler.AcknowledgeMessage)
		protected.POST("/push/subscriptions", chatHandler.SubscribePush)
	}

	router.GET("/ws", wsHandler.HandleWebSocket)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

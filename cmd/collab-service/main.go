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

	"github.com/weiawesome/wes-collab/internal/admission"
	"github.com/weiawesome/wes-collab/internal/cache"
	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/internal/handler"
	"github.com/weiawesome/wes-collab/internal/hub"
	"github.com/weiawesome/wes-collab/internal/kafka"
	"github.com/weiawesome/wes-collab/internal/registry"
	"github.com/weiawesome/wes-collab/internal/repository"
	"github.com/weiawesome/wes-collab/internal/service"
	"github.com/weiawesome/wes-collab/pkg/database"
	"github.com/weiawesome/wes-collab/pkg/jwt"
	pkglog "github.com/weiawesome/wes-collab/pkg/log"
	"github.com/weiawesome/wes-collab/pkg/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Level == "debug",
		ServiceName: "collab-service",
	})
	logger := pkglog.L()

	// Connect to database using GORM
	db, err := database.New(&database.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		FilePath:        cfg.Database.FilePath,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := database.AutoMigrate(db, &domain.UserModel{}, &domain.DocumentModel{}, &domain.DocumentPermissionModel{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Msg("database migration completed")

	userRepo := repository.NewGormUserRepository(db)
	docRepo := repository.NewGormDocumentRepository(db)

	// Optional Redis cache for access checks
	var accessCache cache.AccessCache = cache.NopAccessCache{}
	if cfg.Cache.Enabled {
		redisCache, err := cache.NewRedisAccessCache(cfg.Redis, cfg.Cache.Prefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisCache.Close()
		accessCache = redisCache
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis cache connected")
	}

	// Optional Kafka activity stream
	var producer kafka.ActivityProducer = kafka.NopProducer{}
	if cfg.Kafka.Enabled {
		p, err := kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize kafka producer")
		}
		producer = p
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka producer connected")
	}

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token verifier")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard := admission.NewGuard(cfg.Admission)
	go guard.Run(ctx)

	wsHub := hub.NewHub(cfg.WebSocket)
	access := service.NewAccessService(userRepo, docRepo, accessCache, cfg.Cache.TTL)
	collabSvc := service.NewCollabService(wsHub, registry.NewSessionRegistry(), tokens, access, access, producer)
	documentSvc := service.NewDocumentService(docRepo, access)

	// Document API
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	handler.NewHandler(documentSvc, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(r)

	mux := http.NewServeMux()
	handler.NewWSHandler(wsHub, collabSvc, guard, cfg.WebSocket, cfg.Server.TrustProxy).RegisterRoutes(mux)
	mux.Handle("/api/", r)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           pkglog.HTTPMiddleware(logger, cfg.Server.TrustProxy)(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", addr).
			Str("driver", cfg.Database.Driver).
			Bool("cache", cfg.Cache.Enabled).
			Bool("kafka", cfg.Kafka.Enabled).
			Msg("collab-service starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down collab-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// live sockets are hijacked, so close them before draining HTTP
	if err := collabSvc.Stop(); err != nil {
		logger.Error().Err(err).Msg("failed to stop collab service")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("collab-service stopped")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aicodeview-backend/internal/config"
	"aicodeview-backend/internal/generator"
	"aicodeview-backend/internal/handler"
	"aicodeview-backend/internal/middleware"
	"aicodeview-backend/internal/provider"
	"aicodeview-backend/internal/service"
	"aicodeview-backend/internal/storage"
	"aicodeview-backend/internal/utils"
	"aicodeview-backend/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "path to the config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	p, err := provider.New(context.Background(), cfg)
	if err != nil {
		logger.Fatalf("Failed to init provider: %v", err)
	}
	gen := generator.New(p, cfg.Generation.MinInputLength)

	policy, err := service.ParsePolicy(cfg.Generation.Concurrency)
	if err != nil {
		logger.Fatalf("Invalid generation config: %v", err)
	}

	store := newStorage(cfg)
	defer store.Close()

	svc := service.NewGenerationService(gen, store, service.Options{
		Policy:          policy,
		CopiedTTL:       cfg.Generation.CopiedTTL,
		SessionTTL:      cfg.Session.TTL,
		CleanupInterval: cfg.Session.CleanupInterval,
	})
	defer svc.Close()

	h := handler.NewGenerationHandler(svc, gen, utils.SystemClipboard{})
	router := setupRouter(cfg, h)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("Server listening on port %d (provider %s, policy %s)", cfg.Server.Port, p.Name(), policy)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}

// newStorage falls back to memory when the disk store cannot be opened.
func newStorage(cfg *config.Config) storage.Storage {
	if cfg.Storage.Type == "disk" {
		disk := storage.NewDiskStorage(cfg.Storage.DataDir, cfg.Storage.CacheSize)
		err := disk.Init()
		if err == nil {
			logger.Infof("Using disk storage at %s", cfg.Storage.DataDir)
			return disk
		}
		logger.Errorf("Failed to init disk storage, falling back to memory: %v", err)
	}

	mem := storage.NewMemoryStorage()
	_ = mem.Init()
	return mem
}

func setupRouter(cfg *config.Config, h *handler.GenerationHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api")
	if cfg.RateLimit.Enabled {
		api.Use(middleware.RateLimitMiddleware(
			middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		))
	}
	h.Register(api)

	return router
}

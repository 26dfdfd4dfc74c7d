package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/parash93/kdm-procurex-backend/internal/advisor"
	"github.com/parash93/kdm-procurex-backend/internal/audit"
	"github.com/parash93/kdm-procurex-backend/internal/cache"
	"github.com/parash93/kdm-procurex-backend/internal/config"
	"github.com/parash93/kdm-procurex-backend/internal/httpapi"
	"github.com/parash93/kdm-procurex-backend/internal/service"
	"github.com/parash93/kdm-procurex-backend/internal/store"
	"github.com/parash93/kdm-procurex-backend/internal/store/memory"
	pgstore "github.com/parash93/kdm-procurex-backend/internal/store/postgres"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	dashboardCache := cache.DashboardCache(cache.NoopDashboardCache{})
	reorderCache := cache.ReorderCache(cache.NoopReorderCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDashboardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warnf("redis unavailable (%v), using noop cache", err)
		} else {
			dashboardCache = redisCache
			reorderCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	sink := audit.NewLedgerSink(repo, log)
	reorder := advisor.NewEngine(reorderCache, time.Duration(cfg.DashboardTTLSeconds)*time.Second)
	svc := service.New(repo, sink, dashboardCache, reorder, time.Duration(cfg.DashboardTTLSeconds)*time.Second, log)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("procurement backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warnf("close error: %v", err)
		}
	}

	log.Info("server stopped")
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

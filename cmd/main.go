package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"phaseforge/internal/config"
	"phaseforge/internal/events"
	"phaseforge/internal/generator"
	"phaseforge/internal/httpapi"
	"phaseforge/internal/logging"
	"phaseforge/internal/metrics"
	"phaseforge/internal/phases"
	"phaseforge/internal/session"
	"phaseforge/internal/store"
)

func main() {
	// Missing .env is fine, production config comes from the environment.
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	logging.Init()
	defer logging.Sync()
	log := logging.S()

	cfg := config.Load()
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	planStore, err := store.Open(cfg)
	if err != nil {
		log.Fatalw("Failed to open plan store", "error", err)
	}
	defer planStore.Close()

	hub := events.NewHub()

	var gen phases.CodeGenerator
	if g := generator.NewClaudeGenerator(cfg.Generator); g != nil {
		gen = g
		log.Infow("Code generator enabled", "model", cfg.Generator.Model)
	} else {
		log.Warnw("No generator API key set, running in manual mode")
	}

	sessions := session.NewManager(gen, nil, nil, nil, hub)
	sessions.SetPlannerDefaults(phases.PlannerConfig{
		MaxTokensPerPhase:    cfg.Planner.MaxTokensPerPhase,
		TargetTokensPerPhase: cfg.Planner.TargetTokensPerPhase,
		MaxFeaturesPerPhase:  cfg.Planner.MaxFeaturesPerPhase,
		MinFeaturesPerPhase:  cfg.Planner.MinFeaturesPerPhase,
		MinPhases:            cfg.Planner.MinPhases,
		MaxPhases:            cfg.Planner.MaxPhases,
	})
	handler := httpapi.NewHandler(planStore, sessions, hub)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.PrometheusMiddleware())
	router.GET("/metrics", metrics.PrometheusHandler())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	handler.Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("Server starting", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalw("Server failed", "error", err)
	case sig := <-quit:
		log.Infow("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Shutdown error", "error", err)
	}
	log.Infow("Shutdown complete")
}

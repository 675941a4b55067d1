package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/incidence/internal/config"
	"github.com/ehr/incidence/internal/domain/incidence"
	"github.com/ehr/incidence/internal/platform/auth"
	"github.com/ehr/incidence/internal/platform/db"
	"github.com/ehr/incidence/internal/platform/middleware"
	"github.com/ehr/incidence/internal/platform/telemetry"
)

// requestTimeout bounds API report runs.
const requestTimeout = 5 * time.Minute

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the report API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger, "", cfg.PersistResults)
	if err != nil {
		return err
	}
	defer rt.Close()

	var stats func() *db.PoolStats
	if rt.pool != nil {
		stats = func() *db.PoolStats { return db.GetPoolStats(rt.pool) }
	}
	e := newServer(rt.cfg, logger, rt.svc, rt.catalog, rt.recorder, stats)

	go func() {
		addr := ":" + rt.cfg.Port
		logger.Info().Str("addr", addr).Str("store", rt.cfg.EventStore).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires middleware and routes. stats may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *incidence.Service, catalog *incidence.Catalog,
	recorder *telemetry.Recorder, stats func() *db.PoolStats) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(recorder.Middleware())

	if cfg.IsProduction() || cfg.AuthSigningKey != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		e.Use(auth.DevAuthMiddleware())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(cfg.EventStore, svc, stats))
	e.GET("/metrics", recorder.Handler())

	apiV1 := e.Group("/api/v1", middleware.RequestTimeout(requestTimeout))
	incidence.NewHandler(svc, catalog, cfg.PersistResults).RegisterRoutes(apiV1)

	return e
}

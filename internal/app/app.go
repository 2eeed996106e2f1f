// Package app wires the signaling server together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/config"
	"github.com/mossy-p/livestore-signaling/internal/handlers"
	"github.com/mossy-p/livestore-signaling/internal/redis"
	"github.com/mossy-p/livestore-signaling/internal/signaling"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	redisDialTimeout  = 5 * time.Second
)

// App owns the HTTP server, the hub and the presence directory.
type App struct {
	server *http.Server
	hub    *signaling.Hub
	closer io.Closer
	log    *zerolog.Logger
}

// New constructs the application. With Redis disabled, presence lives in memory
// and only this instance can see it.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	var (
		dir    signaling.Directory
		closer io.Closer
	)
	if cfg.Redis.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		defer cancel()

		rd, err := redis.Connect(dialCtx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init directory: %w", err)
		}
		if err := rd.Reset(dialCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to clear stale presence")
		}
		dir, closer = rd, rd
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("redis connection established")
	} else {
		dir = signaling.NewMemoryDirectory()
		logger.Info().Msg("using in-memory presence directory")
	}

	hub := signaling.NewHub(dir, logger, signaling.WithRequestTTL(cfg.RequestTTL))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Hub:            hub,
		Presence:       dir,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	return &App{
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		hub:    hub,
		closer: closer,
		log:    logger,
	}, nil
}

// Handler exposes the router, for tests.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("starting Live Store signaling server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

func (a *App) cleanup() {
	a.hub.Close()
	if a.closer == nil {
		return
	}
	if err := a.closer.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close directory")
	} else {
		a.log.Info().Msg("directory closed")
	}
}

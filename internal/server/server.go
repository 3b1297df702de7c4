// Package server is the local HTTP API the browser extension and the
// dashboard talk to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dtnitsch/pagewarden/pkg/activity"
	"github.com/dtnitsch/pagewarden/pkg/auth"
	"github.com/dtnitsch/pagewarden/pkg/caching"
	"github.com/dtnitsch/pagewarden/pkg/coord"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// Deps are the components the handlers operate on.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Cache      *caching.Cache
	Log        *activity.Log
	Credential *auth.Credential
	Store      storage.Store
	Coord      *coord.Context
	Outbox     *Outbox
	Logger     *slog.Logger
}

// Server holds the handlers and the gin engine.
type Server struct {
	Deps
	engine *gin.Engine
}

// New builds the router. Dashboard origins enable CORS for those origins only.
func New(deps Deps, dashboardOrigins []string) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger))
	if mw := dashboardCORS(dashboardOrigins); mw != nil {
		r.Use(mw)
	}

	s := &Server{Deps: deps, engine: r}

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/tabs/:tab/observations", s.observe)
		v1.POST("/tabs/:tab/navigation", s.navigation)
		v1.DELETE("/tabs/:tab", s.closeTab)

		v1.GET("/actions", s.actions)

		v1.GET("/activity", s.listActivity)
		v1.DELETE("/activity", s.clearActivity)

		v1.POST("/cache/clear", s.clearCache)
		v1.POST("/cache/version", s.cacheVersion)

		v1.PUT("/auth/token", s.setToken)
		v1.DELETE("/auth/token", s.clearToken)

		v1.GET("/pause", s.getPause)
		v1.PUT("/pause", s.setPause)
	}
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("Listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

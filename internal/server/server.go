// Package server exposes the webhook endpoint and the operational routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bitbucket_jenkins_integ/internal/config"
	"bitbucket_jenkins_integ/internal/core"
	"bitbucket_jenkins_integ/internal/polllog"
)

// JobLookup resolves configured jobs by name.
type JobLookup interface {
	Job(name string) (core.Job, bool)
}

// Deps are the handlers and stores the routes are served from.
type Deps struct {
	Webhook  gin.HandlerFunc
	Jobs     JobLookup
	PollLogs *polllog.Store
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front of the service.
type Server struct {
	engine          *gin.Engine
	server          *http.Server
	log             *slog.Logger
	shutdownTimeout time.Duration
}

// New builds the router. The webhook is served on cfg.WebhookPath with and
// without a trailing slash.
func New(cfg config.ServerConfig, shutdownTimeout time.Duration, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{log: logger, shutdownTimeout: shutdownTimeout}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.logRequests())

	path := "/" + strings.Trim(cfg.WebhookPath, "/")
	engine.POST(path, deps.Webhook)
	engine.POST(path+"/", deps.Webhook)
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.PollLogs != nil && deps.Jobs != nil {
		engine.GET("/poll-log/*job", pollLogHandler(deps.Jobs, deps.PollLogs, logger))
	}

	s.engine = engine
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout.Duration,
		ReadHeaderTimeout: cfg.ReadTimeout.Duration,
		WriteTimeout:      cfg.WriteTimeout.Duration,
		IdleTimeout:       cfg.IdleTimeout.Duration,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting http server", slog.String("address", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// pollLogHandler serves the raw poll log of a configured job.
func pollLogHandler(jobs JobLookup, logs *polllog.Store, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.Trim(c.Param("job"), "/")
		if _, ok := jobs.Job(name); !ok {
			c.String(http.StatusNotFound, "unknown job")
			return
		}
		data, err := logs.Read(name)
		if errors.Is(err, polllog.ErrNoLog) {
			c.String(http.StatusNotFound, "job has not been polled yet")
			return
		}
		if err != nil {
			logger.Error("read poll log", slog.String("job", name), slog.String("error", err.Error()))
			c.String(http.StatusInternalServerError, "failed to read poll log")
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

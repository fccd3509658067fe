// Package server exposes the HTTP surface: health, stream status, the SSE
// event feed and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/engine"
	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/publish"
	"github.com/clsferguson/proximeter/internal/supervisor"
)

// Options configures the HTTP server.
type Options struct {
	Addr        string
	CORSOrigins []string
	InstanceID  string
}

// Server serves the read-only API. Stream CRUD lives on the control plane.
type Server struct {
	log zerolog.Logger
	srv *http.Server

	instanceID string
	streams    *supervisor.Registry
	manager    *engine.Manager
	events     *publish.Broadcaster
	met        *metrics.Collector
}

// New builds the server and its router.
func New(opts Options, streams *supervisor.Registry, manager *engine.Manager, events *publish.Broadcaster, met *metrics.Collector, log zerolog.Logger) *Server {
	s := &Server{
		log:        log.With().Str("component", "http").Logger(),
		instanceID: opts.InstanceID,
		streams:    streams,
		manager:    manager,
		events:     events,
		met:        met,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(opts.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = opts.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	s.routes(router)

	s.srv = &http.Server{
		Addr:        opts.Addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/v1/events holds the connection open.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.met.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	api.GET("/streams", s.handleStreams)
	api.GET("/events", s.handleEvents)
}

// Start begins listening. Returns once the listener fails or is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Shutdown drains in-flight requests. SSE connections are closed by the
// broadcaster during publisher teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"instance": s.instanceID,
	})
}

// handleReadyz reports ready once a model is active. Degraded streams do not
// fail readiness; they are visible in /api/v1/streams.
func (s *Server) handleReadyz(c *gin.Context) {
	state := s.manager.State()
	if state != engine.StateActive {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"model":  string(state),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"model":  s.manager.Handle().ID,
	})
}

func (s *Server) handleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.streams.Health()})
}

// handleEvents streams score events as SSE. A slow consumer loses oldest
// events rather than backpressuring the pipeline.
func (s *Server) handleEvents(c *gin.Context) {
	id, ch := s.events.Subscribe(publish.DefaultSubscriberBuffer)
	defer s.events.Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Push the headers out now so clients see the stream open immediately
	// instead of waiting for the first event or keepalive.
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	s.log.Debug().Uint64("subscriber", id).Msg("sse subscriber connected")

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("score", ev)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().UTC())
			return true
		}
	})
}

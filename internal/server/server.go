// Package server exposes the summarizer over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/kevinmichaelchen/repo-summarizer/internal/gate"
	"github.com/kevinmichaelchen/repo-summarizer/internal/pipeline"
	"github.com/kevinmichaelchen/repo-summarizer/internal/session"
)

type Options struct {
	AllowedOrigins []string
	// RateLimit is a ulule/limiter formatted rate such as "60-M". Empty
	// disables per-client burst limiting.
	RateLimit string
	// LimiterStore backs the burst limiter. Nil means process memory.
	LimiterStore limiter.Store
}

type Server struct {
	pipeline *pipeline.Pipeline
	gate     *gate.Gate
	verifier session.Verifier
	log      *slog.Logger
	router   *gin.Engine
	handler  http.Handler
}

func New(p *pipeline.Pipeline, g *gate.Gate, v session.Verifier, log *slog.Logger, opts Options) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if v == nil {
		v = session.HeaderVerifier{}
	}
	s := &Server{
		pipeline: p,
		gate:     g,
		verifier: v,
		log:      log.With("component", "server"),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())

	api := s.router.Group("/api")
	if opts.RateLimit != "" {
		mw, err := rateLimiter(opts.RateLimit, opts.LimiterStore)
		if err != nil {
			return nil, err
		}
		api.Use(mw)
	}
	{
		api.POST("/github-summarizer", s.handleSummarize)
		api.POST("/validate", s.handleValidate)
		api.GET("/validate", s.handleValidate)
	}
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Content-Type", "Authorization",
			"x-api-key", session.HeaderDemoUser, session.HeaderDemoSession,
		},
	}).Handler(s.router)
	return s, nil
}

func rateLimiter(formatted string, store limiter.Store) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("parsing RATE_LIMIT %q: %w", formatted, err)
	}
	if store == nil {
		store = memory.NewStore()
	}
	return mgin.NewMiddleware(limiter.New(store, rate),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		}),
	), nil
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

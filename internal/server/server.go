package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/metrics"
	"github.com/mmr-tortoise/dynport/internal/model"
	"github.com/mmr-tortoise/dynport/internal/store"
)

// ShutdownTimeout bounds a graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Allocator is the part of the allocator facade the HTTP layer serves.
// *port.Allocator satisfies it.
type Allocator interface {
	PickPort(ctx context.Context) (int, error)
	ReleasePort(ctx context.Context) error
	ReleaseSpecific(ctx context.Context, port int) (bool, error)
	State() *model.State
	Held() *int
	ListFreePorts() []int
	ListUsedPorts() []int
	ListHistory() []model.HistoryEntry
	ListBackups() ([]store.Backup, error)
	FetchBackup(name string) ([]byte, error)
}

// Server is the HTTP facade over one Allocator.
type Server struct {
	cfg        config.Server
	alloc      Allocator
	log        zerolog.Logger
	engine     *gin.Engine
	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New creates a Server. Routes are registered immediately so Handler can be
// used without Start.
func New(cfg config.Server, alloc Allocator, log zerolog.Logger) *Server {
	engine := gin.New()
	s := &Server{
		cfg:    cfg,
		alloc:  alloc,
		log:    log,
		engine: engine,
		httpServer: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the bound listener address once Start is serving, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), s.observe())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/api/v1/port")
	v1.GET("/state", s.handleState)
	v1.GET("/free", s.handleFree)
	v1.GET("/used", s.handleUsed)
	v1.GET("/history", s.handleHistory)
	v1.GET("/backup/list", s.handleBackupList)
	v1.GET("/backup/download", s.handleBackupDownload)
	v1.POST("/pick", s.handlePick)
	v1.POST("/release", s.handleRelease)
}

// observe logs each request at debug level and counts it by route pattern.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.RecordHTTPRequest(route, strconv.Itoa(code))
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", code).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	}
}

// Start listens on the configured address and serves until ctx is
// cancelled or the listener fails. Cancellation triggers a graceful
// shutdown and returns nil.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve http: %w", err)
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-serveErr:
		return err
	}
}

// Shutdown stops the server gracefully, waiting up to ShutdownTimeout for
// in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

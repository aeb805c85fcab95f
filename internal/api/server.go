// Package api exposes a control and report surface over HTTP for a
// running fuzzing session: health, session state, captured comparison
// rows, the capture gate, and one-shot input runs.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/executor"
	glog "github.com/zboralski/tarsier/internal/log"
)

// Server wraps a gin router around one executor. Runs are serialized:
// the executor owns a single capture map.
type Server struct {
	ex     *executor.Executor
	listen string
	logger *glog.Logger
	router *gin.Engine
	http   *http.Server

	mu sync.Mutex // one guest run at a time
}

// NewServer creates a server for the given executor.
func NewServer(ex *executor.Executor, listen string, debug bool, logger *glog.Logger) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = glog.NewNop()
	}

	s := &Server{
		ex:     ex,
		listen: listen,
		logger: logger,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.getHealth)
	AddRoutes(s.router.Group("/v1"), s)

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.listen, Handler: s.router}
	s.logger.Info("api listening", zap.String("addr", s.listen))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

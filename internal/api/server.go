package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/runtimed/internal/common/logger"
)

const serverName = "runtimed"

// NewRouter builds the gin engine with the standard middleware chain.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(OtelTracing(serverName))
	router.Use(RequestLogger(log, serverName))
	h.RegisterRoutes(router)
	return router
}

// Server runs the control API.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *logger.Logger
	errCh    chan error
}

// Listen binds addr and starts serving handler in the background.
func Listen(addr string, handler http.Handler, log *logger.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		logger:   log,
		errCh:    make(chan error, 1),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API server error", zap.Error(err))
			s.errCh <- err
		}
		close(s.errCh)
	}()
	s.logger.Info("control API listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Errors reports a fatal serve error. It is closed when serving stops.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

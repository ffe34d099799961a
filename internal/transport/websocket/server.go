package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/config"
	"github.com/cory-johannsen/roomsignal/internal/signaling"
)

// ConnHandler serves one upgraded connection until it ends.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn signaling.Conn) error
}

// StatusFunc reports extra fields for the /healthz response.
type StatusFunc func() map[string]any

// Server exposes the websocket upgrade route and /healthz on an echo router.
type Server struct {
	cfg      config.WebsocketConfig
	handler  ConnHandler
	status   StatusFunc
	echo     *echo.Echo
	upgrader websocket.Upgrader
	logger   *zap.Logger

	shutdownTimeout time.Duration
	ctx             context.Context
	cancel          context.CancelFunc

	// mu orders connection admission against Stop so wg.Add never races wg.Wait.
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates a Server. status may be nil.
//
// Precondition: handler and logger must be non-nil.
func NewServer(cfg config.WebsocketConfig, shutdownTimeout time.Duration, handler ConnHandler, status StatusFunc, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		status:  status,
		echo:    echo.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = func(err error, c echo.Context) {
		logger.Warn("http request failed",
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
		s.echo.DefaultHTTPErrorHandler(err, c)
	}
	s.echo.GET(cfg.Path, s.upgrade)
	s.echo.GET("/healthz", s.healthz)
	return s
}

// Handler returns the router, for embedding in another server or in tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) timing() Timing {
	return Timing{WriteWait: s.cfg.WriteWait, PongWait: s.cfg.PongWait, ReadLimit: s.cfg.ReadLimit}
}

// originChecker returns the upgrader's origin policy. A nil result selects the
// upgrader's same-host check. Requests without an Origin header are not from a
// browser and are always accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

// admit registers one connection with the shutdown wait group. It reports false
// once Stop has begun.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) upgrade(c echo.Context) error {
	if !s.admit() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	conn := NewConn(ws, s.timing())
	if err := s.handler.ServeConn(s.ctx, conn); err != nil {
		s.logger.Debug("websocket session ended", zap.String("remote_addr", conn.RemoteAddr()), zap.Error(err))
	}
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	return c.JSON(http.StatusOK, body)
}

// Start serves until Stop is called.
//
// Postcondition: Returns nil after Stop, or the listen error.
func (s *Server) Start() error {
	s.logger.Info("websocket server listening",
		zap.String("addr", s.cfg.Addr()),
		zap.String("path", s.cfg.Path),
	)
	if err := s.echo.Start(s.cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes every signaling connection and shuts the HTTP server down.
//
// Postcondition: All connection handlers have returned.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown", zap.Error(err))
	}
	s.wg.Wait()
}

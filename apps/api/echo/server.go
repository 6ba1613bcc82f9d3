package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
	"github.com/trezcool/masomo-realtime/services/broadcast"
)

type (
	// FeedStater reports the change feed state for health checks.
	FeedStater interface {
		State() realtime.State
	}

	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		Hub        *broadcast.Hub
		Feed       FeedStater
		Metrics    *realtime.Metrics
		Validate   *validator.Validate
		Translator ut.Translator
	}

	Server struct {
		deps     ServerDeps
		app      *echo.Echo
		gateway  *gateway
		errors   chan error
		shutdown chan os.Signal
	}
)

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if conf.Server.RequestLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.SignalShutdown)
	s.app.Debug = conf.Debug

	s.gateway = newGateway(s.deps)

	s.app.GET("/", s.home)
	s.app.GET("/health", s.health)

	v1 := s.app.Group("/v1")
	v1.GET("/realtime", s.gateway.serve, jwtMiddleware(conf.SecretKey))
	v1.GET("/realtime/clients", s.gateway.listClients, jwtMiddleware(conf.SecretKey), adminMiddleware())
}

// Start blocks until the server stops; failures are reported on Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.deps.Conf.Server.Address); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

// SignalShutdown asks the process to stop as if it received SIGTERM.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

// Shutdown disconnects websocket clients, then stops accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.gateway.close()
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.gateway.close()
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, fmt.Sprintf("Welcome to %s realtime API!", s.deps.Conf.AppName))
}

func (s *Server) health(ctx echo.Context) error {
	feed := "unknown"
	if s.deps.Feed != nil {
		feed = s.deps.Feed.State().String()
	}
	return ctx.JSON(http.StatusOK, echo.Map{
		"status":  "ok",
		"feed":    feed,
		"clients": s.gateway.count(),
	})
}

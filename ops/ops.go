// Package ops serves liveness and readiness probes on a separate listener.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 2 * time.Second

// Pinger is a dependency that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type check struct {
	name   string
	pinger Pinger
}

// Server answers /healthz and /readyz.
type Server struct {
	echo    *echo.Echo
	checks  []check
	timeout time.Duration
	logger  zerolog.Logger
	version string
}

type Option func(*Server)

// WithCheck adds a readiness dependency.
func WithCheck(name string, p Pinger) Option {
	return func(s *Server) {
		s.checks = append(s.checks, check{name: name, pinger: p})
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates the probe server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		echo:    echo.New(),
		timeout: DefaultCheckTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/readyz", s.readyz)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) readyz(c echo.Context) error {
	results := make(map[string]string, len(s.checks))
	ready := true
	for _, chk := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request().Context(), s.timeout)
		err := chk.pinger.Ping(ctx)
		cancel()
		if err != nil {
			ready = false
			results[chk.name] = err.Error()
			s.logger.Warn().Err(err).Str("check", chk.name).Msg("readiness check failed")
			continue
		}
		results[chk.name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	return c.JSON(status, map[string]interface{}{"status": state, "checks": results})
}

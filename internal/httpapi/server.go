// Package httpapi serves the read-only monitoring surface of a running
// pipeline: health, counters, the latest frame triple, its spectra, a
// websocket stream and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"anc/internal/frame"
	"anc/internal/monitor"
	"anc/internal/pipeline"
	"anc/internal/spectrum"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Option configures a Server.
type Option func(*Server)

// WithAnalyzer enables /api/spectrum and spectrum streaming.
func WithAnalyzer(a *spectrum.Analyzer) Option {
	return func(s *Server) { s.analyzer = a }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithStreamRate caps websocket messages per second per client.
func WithStreamRate(perSecond float64) Option {
	return func(s *Server) { s.streamRate = rate.Limit(perSecond) }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the Echo application.
type Server struct {
	echo       *echo.Echo
	port       *monitor.Port
	stats      StatsSource
	analyzer   *spectrum.Analyzer
	gatherer   prometheus.Gatherer
	streamRate rate.Limit
	log        *slog.Logger
	started    time.Time
}

// New constructs an Echo app reading from port and stats.
func New(port *monitor.Port, stats StatsSource, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		port:       port,
		stats:      stats,
		streamRate: 20,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/frame", s.handleFrame)
	s.echo.GET("/api/spectrum", s.handleSpectrum)
	s.echo.GET("/ws", s.handleStream)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.log.Info("monitor listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
	Uptime      string `json:"uptime"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		State:       s.stats.Stats().State.String(),
		Subscribers: s.port.Subscribers(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

type statusResponse struct {
	pipeline.Stats
	Published uint64 `json:"published"`
	// MonitorDropped counts triples discarded by slow monitor subscribers.
	MonitorDropped uint64 `json:"monitor_dropped"`
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Stats:          s.stats.Stats(),
		Published:      s.port.Published(),
		MonitorDropped: s.port.Dropped(),
	})
}

type frameResponse struct {
	Type     string    `json:"type"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Input    []int16   `json:"input"`
	Estimate []int16   `json:"estimate"`
	Residual []int16   `json:"residual"`
	ERLE     float64   `json:"erle_db"`
}

func newFrameResponse(t monitor.Triple) frameResponse {
	return frameResponse{
		Type:     "frame",
		Seq:      t.Seq,
		At:       t.At,
		Input:    t.Input.Samples(),
		Estimate: t.Estimate.Samples(),
		Residual: t.Residual.Samples(),
		ERLE:     pipeline.ERLE(t.Input, t.Residual),
	}
}

func (s *Server) handleFrame(c echo.Context) error {
	t, ok := s.port.Latest()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no frame published yet")
	}
	return c.JSON(http.StatusOK, newFrameResponse(t))
}

type spectrumResponse struct {
	Type string `json:"type"`
	spectrum.Spectra
}

func (s *Server) spectra(t monitor.Triple) (spectrumResponse, error) {
	sp, err := s.analyzer.Triple(t)
	if err != nil {
		return spectrumResponse{}, err
	}
	return spectrumResponse{Type: "spectrum", Spectra: sp}, nil
}

func (s *Server) handleSpectrum(c echo.Context) error {
	if s.analyzer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "spectrum analyzer is not configured")
	}
	t, ok := s.port.Latest()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no frame published yet")
	}
	resp, err := s.spectra(t)
	if err != nil {
		if errors.Is(err, frame.ErrLength) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// Package server exposes the gateway over HTTP. Every endpoint-bound
// transformer in the registry is mounted as a POST route; provider records
// are managed through a small CRUD surface under /v1/providers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/mcowger/llms/internal/config"
	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/pipeline"
	"github.com/mcowger/llms/internal/router"
	"github.com/mcowger/llms/internal/transformer"
	"github.com/mcowger/llms/internal/transformer/gemini"
)

const (
	maxBodyBytes        = 10 << 20 // 10 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg      config.Config
	registry *transformer.Registry
	router   *router.Router
	pipeline *pipeline.Pipeline
	log      zerolog.Logger
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, registry *transformer.Registry, rt *router.Router, pl *pipeline.Pipeline, log zerolog.Logger) (*Server, error) {
	if registry == nil || rt == nil || pl == nil {
		return nil, errors.New("registry, router and pipeline must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = gatewayErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Err(v.Error).
				Msg("request")
			return nil
		},
	}))

	srv := &Server{
		cfg:      cfg,
		registry: registry,
		router:   rt,
		pipeline: pl,
		log:      log,
		app:      e,
		address:  fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Str("addr", s.address).Msg("starting server")

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	for _, unit := range s.registry.EndpointBound() {
		s.app.POST(unit.Endpoint(), s.completionHandler(unit))
	}

	providers := s.app.Group("/v1/providers")
	providers.GET("", s.handleListProviders)
	providers.POST("", s.handleCreateProvider)
	providers.GET("/:name", s.handleGetProvider)
	providers.PUT("/:name", s.handleUpdateProvider)
	providers.DELETE("/:name", s.handleDeleteProvider)
	providers.POST("/:name/toggle", s.handleToggleProvider)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requestProbe extracts the routing fields from a completion body without
// decoding the full payload.
type requestProbe struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// completionHandler serves one endpoint-bound transformer. The model field
// and stream flag are probed from the body, except on the Gemini path where
// both live in the URL.
func (s *Server) completionHandler(entry transformer.Transformer) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := readBody(c)
		if err != nil {
			return err
		}

		var probe requestProbe
		if segment := c.Param("modelAction"); segment != "" {
			model, _, stream, err := gemini.SplitModelAction(segment)
			if err != nil {
				return err
			}
			probe = requestProbe{Model: model, Stream: stream}
		} else if len(body) > 0 {
			// A malformed body surfaces later in the pipeline with the
			// entry unit's own diagnostics.
			_ = json.Unmarshal(body, &probe)
		}

		route, err := s.router.ResolveModelRoute(probe.Model, entry)
		if err != nil {
			return err
		}

		result, err := s.pipeline.Execute(c.Request().Context(), &pipeline.Inbound{
			Entry:  entry,
			Route:  route,
			Body:   body,
			Header: c.Request().Header,
			Stream: probe.Stream,
		})
		if err != nil {
			return err
		}

		if result.Events != nil {
			return writeEventStream(c, result.Events)
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, result.Native)
	}
}

func (s *Server) handleListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, s.router.List())
}

// handleCreateProvider accepts api_key on input even though provider records
// never render it back out, and defaults enabled to true when omitted.
func (s *Server) handleCreateProvider(c echo.Context) error {
	var body struct {
		models.Provider
		APIKey  string `json:"api_key"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decodeJSON(c, &body); err != nil {
		return err
	}

	provider := body.Provider
	provider.APIKey = body.APIKey
	provider.Enabled = body.Enabled == nil || *body.Enabled
	if err := s.router.Register(&provider); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &provider)
}

func (s *Server) handleGetProvider(c echo.Context) error {
	provider, err := s.router.Get(c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, provider)
}

func (s *Server) handleUpdateProvider(c echo.Context) error {
	var patch models.ProviderPatch
	if err := decodeJSON(c, &patch); err != nil {
		return err
	}
	provider, err := s.router.Update(c.Param("name"), &patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, provider)
}

func (s *Server) handleDeleteProvider(c echo.Context) error {
	if err := s.router.Remove(c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleToggleProvider(c echo.Context) error {
	enabled, err := s.router.Toggle(c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"name":    c.Param("name"),
		"enabled": enabled,
	})
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		return nil, models.NewErrorf(models.ErrInvalidRequest, "read request body: %v", err)
	}
	return body, nil
}

func decodeJSON(c echo.Context, target any) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return models.NewError(models.ErrInvalidRequest, "request body is required")
	}
	if err := json.Unmarshal(body, target); err != nil {
		return models.NewErrorf(models.ErrInvalidRequest, "invalid JSON payload: %v", err)
	}
	return nil
}

// writeEventStream relays the pipeline's event channel as server-sent events
// until the channel closes or the client goes away.
func writeEventStream(c echo.Context, events <-chan transformer.OutEvent) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return models.NewError(models.ErrTransformer, "response writer does not support streaming")
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, open := <-events:
			if !open {
				return nil
			}
			if err := writeSSEEvent(writer, event); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, event transformer.OutEvent) error {
	var b strings.Builder
	if event.Name != "" {
		b.WriteString("event: ")
		b.WriteString(event.Name)
		b.WriteString("\n")
	}
	b.WriteString("data: ")
	b.Write(event.Data)
	b.WriteString("\n\n")
	_, err := io.WriteString(w, b.String())
	return err
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func gatewayErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ge *models.GatewayError
	if errors.As(err, &ge) {
		_ = writeError(c, ge.Status, ge.Message, ge.Type, string(ge.Code))
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprintf("%v", he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// Package httpkit provides the Echo server setup shared by the ingest API:
// standard middleware, error rendering from the domain error kinds, and
// graceful shutdown.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
)

// NewEchoServer creates an Echo server with the standard middleware stack.
// The body limit is left to the upload handler, which enforces the
// configured document size cap while streaming.
func NewEchoServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human}) id=${id}\n",
	}))

	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	return e
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully within the configured timeout.
func Start(ctx context.Context, e *echo.Echo, cfg config.ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		common.Logger.WithField("addr", s.Addr).Info("http server listening")
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	common.Logger.Info("shutting down http server")
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// ErrorResponse is the uniform error body. Stack traces never leave the
// process; clients get the kind, a message, and the request id.
type ErrorResponse struct {
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	DocumentID string `json:"document_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// statusByKind maps the domain error kinds to HTTP status codes.
var statusByKind = map[string]int{
	common.KindValidation:       http.StatusBadRequest,
	common.KindTooLarge:         http.StatusRequestEntityTooLarge,
	common.KindInvalidPDF:       http.StatusUnsupportedMediaType,
	common.KindNotFound:         http.StatusNotFound,
	common.KindConflict:         http.StatusConflict,
	common.KindNotReady:         http.StatusTooEarly,
	common.KindUpstream:         http.StatusServiceUnavailable,
	common.KindStageTimeout:     http.StatusServiceUnavailable,
	common.KindInsufficientData: http.StatusUnprocessableEntity,
	common.KindCancelled:        http.StatusConflict,
	common.KindInternal:         http.StatusInternalServerError,
}

// RenderError writes the uniform error response for a domain error.
func RenderError(c echo.Context, err error) error {
	kind := common.ErrorKind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusTooEarly {
		c.Response().Header().Set("Retry-After", "5")
	}
	if status >= 500 {
		common.Logger.WithError(err).Error("request failed")
	}
	return c.JSON(status, ErrorResponse{
		ErrorKind: kind,
		Message:   err.Error(),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
}

// errorHandler adapts unexpected and echo-native errors to the uniform
// body.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		_ = c.JSON(he.Code, ErrorResponse{
			ErrorKind: common.KindValidation,
			Message:   msg,
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		})
		return
	}
	_ = RenderError(c, err)
}

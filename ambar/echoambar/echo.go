// Package echoambar serves an ambar data destination with echo
package echoambar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/ambar"
)

var _ Projector = (*ambar.Ambar)(nil)

// DefaultBodyLimit bounds the size of a single ambar request
const DefaultBodyLimit = 1 << 20

// Projector decodes an ambar request body and hands the event to a handler
type Projector interface {
	Project(ctx context.Context, h eventstore.Handler, data []byte) error
}

// Cfg configures the destination endpoint
type Cfg struct {
	logger    *slog.Logger
	bodyLimit int64
}

// Option overrides a Cfg default
type Option func(Cfg) Cfg

// WithLogger sets the logger failed projections are reported to
func WithLogger(logger *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.logger = logger

		return cfg
	}
}

// WithBodyLimit sets the largest request body accepted. Larger bodies are
// poison and answered with the keep going response.
func WithBodyLimit(n int64) Option {
	return func(cfg Cfg) Cfg {
		cfg.bodyLimit = n

		return cfg
	}
}

// Wrap adapts a projector to an echo handler factory. Every request is
// answered with status 200 and the ambar response matching the projection
// outcome.
func Wrap(a Projector, opts ...Option) func(h eventstore.Handler) echo.HandlerFunc {
	cfg := Cfg{
		logger:    slog.Default(),
		bodyLimit: DefaultBodyLimit,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return func(h eventstore.Handler) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			data, err := io.ReadAll(io.LimitReader(r.Body, cfg.bodyLimit+1))
			if err != nil {
				return err
			}

			if int64(len(data)) > cfg.bodyLimit {
				err = ambar.ErrKeepItGoing
			} else {
				err = a.Project(r.Context(), h, data)
			}

			if err != nil && !errors.Is(err, ambar.ErrNoRetry) {
				cfg.logger.WarnContext(r.Context(), "ambar projection failed",
					"path", c.Path(),
					"response", ambar.Response(err),
					"err", err,
				)
			}

			return c.JSONBlob(http.StatusOK, []byte(ambar.Response(err)))
		}
	}
}

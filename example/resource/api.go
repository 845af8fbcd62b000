package resource

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
	"github.com/SALT-FIUBA/backend-sub000/aggregate"
	"github.com/SALT-FIUBA/backend-sub000/decide"
)

// HeaderCorrelationID carries the correlation id stored with emitted events
const HeaderCorrelationID = "X-Correlation-ID"

// NewAPI constructs the resource http api
func NewAPI(h *Handler, owners *Owners, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}

	return &API{handler: h, owners: owners, logger: logger}
}

// API exposes resource commands and reads over http
type API struct {
	handler *Handler
	owners  *Owners
	logger  *slog.Logger
}

type ownerReq struct {
	OwnerID string `json:"ownerId"`
}

// CommandResp is the response to a resource command
type CommandResp struct {
	OK       bool     `json:"ok"`
	Failure  string   `json:"failure,omitempty"`
	Revision int64    `json:"revision"`
	State    Resource `json:"state"`
}

// StateResp is the response to a resource read
type StateResp struct {
	Revision int64    `json:"revision"`
	State    Resource `json:"state"`
}

// Register mounts the api routes on e
func (a *API) Register(e *echo.Echo) {
	e.POST("/resources/:id/take", a.take)
	e.POST("/resources/:id/release", a.release)
	e.GET("/resources/:id", a.get)
	e.GET("/owners", a.listOwners)
}

func (a *API) take(c echo.Context) error {
	var req ownerReq

	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return a.handle(c, Take{OwnerID: req.OwnerID})
}

func (a *API) release(c echo.Context) error {
	var req ownerReq

	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return a.handle(c, Release{OwnerID: req.OwnerID})
}

func (a *API) handle(c echo.Context, cmd decide.Command) error {
	ctx := c.Request().Context()

	if id := c.Request().Header.Get(HeaderCorrelationID); id != "" {
		ctx = aggregate.CtxWithCorrelationID(ctx, id)
	}

	res, err := a.handler.Handle(ctx, c.Param("id"), cmd)
	if errors.Is(err, eventstore.ErrConcurrencyCheckFailed) {
		return echo.NewHTTPError(http.StatusConflict, "resource modified concurrently, retry")
	}

	if err != nil {
		a.logger.ErrorContext(ctx, "command failed",
			"stream", eventstore.StreamName(Kind, c.Param("id")),
			"command", cmd.CommandType(),
			"err", err,
		)

		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	status := http.StatusOK

	if !res.Output.OK() {
		status = http.StatusUnprocessableEntity
	}

	return c.JSON(status, CommandResp{
		OK:       res.Output.OK(),
		Failure:  res.Output.Failure,
		Revision: res.Revision.Raw(),
		State:    res.State,
	})
}

func (a *API) get(c echo.Context) error {
	loaded, err := a.handler.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	if !loaded.Exists() {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return c.JSON(http.StatusOK, StateResp{
		Revision: loaded.Revision.Raw(),
		State:    loaded.State,
	})
}

func (a *API) listOwners(c echo.Context) error {
	return c.JSON(http.StatusOK, a.owners.All())
}

package processlog

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/episodesync/internal/platform/auth"
	"github.com/ehr/episodesync/pkg/pagination"
)

type Handler struct {
	reader Reader
}

func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.ReadAccess())
	read.GET("/runs", h.ListRuns)
	read.GET("/runs/:id", h.GetRun)
	read.GET("/runs/:id/logs", h.ListEntries)
}

func (h *Handler) ListRuns(c echo.Context) error {
	kind := Kind(c.QueryParam("kind"))
	switch kind {
	case "", KindFetch, KindImport:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be fetch or import")
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	runs, total, err := h.reader.ListRuns(c.Request().Context(), kind, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(runs, total, pg))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.reader.GetRun(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if run == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListEntries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	entries, total, err := h.reader.ListEntries(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(entries, total, pg))
}

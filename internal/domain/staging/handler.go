package staging

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/episodesync/internal/platform/auth"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/staging/stats", h.GetStats, auth.ReadAccess())
	api.POST("/staging/reset-errors", h.ResetErrors, auth.WriteAccess())
}

func (h *Handler) GetStats(c echo.Context) error {
	st, err := h.store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"clean":       st.Clean,
		"dirty":       st.Dirty,
		"error":       st.Error,
		"total":       st.Total(),
		"last_update": st.LastUpdate,
	})
}

// ResetErrors returns error rows to dirty so the next import retries them.
func (h *Handler) ResetErrors(c echo.Context) error {
	n, err := h.store.ResetErrors(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"reset": n})
}

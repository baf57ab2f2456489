package reconcile

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/episodesync/internal/platform/auth"
)

// Handler lets operators trigger a sync pass over HTTP. Passes run in the
// background on the server's lifetime context; one at a time.
type Handler struct {
	syncer *Syncer
	base   context.Context
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	last    *SyncResult
	wg      sync.WaitGroup
}

func NewHandler(base context.Context, syncer *Syncer, logger zerolog.Logger) *Handler {
	return &Handler{syncer: syncer, base: base, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sync", h.Trigger, auth.WriteAccess())
	api.GET("/sync", h.Status, auth.ReadAccess())
}

func (h *Handler) Trigger(c echo.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return echo.NewHTTPError(http.StatusConflict, "a sync pass is already running")
	}
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := h.syncer.RunOnce(h.base)
		if err != nil {
			h.logger.Warn().Err(err).Msg("triggered sync finished with errors")
		}
		h.mu.Lock()
		h.running, h.last = false, res
		h.mu.Unlock()
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) Status(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"running": h.running, "last": h.last})
}

// Wait blocks until triggered passes have returned.
func (h *Handler) Wait() { h.wg.Wait() }

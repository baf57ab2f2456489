package processlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/episodesync/internal/platform/auth"
)

func newTestServer(t *testing.T) (*echo.Echo, *MemoryLog, uuid.UUID) {
	t.Helper()
	log := NewMemoryLog()
	ctx := context.Background()
	id := uuid.New()
	log.Start(ctx, id, KindImport)
	log.AppendLog(ctx, id, "episode P1/V1 failed (remote): boom")
	log.AppendLog(ctx, id, "reset 1 error rows to dirty")
	log.Finish(ctx, id, StatusError, "import error")
	log.Start(ctx, uuid.New(), KindFetch)

	e := echo.New()
	NewHandler(log).RegisterRoutes(e.Group("/api/v1", auth.DevAuthMiddleware()))
	return e, log, id
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler_ListRuns(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := get(e, "/api/v1/runs?kind=import")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []Run `json:"data"`
		Total int   `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Data[0].Kind != KindImport || body.Data[0].Status != StatusError {
		t.Errorf("unexpected body %+v", body)
	}

	if rec := get(e, "/api/v1/runs?kind=other"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", rec.Code)
	}
}

func TestHandler_GetRun(t *testing.T) {
	e, _, id := newTestServer(t)

	if rec := get(e, "/api/v1/runs/"+id.String()); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := get(e, "/api/v1/runs/"+uuid.NewString()); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := get(e, "/api/v1/runs/not-a-uuid"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListEntries(t *testing.T) {
	e, _, id := newTestServer(t)

	rec := get(e, "/api/v1/runs/"+id.String()+"/logs?limit=1")
	var body struct {
		Data    []Entry `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected body %+v", body)
	}
}

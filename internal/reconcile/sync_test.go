package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/episodesync/internal/processlog"
	"github.com/ehr/episodesync/internal/source"
	"github.com/ehr/episodesync/internal/syncerr"
)

func TestSyncer_RunOnce(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	src := &fakeSource{pages: [][]source.Row{{row(record("1", "P1", "V1"), "47.01", "")}}}
	s := NewSyncer(h.fetcher(src, FetchOptions{PageSize: 10}), h.importer, zerolog.Nop())

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Fetch.Created != 1 || res.Import.Applied != 1 {
		t.Errorf("unexpected result fetch=%+v import=%+v", res.Fetch, res.Import)
	}
}

func TestSyncer_ImportsAfterFailedFetch(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	h.stage(t, record("1", "P1", "V1"))
	src := &fakeSource{errAt: 1, err: syncerr.Remote("503", "maintenance")}
	s := NewSyncer(h.fetcher(src, FetchOptions{PageSize: 10}), h.importer, zerolog.Nop())

	res, err := s.RunOnce(context.Background())
	if !errors.Is(err, syncerr.ErrRemote) {
		t.Fatalf("expected the fetch error, got %v", err)
	}
	if res.Fetch.Status != processlog.StatusError || res.Import.Applied != 1 {
		t.Errorf("import should still apply staged rows, got fetch=%+v import=%+v", res.Fetch, res.Import)
	}
}

func TestSyncer_RunEveryStopsOnCancel(t *testing.T) {
	h := newHarness(t, ImportOptions{PageSize: 10})
	s := NewSyncer(h.fetcher(&fakeSource{}, FetchOptions{PageSize: 10}), h.importer, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunEvery(ctx, time.Hour) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		runs, _, _ := h.runs.ListRuns(context.Background(), processlog.KindImport, 0, 0)
		if len(runs) > 0 && runs[0].FinishedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first pass did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunEvery did not return after cancel")
	}
}

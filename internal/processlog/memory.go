package processlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog keeps runs in process. It implements Log and Reader.
type MemoryLog struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*Run
	entries map[uuid.UUID][]*Entry
	nextID  int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{runs: make(map[uuid.UUID]*Run), entries: make(map[uuid.UUID][]*Entry)}
}

func (m *MemoryLog) Start(_ context.Context, id uuid.UUID, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id] = &Run{ID: id, Kind: kind, Status: StatusRunning, StartedAt: time.Now()}
	return nil
}

func (m *MemoryLog) AppendLog(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("run %s not found", id)
	}
	m.nextID++
	m.entries[id] = append(m.entries[id], &Entry{ID: m.nextID, RunID: id, Message: message, CreatedAt: time.Now()})
	return nil
}

func (m *MemoryLog) SetProgress(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Progress = message
	return nil
}

func (m *MemoryLog) Finish(_ context.Context, id uuid.UUID, status Status, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	now := time.Now()
	run.Status, run.Summary, run.FinishedAt = status, summary, &now
	return nil
}

func (m *MemoryLog) ListRuns(_ context.Context, kind Kind, limit, offset int) ([]*Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*Run
	for _, r := range m.runs {
		if kind == "" || r.Kind == kind {
			c := *r
			runs = append(runs, &c)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return window(runs, limit, offset), len(runs), nil
}

func (m *MemoryLog) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (m *MemoryLog) ListEntries(_ context.Context, id uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[id]
	return window(entries, limit, offset), len(entries), nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

package staging

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[Key]*Record
	nextID int64
	locked bool
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[Key]*Record), now: time.Now}
}

// SetClock replaces the time source used for audit timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Upsert(_ context.Context, key Key, snap Snapshot) (UpsertResult, error) {
	data, err := Canonicalize(snap.Data)
	if err != nil {
		return Unchanged, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	row, ok := s.rows[key]
	if !ok {
		s.nextID++
		s.rows[key] = &Record{
			ID:            s.nextID,
			Key:           key,
			AdmissionDate: snap.AdmissionDate,
			OperationDate: snap.OperationDate,
			CreatedAt:     now,
			UpdatedAt:     now,
			Current:       data,
			Status:        StatusDirty,
			Version:       1,
		}
		return Created, nil
	}

	stored, err := Canonicalize(row.Current)
	if err != nil {
		return Unchanged, err
	}
	if bytes.Equal(stored, data) {
		return Unchanged, nil
	}
	row.Current = data
	row.AdmissionDate = snap.AdmissionDate
	row.OperationDate = snap.OperationDate
	row.UpdatedAt = now
	row.Status = StatusDirty
	row.Version++
	return Updated, nil
}

func (s *MemoryStore) LoadDirty(_ context.Context, pageSize, page int) ([]*EpisodeGroup, error) {
	if pageSize <= 0 || page < 1 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type episodeKey struct{ patient, episode string }
	dirty := make(map[episodeKey]bool)
	byEpisode := make(map[episodeKey][]*Record)
	for _, r := range s.rows {
		k := episodeKey{r.PatientID, r.EpisodeID}
		byEpisode[k] = append(byEpisode[k], r)
		if r.Status == StatusDirty {
			dirty[k] = true
		}
	}

	keys := make([]episodeKey, 0, len(dirty))
	for k := range dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].patient != keys[j].patient {
			return keys[i].patient < keys[j].patient
		}
		return keys[i].episode < keys[j].episode
	})

	start := (page - 1) * pageSize
	if start >= len(keys) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(keys) {
		end = len(keys)
	}

	groups := make([]*EpisodeGroup, 0, end-start)
	for _, k := range keys[start:end] {
		rows := byEpisode[k]
		sort.Slice(rows, func(i, j int) bool { return rowLess(rows[i], rows[j]) })
		g := &EpisodeGroup{PatientID: k.patient, EpisodeID: k.episode}
		for _, r := range rows {
			c := *r
			g.Rows = append(g.Rows, &c)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// rowLess orders rows of one episode by status, then operation date with
// undated rows first, then operation id.
func rowLess(a, b *Record) bool {
	if a.Status != b.Status {
		return a.Status < b.Status
	}
	switch {
	case a.OperationDate == nil && b.OperationDate != nil:
		return true
	case a.OperationDate != nil && b.OperationDate == nil:
		return false
	case a.OperationDate != nil && !a.OperationDate.Equal(*b.OperationDate):
		return a.OperationDate.Before(*b.OperationDate)
	}
	return a.OperationID < b.OperationID
}

func (s *MemoryStore) MarkApplied(_ context.Context, refs []Ref) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ref := range refs {
		r, ok := s.rows[ref.Key]
		if !ok || r.Version != ref.Version {
			continue
		}
		r.Previous = r.Current
		r.Status = StatusClean
		n++
	}
	return n, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, refs []Ref) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ref := range refs {
		r, ok := s.rows[ref.Key]
		if !ok || r.Version != ref.Version {
			continue
		}
		r.Status = StatusError
		n++
	}
	return n, nil
}

func (s *MemoryStore) ResetErrors(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.rows {
		if r.Status == StatusError {
			r.Status = StatusDirty
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LastAppliedTimestamp(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *time.Time
	for _, r := range s.rows {
		if latest == nil || r.UpdatedAt.After(*latest) {
			t := r.UpdatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	last, _ := s.LastAppliedTimestamp(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{LastUpdate: last}
	for _, r := range s.rows {
		switch r.Status {
		case StatusClean:
			st.Clean++
		case StatusDirty:
			st.Dirty++
		case StatusError:
			st.Error++
		}
	}
	return st, nil
}

func (s *MemoryStore) TryLock(_ context.Context) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return nil, false, nil
	}
	s.locked = true
	return func() {
		s.mu.Lock()
		s.locked = false
		s.mu.Unlock()
	}, true, nil
}

// Get returns a copy of the row stored under key.
func (s *MemoryStore) Get(key Key) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[key]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

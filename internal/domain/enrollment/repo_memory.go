package enrollment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu   sync.RWMutex
	data map[uuid.UUID]*Session
}

// NewMemoryRepo returns a process-local repository. Sessions do not survive a restart.
func NewMemoryRepo() Repository {
	return &memoryRepo{data: make(map[uuid.UUID]*Session)}
}

func copySession(s *Session) *Session {
	out := *s
	out.Snapshot = s.Snapshot.Clone()
	if s.SubmittedAt != nil {
		at := *s.SubmittedAt
		out.SubmittedAt = &at
	}
	return &out
}

func (r *memoryRepo) Create(_ context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	if s.Status == "" {
		s.Status = StatusInProgress
	}
	if s.Snapshot.Record == nil {
		s.Snapshot = NewSnapshot()
	}
	r.mu.Lock()
	r.data[s.ID] = copySession(s)
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) Load(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.data[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (r *memoryRepo) Save(_ context.Context, id uuid.UUID, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Snapshot = snap.Clone()
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryRepo) MarkSubmitted(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = StatusSubmitted
	s.SubmittedAt = &at
	s.UpdatedAt = at
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Session, int, error) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.data))
	for _, s := range r.data {
		all = append(all, copySession(s))
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

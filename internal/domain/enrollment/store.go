package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Store holds the accumulated record and completion flags of one wizard
// session. It is the only writer of that state: CommitSection replaces a
// section and raises its flag in a single persisted snapshot.
type Store struct {
	writeMu   sync.Mutex // serializes CommitSection and ResetSection
	mu        sync.RWMutex
	sessionID uuid.UUID
	repo      Repository
	snap      Snapshot

	subMu     sync.Mutex
	nextSub   int
	listeners map[int]func(CompletionFlags)
}

// NewStore wraps an already loaded snapshot.
func NewStore(sessionID uuid.UUID, repo Repository, snap Snapshot) *Store {
	if snap.Record == nil {
		snap.Record = EnrollmentRecord{}
	}
	if snap.Completed == nil {
		snap.Completed = CompletionFlags{}
	}
	return &Store{
		sessionID: sessionID,
		repo:      repo,
		snap:      snap.Clone(),
		listeners: make(map[int]func(CompletionFlags)),
	}
}

// LoadStore reads a session from repo. Any failure other than a missing
// session is reported as ErrStoreUnavailable.
func LoadStore(ctx context.Context, repo Repository, id uuid.UUID) (*Store, error) {
	s, err := repo.Load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		StoreFailures.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: load session %s: %w", ErrStoreUnavailable, id, err)
	}
	if s.Status == StatusSubmitted {
		return nil, ErrSessionSubmitted
	}
	return NewStore(s.ID, repo, s.Snapshot), nil
}

func (s *Store) SessionID() uuid.UUID { return s.sessionID }

// Section returns a copy of the named section, or false if it was never committed.
func (s *Store) Section(name SectionName) (SectionData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.snap.Record[name]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (s *Store) CompletionFlags() CompletionFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Completed.Clone()
}

// Snapshot returns a copy of the whole record and its flags.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Context builds a validation context from the named committed sections.
func (s *Store) Context(sections []SectionName) ValidationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[SectionName]SectionData, len(sections))
	for _, name := range sections {
		if d, ok := s.snap.Record[name]; ok {
			m[name] = d
		}
	}
	return NewValidationContext(m)
}

// CommitSection overwrites a section and sets its completion flag. It does not
// validate. The in-memory state only changes after the repository accepted
// the new snapshot, so a failed save leaves the store untouched.
func (s *Store) CommitSection(ctx context.Context, name SectionName, data SectionData) error {
	return s.write(ctx, "commit", name, func(next *Snapshot) {
		next.Record[name] = data.Clone()
		next.Completed[name] = true
	})
}

// ResetSection removes a section and clears its flag, for example when an
// operator invalidates an answer. Guards watching the store re-run.
func (s *Store) ResetSection(ctx context.Context, name SectionName) error {
	return s.write(ctx, "reset", name, func(next *Snapshot) {
		delete(next.Record, name)
		delete(next.Completed, name)
	})
}

// write persists a modified copy of the snapshot. Readers are not blocked
// while the repository call is in flight; they see the old snapshot until
// the save succeeds.
func (s *Store) write(ctx context.Context, op string, name SectionName, mutate func(*Snapshot)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	next := s.snap.Clone()
	s.mu.RUnlock()
	mutate(&next)

	if err := s.repo.Save(ctx, s.sessionID, next); err != nil {
		StoreFailures.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, name, err)
	}

	s.mu.Lock()
	s.snap = next
	flags := next.Completed.Clone()
	s.mu.Unlock()

	s.publish(flags)
	return nil
}

// Subscribe registers fn to be called with the new flags after every change.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(CompletionFlags)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.listeners, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(flags CompletionFlags) {
	s.subMu.Lock()
	fns := make([]func(CompletionFlags), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(flags.Clone())
	}
}

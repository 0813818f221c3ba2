package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/enrollment/internal/platform/retention"
)

const purgePageSize = 100

// PurgeStale deletes unfinished sessions whose last activity is past
// policy. Submitted sessions are kept. Sessions with a submission in flight
// are skipped and picked up by a later sweep.
func (s *Service) PurgeStale(ctx context.Context, policy retention.Policy) (int, error) {
	now := s.now()
	var stale []uuid.UUID
	for offset := 0; ; offset += purgePageSize {
		page, total, err := s.repo.List(ctx, purgePageSize, offset)
		if err != nil {
			StoreFailures.WithLabelValues("list").Inc()
			return 0, fmt.Errorf("%w: list sessions: %w", ErrStoreUnavailable, err)
		}
		for _, sess := range page {
			if sess.Status != StatusInProgress {
				continue
			}
			if policy.Check(sess.UpdatedAt, now).State == retention.StatePurgeEligible {
				stale = append(stale, sess.ID)
			}
		}
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	purged := 0
	for _, id := range stale {
		ok, err := s.purge(ctx, id)
		if err != nil {
			return purged, err
		}
		if ok {
			purged++
		}
	}
	if purged > 0 {
		s.logger.Info().Int("purged", purged).Str("policy", policy.ResourceType).Msg("stale enrollment sessions purged")
	}
	return purged, nil
}

// purge deletes one session while holding its submission lock, so a submit
// racing the sweep either wins the lock or finds the session gone.
func (s *Service) purge(ctx context.Context, id uuid.UUID) (bool, error) {
	ls, err := s.session(ctx, id)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionSubmitted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ls.submitting.TryLock() {
		return false, nil
	}
	defer ls.submitting.Unlock()

	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		StoreFailures.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("%w: delete session: %w", ErrStoreUnavailable, err)
	}
	s.evict(id)
	return true, nil
}

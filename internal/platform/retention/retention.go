// Package retention decides when stored wizard data may be purged and runs
// the periodic purge.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Policy defines how long one kind of data is kept after its last activity.
type Policy struct {
	ResourceType string        `json:"resource_type"`
	PurgeAfter   time.Duration `json:"purge_after"` // zero keeps forever
	Description  string        `json:"description"`
}

const (
	StateActive        = "active"
	StatePurgeEligible = "purge_eligible"
)

// Status is the lifecycle state of one item under a policy.
type Status struct {
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// AbandonedSessionPolicy matches the temporary-data rule: unfinished
// enrollments are purged after 90 days without activity.
func AbandonedSessionPolicy() Policy {
	return Policy{
		ResourceType: "enrollment_session",
		PurgeAfter:   90 * 24 * time.Hour,
		Description:  "Unfinished enrollment sessions: 90 days after last activity",
	}
}

// Check reports whether an item last touched at lastActivity is past the
// policy at now.
func (p Policy) Check(lastActivity, now time.Time) Status {
	if p.PurgeAfter <= 0 {
		return Status{State: StateActive}
	}
	expires := lastActivity.Add(p.PurgeAfter)
	if !now.Before(expires) {
		return Status{State: StatePurgeEligible, ExpiresAt: expires}
	}
	return Status{State: StateActive, ExpiresAt: expires}
}

// PurgeFunc removes everything eligible and returns how many items went.
type PurgeFunc func(ctx context.Context) (int, error)

// Sweeper runs a PurgeFunc on a fixed interval.
type Sweeper struct {
	interval time.Duration
	purge    PurgeFunc
	logger   zerolog.Logger
}

func NewSweeper(interval time.Duration, purge PurgeFunc, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		interval: interval,
		purge:    purge,
		logger:   logger.With().Str("component", "retention-sweeper").Logger(),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.purge(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("purged", n).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("purged", n).Msg("retention sweep")
	}
}

package enrollment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists enrollment sessions. Save must write the record and the
// completion flags together: either both are stored or neither is.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Load(ctx context.Context, id uuid.UUID) (*Session, error)
	Save(ctx context.Context, id uuid.UUID, snap Snapshot) error
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Session, int, error)
}

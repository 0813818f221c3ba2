package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type sessionRepoPG struct{ db queryable }

// NewRepoPG stores sessions in the enrollment_session table. Record and
// completion flags live in two JSONB columns of the same row and are written
// by one UPDATE, so a commit lands atomically.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &sessionRepoPG{db: pool}
}

const sessionCols = `id, status, record, completed, created_at, updated_at, submitted_at`

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var (
		s         Session
		record    []byte
		completed []byte
	)
	if err := row.Scan(&s.ID, &s.Status, &record, &completed, &s.CreatedAt, &s.UpdatedAt, &s.SubmittedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	s.Snapshot = NewSnapshot()
	if err := json.Unmarshal(record, &s.Snapshot.Record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(completed, &s.Snapshot.Completed); err != nil {
		return nil, fmt.Errorf("decode completion flags: %w", err)
	}
	return &s, nil
}

func encodeSnapshot(snap Snapshot) (string, string, error) {
	record, err := json.Marshal(snap.Record)
	if err != nil {
		return "", "", fmt.Errorf("encode record: %w", err)
	}
	completed, err := json.Marshal(snap.Completed)
	if err != nil {
		return "", "", fmt.Errorf("encode completion flags: %w", err)
	}
	return string(record), string(completed), nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StatusInProgress
	}
	if s.Snapshot.Record == nil {
		s.Snapshot = NewSnapshot()
	}
	record, completed, err := encodeSnapshot(s.Snapshot)
	if err != nil {
		return err
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO enrollment_session (id, status, record, completed)
		VALUES ($1, $2, $3::jsonb, $4::jsonb)
		RETURNING created_at, updated_at`,
		s.ID, s.Status, record, completed).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sessionRepoPG) Load(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.db.QueryRow(ctx, `SELECT `+sessionCols+` FROM enrollment_session WHERE id = $1`, id))
}

func (r *sessionRepoPG) Save(ctx context.Context, id uuid.UUID, snap Snapshot) error {
	record, completed, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE enrollment_session SET record = $2::jsonb, completed = $3::jsonb, updated_at = NOW()
		WHERE id = $1`, id, record, completed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepoPG) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE enrollment_session SET status = $2, submitted_at = $3, updated_at = $3
		WHERE id = $1`, id, StatusSubmitted, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM enrollment_session WHERE id = $1`, id)
	return err
}

func (r *sessionRepoPG) List(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM enrollment_session`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+sessionCols+` FROM enrollment_session ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

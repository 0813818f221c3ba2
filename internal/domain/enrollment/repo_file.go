package enrollment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// sessionFile is the on-disk YAML layout of one session.
type sessionFile struct {
	ID          string                    `yaml:"id"`
	Status      string                    `yaml:"status"`
	Record      map[string]map[string]any `yaml:"record"`
	Completed   map[string]bool           `yaml:"completed"`
	CreatedAt   time.Time                 `yaml:"created_at"`
	UpdatedAt   time.Time                 `yaml:"updated_at"`
	SubmittedAt *time.Time                `yaml:"submitted_at,omitempty"`
}

type fileRepo struct {
	mu  sync.Mutex
	dir string
}

// NewFileRepo stores each session as <dir>/<id>.yaml so a terminal wizard can
// be resumed across runs.
func NewFileRepo(dir string) (Repository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}
	return &fileRepo{dir: dir}, nil
}

func (r *fileRepo) path(id uuid.UUID) string {
	return filepath.Join(r.dir, id.String()+".yaml")
}

func toSessionFile(s *Session) sessionFile {
	rec := make(map[string]map[string]any, len(s.Snapshot.Record))
	for name, data := range s.Snapshot.Record {
		rec[string(name)] = cloneMap(data)
	}
	return sessionFile{
		ID:          s.ID.String(),
		Status:      s.Status,
		Record:      rec,
		Completed:   s.Snapshot.Completed.Keyed(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		SubmittedAt: s.SubmittedAt,
	}
}

func fromSessionFile(f sessionFile) (*Session, error) {
	id, err := uuid.Parse(f.ID)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	flags, err := FlagsFromKeyed(f.Completed)
	if err != nil {
		return nil, err
	}
	rec := make(EnrollmentRecord, len(f.Record))
	for name, data := range f.Record {
		rec[SectionName(name)] = SectionData(data)
	}
	return &Session{
		ID:          id,
		Status:      f.Status,
		Snapshot:    Snapshot{Record: rec, Completed: flags},
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
		SubmittedAt: f.SubmittedAt,
	}, nil
}

func (r *fileRepo) read(id uuid.UUID) (*Session, error) {
	b, err := os.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var f sessionFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.path(id), err)
	}
	return fromSessionFile(f)
}

// write replaces the file via rename so a crash never leaves half a session on disk.
func (r *fileRepo) write(s *Session) error {
	b, err := yaml.Marshal(toSessionFile(s))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp, err := os.CreateTemp(r.dir, ".session-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path(s.ID))
}

func (r *fileRepo) Create(_ context.Context, s *Session) error {
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
	defer r.mu.Unlock()
	return r.write(s)
}

func (r *fileRepo) Load(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(id)
}

func (r *fileRepo) Save(_ context.Context, id uuid.UUID, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.read(id)
	if err != nil {
		return err
	}
	s.Snapshot = snap.Clone()
	s.UpdatedAt = time.Now().UTC()
	return r.write(s)
}

func (r *fileRepo) MarkSubmitted(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.read(id)
	if err != nil {
		return err
	}
	s.Status = StatusSubmitted
	s.SubmittedAt = &at
	s.UpdatedAt = at
	return r.write(s)
}

func (r *fileRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := os.Remove(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (r *fileRepo) List(_ context.Context, limit, offset int) ([]*Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, 0, err
	}
	var all []*Session
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".yaml")
		if e.IsDir() || !ok {
			continue
		}
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		s, err := r.read(id)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, s)
	}
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

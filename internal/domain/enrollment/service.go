package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/enrollment/internal/platform/notification"
)

// StepView is everything a renderer needs to show one step.
type StepView struct {
	Step      string          `json:"step"`
	Title     string          `json:"title"`
	Route     string          `json:"route"`
	Allowed   bool            `json:"allowed"`
	Navigate  string          `json:"navigate,omitempty"`
	Fields    []FieldBinding  `json:"fields,omitempty"`
	Completed map[string]bool `json:"completed"`
	Previous  string          `json:"previous,omitempty"`
	Next      string          `json:"next,omitempty"`
}

// SubmitResult carries the outcome of a step submission together with the
// navigation request and notifications it produced.
type SubmitResult struct {
	Outcome       Outcome              `json:"outcome"`
	Navigate      string               `json:"navigate,omitempty"`
	Notifications []notification.Toast `json:"notifications"`
}

// FinalizeResult is returned when the whole enrollment is submitted.
type FinalizeResult struct {
	Enrollment    *SubmittedEnrollment `json:"enrollment,omitempty"`
	Navigate      string               `json:"navigate,omitempty"`
	Notifications []notification.Toast `json:"notifications"`
}

type liveSession struct {
	store      *Store
	submitting sync.Mutex
	lastUsed   atomic.Int64
}

func (ls *liveSession) touch(at time.Time) { ls.lastUsed.Store(at.UnixNano()) }

// Service manages wizard sessions. Each session owns one Store, and
// submissions within one session never interleave.
type Service struct {
	flow    *Flow
	repo    Repository
	catalog *notification.Catalog
	logger  zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	live map[uuid.UUID]*liveSession

	sink SubmissionSink
}

// SubmissionSink receives each enrollment once it has been marked submitted.
// Errors are logged and never undo the submission.
type SubmissionSink interface {
	Submitted(ctx context.Context, e *SubmittedEnrollment) error
}

// OnSubmitted registers the sink that finalized enrollments are handed to.
func (s *Service) OnSubmitted(sink SubmissionSink) { s.sink = sink }

func NewService(flow *Flow, repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		flow:    flow,
		repo:    repo,
		catalog: notification.NewCatalog(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		live:    make(map[uuid.UUID]*liveSession),
	}
}

func (s *Service) Flow() *Flow { return s.flow }

// Catalog exposes the message catalog so callers can register overrides.
func (s *Service) Catalog() *notification.Catalog { return s.catalog }

// StartSession creates an empty session.
func (s *Service) StartSession(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:       uuid.New(),
		Status:   StatusInProgress,
		Snapshot: NewSnapshot(),
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		StoreFailures.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("%w: create session: %w", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	s.live[sess.ID] = &liveSession{store: NewStore(sess.ID, s.repo, sess.Snapshot)}
	s.mu.Unlock()
	ActiveSessions.Inc()
	s.logger.Info().Str("session_id", sess.ID.String()).Msg("enrollment session started")
	return sess, nil
}

// Resume loads a stored session into memory and returns it.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*Session, error) {
	if _, err := s.session(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Load(ctx, id)
}

func (s *Service) session(ctx context.Context, id uuid.UUID) (*liveSession, error) {
	s.mu.Lock()
	ls, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		ls.touch(s.now())
		return ls, nil
	}
	store, err := LoadStore(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live[id]; ok {
		existing.touch(s.now())
		return existing, nil
	}
	ls = &liveSession{store: store}
	ls.touch(s.now())
	s.live[id] = ls
	ActiveSessions.Inc()
	return ls, nil
}

// EvictIdle drops in-memory sessions not used within idle. Their state stays
// in the repository and is reloaded on the next request. Sessions with a
// submission in flight are kept.
func (s *Service) EvictIdle(idle time.Duration) int {
	cutoff := s.now().Add(-idle).UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ls := range s.live {
		if ls.lastUsed.Load() > cutoff || !ls.submitting.TryLock() {
			continue
		}
		delete(s.live, id)
		ls.submitting.Unlock()
		ActiveSessions.Dec()
		n++
	}
	return n
}

func (s *Service) evict(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; ok {
		delete(s.live, id)
		ActiveSessions.Dec()
	}
}

type routeRecorder struct{ route string }

func (r *routeRecorder) Navigate(route string) { r.route = route }

func (s *Service) controller(ls *liveSession, step *Step, nav Navigator, n notification.Notifier) *StepController {
	return NewStepController(s.flow, step, ls.store, nav, n, s.catalog, s.logger)
}

// View runs the step's guard and returns its fields hydrated from the store.
func (s *Service) View(ctx context.Context, id uuid.UUID, stepName string) (*StepView, error) {
	step, err := s.flow.Step(stepName)
	if err != nil {
		return nil, err
	}
	ls, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	nav := &routeRecorder{}
	c := s.controller(ls, step, nav, nil)
	allowed := c.Enter()
	defer c.Close()

	view := &StepView{
		Step:      step.Name,
		Title:     step.Title,
		Route:     step.Route,
		Allowed:   allowed,
		Navigate:  nav.route,
		Completed: ls.store.CompletionFlags().Keyed(),
	}
	if prev, ok := s.flow.Previous(step); ok {
		view.Previous = prev.Route
	}
	if next, ok := s.flow.Next(step); ok {
		view.Next = next.Route
	}
	if allowed {
		view.Fields = c.Fields()
	} else {
		s.logger.Info().Str("session_id", id.String()).Str("step", step.Name).
			Str("redirect", nav.route).Msg("guard redirect")
	}
	return view, nil
}

// Validate checks a candidate for a step without committing it.
func (s *Service) Validate(ctx context.Context, id uuid.UUID, stepName string, candidate SectionData) (FieldErrors, error) {
	step, err := s.flow.Step(stepName)
	if err != nil {
		return nil, err
	}
	if !step.Collects() {
		return nil, ErrNotSubmittable
	}
	ls, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	c := s.controller(ls, step, &routeRecorder{}, nil)
	c.Replace(candidate)
	return c.Validate(), nil
}

// Submit validates and commits one step. The result is returned even when
// err is non-nil so callers can report field errors and notifications.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, stepName string, candidate SectionData) (*SubmitResult, error) {
	step, err := s.flow.Step(stepName)
	if err != nil {
		return nil, err
	}
	ls, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ls.submitting.TryLock() {
		Submissions.WithLabelValues(step.Name, "busy").Inc()
		return nil, ErrSubmitInProgress
	}
	defer ls.submitting.Unlock()

	nav := &routeRecorder{}
	rec := notification.NewRecorder()
	c := s.controller(ls, step, nav, notification.Multi(rec, notification.LogNotifier(s.logger)))
	defer c.Close()

	res := &SubmitResult{}
	if !c.Enter() {
		res.Outcome = Outcome{Result: ResultRedirected, Route: nav.route}
		res.Navigate = nav.route
		res.Notifications = rec.Toasts()
		return res, nil
	}
	c.Replace(candidate)
	out, err := c.Submit(ctx)
	res.Outcome = out
	res.Navigate = nav.route
	res.Notifications = rec.Toasts()
	return res, err
}

// Back returns the previous step's route without touching the store.
func (s *Service) Back(ctx context.Context, id uuid.UUID, stepName string) (string, error) {
	step, err := s.flow.Step(stepName)
	if err != nil {
		return "", err
	}
	ls, err := s.session(ctx, id)
	if err != nil {
		return "", err
	}
	nav := &routeRecorder{}
	route, _ := s.controller(ls, step, nav, nil).Back()
	return route, nil
}

// Record returns the accumulated record and completion flags.
func (s *Service) Record(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	ls, err := s.session(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return ls.store.Snapshot(), nil
}

// ResetSection clears a committed section. Steps that depend on it are
// blocked again until it is resubmitted.
func (s *Service) ResetSection(ctx context.Context, id uuid.UUID, section SectionName) error {
	if _, ok := s.flow.StepForSection(section); !ok {
		return fmt.Errorf("%w: section %s", ErrUnknownStep, section)
	}
	ls, err := s.session(ctx, id)
	if err != nil {
		return err
	}
	return ls.store.ResetSection(ctx, section)
}

// Finalize submits the whole enrollment. Every section must be complete; if
// one is not, the result points at its step and ErrIncomplete is returned.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (*FinalizeResult, error) {
	ls, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ls.submitting.TryLock() {
		return nil, ErrSubmitInProgress
	}
	defer ls.submitting.Unlock()

	rec := notification.NewRecorder()
	notifier := notification.Multi(rec, notification.LogNotifier(s.logger))
	res := &FinalizeResult{}

	snap := ls.store.Snapshot()
	for _, step := range s.flow.Steps() {
		if step.Collects() && !snap.Completed.Completed(step.Section) {
			_ = s.catalog.Emit(notifier, notification.MsgStepIncomplete, map[string]string{"step": step.Title})
			res.Navigate = step.Route
			res.Notifications = rec.Toasts()
			return res, fmt.Errorf("%w: %s", ErrIncomplete, step.Section)
		}
	}

	// Answers committed earlier may depend on sections changed since, such as
	// the sex answer that decides whether the prostate question applies.
	final := snap.Clone()
	for _, step := range s.flow.Steps() {
		if !step.Collects() || step.Validator == nil {
			continue
		}
		out, errs := step.Validator.Validate(snap.Record[step.Section], ls.store.Context(step.Context))
		if len(errs) > 0 {
			s.logger.Warn().Str("session_id", id.String()).Str("step", step.Name).
				Strs("fields", errs.Paths()).Msg("committed section no longer valid")
			_ = s.catalog.Emit(notifier, notification.MsgStepIncomplete, map[string]string{"step": step.Title})
			res.Navigate = step.Route
			res.Notifications = rec.Toasts()
			return res, fmt.Errorf("%w: %s: %s", ErrIncomplete, step.Section, strings.Join(errs.Paths(), ", "))
		}
		final.Record[step.Section] = out
	}

	enrollment, err := buildEnrollment(id, final)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if err := s.repo.MarkSubmitted(ctx, id, at); err != nil {
		StoreFailures.WithLabelValues("submit").Inc()
		_ = s.catalog.Emit(notifier, notification.MsgStoreUnavailable, nil)
		res.Notifications = rec.Toasts()
		return res, fmt.Errorf("%w: mark submitted: %w", ErrStoreUnavailable, err)
	}
	enrollment.SubmittedAt = at
	s.evict(id)
	if s.sink != nil {
		if err := s.sink.Submitted(ctx, enrollment); err != nil {
			s.logger.Error().Err(err).Str("session_id", id.String()).Msg("enrollment handoff failed")
		}
	}

	_ = s.catalog.Emit(notifier, notification.MsgEnrollmentSent, map[string]string{
		"first_name": enrollment.GeneralInformation.FirstName,
	})
	s.logger.Info().Str("session_id", id.String()).Msg("enrollment submitted")
	res.Enrollment = enrollment
	res.Notifications = rec.Toasts()
	return res, nil
}

func buildEnrollment(id uuid.UUID, snap Snapshot) (*SubmittedEnrollment, error) {
	gi, err := DecodeSection[GeneralInformationSection](snap.Record[SectionGeneralInformation])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SectionGeneralInformation, err)
	}
	qq, err := DecodeSection[QualifyingQuestionsSection](snap.Record[SectionQualifyingQuestions])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SectionQualifyingQuestions, err)
	}
	ps, err := DecodeSection[ProgramSelectionSection](snap.Record[SectionProgramSelection])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SectionProgramSelection, err)
	}
	return &SubmittedEnrollment{
		SessionID:           id,
		GeneralInformation:  gi,
		QualifyingQuestions: qq,
		ProgramSelection:    ps,
	}, nil
}

// Abandon deletes a session and drops it from memory.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID) error {
	s.evict(id)
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		StoreFailures.WithLabelValues("delete").Inc()
		return fmt.Errorf("%w: delete session: %w", ErrStoreUnavailable, err)
	}
	s.logger.Info().Str("session_id", id.String()).Msg("enrollment session abandoned")
	return nil
}

// ListSessions returns a page of sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	items, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list sessions: %w", ErrStoreUnavailable, err)
	}
	return items, total, nil
}

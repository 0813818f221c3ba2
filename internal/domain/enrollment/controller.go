package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ehr/enrollment/internal/platform/notification"
)

// ControllerState is the submission state of a step.
type ControllerState int

const (
	StateIdle ControllerState = iota
	StateSubmitting
	StateSuccess
	StateFailed
)

func (s ControllerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result values reported in an Outcome.
const (
	ResultCommitted  = "committed"
	ResultInvalid    = "invalid"
	ResultRedirected = "redirected"
)

// Outcome describes what a submission did. Route is the navigation target,
// empty when the step stayed in place.
type Outcome struct {
	Result string      `json:"result"`
	Errors FieldErrors `json:"field_errors,omitempty"`
	Data   SectionData `json:"data,omitempty"`
	Route  string      `json:"route,omitempty"`
}

// FieldBinding is the (value, error) pair a renderer needs for one field.
type FieldBinding struct {
	Path    string   `json:"path"`
	Label   string   `json:"label"`
	Kind    RuleKind `json:"kind"`
	Options []string `json:"options,omitempty"`
	Value   any      `json:"value,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// StepController binds one step's guard, validator and the session store.
// Enter must succeed before the step accepts edits or submissions.
type StepController struct {
	flow     *Flow
	step     *Step
	store    *Store
	guard    *StepGuard
	nav      Navigator
	notifier notification.Notifier
	catalog  *notification.Catalog
	logger   zerolog.Logger

	submitting sync.Mutex
	blocked    atomic.Bool

	mu        sync.Mutex
	state     ControllerState
	values    SectionData
	errors    FieldErrors
	stopWatch func()
}

func NewStepController(
	flow *Flow,
	step *Step,
	store *Store,
	nav Navigator,
	notifier notification.Notifier,
	catalog *notification.Catalog,
	logger zerolog.Logger,
) *StepController {
	if catalog == nil {
		catalog = notification.NewCatalog()
	}
	return &StepController{
		flow:     flow,
		step:     step,
		store:    store,
		guard:    NewStepGuard(flow, step),
		nav:      nav,
		notifier: notifier,
		catalog:  catalog,
		logger:   logger.With().Str("step", step.Name).Str("session_id", store.SessionID().String()).Logger(),
		values:   SectionData{},
	}
}

func (c *StepController) Step() *Step { return c.step }

// Enter runs the guard and, when allowed, hydrates field values from the
// committed section so a revisited step shows what was saved. It keeps
// watching the store and redirects again if a prerequisite is reset.
func (c *StepController) Enter() bool {
	if !c.guard.Enforce(c.store.CompletionFlags(), c.nav) {
		c.blocked.Store(true)
		c.logger.Debug().Msg("step blocked by unmet prerequisite")
		return false
	}
	c.blocked.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = SectionData{}
	if c.step.Collects() {
		if saved, ok := c.store.Section(c.step.Section); ok {
			c.values = saved
		}
	}
	c.state = StateIdle
	c.errors = nil
	if c.stopWatch == nil {
		c.stopWatch = c.guard.Watch(c.store, c.nav, func(allowed bool) {
			c.blocked.Store(!allowed)
		})
	}
	return true
}

// Blocked reports whether the last guard check failed.
func (c *StepController) Blocked() bool { return c.blocked.Load() }

// Close stops watching the store.
func (c *StepController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

func (c *StepController) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Values returns a copy of the current, unvalidated field values.
func (c *StepController) Values() SectionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values.Clone()
}

// Errors returns the field errors of the last failed submission.
func (c *StepController) Errors() FieldErrors {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(FieldErrors, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

func (c *StepController) rule(path string) (Rule, bool) {
	if c.step.Validator == nil {
		return Rule{}, false
	}
	for _, r := range c.step.Validator.Rules() {
		if r.Path == path {
			return r, true
		}
	}
	return Rule{}, false
}

// Fields lists the step's active fields with their current value and error.
// Conditional fields whose predicate is false are left out.
func (c *StepController) Fields() []FieldBinding {
	if c.step.Validator == nil {
		return nil
	}
	vctx := c.store.Context(c.step.Context)

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FieldBinding, 0, len(c.step.Validator.Rules()))
	for _, r := range c.step.Validator.Rules() {
		applies, err := r.Applies(vctx)
		if err == nil && !applies {
			continue
		}
		v, _ := c.values.Lookup(r.Path)
		out = append(out, FieldBinding{
			Path:    r.Path,
			Label:   r.Label,
			Kind:    r.Kind,
			Options: r.Options,
			Value:   v,
			Error:   c.errors[r.Path],
		})
	}
	return out
}

// OnFieldChange records an edit. A failed or finished submission returns to
// Idle, but existing field errors stay visible until the next submit.
func (c *StepController) OnFieldChange(path string, value any) error {
	if _, ok := c.rule(path); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values.Set(path, value)
	if c.state != StateSubmitting {
		c.state = StateIdle
	}
	return nil
}

// Replace swaps the whole candidate at once, as a form post does.
func (c *StepController) Replace(values SectionData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values.Clone()
	if c.values == nil {
		c.values = SectionData{}
	}
	if c.state != StateSubmitting {
		c.state = StateIdle
	}
}

// Validate checks the current values without submitting.
func (c *StepController) Validate() FieldErrors {
	if c.step.Validator == nil {
		return nil
	}
	vctx := c.store.Context(c.step.Context)
	_, errs := c.step.Validator.Validate(c.Values(), vctx)
	return errs
}

// Submit validates the current values and, on success, commits the section
// and navigates to the next step. A second call while one is running returns
// ErrSubmitInProgress. Invalid input returns a *ValidationError and leaves the
// store untouched.
func (c *StepController) Submit(ctx context.Context) (Outcome, error) {
	if !c.submitting.TryLock() {
		Submissions.WithLabelValues(c.step.Name, "busy").Inc()
		return Outcome{}, ErrSubmitInProgress
	}
	defer c.submitting.Unlock()

	if !c.step.Collects() {
		return Outcome{}, ErrNotSubmittable
	}

	if res := c.guard.Check(c.store.CompletionFlags()); !res.Allowed {
		c.blocked.Store(true)
		GuardRedirects.WithLabelValues(c.step.Name).Inc()
		Submissions.WithLabelValues(c.step.Name, ResultRedirected).Inc()
		c.nav.Navigate(res.Unmet.Route)
		return Outcome{Result: ResultRedirected, Route: res.Unmet.Route}, nil
	}

	c.mu.Lock()
	c.state = StateSubmitting
	candidate := c.values.Clone()
	c.mu.Unlock()

	vctx := c.store.Context(c.step.Context)
	data, errs := c.step.Validator.Validate(candidate, vctx)
	if len(errs) > 0 {
		c.fail(errs)
		Submissions.WithLabelValues(c.step.Name, ResultInvalid).Inc()
		c.emit(notification.MsgReviewFields, nil)
		c.logger.Debug().Strs("fields", errs.Paths()).Msg("step submission rejected")
		return Outcome{Result: ResultInvalid, Errors: errs}, &ValidationError{Section: c.step.Section, Fields: errs}
	}

	if err := c.store.CommitSection(ctx, c.step.Section, data); err != nil {
		c.fail(nil)
		Submissions.WithLabelValues(c.step.Name, "store_error").Inc()
		c.emit(notification.MsgStoreUnavailable, nil)
		c.logger.Error().Err(err).Msg("failed to commit section")
		return Outcome{}, err
	}

	c.mu.Lock()
	c.state = StateSuccess
	c.errors = nil
	c.values = data.Clone()
	c.mu.Unlock()
	Submissions.WithLabelValues(c.step.Name, ResultCommitted).Inc()

	out := Outcome{Result: ResultCommitted, Data: data}
	if next, ok := c.flow.Next(c.step); ok {
		out.Route = next.Route
		c.nav.Navigate(next.Route)
	}
	c.logger.Info().Str("route", out.Route).Msg("section committed")
	return out, nil
}

func (c *StepController) fail(errs FieldErrors) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFailed
	c.errors = errs
}

func (c *StepController) emit(id string, data map[string]string) {
	if c.notifier == nil {
		return
	}
	if err := c.catalog.Emit(c.notifier, id, data); err != nil {
		c.logger.Warn().Err(err).Str("message_id", id).Msg("notification not sent")
	}
}

// Back navigates to the previous step without validating or committing.
// It returns the route, or false on the first step or while a submission is
// running.
func (c *StepController) Back() (string, bool) {
	if !c.submitting.TryLock() {
		return "", false
	}
	defer c.submitting.Unlock()
	prev, ok := c.flow.Previous(c.step)
	if !ok {
		return "", false
	}
	c.nav.Navigate(prev.Route)
	return prev.Route, true
}

// IsValidationError reports whether err carries field errors.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Package terminal runs the enrollment wizard in a terminal. It is a client
// of enrollment.Service like the HTTP handler: the guard decides which step
// is shown, the service commits, and notifications are printed instead of
// returned as JSON.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/ehr/enrollment/internal/domain/enrollment"
)

// ErrAborted means the user left the wizard. Committed steps are kept.
var ErrAborted = errors.New("wizard aborted")

type Action int

const (
	ActionSubmit Action = iota
	ActionBack
	ActionQuit
)

// Answer is what the user did on one screen.
type Answer struct {
	Action Action
	Values enrollment.SectionData
}

// Prompter asks the user for one step's answers or for the final
// confirmation.
type Prompter interface {
	AskStep(view *enrollment.StepView, errs enrollment.FieldErrors) (Answer, error)
	ConfirmReview(view *enrollment.StepView, summary string) (Answer, error)
}

type Runner struct {
	svc    *enrollment.Service
	prompt Prompter
	out    io.Writer
	styles Styles
}

func NewRunner(svc *enrollment.Service, prompt Prompter, out io.Writer) *Runner {
	return &Runner{svc: svc, prompt: prompt, out: out, styles: DefaultStyles()}
}

func (r *Runner) stepFor(route string) (string, error) {
	s, ok := r.svc.Flow().StepForRoute(route)
	if !ok {
		return "", fmt.Errorf("%w: no step for route %q", enrollment.ErrUnknownStep, route)
	}
	return s.Name, nil
}

func (r *Runner) print(s string) {
	if s != "" {
		fmt.Fprintln(r.out, s)
	}
}

// Run drives session id until it is finalized or the user quits. It opens
// the last step and lets the guard send the user to the first incomplete
// one, so a resumed session continues where it stopped.
func (r *Runner) Run(ctx context.Context, id uuid.UUID) (*enrollment.SubmittedEnrollment, error) {
	steps := r.svc.Flow().Steps()
	step := steps[len(steps)-1].Name
	var errs enrollment.FieldErrors

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view, err := r.svc.View(ctx, id, step)
		if err != nil {
			return nil, err
		}
		if !view.Allowed {
			if step, err = r.stepFor(view.Navigate); err != nil {
				return nil, err
			}
			errs = nil
			continue
		}

		def, err := r.svc.Flow().Step(step)
		if err != nil {
			return nil, err
		}
		if !def.Collects() {
			done, next, err := r.review(ctx, id, view)
			if err != nil || done != nil {
				return done, err
			}
			step = next
			continue
		}

		r.print(r.styles.Header(view, len(r.svc.Flow().Sections())))
		ans, err := r.prompt.AskStep(view, errs)
		if err != nil {
			return nil, err
		}

		switch ans.Action {
		case ActionQuit:
			return nil, ErrAborted
		case ActionBack:
			route, err := r.svc.Back(ctx, id, step)
			if err != nil {
				return nil, err
			}
			if route != "" {
				if step, err = r.stepFor(route); err != nil {
					return nil, err
				}
			}
			errs = nil
			continue
		}

		res, err := r.svc.Submit(ctx, id, step, ans.Values)
		if res != nil {
			r.print(r.styles.Toasts(res.Notifications))
		}
		if ve, ok := enrollment.IsValidationError(err); ok {
			errs = ve.Fields
			continue
		}
		if err != nil {
			return nil, err
		}
		errs = nil
		if res.Navigate != "" {
			if step, err = r.stepFor(res.Navigate); err != nil {
				return nil, err
			}
		}
	}
}

// review shows the record and finalizes on confirmation. It returns the
// submitted enrollment when done, or the next step to show.
func (r *Runner) review(ctx context.Context, id uuid.UUID, view *enrollment.StepView) (*enrollment.SubmittedEnrollment, string, error) {
	snap, err := r.svc.Record(ctx, id)
	if err != nil {
		return nil, "", err
	}
	ans, err := r.prompt.ConfirmReview(view, r.styles.Review(r.svc.Flow(), snap))
	if err != nil {
		return nil, "", err
	}

	switch ans.Action {
	case ActionQuit:
		return nil, "", ErrAborted
	case ActionBack:
		next, err := r.stepFor(view.Previous)
		return nil, next, err
	}

	res, err := r.svc.Finalize(ctx, id)
	if res != nil {
		r.print(r.styles.Toasts(res.Notifications))
	}
	if errors.Is(err, enrollment.ErrIncomplete) {
		next, err := r.stepFor(res.Navigate)
		return nil, next, err
	}
	if err != nil {
		return nil, "", err
	}
	return res.Enrollment, "", nil
}

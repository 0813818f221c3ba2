package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/enrollment/internal/domain/enrollment"
)

type scriptedStep struct {
	step   string
	answer Answer
}

// scriptedPrompter answers prompts from a fixed script and records what it
// was shown.
type scriptedPrompter struct {
	script  []scriptedStep
	seen    []string
	errs    []enrollment.FieldErrors
	summary string
}

func (p *scriptedPrompter) next(step string) (Answer, error) {
	if len(p.script) == 0 {
		return Answer{}, fmt.Errorf("unexpected prompt for %s", step)
	}
	s := p.script[0]
	p.script = p.script[1:]
	p.seen = append(p.seen, step)
	if s.step != step {
		return Answer{}, fmt.Errorf("expected prompt for %s, got %s", s.step, step)
	}
	return s.answer, nil
}

func (p *scriptedPrompter) AskStep(view *enrollment.StepView, errs enrollment.FieldErrors) (Answer, error) {
	p.errs = append(p.errs, errs)
	return p.next(view.Step)
}

func (p *scriptedPrompter) ConfirmReview(view *enrollment.StepView, summary string) (Answer, error) {
	p.summary = summary
	return p.next(view.Step)
}

func submit(values enrollment.SectionData) Answer {
	return Answer{Action: ActionSubmit, Values: values}
}

func general(sex string) enrollment.SectionData {
	return enrollment.SectionData{
		"firstName":   "Ada",
		"lastName":    "Lovelace",
		"email":       "ada@example.com",
		"phoneNumber": "555-0100",
		"dateOfBirth": "1815-12-10",
		"sex":         sex,
	}
}

func qualifying() enrollment.SectionData {
	return enrollment.SectionData{
		"diagnoses": map[string]any{
			"hasType1Diabetes":     true,
			"hasType2Diabetes":     false,
			"hasHighBloodPressure": false,
			"hasHighCholesterol":   false,
			"hasHeartDisease":      false,
			"isObese":              false,
			"noneOfTheAbove":       false,
		},
		"isTobaccoUser":                        true,
		"hasAppliedForFinancialAssistance":     false,
		"hasHealthConditionCausedByTobaccoUse": false,
		"hasHealthInsurance":                   true,
	}
}

func programs() enrollment.SectionData {
	return enrollment.SectionData{"isEnrolledInHealthyHabits": true}
}

func newRunnerFixture(t *testing.T, repo enrollment.Repository, p Prompter) (*Runner, *enrollment.Service, uuid.UUID, *bytes.Buffer) {
	t.Helper()
	svc := enrollment.NewService(enrollment.DefaultFlow(), repo, zerolog.Nop())
	sess, err := svc.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	var out bytes.Buffer
	return NewRunner(svc, p, &out), svc, sess.ID, &out
}

func TestRunner_CompletesWizard(t *testing.T) {
	p := &scriptedPrompter{script: []scriptedStep{
		{"general-information", submit(general("female"))},
		{"qualifying-questions", submit(qualifying())},
		{"program-selection", submit(programs())},
		{"review", Answer{Action: ActionSubmit}},
	}}
	r, _, id, out := newRunnerFixture(t, enrollment.NewMemoryRepo(), p)

	got, err := r.Run(context.Background(), id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got == nil || got.GeneralInformation.FirstName != "Ada" {
		t.Fatalf("unexpected enrollment: %+v", got)
	}
	if !strings.Contains(p.summary, "Lovelace") {
		t.Errorf("expected review summary to include answers, got %q", p.summary)
	}
	if !strings.Contains(out.String(), "Thank you Ada") {
		t.Errorf("expected confirmation printed, got %q", out.String())
	}
}

func TestRunner_ReshowsFieldErrors(t *testing.T) {
	withProstate := qualifying()
	withProstate["hasCloseFamilyHistoryOfProstateCancer"] = false

	p := &scriptedPrompter{script: []scriptedStep{
		{"general-information", submit(general("male"))},
		{"qualifying-questions", submit(qualifying())},
		{"qualifying-questions", submit(withProstate)},
		{"program-selection", Answer{Action: ActionQuit}},
	}}
	r, _, id, out := newRunnerFixture(t, enrollment.NewMemoryRepo(), p)

	if _, err := r.Run(context.Background(), id); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if len(p.errs) != 4 {
		t.Fatalf("expected 4 prompts, got %d", len(p.errs))
	}
	if p.errs[1] != nil {
		t.Errorf("first qualifying prompt should have no errors, got %v", p.errs[1])
	}
	if p.errs[2]["hasCloseFamilyHistoryOfProstateCancer"] == "" || len(p.errs[2]) != 1 {
		t.Errorf("expected only the prostate question flagged, got %v", p.errs[2])
	}
	if p.errs[3] != nil {
		t.Errorf("errors should clear after a commit, got %v", p.errs[3])
	}
	if !strings.Contains(out.String(), "Please review all fields") {
		t.Errorf("expected review notification printed, got %q", out.String())
	}
}

func TestRunner_ResumesAtFirstIncompleteStep(t *testing.T) {
	repo := enrollment.NewMemoryRepo()
	first := &scriptedPrompter{script: []scriptedStep{
		{"general-information", submit(general("female"))},
		{"qualifying-questions", Answer{Action: ActionQuit}},
	}}
	r, _, id, _ := newRunnerFixture(t, repo, first)
	if _, err := r.Run(context.Background(), id); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	second := &scriptedPrompter{script: []scriptedStep{
		{"qualifying-questions", Answer{Action: ActionQuit}},
	}}
	svc := enrollment.NewService(enrollment.DefaultFlow(), repo, zerolog.Nop())
	if _, err := NewRunner(svc, second, &bytes.Buffer{}).Run(context.Background(), id); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if len(second.seen) != 1 || second.seen[0] != "qualifying-questions" {
		t.Errorf("expected resume at qualifying questions, saw %v", second.seen)
	}
}

func TestRunner_Back(t *testing.T) {
	p := &scriptedPrompter{script: []scriptedStep{
		{"general-information", submit(general("female"))},
		{"qualifying-questions", Answer{Action: ActionBack}},
		{"general-information", Answer{Action: ActionQuit}},
	}}
	r, svc, id, _ := newRunnerFixture(t, enrollment.NewMemoryRepo(), p)
	if _, err := r.Run(context.Background(), id); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	snap, err := svc.Record(context.Background(), id)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !snap.Completed.Completed(enrollment.SectionGeneralInformation) {
		t.Error("going back must not discard committed answers")
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	r, _, id, _ := newRunnerFixture(t, enrollment.NewMemoryRepo(), &scriptedPrompter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, id); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

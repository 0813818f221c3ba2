package terminal

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/ehr/enrollment/internal/domain/enrollment"
)

const (
	choiceYes = "yes"
	choiceNo  = "no"
)

// fieldInput holds the widget state for one field binding.
type fieldInput struct {
	binding enrollment.FieldBinding
	text    string
	choice  string
	flag    bool
}

func newFieldInputs(fields []enrollment.FieldBinding) []*fieldInput {
	inputs := make([]*fieldInput, 0, len(fields))
	for _, b := range fields {
		in := &fieldInput{binding: b}
		switch v := b.Value.(type) {
		case string:
			in.text = v
			in.choice = v
		case bool:
			in.flag = v
			in.choice = choiceNo
			if v {
				in.choice = choiceYes
			}
		}
		inputs = append(inputs, in)
	}
	return inputs
}

func (in *fieldInput) widget(errMsg string) huh.Field {
	b := in.binding
	desc := ""
	if errMsg != "" {
		desc = "⚠ " + errMsg
	}

	switch b.Kind {
	case enrollment.RuleFlag:
		return huh.NewConfirm().
			Key(b.Path).
			Title(b.Label).
			Description(desc).
			Affirmative("Yes").
			Negative("No").
			Value(&in.flag)
	case enrollment.RuleRequiredBoolean:
		// Unanswered stays distinguishable from "No".
		return huh.NewSelect[string]().
			Key(b.Path).
			Title(b.Label).
			Description(desc).
			Options(
				huh.NewOption("Select an answer", ""),
				huh.NewOption("Yes", choiceYes),
				huh.NewOption("No", choiceNo),
			).
			Value(&in.choice)
	case enrollment.RuleRequiredEnum:
		opts := []huh.Option[string]{huh.NewOption("Select an option", "")}
		for _, o := range b.Options {
			opts = append(opts, huh.NewOption(o, o))
		}
		return huh.NewSelect[string]().
			Key(b.Path).
			Title(b.Label).
			Description(desc).
			Options(opts...).
			Value(&in.choice)
	default:
		return huh.NewInput().
			Key(b.Path).
			Title(b.Label).
			Description(desc).
			Value(&in.text)
	}
}

// collect turns widget state back into a candidate. Unanswered fields are
// left out so the validator reports them.
func collect(inputs []*fieldInput) enrollment.SectionData {
	out := enrollment.SectionData{}
	for _, in := range inputs {
		path := in.binding.Path
		switch in.binding.Kind {
		case enrollment.RuleFlag:
			out.Set(path, in.flag)
		case enrollment.RuleRequiredBoolean:
			switch in.choice {
			case choiceYes:
				out.Set(path, true)
			case choiceNo:
				out.Set(path, false)
			}
		case enrollment.RuleRequiredEnum:
			if in.choice != "" {
				out.Set(path, in.choice)
			}
		default:
			if t := strings.TrimSpace(in.text); t != "" {
				out.Set(path, t)
			}
		}
	}
	return out
}

// HuhPrompter asks questions with charmbracelet/huh forms.
type HuhPrompter struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// NewHuhPrompter reads from in and draws on out. Accessible mode replaces
// the interactive widgets with plain line prompts.
func NewHuhPrompter(in io.Reader, out io.Writer, accessible bool) *HuhPrompter {
	return &HuhPrompter{in: in, out: out, accessible: accessible}
}

func (p *HuhPrompter) run(groups ...*huh.Group) error {
	form := huh.NewForm(groups...).
		WithShowHelp(!p.accessible).
		WithAccessible(p.accessible).
		WithInput(p.in).
		WithOutput(p.out)
	return form.Run()
}

func actionSelect(submitLabel string, action *Action) *huh.Select[Action] {
	return huh.NewSelect[Action]().
		Title("What next?").
		Options(
			huh.NewOption(submitLabel, ActionSubmit),
			huh.NewOption("Back", ActionBack),
			huh.NewOption("Save and quit", ActionQuit),
		).
		Value(action)
}

func (p *HuhPrompter) AskStep(view *enrollment.StepView, errs enrollment.FieldErrors) (Answer, error) {
	inputs := newFieldInputs(view.Fields)
	fields := make([]huh.Field, 0, len(inputs))
	for _, in := range inputs {
		fields = append(fields, in.widget(errs[in.binding.Path]))
	}

	action := ActionSubmit
	err := p.run(
		huh.NewGroup(fields...).Title(view.Title),
		huh.NewGroup(actionSelect("Continue", &action)),
	)
	if errors.Is(err, huh.ErrUserAborted) {
		return Answer{Action: ActionQuit}, nil
	}
	if err != nil {
		return Answer{}, fmt.Errorf("prompt %s: %w", view.Step, err)
	}
	return Answer{Action: action, Values: collect(inputs)}, nil
}

func (p *HuhPrompter) ConfirmReview(view *enrollment.StepView, summary string) (Answer, error) {
	action := ActionSubmit
	err := p.run(huh.NewGroup(
		huh.NewNote().Title(view.Title).Description(summary),
		actionSelect("Submit enrollment", &action),
	))
	if errors.Is(err, huh.ErrUserAborted) {
		return Answer{Action: ActionQuit}, nil
	}
	if err != nil {
		return Answer{}, fmt.Errorf("prompt %s: %w", view.Step, err)
	}
	return Answer{Action: action}, nil
}

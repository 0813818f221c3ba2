package enrollment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultFlow_Order(t *testing.T) {
	f := DefaultFlow()
	want := []string{"general-information", "qualifying-questions", "program-selection", "review"}
	steps := f.Steps()
	if len(steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(steps))
	}
	for i, name := range want {
		if steps[i].Name != name {
			t.Errorf("step %d = %q, want %q", i, steps[i].Name, name)
		}
		if steps[i].Index() != i {
			t.Errorf("step %q index = %d, want %d", name, steps[i].Index(), i)
		}
	}
	if f.First().Name != "general-information" {
		t.Errorf("First() = %q", f.First().Name)
	}
}

func TestDefaultFlow_Prerequisites(t *testing.T) {
	f := DefaultFlow()
	qq, _ := f.Step("qualifying-questions")
	if len(qq.Requires) != 1 || qq.Requires[0] != SectionGeneralInformation {
		t.Errorf("qualifying-questions requires = %v", qq.Requires)
	}
	review, _ := f.Step("review")
	if len(review.Requires) != 3 {
		t.Errorf("review requires = %v", review.Requires)
	}
	if review.Collects() || review.Validator != nil {
		t.Error("review step must not collect a section")
	}
}

func TestFlow_NextPrevious(t *testing.T) {
	f := DefaultFlow()
	qq, _ := f.Step("qualifying-questions")

	next, ok := f.Next(qq)
	if !ok || next.Route != "/enrollment-form/program-selection" {
		t.Errorf("Next = %v, %v", next, ok)
	}
	prev, ok := f.Previous(qq)
	if !ok || prev.Route != "/enrollment-form/general-information" {
		t.Errorf("Previous = %v, %v", prev, ok)
	}
	if _, ok := f.Previous(f.First()); ok {
		t.Error("expected no previous step for the first step")
	}
	last := f.Steps()[len(f.Steps())-1]
	if _, ok := f.Next(last); ok {
		t.Error("expected no next step for the last step")
	}
}

func TestFlow_Lookups(t *testing.T) {
	f := DefaultFlow()
	if _, err := f.Step("nope"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
	s, ok := f.StepForRoute("/enrollment-form/qualifying-questions")
	if !ok || s.Section != SectionQualifyingQuestions {
		t.Errorf("StepForRoute = %v, %v", s, ok)
	}
	s, ok = f.StepForSection(SectionProgramSelection)
	if !ok || s.Name != "program-selection" {
		t.Errorf("StepForSection = %v, %v", s, ok)
	}
	sections := f.Sections()
	if len(sections) != 3 || sections[0] != SectionGeneralInformation {
		t.Errorf("Sections = %v", sections)
	}
}

func TestParseFlowYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad version", "version: 2\nsteps: [{name: a, route: /a}]", "unsupported version"},
		{"no steps", "version: 1\nsteps: []", "no steps"},
		{"missing route", "version: 1\nsteps: [{name: a}]", "name and route"},
		{"duplicate step", "version: 1\nsteps: [{name: a, route: /a}, {name: a, route: /b}]", "duplicate step"},
		{"duplicate route", "version: 1\nsteps: [{name: a, route: /a}, {name: b, route: /a}]", "duplicate route"},
		{"unknown kind", "version: 1\nsteps: [{name: a, route: /a, section: s, fields: [{path: x, kind: number}]}]", "invalid field"},
		{"enum without options", "version: 1\nsteps: [{name: a, route: /a, section: s, fields: [{path: x, kind: required-enum}]}]", "no options"},
		{"fields without section", "version: 1\nsteps: [{name: a, route: /a, fields: [{path: x, kind: flag}]}]", "without a section"},
		{"requires later section", "version: 1\nsteps: [{name: a, route: /a, section: s, requires: [t]}]", "not collected earlier"},
		{"context later section", "version: 1\nsteps: [{name: a, route: /a, section: s, context: [t]}]", "not collected earlier"},
		{"bad predicate", "version: 1\nsteps: [{name: a, route: /a, section: s}, {name: b, route: /b, section: t, context: [s], fields: [{path: x, kind: flag, when: 's.sex +'}]}]", "compile"},
		{"non-bool predicate", "version: 1\nsteps: [{name: a, route: /a, section: s}, {name: b, route: /b, section: t, context: [s], fields: [{path: x, kind: flag, when: '\"male\"'}]}]", "must evaluate to bool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFlowYAML([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestParseFlowYAML_ExplicitEmptyRequires(t *testing.T) {
	doc := "version: 1\nsteps:\n  - {name: a, route: /a, section: s}\n  - {name: b, route: /b, section: t, requires: []}\n"
	f, err := ParseFlowYAML([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := f.Step("b")
	if len(b.Requires) != 0 {
		t.Errorf("expected no prerequisites, got %v", b.Requires)
	}
}

func TestLoadFlow(t *testing.T) {
	f, err := LoadFlow("")
	if err != nil || len(f.Steps()) != 4 {
		t.Fatalf("LoadFlow(\"\") = %v, %v", f, err)
	}

	path := filepath.Join(t.TempDir(), "flow.yaml")
	doc := "version: 1\nsteps:\n  - {name: only, route: /only, section: s, fields: [{path: ok, kind: required-boolean}]}\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err = LoadFlow(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Steps()) != 1 || f.First().Validator == nil {
		t.Errorf("unexpected flow: %+v", f.Steps())
	}

	if _, err := LoadFlow(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

package enrollment

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed flow.yaml
var defaultFlowYAML []byte

// Step is one page of the wizard. Steps without a section (the review page)
// collect nothing and exist only to be guarded.
type Step struct {
	Name      string
	Title     string
	Section   SectionName
	Route     string
	Requires  []SectionName
	Context   []SectionName
	Validator *SectionValidator

	index int
}

// Index is the step's position in the fixed step order.
func (s *Step) Index() int { return s.index }

// Collects reports whether the step owns a section.
func (s *Step) Collects() bool { return s.Section != "" }

// Flow is the fixed, ordered list of wizard steps.
type Flow struct {
	steps   []*Step
	byName  map[string]*Step
	byRoute map[string]*Step
}

func (f *Flow) Steps() []*Step { return f.steps }

func (f *Flow) First() *Step { return f.steps[0] }

// Step looks a step up by name.
func (f *Flow) Step(name string) (*Step, error) {
	s, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return s, nil
}

// StepForRoute looks a step up by its route.
func (f *Flow) StepForRoute(route string) (*Step, bool) {
	s, ok := f.byRoute[route]
	return s, ok
}

// StepForSection returns the step that collects the given section.
func (f *Flow) StepForSection(section SectionName) (*Step, bool) {
	for _, s := range f.steps {
		if s.Section == section {
			return s, true
		}
	}
	return nil, false
}

func (f *Flow) Next(s *Step) (*Step, bool) {
	if s.index+1 >= len(f.steps) {
		return nil, false
	}
	return f.steps[s.index+1], true
}

func (f *Flow) Previous(s *Step) (*Step, bool) {
	if s.index == 0 {
		return nil, false
	}
	return f.steps[s.index-1], true
}

// Sections lists every collected section in step order.
func (f *Flow) Sections() []SectionName {
	var out []SectionName
	for _, s := range f.steps {
		if s.Collects() {
			out = append(out, s.Section)
		}
	}
	return out
}

// -- YAML definition --

type flowDocument struct {
	Version int            `yaml:"version"`
	Steps   []stepDocument `yaml:"steps"`
}

type stepDocument struct {
	Name     string          `yaml:"name"`
	Title    string          `yaml:"title"`
	Section  string          `yaml:"section"`
	Route    string          `yaml:"route"`
	Requires []string        `yaml:"requires"`
	Context  []string        `yaml:"context"`
	Fields   []fieldDocument `yaml:"fields"`
}

type fieldDocument struct {
	Path    string   `yaml:"path"`
	Kind    string   `yaml:"kind"`
	Label   string   `yaml:"label"`
	Message string   `yaml:"message"`
	Options []string `yaml:"options"`
	When    string   `yaml:"when"`
}

// ParseFlowYAML builds a Flow from its YAML definition. When a step omits
// requires, every section collected by an earlier step is a prerequisite.
func ParseFlowYAML(b []byte) (*Flow, error) {
	var doc flowDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}
	if doc.Version != 1 {
		return nil, errors.New("flow: unsupported version")
	}
	if len(doc.Steps) == 0 {
		return nil, errors.New("flow: no steps")
	}

	f := &Flow{byName: make(map[string]*Step), byRoute: make(map[string]*Step)}
	seenSections := make(map[SectionName]bool)
	var earlier []SectionName
	for i, sd := range doc.Steps {
		if sd.Name == "" || sd.Route == "" {
			return nil, fmt.Errorf("flow: step %d: name and route are required", i)
		}
		if _, dup := f.byName[sd.Name]; dup {
			return nil, fmt.Errorf("flow: duplicate step %q", sd.Name)
		}
		if _, dup := f.byRoute[sd.Route]; dup {
			return nil, fmt.Errorf("flow: duplicate route %q", sd.Route)
		}

		step := &Step{
			Name:    sd.Name,
			Title:   sd.Title,
			Section: SectionName(sd.Section),
			Route:   sd.Route,
			index:   i,
		}
		if sd.Requires == nil {
			step.Requires = append([]SectionName(nil), earlier...)
		} else {
			for _, r := range sd.Requires {
				if !seenSections[SectionName(r)] {
					return nil, fmt.Errorf("flow: step %q requires %q which is not collected earlier", sd.Name, r)
				}
				step.Requires = append(step.Requires, SectionName(r))
			}
		}
		for _, c := range sd.Context {
			if !seenSections[SectionName(c)] {
				return nil, fmt.Errorf("flow: step %q reads context %q which is not collected earlier", sd.Name, c)
			}
			step.Context = append(step.Context, SectionName(c))
		}

		if step.Collects() {
			if seenSections[step.Section] {
				return nil, fmt.Errorf("flow: section %q collected twice", step.Section)
			}
			rules, err := buildRules(sd, step.Context)
			if err != nil {
				return nil, err
			}
			step.Validator = NewSectionValidator(step.Section, rules...)
			seenSections[step.Section] = true
			earlier = append(earlier, step.Section)
		} else if len(sd.Fields) > 0 {
			return nil, fmt.Errorf("flow: step %q declares fields without a section", sd.Name)
		}

		f.steps = append(f.steps, step)
		f.byName[step.Name] = step
		f.byRoute[step.Route] = step
	}
	return f, nil
}

func buildRules(sd stepDocument, context []SectionName) ([]Rule, error) {
	rules := make([]Rule, 0, len(sd.Fields))
	seen := make(map[string]bool)
	for _, fd := range sd.Fields {
		kind := RuleKind(fd.Kind)
		if fd.Path == "" || !kind.valid() {
			return nil, fmt.Errorf("flow: step %q: invalid field %q (kind %q)", sd.Name, fd.Path, fd.Kind)
		}
		if seen[fd.Path] {
			return nil, fmt.Errorf("flow: step %q: duplicate field %q", sd.Name, fd.Path)
		}
		seen[fd.Path] = true
		if kind == RuleRequiredEnum && len(fd.Options) == 0 {
			return nil, fmt.Errorf("flow: step %q: enum field %q has no options", sd.Name, fd.Path)
		}
		r := Rule{Path: fd.Path, Kind: kind, Label: fd.Label, Message: fd.Message, Options: fd.Options}
		if strings.TrimSpace(fd.When) != "" {
			p, err := CompilePredicate(fd.When, context)
			if err != nil {
				return nil, fmt.Errorf("flow: step %q: field %q: %w", sd.Name, fd.Path, err)
			}
			r.When = p
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// DefaultFlow returns the built-in enrollment flow.
func DefaultFlow() *Flow {
	f, err := ParseFlowYAML(defaultFlowYAML)
	if err != nil {
		panic(fmt.Sprintf("enrollment: built-in flow is invalid: %v", err))
	}
	return f
}

// LoadFlow reads a flow definition from path, or returns the built-in flow when path is empty.
func LoadFlow(path string) (*Flow, error) {
	if path == "" {
		return DefaultFlow(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow %s: %w", path, err)
	}
	return ParseFlowYAML(b)
}

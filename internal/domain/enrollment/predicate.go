package enrollment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// ValidationContext is the read-only view of already committed sections that
// a validator may consult. Only the sections a step declares are included.
type ValidationContext struct {
	sections map[SectionName]SectionData
}

// NewValidationContext copies the given sections into a context.
func NewValidationContext(sections map[SectionName]SectionData) ValidationContext {
	c := ValidationContext{sections: make(map[SectionName]SectionData, len(sections))}
	for name, data := range sections {
		c.sections[name] = data.Clone()
	}
	return c
}

// Section returns the named section, or nil when it was not provided.
func (c ValidationContext) Section(name SectionName) SectionData {
	return c.sections[name]
}

// Predicate is a compiled CEL boolean expression over context sections.
// Each declared section is exposed as a variable of type map(string, dyn).
type Predicate struct {
	expr     string
	sections []SectionName
	program  cel.Program
}

// CompilePredicate compiles expr against the declared context sections.
func CompilePredicate(expr string, sections []SectionName) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	opts := make([]cel.EnvOption, 0, len(sections))
	for _, s := range sections {
		opts = append(opts, cel.Variable(string(s), cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile %q: expression must evaluate to bool", expr)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Predicate{expr: expr, sections: sections, program: program}, nil
}

func (p *Predicate) String() string { return p.expr }

// Eval runs the predicate. Sections missing from the context evaluate as empty maps.
func (p *Predicate) Eval(vctx ValidationContext) (bool, error) {
	vars := make(map[string]any, len(p.sections))
	for _, s := range p.sections {
		data := vctx.Section(s)
		if data == nil {
			data = SectionData{}
		}
		vars[string(s)] = map[string]any(data)
	}
	out, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.expr, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: non-bool result", p.expr)
	}
	return v, nil
}

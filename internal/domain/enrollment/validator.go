package enrollment

import (
	"fmt"
	"sort"
	"strings"
)

// RuleKind describes what a field must hold.
type RuleKind string

const (
	RuleRequiredBoolean RuleKind = "required-boolean"
	RuleRequiredString  RuleKind = "required-string"
	RuleOptionalString  RuleKind = "optional-string"
	RuleRequiredEnum    RuleKind = "required-enum"
	// RuleFlag is a checkbox: optional, false when absent, boolean when present.
	RuleFlag RuleKind = "flag"
)

func (k RuleKind) valid() bool {
	switch k {
	case RuleRequiredBoolean, RuleRequiredString, RuleOptionalString, RuleRequiredEnum, RuleFlag:
		return true
	}
	return false
}

// Rule binds one field path to its requirement. A rule with a When predicate
// is conditionally required: when the predicate is false the field is ignored
// entirely and is not carried into the validated section.
type Rule struct {
	Path    string
	Kind    RuleKind
	Label   string
	Message string
	Options []string
	When    *Predicate
}

const (
	msgRequired        = "Required"
	msgExpectedBoolean = "Expected boolean"
	msgExpectedString  = "Expected string"
	msgConditionFailed = "Unable to evaluate requirement"
	msgExpectedObject  = "Expected object"
)

// FieldErrors maps a field path to its message. An empty map means success.
type FieldErrors map[string]string

// Paths returns the failing field paths in sorted order.
func (e FieldErrors) Paths() []string {
	out := make([]string, 0, len(e))
	for p := range e {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ValidationError carries every field error of a rejected submission.
type ValidationError struct {
	Section SectionName
	Fields  FieldErrors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %d invalid field(s): %s", e.Section, len(e.Fields), strings.Join(e.Fields.Paths(), ", "))
}

// SectionValidator validates candidates for a single section.
type SectionValidator struct {
	section SectionName
	rules   []Rule
}

func NewSectionValidator(section SectionName, rules ...Rule) *SectionValidator {
	return &SectionValidator{section: section, rules: rules}
}

func (v *SectionValidator) Section() SectionName { return v.section }

func (v *SectionValidator) Rules() []Rule { return v.rules }

// Validate checks every rule and collects all failures in one pass. On
// success it returns a fresh section holding only schema fields.
func (v *SectionValidator) Validate(candidate SectionData, vctx ValidationContext) (SectionData, FieldErrors) {
	out := SectionData{}
	errs := FieldErrors{}
	for _, r := range v.rules {
		applies, err := r.Applies(vctx)
		if err != nil {
			errs[r.Path] = msgConditionFailed
			continue
		}
		if !applies {
			continue
		}
		value, msg, keep := r.check(candidate)
		if msg != "" {
			errs[r.Path] = msg
			continue
		}
		if keep {
			out.Set(r.Path, value)
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

// ValidateField checks a single field, used for incremental feedback while editing.
func (v *SectionValidator) ValidateField(path string, candidate SectionData, vctx ValidationContext) (string, error) {
	for _, r := range v.rules {
		if r.Path != path {
			continue
		}
		applies, err := r.Applies(vctx)
		if err != nil {
			return msgConditionFailed, nil
		}
		if !applies {
			return "", nil
		}
		_, msg, _ := r.check(candidate)
		return msg, nil
	}
	return "", fmt.Errorf("unknown field %q", path)
}

// Applies reports whether the rule is active for the given context.
func (r Rule) Applies(vctx ValidationContext) (bool, error) {
	if r.When == nil {
		return true, nil
	}
	return r.When.Eval(vctx)
}

func (r Rule) message(fallback string) string {
	if r.Message != "" {
		return r.Message
	}
	return fallback
}

// check returns the normalized value, an error message, and whether the value
// belongs in the validated output.
func (r Rule) check(candidate SectionData) (any, string, bool) {
	if group, bad := candidate.Malformed(r.Path); bad {
		return nil, msgExpectedObject + ": " + group, false
	}
	raw, present := candidate.Lookup(r.Path)
	switch r.Kind {
	case RuleRequiredBoolean:
		if !present {
			return nil, r.message(msgRequired), false
		}
		b, ok := raw.(bool)
		if !ok {
			return nil, msgExpectedBoolean, false
		}
		return b, "", true
	case RuleFlag:
		if !present {
			return false, "", true
		}
		b, ok := raw.(bool)
		if !ok {
			return nil, msgExpectedBoolean, false
		}
		return b, "", true
	case RuleRequiredString:
		s, ok := raw.(string)
		if present && !ok {
			return nil, msgExpectedString, false
		}
		if strings.TrimSpace(s) == "" {
			return nil, r.message(msgRequired), false
		}
		return s, "", true
	case RuleOptionalString:
		if !present {
			return nil, "", false
		}
		s, ok := raw.(string)
		if !ok {
			return nil, msgExpectedString, false
		}
		return s, "", true
	case RuleRequiredEnum:
		s, ok := raw.(string)
		if present && !ok {
			return nil, msgExpectedString, false
		}
		if strings.TrimSpace(s) == "" {
			return nil, r.message(msgRequired), false
		}
		for _, opt := range r.Options {
			if s == opt {
				return s, "", true
			}
		}
		return nil, fmt.Sprintf("Must be one of: %s", strings.Join(r.Options, ", ")), false
	}
	return nil, fmt.Sprintf("unsupported rule kind %q", r.Kind), false
}

package enrollment

import (
	"reflect"
	"strings"
	"testing"
)

func TestValidate_FemaleWithoutProstateField(t *testing.T) {
	v := qualifyingStep().Validator
	out, errs := v.Validate(qualifyingPayload(), contextWithSex("female"))
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if !reflect.DeepEqual(map[string]any(out), map[string]any(qualifyingPayload())) {
		t.Errorf("validated output differs from input:\n got  %v\n want %v", out, qualifyingPayload())
	}
}

func TestValidate_MaleWithoutProstateField(t *testing.T) {
	v := qualifyingStep().Validator
	out, errs := v.Validate(qualifyingPayload(), contextWithSex("male"))
	if out != nil {
		t.Errorf("expected nil output on failure, got %v", out)
	}
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	if errs["hasCloseFamilyHistoryOfProstateCancer"] != "Required" {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidate_MaleWithProstateField(t *testing.T) {
	v := qualifyingStep().Validator
	in := qualifyingPayload()
	in["hasCloseFamilyHistoryOfProstateCancer"] = false
	out, errs := v.Validate(in, contextWithSex("male"))
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if out["hasCloseFamilyHistoryOfProstateCancer"] != false {
		t.Errorf("expected prostate field kept, got %v", out)
	}
}

func TestValidate_ConditionalFieldStrippedWhenInactive(t *testing.T) {
	v := qualifyingStep().Validator
	in := qualifyingPayload()
	in["hasCloseFamilyHistoryOfProstateCancer"] = true
	out, errs := v.Validate(in, contextWithSex("female"))
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if _, ok := out["hasCloseFamilyHistoryOfProstateCancer"]; ok {
		t.Error("expected inactive conditional field to be dropped")
	}
}

func TestValidate_MissingGeneralInformation(t *testing.T) {
	v := qualifyingStep().Validator
	_, errs := v.Validate(qualifyingPayload(), NewValidationContext(nil))
	if len(errs) != 0 {
		t.Errorf("expected prostate field inactive without sex, got %v", errs)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	v := qualifyingStep().Validator
	_, errs := v.Validate(SectionData{}, contextWithSex("male"))
	want := []string{
		"hasAppliedForFinancialAssistance",
		"hasCloseFamilyHistoryOfProstateCancer",
		"hasHealthConditionCausedByTobaccoUse",
		"hasHealthInsurance",
		"isTobaccoUser",
	}
	if !reflect.DeepEqual(errs.Paths(), want) {
		t.Errorf("Paths() = %v, want %v", errs.Paths(), want)
	}
}

func TestValidate_WrongTypes(t *testing.T) {
	v := qualifyingStep().Validator
	in := qualifyingPayload()
	in["isTobaccoUser"] = "yes"
	in.Set("diagnoses.hasHeartDisease", "no")
	in.Set("diagnoses.hasOther", 42)
	_, errs := v.Validate(in, contextWithSex("female"))
	if errs["isTobaccoUser"] != "Expected boolean" {
		t.Errorf("isTobaccoUser error = %q", errs["isTobaccoUser"])
	}
	if errs["diagnoses.hasHeartDisease"] != "Expected boolean" {
		t.Errorf("hasHeartDisease error = %q", errs["diagnoses.hasHeartDisease"])
	}
	if errs["diagnoses.hasOther"] != "Expected string" {
		t.Errorf("hasOther error = %q", errs["diagnoses.hasOther"])
	}
}

func TestValidate_NonObjectGroup(t *testing.T) {
	v := qualifyingStep().Validator
	in := qualifyingPayload()
	in["diagnoses"] = "garbage"
	out, errs := v.Validate(in, contextWithSex("female"))
	if out != nil {
		t.Fatalf("expected nothing committed, got %v", out)
	}
	for _, path := range []string{"diagnoses.hasType1Diabetes", "diagnoses.noneOfTheAbove", "diagnoses.hasOther"} {
		if errs[path] != "Expected object: diagnoses" {
			t.Errorf("%s error = %q", path, errs[path])
		}
	}
	if _, ok := errs["isTobaccoUser"]; ok {
		t.Errorf("unexpected error on a top-level field: %v", errs)
	}
}

func TestSectionData_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		data  SectionData
		path  string
		group string
		bad   bool
	}{
		{"absent group", SectionData{}, "diagnoses.hasOther", "", false},
		{"nil group", SectionData{"diagnoses": nil}, "diagnoses.hasOther", "", false},
		{"object group", SectionData{"diagnoses": map[string]any{}}, "diagnoses.hasOther", "", false},
		{"string group", SectionData{"diagnoses": "garbage"}, "diagnoses.hasOther", "diagnoses", true},
		{"nested scalar", SectionData{"a": map[string]any{"b": 3}}, "a.b.c", "a.b", true},
		{"top-level path", SectionData{"isTobaccoUser": "x"}, "isTobaccoUser", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group, bad := tt.data.Malformed(tt.path)
			if group != tt.group || bad != tt.bad {
				t.Errorf("Malformed(%q) = %q, %v; want %q, %v", tt.path, group, bad, tt.group, tt.bad)
			}
		})
	}
}

func TestValidate_FlagsDefaultFalseAndOtherKept(t *testing.T) {
	v := qualifyingStep().Validator
	in := SectionData{
		"diagnoses":                            map[string]any{"hasOther": "asthma"},
		"isTobaccoUser":                        false,
		"hasAppliedForFinancialAssistance":     false,
		"hasHealthConditionCausedByTobaccoUse": false,
		"hasHealthInsurance":                   false,
		"unknownKey":                           "dropped",
	}
	out, errs := v.Validate(in, contextWithSex("female"))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got, _ := out.Lookup("diagnoses.isObese"); got != false {
		t.Errorf("expected absent flag to default to false, got %v", got)
	}
	if got, _ := out.Lookup("diagnoses.hasOther"); got != "asthma" {
		t.Errorf("expected other text kept, got %v", got)
	}
	if _, ok := out["unknownKey"]; ok {
		t.Error("expected unknown keys to be stripped")
	}
}

func TestValidate_GeneralInformation(t *testing.T) {
	step, _ := DefaultFlow().Step("general-information")
	in := generalInformation("unknown")
	in["firstName"] = "   "
	_, errs := step.Validator.Validate(in, NewValidationContext(nil))
	if errs["firstName"] != "Required" {
		t.Errorf("firstName error = %q", errs["firstName"])
	}
	if !strings.HasPrefix(errs["sex"], "Must be one of:") {
		t.Errorf("sex error = %q", errs["sex"])
	}

	in = generalInformation("")
	_, errs = step.Validator.Validate(in, NewValidationContext(nil))
	if errs["sex"] != "Required" {
		t.Errorf("empty sex error = %q", errs["sex"])
	}
}

func TestValidate_PredicateErrorBecomesFieldError(t *testing.T) {
	p, err := CompilePredicate(`generalInformationSection.sex == "male"`, []SectionName{SectionGeneralInformation})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v := NewSectionValidator(SectionQualifyingQuestions, Rule{Path: "x", Kind: RuleRequiredBoolean, When: p})
	_, errs := v.Validate(SectionData{"x": true}, NewValidationContext(nil))
	if errs["x"] != msgConditionFailed {
		t.Errorf("expected evaluation failure to be reported, got %v", errs)
	}
}

func TestValidate_CustomMessage(t *testing.T) {
	v := NewSectionValidator("s", Rule{Path: "agree", Kind: RuleRequiredBoolean, Message: "Please answer"})
	_, errs := v.Validate(SectionData{}, NewValidationContext(nil))
	if errs["agree"] != "Please answer" {
		t.Errorf("expected custom message, got %v", errs)
	}
}

func TestValidateField(t *testing.T) {
	v := qualifyingStep().Validator
	msg, err := v.ValidateField("hasCloseFamilyHistoryOfProstateCancer", SectionData{}, contextWithSex("male"))
	if err != nil || msg != "Required" {
		t.Errorf("male: msg=%q err=%v", msg, err)
	}
	msg, err = v.ValidateField("hasCloseFamilyHistoryOfProstateCancer", SectionData{}, contextWithSex("female"))
	if err != nil || msg != "" {
		t.Errorf("female: msg=%q err=%v", msg, err)
	}
	if _, err := v.ValidateField("nope", SectionData{}, contextWithSex("female")); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Section: SectionQualifyingQuestions, Fields: FieldErrors{"b": "Required", "a": "Required"}}
	if err.Error() != "qualifyingQuestionsSection: 2 invalid field(s): a, b" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestPredicate_Eval(t *testing.T) {
	p, err := CompilePredicate(`has(generalInformationSection.sex) && generalInformationSection.sex == "male"`,
		[]SectionName{SectionGeneralInformation})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tests := []struct {
		name string
		vctx ValidationContext
		want bool
	}{
		{"male", contextWithSex("male"), true},
		{"female", contextWithSex("female"), false},
		{"missing section", NewValidationContext(nil), false},
		{"missing field", NewValidationContext(map[SectionName]SectionData{SectionGeneralInformation: {}}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Eval(tt.vctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval = %v, want %v", got, tt.want)
			}
		})
	}
	if p.String() == "" {
		t.Error("expected String to return the expression")
	}
}

func TestCompilePredicate_Empty(t *testing.T) {
	if _, err := CompilePredicate("  ", nil); err == nil {
		t.Error("expected error for empty expression")
	}
}

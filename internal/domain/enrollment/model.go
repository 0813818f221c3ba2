package enrollment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SectionName identifies one independently validated chunk of the enrollment record.
type SectionName string

const (
	SectionGeneralInformation  SectionName = "generalInformationSection"
	SectionQualifyingQuestions SectionName = "qualifyingQuestionsSection"
	SectionProgramSelection    SectionName = "programSelectionSection"
)

// FlagKey returns the persisted completion-flag key, e.g. "qualifyingQuestionsSectionCompleted".
func (s SectionName) FlagKey() string { return string(s) + "Completed" }

// SectionData is the field name -> value mapping of one section. Nested
// groups (such as diagnoses) are stored as map[string]any.
type SectionData map[string]any

// Clone returns a deep copy so callers never share nested maps with the store.
func (d SectionData) Clone() SectionData {
	if d == nil {
		return nil
	}
	return SectionData(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case SectionData:
			out[k] = cloneMap(t)
		default:
			out[k] = v
		}
	}
	return out
}

// Lookup resolves a dotted field path such as "diagnoses.hasOther". A nil
// value counts as absent.
func (d SectionData) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Malformed reports the first group on path that is present but is not an
// object, such as "diagnoses" in {"diagnoses": "garbage"}.
func (d SectionData) Malformed(path string) (string, bool) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for i, part := range parts[:len(parts)-1] {
		v, ok := cur[part]
		if !ok || v == nil {
			return "", false
		}
		next, ok := asMap(v)
		if !ok {
			return strings.Join(parts[:i+1], "."), true
		}
		cur = next
	}
	return "", false
}

// Set writes value at a dotted path, creating intermediate groups.
func (d SectionData) Set(path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case SectionData:
		return map[string]any(t), true
	}
	return nil, false
}

// EnrollmentRecord aggregates every committed section keyed by section name.
type EnrollmentRecord map[SectionName]SectionData

func (r EnrollmentRecord) Clone() EnrollmentRecord {
	out := make(EnrollmentRecord, len(r))
	for k, v := range r {
		out[k] = v.Clone()
	}
	return out
}

// CompletionFlags records which sections have been successfully committed.
// It serializes as {"<section>Completed": bool}.
type CompletionFlags map[SectionName]bool

func (f CompletionFlags) Completed(s SectionName) bool { return f[s] }

func (f CompletionFlags) Clone() CompletionFlags {
	out := make(CompletionFlags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keyed returns the flags keyed by their persisted "<section>Completed" names.
func (f CompletionFlags) Keyed() map[string]bool {
	out := make(map[string]bool, len(f))
	for k, v := range f {
		out[k.FlagKey()] = v
	}
	return out
}

// FlagsFromKeyed is the inverse of Keyed. Keys without the Completed suffix are rejected.
func FlagsFromKeyed(m map[string]bool) (CompletionFlags, error) {
	out := make(CompletionFlags, len(m))
	for k, v := range m {
		name, ok := strings.CutSuffix(k, "Completed")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid completion flag key %q", k)
		}
		out[SectionName(name)] = v
	}
	return out, nil
}

func (f CompletionFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Keyed())
}

func (f *CompletionFlags) UnmarshalJSON(b []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	flags, err := FlagsFromKeyed(m)
	if err != nil {
		return err
	}
	*f = flags
	return nil
}

// Snapshot is the unit persisted for a session: the record and its flags together.
type Snapshot struct {
	Record    EnrollmentRecord `json:"record"`
	Completed CompletionFlags  `json:"completed"`
}

func NewSnapshot() Snapshot {
	return Snapshot{Record: EnrollmentRecord{}, Completed: CompletionFlags{}}
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{Record: s.Record.Clone(), Completed: s.Completed.Clone()}
}

// Session status values.
const (
	StatusInProgress = "in-progress"
	StatusSubmitted  = "submitted"
)

// Session maps to the enrollment_session table.
type Session struct {
	ID          uuid.UUID  `json:"id"`
	Status      string     `json:"status"`
	Snapshot    Snapshot   `json:"snapshot"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// CompletedSections lists committed section names in sorted order.
func (s *Session) CompletedSections() []string {
	var out []string
	for name, done := range s.Snapshot.Completed {
		if done {
			out = append(out, string(name))
		}
	}
	sort.Strings(out)
	return out
}

// -- Typed section views --

// GeneralInformationSection is the typed form of generalInformationSection.
type GeneralInformationSection struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	DateOfBirth string `json:"dateOfBirth"`
	Sex         string `json:"sex"`
}

// Diagnoses holds the "check all that apply" conditions of the qualifying questions.
type Diagnoses struct {
	HasType1Diabetes     bool   `json:"hasType1Diabetes"`
	HasType2Diabetes     bool   `json:"hasType2Diabetes"`
	HasHighBloodPressure bool   `json:"hasHighBloodPressure"`
	HasHighCholesterol   bool   `json:"hasHighCholesterol"`
	HasHeartDisease      bool   `json:"hasHeartDisease"`
	IsObese              bool   `json:"isObese"`
	NoneOfTheAbove       bool   `json:"noneOfTheAbove"`
	Other                string `json:"hasOther,omitempty"`
}

// QualifyingQuestionsSection is the typed form of qualifyingQuestionsSection.
type QualifyingQuestionsSection struct {
	Diagnoses                             Diagnoses `json:"diagnoses"`
	IsTobaccoUser                         bool      `json:"isTobaccoUser"`
	HasAppliedForFinancialAssistance      bool      `json:"hasAppliedForFinancialAssistance"`
	HasHealthConditionCausedByTobaccoUse  bool      `json:"hasHealthConditionCausedByTobaccoUse"`
	HasHealthInsurance                    bool      `json:"hasHealthInsurance"`
	HasCloseFamilyHistoryOfProstateCancer *bool     `json:"hasCloseFamilyHistoryOfProstateCancer,omitempty"`
}

// ProgramSelectionSection is the typed form of programSelectionSection.
type ProgramSelectionSection struct {
	HealthyHabits            bool `json:"isEnrolledInHealthyHabits"`
	DiabetesPrevention       bool `json:"isEnrolledInDiabetesPrevention"`
	RigsWithoutCigs          bool `json:"isEnrolledInRigsWithoutCigs"`
	VaccineVoucher           bool `json:"isEnrolledInVaccineVoucher"`
	GetPreventativeScreening bool `json:"isEnrolledInGetPreventativeScreenings"`
}

// SubmittedEnrollment is the final, typed enrollment produced when a session is submitted.
type SubmittedEnrollment struct {
	SessionID           uuid.UUID                  `json:"session_id"`
	GeneralInformation  GeneralInformationSection  `json:"generalInformationSection"`
	QualifyingQuestions QualifyingQuestionsSection `json:"qualifyingQuestionsSection"`
	ProgramSelection    ProgramSelectionSection    `json:"programSelectionSection"`
	SubmittedAt         time.Time                  `json:"submitted_at"`
}

// DecodeSection converts committed section data into one of the typed views.
func DecodeSection[T any](d SectionData) (T, error) {
	var out T
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return out, fmt.Errorf("encode section: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode section: %w", err)
	}
	return out, nil
}

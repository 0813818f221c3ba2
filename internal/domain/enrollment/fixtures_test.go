package enrollment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

func generalInformation(sex string) SectionData {
	return SectionData{
		"firstName":   "Ada",
		"lastName":    "Lovelace",
		"email":       "ada@example.com",
		"phoneNumber": "555-0100",
		"dateOfBirth": "1990-12-10",
		"sex":         sex,
	}
}

// qualifyingPayload is the answer set used by the female/male scenarios,
// without the prostate-history field.
func qualifyingPayload() SectionData {
	return SectionData{
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

func programSelection() SectionData {
	return SectionData{
		"isEnrolledInHealthyHabits":             true,
		"isEnrolledInDiabetesPrevention":        false,
		"isEnrolledInRigsWithoutCigs":           true,
		"isEnrolledInVaccineVoucher":            false,
		"isEnrolledInGetPreventativeScreenings": false,
	}
}

func qualifyingStep() *Step {
	s, err := DefaultFlow().Step("qualifying-questions")
	if err != nil {
		panic(err)
	}
	return s
}

func contextWithSex(sex string) ValidationContext {
	return NewValidationContext(map[SectionName]SectionData{
		SectionGeneralInformation: generalInformation(sex),
	})
}

// flakyRepo wraps a repository and fails Save while failSave is set.
type flakyRepo struct {
	Repository
	mu       sync.Mutex
	failSave bool
	saves    int
}

var errDiskFull = errors.New("disk full")

func newFlakyRepo() *flakyRepo { return &flakyRepo{Repository: NewMemoryRepo()} }

func (r *flakyRepo) setFailSave(v bool) {
	r.mu.Lock()
	r.failSave = v
	r.mu.Unlock()
}

func (r *flakyRepo) Save(ctx context.Context, id uuid.UUID, snap Snapshot) error {
	r.mu.Lock()
	fail := r.failSave
	r.saves++
	r.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return r.Repository.Save(ctx, id, snap)
}

// newTestStore creates a persisted session and its store.
func newTestStore(repo Repository) *Store {
	sess := &Session{ID: uuid.New(), Status: StatusInProgress, Snapshot: NewSnapshot()}
	if err := repo.Create(context.Background(), sess); err != nil {
		panic(err)
	}
	return NewStore(sess.ID, repo, sess.Snapshot)
}

type navRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (n *navRecorder) Navigate(route string) {
	n.mu.Lock()
	n.routes = append(n.routes, route)
	n.mu.Unlock()
}

func (n *navRecorder) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

func (n *navRecorder) Last() string {
	r := n.Routes()
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1]
}

// blockingRepo blocks Save until release is closed.
type blockingRepo struct {
	Repository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRepo) Save(ctx context.Context, id uuid.UUID, snap Snapshot) error {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
	case <-time.After(5 * time.Second):
	}
	return r.Repository.Save(ctx, id, snap)
}

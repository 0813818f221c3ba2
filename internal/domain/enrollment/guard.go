package enrollment

// Navigator is the page-routing collaborator.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

func (f NavigatorFunc) Navigate(route string) { f(route) }

// GuardResult is the outcome of a prerequisite check. Unmet is the first
// incomplete prerequisite step when the check fails.
type GuardResult struct {
	Allowed bool
	Unmet   *Step
}

// StepGuard enforces step ordering: a step renders only when every
// prerequisite section is complete.
type StepGuard struct {
	step          *Step
	prerequisites []*Step
}

// NewStepGuard builds the guard for step from the flow's prerequisite list.
func NewStepGuard(flow *Flow, step *Step) *StepGuard {
	g := &StepGuard{step: step}
	for _, section := range step.Requires {
		if p, ok := flow.StepForSection(section); ok {
			g.prerequisites = append(g.prerequisites, p)
		}
	}
	return g
}

// Check reads the flags in prerequisite order and reports the first unmet one.
func (g *StepGuard) Check(flags CompletionFlags) GuardResult {
	for _, p := range g.prerequisites {
		if !flags.Completed(p.Section) {
			return GuardResult{Allowed: false, Unmet: p}
		}
	}
	return GuardResult{Allowed: true}
}

// Enforce checks the flags and, when blocked, redirects to the first unmet
// prerequisite. It returns whether the step may render.
func (g *StepGuard) Enforce(flags CompletionFlags, nav Navigator) bool {
	res := g.Check(flags)
	if res.Allowed {
		return true
	}
	GuardRedirects.WithLabelValues(g.step.Name).Inc()
	nav.Navigate(res.Unmet.Route)
	return false
}

// Watch re-runs Enforce every time the store's flags change. onChange receives
// the new verdict. The returned function stops watching.
func (g *StepGuard) Watch(store *Store, nav Navigator, onChange func(allowed bool)) func() {
	return store.Subscribe(func(flags CompletionFlags) {
		allowed := g.Enforce(flags, nav)
		if onChange != nil {
			onChange(allowed)
		}
	})
}

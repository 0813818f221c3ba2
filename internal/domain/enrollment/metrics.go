package enrollment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submissions counts step submissions.
	// Labels: step, result (committed, invalid, redirected, store_error, busy)
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enrollment",
			Name:      "submissions_total",
			Help:      "Total number of wizard step submissions by outcome",
		},
		[]string{"step", "result"},
	)

	// GuardRedirects counts step entries blocked by an unmet prerequisite.
	GuardRedirects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enrollment",
			Name:      "guard_redirects_total",
			Help:      "Total number of redirects to an unmet prerequisite step",
		},
		[]string{"step"},
	)

	// StoreFailures counts repository errors surfaced as ErrStoreUnavailable.
	// Labels: op (create, load, commit, reset, submit, delete)
	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enrollment",
			Name:      "store_failures_total",
			Help:      "Total number of session store failures",
		},
		[]string{"op"},
	)

	// ActiveSessions tracks sessions currently held in memory by the service.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enrollment",
			Name:      "sessions_active",
			Help:      "Number of wizard sessions currently loaded",
		},
	)
)

// Package notification provides the user-visible notification collaborator of
// the enrollment wizard: severities, a message catalog with {{key}} rendering,
// and notifiers that record, log, or fan out toasts.
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Severity
// ---------------------------------------------------------------------------

// Severity controls how a toast is presented.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
)

// ---------------------------------------------------------------------------
// Toast
// ---------------------------------------------------------------------------

// Toast is one emitted notification.
type Toast struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier emits a user-visible message.
type Notifier interface {
	Notify(message string, severity Severity)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string, severity Severity)

func (f NotifierFunc) Notify(message string, severity Severity) { f(message, severity) }

// Recorder collects toasts so a transport can return them with its response.
type Recorder struct {
	mu     sync.Mutex
	toasts []Toast
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, Toast{
		ID:        uuid.New().String(),
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
	})
}

// Toasts returns a copy of the recorded toasts.
func (r *Recorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Toast, len(r.toasts))
	copy(out, r.toasts)
	return out
}

// Count returns how many toasts of the given severity were recorded.
func (r *Recorder) Count(severity Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.toasts {
		if t.Severity == severity {
			n++
		}
	}
	return n
}

// LogNotifier writes every toast to the structured log.
func LogNotifier(logger zerolog.Logger) Notifier {
	return NotifierFunc(func(message string, severity Severity) {
		evt := logger.Info()
		if severity == SeverityError || severity == SeverityWarning {
			evt = logger.Warn()
		}
		evt.Str("severity", string(severity)).Str("message", message).Msg("notification emitted")
	})
}

// Multi fans a toast out to every notifier.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(message string, severity Severity) {
		for _, n := range notifiers {
			if n != nil {
				n.Notify(message, severity)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Message Catalog
// ---------------------------------------------------------------------------

// Message identifiers used by the wizard.
const (
	MsgReviewFields     = "review-fields"
	MsgStoreUnavailable = "store-unavailable"
	MsgEnrollmentSent   = "enrollment-submitted"
	MsgStepIncomplete   = "step-incomplete"
)

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID       string   `json:"id"`
	Body     string   `json:"body"`
	Severity Severity `json:"severity"`
}

// Catalog stores message templates and renders them with data.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewCatalog creates a Catalog with the built-in wizard messages registered.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]*Template)}
	c.registerBuiltIn()
	return c
}

func (c *Catalog) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:       MsgReviewFields,
			Body:     "Please review all fields before continuing.",
			Severity: SeverityError,
		},
		{
			ID:       MsgStoreUnavailable,
			Body:     "We could not save your answers. Please try again later.",
			Severity: SeverityError,
		},
		{
			ID:       MsgEnrollmentSent,
			Body:     "Thank you {{first_name}}, your enrollment has been submitted.",
			Severity: SeveritySuccess,
		},
		{
			ID:       MsgStepIncomplete,
			Body:     "Please complete {{step}} before submitting.",
			Severity: SeverityWarning,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		c.templates[t.ID] = &t
	}
}

// Register adds or replaces a template.
func (c *Catalog) Register(t Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (c *Catalog) Render(id string, data map[string]string) (string, Severity, error) {
	c.mu.RLock()
	t, ok := c.templates[id]
	c.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}
	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, t.Severity, nil
}

// Emit renders a template and sends it through n.
func (c *Catalog) Emit(n Notifier, id string, data map[string]string) error {
	msg, sev, err := c.Render(id, data)
	if err != nil {
		return err
	}
	n.Notify(msg, sev)
	return nil
}

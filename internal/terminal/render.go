package terminal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ehr/enrollment/internal/domain/enrollment"
	"github.com/ehr/enrollment/internal/platform/notification"
)

// Styles used by the terminal wizard.
type Styles struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Label   lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Box     lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		Label:   lipgloss.NewStyle().Bold(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Box:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Header renders the step title and how many sections are done.
func (s Styles) Header(view *enrollment.StepView, sections int) string {
	done := 0
	for _, c := range view.Completed {
		if c {
			done++
		}
	}
	return s.Title.Render(view.Title) + "  " +
		s.Muted.Render(fmt.Sprintf("(%d of %d sections complete)", done, sections))
}

var severityIcon = map[notification.Severity]string{
	notification.SeverityError:   "✗",
	notification.SeverityWarning: "!",
	notification.SeverityInfo:    "i",
	notification.SeveritySuccess: "✓",
}

func (s Styles) severity(sev notification.Severity) lipgloss.Style {
	switch sev {
	case notification.SeverityError:
		return s.Error
	case notification.SeverityWarning:
		return s.Warning
	case notification.SeveritySuccess:
		return s.Success
	default:
		return s.Info
	}
}

// Toasts renders one line per notification.
func (s Styles) Toasts(toasts []notification.Toast) string {
	lines := make([]string, 0, len(toasts))
	for _, t := range toasts {
		icon := severityIcon[t.Severity]
		if icon == "" {
			icon = "i"
		}
		lines = append(lines, s.severity(t.Severity).Render(icon+" "+t.Message))
	}
	return strings.Join(lines, "\n")
}

// Review renders every committed section in step order.
func (s Styles) Review(flow *enrollment.Flow, snap enrollment.Snapshot) string {
	var b strings.Builder
	for _, step := range flow.Steps() {
		if !step.Collects() {
			continue
		}
		b.WriteString(s.Label.Render(step.Title))
		b.WriteString("\n")
		data := snap.Record[step.Section]
		if len(data) == 0 {
			b.WriteString(s.Muted.Render("  (not answered)"))
			b.WriteString("\n")
			continue
		}
		for _, line := range flatten("", data) {
			b.WriteString("  " + line + "\n")
		}
	}
	return s.Box.Render(strings.TrimRight(b.String(), "\n"))
}

// flatten lists "path: value" pairs with nested maps dotted, sorted by path.
func flatten(prefix string, m map[string]any) []string {
	var out []string
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			out = append(out, flatten(path, t)...)
		case enrollment.SectionData:
			out = append(out, flatten(path, t)...)
		case bool:
			answer := "no"
			if t {
				answer = "yes"
			}
			out = append(out, path+": "+answer)
		default:
			out = append(out, fmt.Sprintf("%s: %v", path, v))
		}
	}
	sort.Strings(out)
	return out
}

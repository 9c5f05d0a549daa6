package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func writeStructured(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errs.Wrap(enc.Encode(v), "encode json output")
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errs.Wrap(err, "encode yaml output")
		}
		return errs.Wrap(enc.Close(), "flush yaml output")
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func renderStatus(st domain.SyncStatus) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Sync status"))
	b.WriteString("\n")

	conn := offlineStyle.Render("offline")
	if st.IsOnline {
		conn = onlineStyle.Render("online")
	}
	lastSync := "never"
	if st.LastSyncAt != nil {
		lastSync = st.LastSyncAt.Local().Format(time.RFC3339)
	}
	b.WriteString(fmt.Sprintf("connectivity=%s in_progress=%t last_sync=%s\n", conn, st.SyncInProgress, lastSync))
	b.WriteString(fmt.Sprintf("pending=%d dead_letters=%d\n\n", st.PendingCount, st.DeadLetterCount))

	b.WriteString(sectionStyle.Render("By kind"))
	b.WriteString("\n")
	if len(st.BreakdownByKind) == 0 {
		b.WriteString(dimStyle.Render("- queue is empty"))
		b.WriteString("\n")
	} else {
		kinds := make([]string, 0, len(st.BreakdownByKind))
		for k := range st.BreakdownByKind {
			kinds = append(kinds, k)
		}
		slices.Sort(kinds)
		for _, k := range kinds {
			b.WriteString(fmt.Sprintf("  %s: %d\n", k, st.BreakdownByKind[k]))
		}
	}

	if len(st.DeadLetters) > 0 {
		b.WriteString("\n")
		b.WriteString(sectionStyle.Render("Dead letters"))
		b.WriteString("\n")
		for _, dl := range st.DeadLetters {
			line := fmt.Sprintf("  %s kind=%s retries=%d", dl.ID, dl.Kind, dl.RetryCount)
			if dl.LastError != "" {
				line += " error=" + dl.LastError
			}
			b.WriteString(warnStyle.Render(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderActions(actions []domain.QueuedAction) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Queued actions (%d)", len(actions))))
	b.WriteString("\n")
	if len(actions) == 0 {
		b.WriteString(dimStyle.Render("- none"))
		b.WriteString("\n")
		return b.String()
	}
	for _, a := range actions {
		b.WriteString(fmt.Sprintf("%s %s %s %s retries=%d enqueued=%s\n",
			a.ID, a.Kind, a.Method, a.Endpoint, a.RetryCount, a.EnqueuedAt.Local().Format(time.RFC3339)))
		if a.LastError != "" {
			b.WriteString(dimStyle.Render("    last error: " + a.LastError))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderSyncResult(r domain.SyncResult) string {
	if r.AlreadyRunning {
		return dimStyle.Render("sync already running, nothing to do") + "\n"
	}
	return fmt.Sprintf("sync %s: attempted=%d succeeded=%d failed=%d skipped=%d dead_letters=%d newly_exhausted=%d\n",
		r.Trigger, r.Attempted, r.Succeeded, r.Failed, r.Skipped, r.DeadLettered, r.Exhausted)
}

// writeView prints the text rendering or the structured encoding of v.
func writeView(w io.Writer, format string, text func() string, v any) error {
	if format == "" || strings.EqualFold(format, formatText) {
		_, err := io.WriteString(w, text())
		return errs.Wrap(err, "write output")
	}
	return writeStructured(w, format, v)
}

type actionView struct {
	ID            string     `json:"id" yaml:"id"`
	Kind          string     `json:"kind" yaml:"kind"`
	Method        string     `json:"method" yaml:"method"`
	Endpoint      string     `json:"endpoint" yaml:"endpoint"`
	Payload       any        `json:"payload,omitempty" yaml:"payload,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueuedAt" yaml:"enqueued_at"`
	RetryCount    int        `json:"retryCount" yaml:"retry_count"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty" yaml:"last_attempt_at,omitempty"`
	LastError     string     `json:"lastError,omitempty" yaml:"last_error,omitempty"`
}

func toActionViews(actions []domain.QueuedAction) []actionView {
	views := make([]actionView, 0, len(actions))
	for _, a := range actions {
		v := actionView{
			ID:            a.ID,
			Kind:          a.Kind,
			Method:        a.Method,
			Endpoint:      a.Endpoint,
			EnqueuedAt:    a.EnqueuedAt,
			RetryCount:    a.RetryCount,
			LastAttemptAt: a.LastAttemptAt,
			LastError:     a.LastError,
		}
		if len(a.Payload) > 0 {
			// Payloads are validated on enqueue.
			_ = json.Unmarshal(a.Payload, &v.Payload)
		}
		views = append(views, v)
	}
	return views
}

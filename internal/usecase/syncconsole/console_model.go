package syncconsole

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/usecase/offline"
)

const maxAuditLines = 8

// Backend is the slice of the offline runtime the console drives.
type Backend interface {
	Status(ctx context.Context) (domain.SyncStatus, error)
	Actions(ctx context.Context) ([]domain.QueuedAction, error)
	ForceSync(ctx context.Context) (domain.SyncResult, error)
	Revive(ctx context.Context, id string) (domain.QueuedAction, error)
	Discard(ctx context.Context, id string) error
}

type runtimeBackend struct {
	rt *offline.Runtime
}

// RuntimeBackend adapts a Runtime to Backend.
func RuntimeBackend(rt *offline.Runtime) Backend {
	return runtimeBackend{rt: rt}
}

func (b runtimeBackend) Status(ctx context.Context) (domain.SyncStatus, error) {
	return b.rt.Coordinator.Status(ctx)
}

func (b runtimeBackend) Actions(ctx context.Context) ([]domain.QueuedAction, error) {
	return b.rt.Queue.All(ctx)
}

func (b runtimeBackend) ForceSync(ctx context.Context) (domain.SyncResult, error) {
	return b.rt.Coordinator.ForceSync(ctx)
}

func (b runtimeBackend) Revive(ctx context.Context, id string) (domain.QueuedAction, error) {
	return b.rt.Coordinator.Revive(ctx, id)
}

func (b runtimeBackend) Discard(ctx context.Context, id string) error {
	return b.rt.Coordinator.Discard(ctx, id)
}

type Options struct {
	RefreshInterval time.Duration
	// SetOnline is nil unless connectivity is in manual mode.
	SetOnline func(online bool)
	Now       func() time.Time
}

type consoleModel struct {
	ctx             context.Context
	backend         Backend
	setOnline       func(online bool)
	refreshInterval time.Duration
	now             func() time.Time

	status        domain.SyncStatus
	actions       []domain.QueuedAction
	deadLetters   map[string]struct{}
	selectedIndex int
	message       string
	auditLogs     []string
}

type snapshotLoadedMsg struct {
	status  domain.SyncStatus
	actions []domain.QueuedAction
	err     error
}

type tickMsg struct{}

type actionDoneMsg struct {
	action   string
	actionID string
	result   string
	err      error
}

func NewModel(ctx context.Context, backend Backend, options Options) tea.Model {
	interval := options.RefreshInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &consoleModel{
		ctx:             logging.WithComponent(ctx, "syncconsole"),
		backend:         backend,
		setOnline:       options.SetOnline,
		refreshInterval: interval,
		now:             now,
		message:         "loading",
	}
}

func (m *consoleModel) Init() tea.Cmd {
	return tea.Batch(m.loadSnapshotCmd(), m.tickCmd())
}

func (m *consoleModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tickMsg:
		return m, tea.Batch(m.loadSnapshotCmd(), m.tickCmd())
	case snapshotLoadedMsg:
		if msg.err != nil {
			m.message = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.status = msg.status
		m.actions = msg.actions
		m.deadLetters = make(map[string]struct{}, len(msg.status.DeadLetters))
		for _, dl := range msg.status.DeadLetters {
			m.deadLetters[dl.ID] = struct{}{}
		}
		if m.selectedIndex >= len(m.actions) {
			m.selectedIndex = len(m.actions) - 1
		}
		if m.selectedIndex < 0 {
			m.selectedIndex = 0
		}
		return m, nil
	case actionDoneMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.message = fmt.Sprintf("%s done: %s", msg.action, msg.result)
		}
		m.appendAuditLog(msg.action, msg.actionID, msg.result, msg.err)
		return m, m.loadSnapshotCmd()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			m.message = "refreshing"
			return m, m.loadSnapshotCmd()
		case "up", "k":
			if m.selectedIndex > 0 {
				m.selectedIndex--
			}
			return m, nil
		case "down", "j":
			if m.selectedIndex < len(m.actions)-1 {
				m.selectedIndex++
			}
			return m, nil
		case "s":
			return m, m.syncCmd()
		case "r":
			return m, m.reviveCmd()
		case "d":
			return m, m.discardCmd()
		case "o":
			return m, m.toggleOnlineCmd()
		}
	}
	return m, nil
}

func (m *consoleModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true)
	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("62"))
	deadStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	connectivity := "offline"
	if m.status.IsOnline {
		connectivity = "online"
	}
	lastSync := "never"
	if m.status.LastSyncAt != nil {
		lastSync = m.status.LastSyncAt.Local().Format(time.TimeOnly)
	}

	var builder strings.Builder
	builder.WriteString(titleStyle.Render("Sync Console"))
	builder.WriteString("\n")
	builder.WriteString(dimStyle.Render(fmt.Sprintf(
		"connectivity=%s syncing=%t last_sync=%s pending=%d dead=%d refresh=%s",
		connectivity,
		m.status.SyncInProgress,
		lastSync,
		m.status.PendingCount,
		m.status.DeadLetterCount,
		m.refreshInterval,
	)))
	builder.WriteString("\n\n")

	builder.WriteString(sectionStyle.Render("Queue"))
	builder.WriteString("\n")
	if len(m.actions) == 0 {
		builder.WriteString(dimStyle.Render("- no queued actions"))
		builder.WriteString("\n\n")
	} else {
		for index, action := range m.actions {
			line := fmt.Sprintf("%s %s %s %s retries=%d", action.ID, action.Kind, action.Method, action.Endpoint, action.RetryCount)
			if _, dead := m.deadLetters[action.ID]; dead {
				line += " " + deadStyle.Render("[dead]")
			}
			if index == m.selectedIndex {
				builder.WriteString(selectedStyle.Render("> " + line))
			} else {
				builder.WriteString("  " + line)
			}
			builder.WriteString("\n")
		}
		builder.WriteString("\n")
	}

	if selected, ok := m.selectedAction(); ok && selected.LastError != "" {
		builder.WriteString(sectionStyle.Render("Last Error"))
		builder.WriteString("\n")
		builder.WriteString(selected.LastError)
		builder.WriteString("\n\n")
	}

	builder.WriteString(sectionStyle.Render("Status"))
	builder.WriteString("\n")
	builder.WriteString("- " + firstNonEmpty(m.message, "ready"))
	builder.WriteString("\n\n")

	builder.WriteString(sectionStyle.Render("Audit Log"))
	builder.WriteString("\n")
	if len(m.auditLogs) == 0 {
		builder.WriteString(dimStyle.Render("- no actions"))
		builder.WriteString("\n\n")
	} else {
		for _, line := range m.auditLogs {
			builder.WriteString("- " + line)
			builder.WriteString("\n")
		}
		builder.WriteString("\n")
	}

	keys := "Keys: ↑/k ↓/j move  g refresh  s sync  r revive  d discard"
	if m.setOnline != nil {
		keys += "  o online/offline"
	}
	builder.WriteString(dimStyle.Render(keys + "  q quit"))
	return builder.String()
}

func (m *consoleModel) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *consoleModel) loadSnapshotCmd() tea.Cmd {
	return func() tea.Msg {
		status, err := m.backend.Status(m.ctx)
		if err != nil {
			return snapshotLoadedMsg{err: err}
		}
		actions, err := m.backend.Actions(m.ctx)
		if err != nil {
			return snapshotLoadedMsg{err: err}
		}
		return snapshotLoadedMsg{status: status, actions: actions}
	}
}

func (m *consoleModel) syncCmd() tea.Cmd {
	m.message = "syncing"
	return func() tea.Msg {
		result, err := m.backend.ForceSync(m.ctx)
		if err != nil {
			return actionDoneMsg{action: "sync", err: err}
		}
		if result.AlreadyRunning {
			return actionDoneMsg{action: "sync", result: "already running"}
		}
		return actionDoneMsg{
			action: "sync",
			result: fmt.Sprintf("succeeded=%d failed=%d skipped=%d", result.Succeeded, result.Failed, result.Skipped),
		}
	}
}

func (m *consoleModel) reviveCmd() tea.Cmd {
	selected, ok := m.selectedAction()
	if !ok {
		m.message = "no action selected"
		return nil
	}
	if _, dead := m.deadLetters[selected.ID]; !dead {
		m.message = "selected action is not a dead letter"
		return nil
	}
	return func() tea.Msg {
		if _, err := m.backend.Revive(m.ctx, selected.ID); err != nil {
			return actionDoneMsg{action: "revive", actionID: selected.ID, err: err}
		}
		return actionDoneMsg{action: "revive", actionID: selected.ID, result: "retry count reset"}
	}
}

func (m *consoleModel) discardCmd() tea.Cmd {
	selected, ok := m.selectedAction()
	if !ok {
		m.message = "no action selected"
		return nil
	}
	return func() tea.Msg {
		if err := m.backend.Discard(m.ctx, selected.ID); err != nil {
			return actionDoneMsg{action: "discard", actionID: selected.ID, err: err}
		}
		return actionDoneMsg{action: "discard", actionID: selected.ID, result: "removed"}
	}
}

func (m *consoleModel) toggleOnlineCmd() tea.Cmd {
	if m.setOnline == nil {
		m.message = "connectivity is not in manual mode"
		return nil
	}
	next := !m.status.IsOnline
	return func() tea.Msg {
		m.setOnline(next)
		state := "offline"
		if next {
			state = "online"
		}
		return actionDoneMsg{action: "connectivity", result: state}
	}
}

func (m *consoleModel) selectedAction() (domain.QueuedAction, bool) {
	if m.selectedIndex < 0 || m.selectedIndex >= len(m.actions) {
		return domain.QueuedAction{}, false
	}
	return m.actions[m.selectedIndex], true
}

func (m *consoleModel) appendAuditLog(action string, actionID string, result string, opErr error) {
	outcome := strings.TrimSpace(result)
	if opErr != nil {
		outcome = "error: " + opErr.Error()
		if errors.Is(opErr, domain.ErrNotConnected) {
			outcome = "error: offline"
		}
	}
	if outcome == "" {
		outcome = "ok"
	}

	timestamp := m.now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s action=%s id=%s result=%s", timestamp, action, firstNonEmpty(actionID, "-"), outcome)
	m.auditLogs = append([]string{line}, m.auditLogs...)
	if len(m.auditLogs) > maxAuditLines {
		m.auditLogs = m.auditLogs[:maxAuditLines]
	}

	logging.Info(m.ctx, "sync console action",
		slog.String("action", action),
		slog.String("action_id", actionID),
		slog.String("result", outcome),
	)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

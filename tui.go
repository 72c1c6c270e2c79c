package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"relink/executor"
)

func runWithUI(ctx context.Context, be *executor.BuildExecutor, plan *executor.Plan) error {
	be.OnOutput = be.Status.AppendLog

	p := tea.NewProgram(newUIModel(plan, be.Status))

	done := make(chan error, 1)
	go func() {
		done <- be.Execute(ctx, plan)
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return <-done
}

type uiModel struct {
	viewport      viewport.Model
	steps         []string
	status        executor.StatusManager
	done          bool
	selectedIdx   int
	logView       viewport.Model
	showingLogs   bool
	logAutoscroll bool
}

func newUIModel(plan *executor.Plan, status executor.StatusManager) *uiModel {
	return &uiModel{
		viewport:      viewport.New(160, 40),
		steps:         plan.Order,
		status:        status,
		logView:       viewport.New(160, 20),
		logAutoscroll: true,
	}
}

func (m *uiModel) Init() tea.Cmd {
	return tickCmd()
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.done = true
			return m, tea.Quit
		case "up", "k":
			if !m.showingLogs {
				m.selectedIdx = (m.selectedIdx - 1 + len(m.steps)) % len(m.steps)
			} else {
				m.logAutoscroll = false
				m.logView, cmd = m.logView.Update(msg)
				cmds = append(cmds, cmd)
			}
		case "down", "j":
			if !m.showingLogs {
				m.selectedIdx = (m.selectedIdx + 1) % len(m.steps)
			} else {
				m.logView, cmd = m.logView.Update(msg)
				cmds = append(cmds, cmd)
			}
		case "enter", " ":
			m.showingLogs = !m.showingLogs
			if m.showingLogs {
				m.logAutoscroll = true
				m.updateLogView()
			} else {
				m.viewport = viewport.New(160, 40)
				m.viewport.SetContent(m.statusView())
			}
		case "esc":
			m.showingLogs = false
			m.viewport = viewport.New(160, 40)
			m.viewport.SetContent(m.statusView())
		}
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 1
		m.logView.Width = msg.Width
		m.logView.Height = msg.Height / 2
		return m, nil
	case tickMsg:
		if !m.done {
			cmds = append(cmds, tickCmd())
		}
	}

	if !m.showingLogs {
		m.viewport = viewport.New(160, 40)
		m.viewport.SetContent(m.statusView())
	} else if m.logAutoscroll {
		m.updateLogView()
	}
	return m, tea.Batch(cmds...)
}

func (m *uiModel) View() string {
	if m.done {
		return "Exiting...\n"
	}
	var sb strings.Builder
	sb.WriteString(m.viewport.View())
	if m.showingLogs {
		sb.WriteString("\n\nOutput:\n")
		sb.WriteString(m.logView.View())
	}
	sb.WriteString("\n\033[1mPress q to quit, enter/space to toggle logs, up/down or j/k to navigate\033[0m")
	return sb.String()
}

func (m *uiModel) statusView() string {
	snapshot := m.status.Snapshot()

	var sb strings.Builder
	sb.WriteString("relink build status\n\n")

	for i, name := range m.steps {
		status, ok := snapshot[name]
		if !ok {
			continue
		}

		var duration time.Duration
		if !status.EndTime.IsZero() {
			duration = status.EndTime.Sub(status.StartTime)
		} else if !status.StartTime.IsZero() {
			duration = time.Since(status.StartTime)
		}

		statusColor := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
		switch status.Status {
		case executor.StatusCompleted:
			statusColor = statusColor.Foreground(lipgloss.Color("82"))
		case executor.StatusFresh:
			statusColor = statusColor.Foreground(lipgloss.Color("245"))
		case executor.StatusFailed:
			statusColor = statusColor.Foreground(lipgloss.Color("160"))
		case executor.StatusSkipped:
			statusColor = statusColor.Foreground(lipgloss.Color("243"))
		}

		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}

		sb.WriteString(fmt.Sprintf(
			"%s%-40s | %-10s | %-10s\n",
			prefix,
			name,
			statusColor.Render(status.Status),
			duration.Round(time.Millisecond),
		))
	}

	return sb.String()
}

func (m *uiModel) updateLogView() {
	m.logView = viewport.New(160, 20)

	if m.selectedIdx < len(m.steps) {
		selected := m.steps[m.selectedIdx]
		logContent := strings.Join(m.status.Logs(selected), "\n")
		if logContent == "" {
			m.logView.SetContent("This step has not produced any output")
		} else {
			m.logView.SetContent(logContent)
		}
		if m.logAutoscroll {
			m.logView.GotoBottom()
		}
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	countStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 3)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("238")).Padding(0, 2)
)

type counterState struct {
	Count int `json:"count"`
}

// component is the frame side the model drives.
type component interface {
	SetState(counterState) error
	ObserveHeight(px int)
}

// hostPusher sends host-originated renders; only the mock host has one.
type hostPusher interface {
	SendRender(counterState) error
}

type renderMsg counterState

type violationMsg struct{ err error }

type model struct {
	frameID string
	mode    string
	frame   component
	host    hostPusher

	renders    <-chan counterState
	violations <-chan error

	count  int
	known  bool
	status string
	failed bool
}

func newModel(frameID, mode string, frame component, host hostPusher, renders <-chan counterState, violations <-chan error) model {
	return model{
		frameID:    frameID,
		mode:       mode,
		frame:      frame,
		host:       host,
		renders:    renders,
		violations: violations,
		status:     "waiting for host",
	}
}

func waitRender(ch <-chan counterState) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return renderMsg(s)
	}
}

func waitViolation(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return violationMsg{err: err}
	}
}

func (m model) Init() tea.Cmd {
	m.frame.ObserveHeight(lipgloss.Height(m.View()))
	return tea.Batch(waitRender(m.renders), waitViolation(m.violations))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "+", "=":
			m.report(m.frame.SetState(counterState{Count: m.count + 1}), "sent increment")
		case "-":
			next := counterState{Count: m.count - 1}
			if m.host != nil {
				m.report(m.host.SendRender(next), "host pushed decrement")
			} else {
				m.report(m.frame.SetState(next), "sent decrement")
			}
		}
		return m, nil
	case renderMsg:
		m.count = msg.Count
		m.known = true
		m.report(nil, "rendered by host")
		m.frame.ObserveHeight(lipgloss.Height(m.View()))
		return m, waitRender(m.renders)
	case violationMsg:
		m.report(msg.err, "")
		m.frame.ObserveHeight(lipgloss.Height(m.View()))
		return m, waitViolation(m.violations)
	}
	return m, nil
}

func (m *model) report(err error, ok string) {
	if err != nil {
		m.status = err.Error()
		m.failed = true
		return
	}
	m.status = ok
	m.failed = false
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("counter %s (%s)", m.frameID, m.mode)))
	b.WriteString("\n")

	value := "?"
	if m.known {
		value = fmt.Sprintf("%d", m.count)
	}
	b.WriteString(countStyle.Render(value))
	b.WriteString("\n")

	if m.failed {
		b.WriteString(errorStyle.Render(m.status))
	} else {
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("+ increment  - decrement  q quit"))
	return b.String()
}

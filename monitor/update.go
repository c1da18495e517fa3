package monitor

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/robmorgan/antiphon/interaction"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
	case eventMsg:
		m = m.apply(interaction.Event(msg))
		return m, waitForEvent(m.events, m.done)
	case doneMsg:
		m.phase = interaction.Stopped
		m.quitting = true
		return m, tea.Quit
	case tickMsg:
		return m, tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) apply(ev interaction.Event) Model {
	if ev.Cycle > 0 {
		m.cycle = ev.Cycle
	}
	switch ev.Kind {
	case interaction.PhaseChanged:
		m.phase = ev.Phase
		if ev.Phase == interaction.Calling {
			m.callStart, m.callEnd = ev.CallStart, ev.CallEnd
			m.lookahead = ev.Lookahead
		}
	case interaction.LookaheadChanged:
		m.lookahead = ev.Lookahead
	case interaction.TemperatureChanged:
		m.temperature = ev.Temperature
	case interaction.DriftWarning:
		m.warning = ev.Message
	case interaction.CycleCompleted:
		m.completed++
		m.lastSlack = ev.Slack
		m.lookahead = ev.Lookahead
		m.temperature = ev.Temperature
	}
	return m
}

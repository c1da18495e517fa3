// Package monitor renders a running interaction in the terminal.
package monitor

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"k8s.io/utils/clock"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/interaction"
)

// Model is the bubbletea model of the monitor.
type Model struct {
	events <-chan interaction.Event
	done   <-chan struct{}
	clock  clock.PassiveClock
	onQuit func()

	spinner      spinner.Model
	callProgress progress.Model
	temperatures control.TemperatureRange

	phase       interaction.Phase
	cycle       int
	lookahead   int
	temperature float64
	callStart   time.Time
	callEnd     time.Time
	lastSlack   time.Duration
	completed   int
	warning     string
	quitting    bool
}

// New creates a monitor fed by events until done is closed. onQuit is called when the user quits.
func New(events <-chan interaction.Event, done <-chan struct{}, clk clock.PassiveClock, cfg interaction.Config, onQuit func()) Model {
	s := spinner.New()
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))

	return Model{
		events:       events,
		done:         done,
		clock:        clk,
		onQuit:       onQuit,
		spinner:      s,
		callProgress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		temperatures: cfg.Temperatures,
		lookahead:    cfg.InitialLookahead,
		temperature:  cfg.Temperatures.Mid,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick, waitForEvent(m.events, m.done))
}

type tickMsg time.Time

type eventMsg interaction.Event

type doneMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*50, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(events <-chan interaction.Event, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-events:
			return eventMsg(ev)
		case <-done:
			return doneMsg{}
		}
	}
}

// CallProgress returns how far through the current call the clock is, in [0, 1].
func (m Model) CallProgress() float64 {
	if m.phase != interaction.Calling || !m.callEnd.After(m.callStart) {
		return 0
	}
	elapsed := m.clock.Since(m.callStart)
	total := m.callEnd.Sub(m.callStart)
	switch {
	case elapsed <= 0:
		return 0
	case elapsed >= total:
		return 1
	default:
		return float64(elapsed) / float64(total)
	}
}

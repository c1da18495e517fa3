package monitor

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/robmorgan/antiphon/control"
	"github.com/robmorgan/antiphon/engine/scale"
	"github.com/robmorgan/antiphon/interaction"
)

var (
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Margin(1, 0)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	appStyle     = lipgloss.NewStyle().Margin(1, 2, 0, 2)

	phaseColors = map[interaction.Phase]lipgloss.Color{
		interaction.AwaitingCallStart: lipgloss.Color("245"),
		interaction.Calling:           lipgloss.Color("42"),
		interaction.Generating:        lipgloss.Color("63"),
		interaction.Responding:        lipgloss.Color("205"),
		interaction.Stopped:           lipgloss.Color("241"),
	}

	coldColor = mustHex("#5A56E0")
	hotColor  = mustHex("#EE6FF8")
)

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// temperatureColor blends from cold at the minimum temperature to hot at the maximum.
func temperatureColor(r control.TemperatureRange, temperature float64) string {
	t := scale.ToUnitClamp(r.Min, r.Max)(temperature)
	return coldColor.BlendLuv(hotColor, t).Clamped().Hex()
}

func (m Model) View() string {
	phase := lipgloss.NewStyle().Bold(true).Foreground(phaseColors[m.phase]).Render(m.phase.String())
	temperature := lipgloss.NewStyle().Foreground(lipgloss.Color(temperatureColor(m.temperatures, m.temperature))).
		Render(fmt.Sprintf("%.2f", m.temperature))

	var s string
	s += fmt.Sprintf("%s %s  %s %d\n\n", m.spinner.View(), phase, labelStyle.Render("cycle"), m.cycle)
	s += fmt.Sprintf("%s %d steps\n", labelStyle.Render("Lookahead:"), m.lookahead)
	s += fmt.Sprintf("%s %s\n", labelStyle.Render("Temperature:"), temperature)
	s += fmt.Sprintf("%s %d (last slack %.3fs)\n\n", labelStyle.Render("Responses:"), m.completed, m.lastSlack.Seconds())
	s += m.callProgress.ViewAs(m.CallProgress()) + "\n"

	if m.warning != "" {
		s += "\n" + warningStyle.Render("drift: "+m.warning) + "\n"
	}

	s += helpStyle.Render("Press q or ctrl+c to stop")
	if m.quitting {
		s += "\n"
	}
	return appStyle.Render(s)
}

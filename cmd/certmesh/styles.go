package main

import (
	"fmt"
	"strings"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	bgLightColor = lipgloss.Color("#44475A") // Current Line
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Align(lipgloss.Center)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func renderField(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
}

// certificateStatus returns the label and color for c at now.
func certificateStatus(c *cert.Certificate, now time.Time) (string, lipgloss.Color) {
	switch {
	case !c.ExpireTime().After(now):
		return "EXPIRED", warningColor
	case !c.Valid():
		return "INVALID", dangerColor
	default:
		return "VALID", accentColor
	}
}

func describeFact(f cert.Fact) string {
	switch fact := f.(type) {
	case *cert.ServiceInstanceFact:
		return fmt.Sprintf("%s %s", fact.Tag(), fact.ServiceInstance.String())
	case *cert.ResourceInstanceFact:
		return fmt.Sprintf("%s %s %q", fact.Tag(), fact.ResourceID.String(), fact.Name)
	case *cert.ResourcePermissionFact:
		return fmt.Sprintf("%s %s %s %s", fact.Tag(), fact.ResourceID.String(), fact.Grantee.String(), fact.Permission)
	default:
		return f.Tag()
	}
}

// renderCertificate draws a panel with every field of c.
func renderCertificate(c *cert.Certificate, now time.Time) string {
	status, color := certificateStatus(c, now)

	lines := []string{
		titleStyle.Render("Certificate"),
		renderField("ID", c.ID().String()),
		renderField("Authority", c.Authority().String()),
		renderField("Issued", c.IssuedTime().Format(time.RFC3339)),
		renderField("Expires", c.ExpireTime().Format(time.RFC3339)),
		renderField("Size", utils.FormatSize(int64(len(c.ToWireBytes())))),
		lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render("Status"),
			lipgloss.NewStyle().Foreground(color).Bold(true).Render(status)),
		"",
		mutedStyle.Render("Facts"),
	}

	facts := c.AllFacts()
	if len(facts) == 0 {
		lines = append(lines, mutedStyle.Render("  (none)"))
	}
	for _, f := range facts {
		lines = append(lines, "  "+valueStyle.Render(describeFact(f)))
	}

	return panelStyle.Render(strings.Join(lines, "\n"))
}

// renderCertificateTable lists certs one per row.
func renderCertificateTable(certs []*cert.Certificate, now time.Time) string {
	if len(certs) == 0 {
		return mutedStyle.Render("No certificates")
	}

	statusColors := make([]lipgloss.Color, len(certs))
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 && row >= 0 && row < len(statusColors) {
				return rowStyle.Foreground(statusColors[row]).Bold(true)
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("ID", "AUTHORITY", "FACTS", "EXPIRES", "STATUS", "SIZE")

	for i, c := range certs {
		status, color := certificateStatus(c, now)
		statusColors[i] = color

		kinds := make([]string, 0, len(c.AllFacts()))
		for _, f := range c.AllFacts() {
			kinds = append(kinds, f.Tag())
		}

		t.Row(
			c.ID().String()[:8],
			c.Authority().ServiceID.String(),
			strings.Join(kinds, ","),
			c.ExpireTime().Format(time.RFC3339),
			status,
			utils.FormatSize(int64(len(c.ToWireBytes()))),
		)
	}

	return t.Render()
}

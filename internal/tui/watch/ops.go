package watch

import (
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/devserv/internal/dispatch"
	"github.com/mattjoyce/devserv/internal/protocol"
)

func newOpsTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Op", Width: 9},
			{Title: "OK", Width: 8},
			{Title: "Err", Width: 8},
			{Title: "Again", Width: 8},
			{Title: "None", Width: 8},
			{Title: "Total", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(len(protocol.RequestTypes)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// opsRows lists every request type in tag order, including idle ones.
func opsRows(snap dispatch.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(protocol.RequestTypes))
	for _, typ := range protocol.RequestTypes {
		op := snap.Ops[typ.String()]
		rows = append(rows, table.Row{
			typ.String(),
			strconv.FormatInt(op.OK, 10),
			strconv.FormatInt(op.Err, 10),
			strconv.FormatInt(op.Again, 10),
			strconv.FormatInt(op.None, 10),
			strconv.FormatInt(op.Total(), 10),
		})
	}
	return rows
}

func renderOps(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("OPERATIONS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}

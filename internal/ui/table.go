package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/meshrelay/internal/registry"
)

// Output formats for RenderRooms.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
)

// Formats lists the accepted RenderRooms formats.
func Formats() []string {
	return []string{FormatTable, FormatMarkdown, FormatCSV}
}

// RenderRooms writes a one-shot room listing to w.
func RenderRooms(w io.Writer, rooms []registry.RoomInfo, connections int, format string) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Room", "Members", "Connection IDs"})
	for _, room := range rooms {
		// Space separated so CSV cells never need escaping.
		t.AppendRow(table.Row{room.ID, len(room.Members), strings.Join(room.Members, " ")})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(rooms)), connections, "open connections"})

	switch format {
	case "", FormatTable:
		t.SetStyle(table.StyleRounded)
		t.Style().Format.Footer = text.FormatDefault
		t.Render()
	case FormatMarkdown:
		t.RenderMarkdown()
	case FormatCSV:
		t.RenderCSV()
	default:
		return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Formats(), ", "))
	}
	return nil
}

// RoomsView renders the live room table used by the watcher.
func RoomsView(rooms []registry.RoomInfo) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No rooms")
	}

	rows := make([][]string, 0, len(rooms))
	for _, room := range rooms {
		rows = append(rows, []string{
			truncateString(room.ID, 32),
			fmt.Sprintf("%d", len(room.Members)),
			truncateString(strings.Join(room.Members, " "), 80),
		})
	}

	return styledTable([]string{"Room", "Members", "IDs"}, rows)
}

// PeerRow is one line of a probe report.
type PeerRow struct {
	ID    string
	State string
	RTT   string
}

// ProbeReportView renders the per-peer results of a probe run.
func ProbeReportView(room, self string, peers []PeerRow) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("%s Room %s as %s\n", IconRoom, BoldStyle.Foreground(Primary).Render(room), MutedStyle.Render(self)))
	if len(peers) == 0 {
		b.WriteString(MutedStyle.Render("No peers seen"))
		return b.String()
	}

	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, []string{p.ID, p.State, p.RTT})
	}
	b.WriteString(styledTable([]string{"Peer", "State", "RTT"}, rows))
	return b.String()
}

func styledTable(headers []string, rows [][]string) string {
	tbl := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

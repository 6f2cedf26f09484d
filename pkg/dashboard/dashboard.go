// Package dashboard renders the metrics state as plain terminal text.
// Simple, redraw-the-screen output, no interactive TUI.
package dashboard

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aiplaybookin/monitoring-observability/pkg/query"
	"github.com/aiplaybookin/monitoring-observability/pkg/stream"
	"github.com/aiplaybookin/monitoring-observability/pkg/tabs"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	tabStyle     = lipgloss.NewStyle().Padding(0, 1)
	activeStyle  = tabStyle.Background(lipgloss.Color("#1a1a1a")).Foreground(white).Bold(true)
	nameStyle    = lipgloss.NewStyle().Width(32)
	valueStyle   = lipgloss.NewStyle().Width(14).Align(lipgloss.Right).Bold(true)
	stepStyle    = lipgloss.NewStyle().Width(10).Align(lipgloss.Right).Foreground(muted)
)

const rule = "  ─────────────────────────────────────────────────────────────────"

// maxCheckpoints limits the checkpoint table to the newest rows.
const maxCheckpoints = 20

// Dashboard renders one tab of a query engine.
type Dashboard struct {
	engine  *query.Engine
	tab     tabs.Key
	version string
}

// New creates a dashboard showing tab.
func New(engine *query.Engine, tab tabs.Key, version string) *Dashboard {
	return &Dashboard{engine: engine, tab: tab, version: version}
}

// Draw clears the terminal and writes a full frame.
func (d *Dashboard) Draw(w io.Writer, status stream.Status, now time.Time) error {
	_, err := io.WriteString(w, "\033[H\033[2J"+d.Render(status, now))
	return err
}

// Render returns one frame.
func (d *Dashboard) Render(status stream.Status, now time.Time) string {
	var b strings.Builder

	d.header(&b, status, now)
	d.tabBar(&b)
	b.WriteString("\n")

	switch d.tab {
	case tabs.Checkpoints:
		d.checkpoints(&b)
	case tabs.Progress:
		d.progress(&b)
	default:
		d.metrics(&b)
	}

	b.WriteString("\n")
	d.runs(&b)
	return b.String()
}

func (d *Dashboard) header(b *strings.Builder, status stream.Status, now time.Time) {
	v := d.engine.View()

	info := fmt.Sprintf("v%d · %s", v.Version, now.Format("15:04:05"))
	if tr := v.TimeRange; tr != nil {
		sec, frac := math.Modf(tr.From)
		info += " · since " + time.Unix(int64(sec), int64(frac*1e9)).In(now.Location()).Format("Jan 2 15:04")
	}

	fmt.Fprintf(b, "\n%s%s  %s  %s\n",
		titleStyle.Render("  TRAINWATCH"),
		mutedStyle.Render(" "+d.version),
		statusBadge(status),
		mutedStyle.Render(info),
	)
}

func (d *Dashboard) tabBar(b *strings.Builder) {
	parts := make([]string, 0, len(tabs.Table))
	for _, t := range tabs.Table {
		if t.Key == d.tab {
			parts = append(parts, activeStyle.Render(t.Label))
			continue
		}
		parts = append(parts, tabStyle.Foreground(muted).Render(t.Label))
	}
	b.WriteString("  " + strings.Join(parts, " ") + "\n")
}

func (d *Dashboard) metrics(b *strings.Builder) {
	names := d.engine.ResolveTab(d.tab)
	if len(names) == 0 {
		b.WriteString(mutedStyle.Render("  No data yet.") + "\n")
		return
	}

	for _, name := range names {
		l := d.engine.Latest(name)
		if l == nil {
			fmt.Fprintf(b, "  %s%s\n", nameStyle.Render(name), valueStyle.Render("—"))
			continue
		}

		fmt.Fprintf(b, "  %s%s%s  %s  %s\n",
			nameStyle.Render(name),
			valueStyle.Render(query.FormatValue(l.Value, 4)),
			stepStyle.Render(query.FormatStep(l.Step)),
			deltaText(query.FormatDelta(l.Value, l.Prev)),
			mutedStyle.Render(l.RunID),
		)
		d.runSummaries(b, name)
	}
}

// runSummaries writes one line per selected run with the metric's point
// count and value bounds inside the active time range.
func (d *Dashboard) runSummaries(b *strings.Builder, metric string) {
	for _, rs := range d.engine.SeriesFor(metric) {
		vals := rs.Series.Values
		if len(vals) == 0 {
			fmt.Fprintf(b, "    %s\n", mutedStyle.Render(rs.RunID+"  no points in range"))
			continue
		}
		fmt.Fprintf(b, "    %s\n", mutedStyle.Render(fmt.Sprintf("%s  n=%d  min %s  max %s",
			rs.RunID, len(vals),
			query.FormatValue(slices.Min(vals), 4),
			query.FormatValue(slices.Max(vals), 4),
		)))
	}
}

func (d *Dashboard) checkpoints(b *strings.Builder) {
	rows := d.engine.Checkpoints()
	if len(rows) == 0 {
		b.WriteString(mutedStyle.Render("  No checkpoints yet.") + "\n")
		return
	}
	if len(rows) > maxCheckpoints {
		rows = rows[:maxCheckpoints]
	}

	for _, r := range rows {
		fmt.Fprintf(b, "  %s%s%s  %s\n",
			nameStyle.Render(r.Metric),
			valueStyle.Render(query.FormatValue(r.Value, 4)),
			stepStyle.Render(query.FormatStep(r.Step)),
			mutedStyle.Render(r.RunID),
		)
	}
}

func (d *Dashboard) progress(b *strings.Builder) {
	t, _ := tabs.Lookup(tabs.Progress)
	runs := d.engine.Milestones(t.Known)
	if len(runs) == 0 {
		b.WriteString(mutedStyle.Render("  No data yet.") + "\n")
		return
	}

	for _, rm := range runs {
		b.WriteString("  " + titleStyle.Render(rm.RunID) + "\n")
		for _, m := range rm.Milestones {
			mark := mutedStyle.Render("○")
			val := "—"
			if m.Reached {
				mark = successStyle.Render("✓")
			}
			if m.Value != nil {
				val = query.FormatValue(*m.Value, 1)
			}
			fmt.Fprintf(b, "    %s %s%s\n", mark, nameStyle.Render(m.Key), valueStyle.Render(val))
		}
	}
}

func (d *Dashboard) runs(b *strings.Builder) {
	v := d.engine.View()

	b.WriteString(mutedStyle.Render(rule) + "\n")
	if len(v.AllRuns) == 0 {
		fmt.Fprintf(b, "  %s\n", mutedStyle.Render(fmt.Sprintf("%d runs selected", len(v.Selected))))
		return
	}

	for _, r := range v.AllRuns {
		mark := mutedStyle.Render("·")
		if r.IsActive {
			mark = successStyle.Render("●")
		}
		sel := " "
		if v.IsSelected(r.RunID) {
			sel = "x"
		}
		fmt.Fprintf(b, "  [%s] %s %s %s\n", sel, mark, r.RunID,
			mutedStyle.Render("step "+query.FormatStep(r.LatestStep)))
	}
}

func statusBadge(s stream.Status) string {
	switch s {
	case stream.StatusConnected:
		return successStyle.Render("● " + string(s))
	case stream.StatusConnecting:
		return mutedStyle.Render("⟳ " + string(s))
	default:
		return accentStyle.Render("✗ " + string(s))
	}
}

func deltaText(d query.Delta) string {
	switch d.Direction {
	case query.Up:
		return accentStyle.Render(d.Text)
	case query.Down:
		return successStyle.Render(d.Text)
	default:
		return mutedStyle.Render(d.Text)
	}
}

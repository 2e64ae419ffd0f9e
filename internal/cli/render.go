// Package cli renders command output for the penny CLI.
package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"penny/internal/recurring"
)

var (
	colorBorder = lipgloss.Color("#575653")
	colorText   = lipgloss.Color("#FFFCF0")
	colorAccent = lipgloss.Color("#3AA99F")
	colorGreen  = lipgloss.Color("#879A39")
	colorOrange = lipgloss.Color("#DA702C")
	colorMuted  = lipgloss.Color("#6F6E69")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	goodStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorOrange)
)

// Table is a titled grid. Columns listed in Numeric are right-aligned.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
	Numeric []int
}

func RenderTable(t Table) string {
	numeric := map[int]bool{}
	for _, c := range t.Numeric {
		numeric[c] = true
	}
	tb := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(t.Headers...).
		Rows(t.Rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case numeric[col]:
				return numberStyle
			default:
				return cellStyle
			}
		})

	var b strings.Builder
	if t.Title != "" {
		b.WriteString(titleStyle.Render(t.Title))
		b.WriteString("\n")
	}
	b.WriteString(tb.String())
	b.WriteString("\n")
	return b.String()
}

// RenderPreview shows missed occurrences per template and the totals.
func RenderPreview(sum recurring.PreviewSummary) string {
	rows := make([][]string, 0, len(sum.Templates))
	for _, p := range sum.Templates {
		rows = append(rows, []string{
			p.TemplateID,
			p.Description,
			string(p.Interval),
			FormatDate(&p.Date),
			FormatDate(p.LastProcessed),
			FormatDate(p.NextDue),
			strconv.Itoa(p.MissedCount),
			formatDates(p.MissedDates, p.MissedCount),
		})
	}
	var b strings.Builder
	b.WriteString(RenderTable(Table{
		Title:   "Recurring catch-up preview at " + sum.Now.Format("2006-01-02 15:04"),
		Headers: []string{"Template", "Description", "Interval", "Date", "Last processed", "Next due", "Missed", "Dates"},
		Rows:    rows,
		Numeric: []int{6},
	}))
	total := fmt.Sprintf("%d missed transaction(s) across %d template(s)", sum.TotalMissedTransactions, sum.TemplatesNeedingCatchUp)
	if sum.TotalMissedTransactions == 0 {
		b.WriteString(goodStyle.Render("Everything is caught up"))
	} else {
		b.WriteString(warnStyle.Render(total))
	}
	b.WriteString("\n")
	return b.String()
}

func RenderDue(now time.Time, due []recurring.DueTemplate) string {
	if len(due) == 0 {
		return mutedStyle.Render("No templates due at "+now.Format("2006-01-02 15:04")) + "\n"
	}
	rows := make([][]string, 0, len(due))
	for _, d := range due {
		rows = append(rows, []string{d.TemplateID, d.UserID})
	}
	return RenderTable(Table{
		Title:   fmt.Sprintf("%d template(s) due at %s", len(due), now.Format("2006-01-02 15:04")),
		Headers: []string{"Template", "User"},
		Rows:    rows,
	})
}

// CatchUpRow is one line of a synchronous catch-up run.
type CatchUpRow struct {
	TemplateID string
	Result     recurring.Result
	Err        error
}

func RenderCatchUp(rows []CatchUpRow) string {
	out := make([][]string, 0, len(rows))
	created := 0
	failed := 0
	for _, r := range rows {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
			failed++
		}
		created += r.Result.Created
		out = append(out, []string{
			r.TemplateID,
			strconv.Itoa(r.Result.Created),
			r.Result.Delta.String(),
			FormatDate(r.Result.NextDue),
			status,
		})
	}
	var b strings.Builder
	b.WriteString(RenderTable(Table{
		Title:   "Catch-up",
		Headers: []string{"Template", "Created", "Delta", "Next due", "Status"},
		Rows:    out,
		Numeric: []int{1, 2},
	}))
	summary := fmt.Sprintf("%d occurrence(s) booked, %d failure(s)", created, failed)
	if failed > 0 {
		b.WriteString(warnStyle.Render(summary))
	} else {
		b.WriteString(goodStyle.Render(summary))
	}
	b.WriteString("\n")
	return b.String()
}

// FormatDate renders a date, or "-" for nil and zero times.
func FormatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

func formatDates(ds []time.Time, total int) string {
	parts := make([]string, 0, len(ds))
	for i := range ds {
		parts = append(parts, FormatDate(&ds[i]))
	}
	s := strings.Join(parts, ", ")
	if extra := total - len(ds); extra > 0 {
		s += fmt.Sprintf(" (+%d more)", extra)
	}
	return s
}

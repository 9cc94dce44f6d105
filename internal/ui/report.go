package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/thesavant42/pumsfetch/internal/db"
	"github.com/thesavant42/pumsfetch/internal/models"
	"github.com/thesavant42/pumsfetch/internal/table"
)

// Preview cells wider than this are truncated
const maxCellWidth = 18

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Println(SuccessStyle.Render(message))
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Println(ErrorStyle.Render("Error: " + message))
}

// PrintResolved prints the resolved URL. Substitution notices are already
// logged by the resolver.
func PrintResolved(resolved models.ResolvedURL) {
	fmt.Println(resolved.URL)
}

// PrintResult summarizes a fetch run
func PrintResult(result *models.PipelineResult) {
	fmt.Println(RenderResult(result))
}

// RenderResult returns the fetch summary shown after a run
func RenderResult(result *models.PipelineResult) string {
	var sb strings.Builder

	r := result.Resolved
	sb.WriteString(TitleStyle.Render(fmt.Sprintf("%s %s PUMS for %s, %d",
		r.Effective, r.Unit, strings.ToUpper(r.StateAbbr), r.Year)))
	sb.WriteString("\n")

	d := result.Download
	sb.WriteString(fmt.Sprintf("%s %s (%s, %s)\n",
		InfoStyle.Render("archive:"), d.Path, humanize.Bytes(uint64(d.Size)), d.Status))
	if d.Digest != "" {
		sb.WriteString(fmt.Sprintf("%s %s\n", InfoStyle.Render("blake3: "), HintStyle.Render(d.Digest)))
	}

	if e := result.Extracted; e != nil {
		sb.WriteString(fmt.Sprintf("%s %s (%d files, %s)\n",
			InfoStyle.Render("data:   "), e.Dir, len(e.Files), humanize.Bytes(uint64(e.WrittenBytes))))
		sb.WriteString(fmt.Sprintf("%s %s\n", InfoStyle.Render("csv:    "), e.CSVPath))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// PrintTablePreview prints the first n rows of t
func PrintTablePreview(t *table.Table, n int) {
	fmt.Println(RenderTablePreview(t, n))
	fmt.Println()
}

// RenderTablePreview formats the first n rows of t as a bordered text table.
//
// This is a CLI report, so table structure is built with string formatting
// and lipgloss only colors the output.
func RenderTablePreview(t *table.Table, n int) string {
	head := t.Head(n)
	if len(head.Header) == 0 {
		return HintStyle.Render("(empty table)")
	}

	widths := make([]int, len(head.Header))
	for i, h := range head.Header {
		widths[i] = lipgloss.Width(truncate(h))
	}
	for _, row := range head.Rows {
		for i, cell := range row {
			if w := lipgloss.Width(truncate(cell)); w > widths[i] {
				widths[i] = w
			}
		}
	}

	formatRow := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			c = truncate(c)
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return "│ " + strings.Join(parts, " │ ") + " │"
	}

	segments := make([]string, len(widths))
	for i, w := range widths {
		segments[i] = strings.Repeat("─", w+2)
	}

	var lines []string
	lines = append(lines, BorderStyle.Render("┌"+strings.Join(segments, "┬")+"┐"))
	lines = append(lines, HeaderStyle.Render(formatRow(head.Header)))
	lines = append(lines, BorderStyle.Render("├"+strings.Join(segments, "┼")+"┤"))
	for _, row := range head.Rows {
		lines = append(lines, NormalStyle.Render(formatRow(row)))
	}
	lines = append(lines, BorderStyle.Render("└"+strings.Join(segments, "┴")+"┘"))
	lines = append(lines, HintStyle.Render(fmt.Sprintf("%d of %d rows, %d columns", len(head.Rows), t.Len(), len(head.Header))))

	return strings.Join(lines, "\n")
}

// truncate shortens s to maxCellWidth display cells without splitting a rune
func truncate(s string) string {
	if lipgloss.Width(s) <= maxCellWidth {
		return s
	}
	var b strings.Builder
	width := 0
	for _, r := range s {
		w := lipgloss.Width(string(r))
		if width+w > maxCellWidth-3 {
			break
		}
		b.WriteRune(r)
		width += w
	}
	return b.String() + "..."
}

// PrintHistory prints recorded downloads and extractions, newest first
func PrintHistory(downloads []db.DownloadRow, extractions []db.ExtractionRow) {
	fmt.Println(RenderHistory(downloads, extractions, time.Now()))
}

// RenderHistory formats history relative to now
func RenderHistory(downloads []db.DownloadRow, extractions []db.ExtractionRow, now time.Time) string {
	if len(downloads) == 0 && len(extractions) == 0 {
		return HintStyle.Render("No downloads recorded yet")
	}

	var sb strings.Builder
	if len(downloads) > 0 {
		sb.WriteString(TitleStyle.Render("Download history"))
		sb.WriteString("\n")
		for _, r := range downloads {
			digest := r.Digest
			if len(digest) > 12 {
				digest = digest[:12]
			}
			if digest == "" {
				digest = "-"
			}
			sb.WriteString(fmt.Sprintf("%-14s %9s  %-12s  %s\n",
				humanize.RelTime(r.DownloadedAt, now, "ago", "from now"),
				humanize.Bytes(uint64(r.Size)),
				digest,
				r.URL))
		}
	}

	if len(extractions) > 0 {
		sb.WriteString("\n")
		sb.WriteString(TitleStyle.Render("Extraction history"))
		sb.WriteString("\n")
		for _, e := range extractions {
			sb.WriteString(fmt.Sprintf("%-14s %9s  %3d files  %s\n",
				humanize.RelTime(e.ExtractedAt, now, "ago", "from now"),
				humanize.Bytes(uint64(e.Bytes)),
				e.FileCount,
				e.Dir))
		}
	}
	return strings.TrimSpace(sb.String())
}

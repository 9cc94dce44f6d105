package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/dustin/go-humanize"
	"github.com/thesavant42/pumsfetch/internal/models"
	"golang.org/x/term"
)

// ProgressPrinter draws a single-line progress bar for pipeline stages.
// On anything other than a terminal it stays silent.
type ProgressPrinter struct {
	out         io.Writer
	bar         progress.Model
	interactive bool
	stage       models.Stage
	lastPercent int
	drawn       bool
}

// NewProgressPrinter writes to f when f is a terminal
func NewProgressPrinter(f *os.File) *ProgressPrinter {
	return newProgressPrinter(f, term.IsTerminal(int(f.Fd())))
}

func newProgressPrinter(out io.Writer, interactive bool) *ProgressPrinter {
	return &ProgressPrinter{
		out:         out,
		bar:         NewAppProgress(),
		interactive: interactive,
		lastPercent: -1,
	}
}

// Update matches pipeline.ProgressFunc. Redraws only when the whole
// percentage or the stage changes.
func (p *ProgressPrinter) Update(stage models.Stage, done, total int64) {
	if !p.interactive {
		return
	}

	if stage != p.stage {
		p.Finish()
		p.stage = stage
		p.lastPercent = -1
	}

	percent := fraction(done, total)
	whole := int(percent * 100)
	if whole == p.lastPercent {
		return
	}
	p.lastPercent = whole
	p.drawn = true

	fmt.Fprintf(p.out, "\r%s", p.line(stage, done, total, percent))
}

// Finish ends the current bar line
func (p *ProgressPrinter) Finish() {
	if p.drawn {
		fmt.Fprintln(p.out)
		p.drawn = false
	}
}

func (p *ProgressPrinter) line(stage models.Stage, done, total int64, percent float64) string {
	label := ProgressStyle.Render(fmt.Sprintf("%-9s", stage))
	sizes := HintStyle.Render(fmt.Sprintf("%s / %s", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(max(total, 0)))))
	return fmt.Sprintf("%s %s  %s", label, p.bar.ViewAs(percent), sizes)
}

// fraction clamps done/total to [0, 1]; downloads without a length header
// can run past their estimated total.
func fraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

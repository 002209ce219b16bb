// Package tui renders run progress and the end-of-run summary on the
// terminal. Simple, streaming, no full-screen TUI.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/jetntuple/jetntuple/internal/model"
	"github.com/jetntuple/jetntuple/pkg/hooks"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
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
	labelStyle   = lipgloss.NewStyle().Foreground(muted).Width(18)
)

// Progress drives a progress bar from processor hooks. Every entry the
// processor passes over advances the bar, whether it produced a row or not.
type Progress struct {
	bar     *progressbar.ProgressBar
	current int64
}

// NewProgress creates a bar for total entries. A negative total draws a
// spinner instead, for sources that cannot count their entries.
func NewProgress(w io.Writer, total int64, description string) *Progress {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

// Attach registers the bar's hooks on h.
func (p *Progress) Attach(h *hooks.Manager) {
	h.RegisterEvent(func(ctx context.Context, info *hooks.EventInfo) error {
		p.add(1)
		return nil
	})
	h.RegisterSkip(func(ctx context.Context, info hooks.SkipInfo) {
		p.add(info.Count)
	})
}

func (p *Progress) add(n int64) {
	p.current += n
	_ = p.bar.Add64(n)
}

// Current returns the number of entries seen so far.
func (p *Progress) Current() int64 {
	return p.current
}

// Finish completes and clears the bar.
func (p *Progress) Finish() {
	_ = p.bar.Finish()
}

// RenderSummary formats the end-of-run report.
func RenderSummary(report *pipeline.RunReport, outputs string, runErr error) string {
	var b strings.Builder

	b.WriteString("\n")
	if runErr != nil {
		b.WriteString(accentStyle.Render("  ✗ RUN FAILED"))
		b.WriteString("\n  " + mutedStyle.Render(runErr.Error()) + "\n")
	} else {
		b.WriteString(successStyle.Render("  ✓ RUN COMPLETE"))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	row := func(label, value string) {
		b.WriteString("  " + labelStyle.Render(label) + titleStyle.Render(value) + "\n")
	}

	row("Output", outputs)
	row("Termination", report.Termination.String())
	row("Start offset", fmt.Sprintf("%d", report.StartOffset))
	row("Events read", formatNumber(report.EventsRead))
	row("Empty truth", formatNumber(report.EventsEmptyTruth))
	row("Rows written", formatNumber(report.EventsProcessed))
	if report.LastEntry >= 0 {
		row("Last entry", fmt.Sprintf("%d", report.LastEntry))
	}

	b.WriteString("\n")
	for _, c := range []model.Collection{model.Truth, model.Reco} {
		s := report.Stats(c)
		row(c.String()+" jets", fmt.Sprintf("%s (b %s, tau %s)",
			formatNumber(int64(s.Totals.Jets)),
			formatNumber(int64(s.Totals.BJets)),
			formatNumber(int64(s.Totals.TauJets))))
	}
	reco := report.Stats(model.Reco).Constituents
	row("reco tracks", formatNumber(int64(reco.Tracks)))
	if nulls := report.Stats(model.Truth).Constituents.Nulls + reco.Nulls; nulls > 0 {
		row("null refs", formatNumber(int64(nulls)))
	}

	if report.EmptyTruth != nil && !report.EmptyTruth.IsEmpty() {
		row("Empty entries", formatEntries(report.EmptyTruth.ToArray(), 8))
	}

	if d := report.Duration(); d > 0 {
		b.WriteString("\n")
		rate := float64(report.EventsRead) / d.Seconds()
		row("Time", formatDuration(d)+" "+mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(rate)))))
	}
	return b.String()
}

// PrintSummary writes the end-of-run report to w.
func PrintSummary(w io.Writer, report *pipeline.RunReport, outputs string, runErr error) {
	fmt.Fprintln(w, RenderSummary(report, outputs, runErr))
}

// formatEntries lists up to limit entries, then the count of the rest.
func formatEntries(entries []uint64, limit int) string {
	parts := make([]string, 0, limit+1)
	for i, e := range entries {
		if i == limit {
			parts = append(parts, fmt.Sprintf("… +%d", len(entries)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%d", e))
	}
	return strings.Join(parts, ", ")
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

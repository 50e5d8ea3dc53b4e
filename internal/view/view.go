// Package view renders Controller output for a headless/reference
// terminal front end: per-line latency/rate stats, banners for non-fatal
// tracer errors, and a power-of-two latency histogram. The interactive
// picker and full-screen event loop are an external collaborator; this
// package only formats the text they would display.
package view

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleGood   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	styleBad    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleBold   = lipgloss.NewStyle().Bold(true)
	styleBanner = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// LineStat is the per-line aggregate a Controller tick produces for one
// measured id: average latency and call rate since the previous tick.
type LineStat struct {
	ID       int
	Line     int
	Label    string // symbol name or source excerpt
	AvgNanos float64
	Rate     float64 // calls/sec
}

// FormatLine renders one LineStat as a single display row, colored by
// latency: green under 1µs, yellow under 1ms, red otherwise. This mirrors
// the "at a glance" latency coloring that a hot-path profiler's line
// annotations use.
func FormatLine(s LineStat) string {
	latency := formatDuration(s.AvgNanos)
	style := latencyStyle(s.AvgNanos)
	return fmt.Sprintf("%4d  %s  %s  %s",
		s.Line,
		style.Render(padLeft(latency, 10)),
		styleDim.Render(padLeft(fmt.Sprintf("%.1f/s", s.Rate), 10)),
		s.Label,
	)
}

func latencyStyle(nanos float64) lipgloss.Style {
	switch {
	case nanos < 1000:
		return styleGood
	case nanos < 1_000_000:
		return styleWarn
	default:
		return styleBad
	}
}

func formatDuration(nanos float64) string {
	d := time.Duration(nanos)
	switch {
	case nanos <= 0:
		return "-"
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", nanos/1000)
	case d < time.Second:
		return fmt.Sprintf("%.2fms", nanos/1_000_000)
	default:
		return d.Round(time.Millisecond).String()
	}
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

// Histogram renders a power-of-two latency histogram as text bars, one row
// per bucket from the lowest to the highest sampled bucket (empty buckets in
// between get a row with a zero count).
type Histogram struct {
	// Buckets maps a power-of-two exponent (bucket i covers [2^i, 2^(i+1))
	// nanoseconds) to a sample count.
	Buckets map[int]int64
}

// NewHistogram builds an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{Buckets: make(map[int]int64)}
}

// Observe records one latency sample in its power-of-two bucket.
func (h *Histogram) Observe(nanos int64) {
	if nanos <= 0 {
		h.Buckets[0]++
		return
	}
	bucket := 0
	for v := nanos; v > 1; v >>= 1 {
		bucket++
	}
	h.Buckets[bucket]++
}

// Render formats the histogram as text bars sorted by bucket ascending.
func (h *Histogram) Render(maxBarWidth int) string {
	if len(h.Buckets) == 0 {
		return styleDim.Render("(no samples)")
	}

	var maxCount int64
	for _, c := range h.Buckets {
		if c > maxCount {
			maxCount = c
		}
	}

	minB, maxB := minMaxBucket(h.Buckets)
	var b strings.Builder
	for bucket := minB; bucket <= maxB; bucket++ {
		count := h.Buckets[bucket]
		lo := int64(1) << uint(bucket)
		barLen := 0
		if maxCount > 0 {
			barLen = int(float64(count) / float64(maxCount) * float64(maxBarWidth))
		}
		fmt.Fprintf(&b, "%12s  %s %d\n", formatDuration(float64(lo)), strings.Repeat("█", barLen), count)
	}
	return b.String()
}

func minMaxBucket(buckets map[int]int64) (int, int) {
	first := true
	var lo, hi int
	for k := range buckets {
		if first {
			lo, hi = k, k
			first = false
			continue
		}
		if k < lo {
			lo = k
		}
		if k > hi {
			hi = k
		}
	}
	return lo, hi
}

// Banner renders a non-fatal error surfaced to the UI (TracerSpawnError,
// TracerExitError): stack state is preserved, so these are warnings, not
// exits.
func Banner(err error) string {
	return styleBanner.Render("! " + err.Error())
}

// Section renders a bold section heading, used for frame/file headers in
// the reference renderer.
func Section(title string) string {
	return styleBold.Render(title)
}

// Warn prints a non-fatal diagnostic to stderr, colorized when the output
// is a terminal.
func Warn(format string, args ...any) {
	fmt.Fprintln(os.Stderr, styleWarn.Render(fmt.Sprintf(format, args...)))
}

// Error prints a fatal diagnostic to stderr before exit.
func Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, styleBad.Render(fmt.Sprintf(format, args...)))
}

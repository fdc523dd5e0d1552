package fuzz

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Stats are campaign-wide execution counters. Safe for concurrent use.
type Stats struct {
	start    time.Time
	execs    atomic.Uint64
	crashes  atomic.Uint64
	timeouts atomic.Uint64
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// Record counts one execution.
func (s *Stats) Record(k ExitKind) {
	s.execs.Add(1)
	switch k {
	case ExitCrash:
		s.crashes.Add(1)
	case ExitTimeout:
		s.timeouts.Add(1)
	}
}

// Execs returns the number of executions so far.
func (s *Stats) Execs() uint64 { return s.execs.Load() }

// Report is a point-in-time view of a campaign, streamed by the broker.
type Report struct {
	Execs       uint64  `json:"execs"`
	ExecsPerSec float64 `json:"execs_per_sec"`
	Crashes     uint64  `json:"crashes"`
	Timeouts    uint64  `json:"timeouts"`
	Corpus      int     `json:"corpus"`
	Edges       int     `json:"edges"`
	Workers     int     `json:"workers"`
	UptimeSec   float64 `json:"uptime_sec"`
}

func (s *Stats) report() Report {
	up := time.Since(s.start)
	r := Report{
		Execs:     s.execs.Load(),
		Crashes:   s.crashes.Load(),
		Timeouts:  s.timeouts.Load(),
		UptimeSec: up.Seconds(),
	}
	if up > 0 {
		r.ExecsPerSec = float64(r.Execs) / up.Seconds()
	}
	return r
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#569CD6"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Bold(true)
	alertStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF80C0")).Bold(true)
)

// Line renders a report as one status line.
func (r Report) Line() string {
	field := func(label, value string, style lipgloss.Style) string {
		return labelStyle.Render(label+":") + " " + style.Render(value)
	}
	crashStyle := valueStyle
	if r.Crashes > 0 {
		crashStyle = alertStyle
	}
	parts := []string{
		field("run time", time.Duration(r.UptimeSec*float64(time.Second)).Round(time.Second).String(), valueStyle),
		field("clients", fmt.Sprint(r.Workers), valueStyle),
		field("corpus", humanize.Comma(int64(r.Corpus)), valueStyle),
		field("edges", humanize.Comma(int64(r.Edges)), valueStyle),
		field("objectives", humanize.Comma(int64(r.Crashes+r.Timeouts)), crashStyle),
		field("executions", humanize.Comma(int64(r.Execs)), valueStyle),
		field("exec/sec", humanize.FormatFloat("#,###.#", r.ExecsPerSec), valueStyle),
	}
	return strings.Join(parts, ", ")
}

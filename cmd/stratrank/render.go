package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/stratrank/internal/engine"
	"github.com/basket/stratrank/internal/movement"
	"github.com/basket/stratrank/internal/retry"
)

// printer renders command output. Styles are only applied on a terminal.
type printer struct {
	w     io.Writer
	color bool

	title lipgloss.Style
	dim   lipgloss.Style
	hl    lipgloss.Style
	up    lipgloss.Style
	down  lipgloss.Style
	warn  lipgloss.Style
}

func newPrinter(w io.Writer, color bool) *printer {
	return &printer{
		w:     w,
		color: color,
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		hl:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		up:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		down:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// stdoutPrinter colors output when stdout is a terminal and NO_COLOR is unset.
func stdoutPrinter() *printer {
	color := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""
	return newPrinter(os.Stdout, color)
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) snapshot(s engine.Snapshot) {
	header := fmt.Sprintf("Outcome %s", s.OutcomeID)
	if s.OutcomeText != "" {
		header += ": " + s.OutcomeText
	}
	p.printf("%s\n", p.style(p.title, header))
	p.printf("%s\n", p.style(p.dim, fmt.Sprintf("run %s  strategy %s", s.RunID, s.Strategy)))
	if s.Resolution.Cyclic {
		p.printf("%s\n", p.style(p.warn, fmt.Sprintf("dependency cycle: %s kept in input order", strings.Join(s.Resolution.Remainder, ", "))))
	}

	highlighted := make(map[string]bool, len(s.Highlights))
	for _, id := range s.Highlights {
		highlighted[id] = true
	}

	p.printf("\n%4s  %-14s %6s %7s %5s %8s  %-10s %s\n", "#", "TASK", "IMPACT", "EFFORT", "CONF", "PRIORITY", "MOVE", "TEXT")
	for _, e := range s.Entries {
		id := fmt.Sprintf("%-14s", truncate(e.TaskID, 14))
		if highlighted[e.TaskID] {
			id = p.style(p.hl, id)
		}
		move := p.movement(s.Movement[e.TaskID])
		mark := ""
		if _, ok := s.Overrides[e.TaskID]; ok {
			mark = "*"
		}
		p.printf("%4d  %s %6.1f %6.1fh %5.2f %8.1f  %s %s%s\n",
			e.Rank, id, e.Score.Impact, e.Score.Effort, e.Score.Confidence, e.Score.Priority,
			move, truncate(e.Text, 60), mark)
	}
	if len(s.Entries) == 0 {
		p.printf("%s\n", p.style(p.dim, "  (no ranked tasks)"))
	}

	p.list("scores unavailable", s.Unavailable, p.warn)
	p.list("awaiting retry", s.Pending, p.dim)
	p.list("completed", s.Completed, p.dim)
	p.list("discarded", s.Discarded, p.dim)
	if len(s.Rejected) > 0 {
		p.printf("%s\n", p.style(p.warn, "rejected:"))
		ids := make([]string, 0, len(s.Rejected))
		for id := range s.Rejected {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p.printf("  %s: %s\n", id, s.Rejected[id])
		}
	}

	if len(s.Clusters) > 0 {
		p.printf("\n%s\n", p.style(p.title, "Quadrants"))
		for _, g := range s.Clusters {
			p.printf("  %-13s impact %4.1f effort %5.1fh  %s\n",
				g.Quadrant.Label(), g.Impact, g.Effort, strings.Join(g.TaskIDs, ", "))
		}
	}
}

// movement returns a fixed-width movement cell.
func (p *printer) movement(r movement.Record) string {
	var text string
	var s lipgloss.Style
	switch r.Kind {
	case movement.Up:
		text, s = fmt.Sprintf("up %d", int(r.Delta)), p.up
	case movement.Down:
		text, s = fmt.Sprintf("down %d", int(r.Delta)), p.down
	case movement.ConfidenceDrop:
		text, s = fmt.Sprintf("conf -%.2f", r.Delta), p.warn
	case movement.New, movement.Reintroduced, movement.Manual:
		text, s = string(r.Kind), p.hl
	default:
		text, s = "", p.dim
	}
	return p.style(s, fmt.Sprintf("%-10s", text))
}

func (p *printer) list(label string, ids []string, s lipgloss.Style) {
	if len(ids) == 0 {
		return
	}
	p.printf("%s %s\n", p.style(s, label+":"), strings.Join(ids, ", "))
}

func (p *printer) jobs(jobs []retry.Job) {
	if len(jobs) == 0 {
		p.printf("%s\n", p.style(p.dim, "no retry jobs"))
		return
	}
	p.printf("%-14s %-11s %8s  %-20s %s\n", "TASK", "STATUS", "ATTEMPTS", "NEXT", "LAST ERROR")
	for _, j := range jobs {
		next := "-"
		if !j.NextAttemptAt.IsZero() {
			next = j.NextAttemptAt.Local().Format("2006-01-02 15:04:05")
		}
		status := fmt.Sprintf("%-11s", j.Status)
		if j.Exhausted() {
			status = p.style(p.warn, status)
		}
		p.printf("%-14s %s %4d/%-3d  %-20s %s\n",
			truncate(j.TaskID, 14), status, j.Attempts, j.MaxAttempts, next, truncate(j.LastError, 60))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

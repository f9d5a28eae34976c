package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"

	"github.com/l3lackShark/memoptimizer/database"
	"github.com/l3lackShark/memoptimizer/memory"
	"github.com/l3lackShark/memoptimizer/optimizer"
	"github.com/l3lackShark/memoptimizer/settings"
	"github.com/l3lackShark/memoptimizer/startup"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	styleHead  = lipgloss.NewStyle().Bold(true).Underline(true)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
)

// cli renders command results either styled for a terminal or as JSON.
type cli struct {
	w    io.Writer
	json bool
}

func (c *cli) emit(v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("sonic.MarshalIndent(): %w", err)
	}
	_, err = fmt.Fprintln(c.w, string(out))
	return err
}

func cell(s string, width int) string {
	if len(s) > width-1 && width > 4 {
		s = s[:width-4] + "..."
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func row(cells ...string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
}

func (c *cli) report(r optimizer.Report) error {
	if c.json {
		return c.emit(r)
	}
	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("Freed %.1f MB from %d processes", r.TotalFreedMB, r.ProcessedCount)))
	b.WriteString("\n")
	if len(r.Results) > 0 {
		b.WriteString(row(styleHead.Render(cell("PROCESS", 28)), styleHead.Render(cell("PID", 8)), styleHead.Render(cell("BEFORE", 10)), styleHead.Render(cell("AFTER", 10)), styleHead.Render("FREED")))
		b.WriteString("\n")
	}
	for _, p := range r.Results {
		b.WriteString(row(
			cell(p.Name, 28),
			cell(fmt.Sprint(p.PID), 8),
			cell(fmt.Sprintf("%.1f", p.BeforeMB), 10),
			cell(fmt.Sprintf("%.1f", p.AfterMB), 10),
			styleOK.Render(fmt.Sprintf("%.1f", p.FreedMB)),
		))
		b.WriteString("\n")
	}
	_, err := io.WriteString(c.w, b.String())
	return err
}

func (c *cli) processes(info memory.Info, ok bool, procs []memory.Process) error {
	if c.json {
		v := map[string]any{"processes": procs}
		if ok {
			v["memory"] = info
		}
		return c.emit(v)
	}
	var b strings.Builder
	if ok {
		usage := fmt.Sprintf("%d%%", info.UsagePercent)
		if info.UsagePercent >= 80 {
			usage = styleBad.Render(usage)
		} else {
			usage = styleOK.Render(usage)
		}
		fmt.Fprintf(&b, "%s %s  %s\n", styleTitle.Render("Memory"), usage,
			styleDim.Render(fmt.Sprintf("%.1f / %.1f GB", float64(info.UsedBytes)/(1<<30), float64(info.TotalBytes)/(1<<30))))
	} else {
		b.WriteString(styleBad.Render("Memory information unavailable") + "\n")
	}
	b.WriteString(row(styleHead.Render(cell("PROCESS", 28)), styleHead.Render(cell("PID", 8)), styleHead.Render(cell("MB", 10)), styleHead.Render("USER")))
	b.WriteString("\n")
	for _, p := range procs {
		b.WriteString(row(cell(p.Name, 28), cell(fmt.Sprint(p.PID), 8), cell(fmt.Sprintf("%.1f", p.MemoryMB), 10), styleDim.Render(p.User)))
		b.WriteString("\n")
	}
	_, err := io.WriteString(c.w, b.String())
	return err
}

func (c *cli) startup(entries []startup.MergedEntry) error {
	if c.json {
		return c.emit(entries)
	}
	var b strings.Builder
	b.WriteString(row(styleHead.Render(cell("STATE", 10)), styleHead.Render(cell("TYPE", 10)), styleHead.Render(cell("ID", 40)), styleHead.Render("COMMAND")))
	b.WriteString("\n")
	for _, e := range entries {
		state := styleOK.Render(cell("enabled", 10))
		if !e.Enabled {
			state = styleBad.Render(cell("disabled", 10))
		}
		cmd := e.Command
		if e.Synthetic {
			cmd = styleDim.Render(strings.TrimSpace(cmd + " (removed)"))
		}
		b.WriteString(row(state, cell(e.Type, 10), cell(e.ID, 40), cmd))
		b.WriteString("\n")
	}
	if len(entries) == 0 {
		b.WriteString(styleDim.Render("no startup programs found") + "\n")
	}
	_, err := io.WriteString(c.w, b.String())
	return err
}

func (c *cli) result(r startup.Result) error {
	if c.json {
		return c.emit(r)
	}
	style := styleOK
	if !r.Success {
		style = styleBad
	}
	_, err := fmt.Fprintln(c.w, style.Render(r.Message))
	return err
}

func (c *cli) settings(s settings.Settings) error {
	if c.json {
		return c.emit(s)
	}
	pairs := map[string]string{
		"autoOptimize":    fmt.Sprint(s.AutoOptimize),
		"memoryThreshold": fmt.Sprint(s.MemoryThreshold),
		"checkInterval":   fmt.Sprint(s.CheckInterval),
		"minProcessSize":  fmt.Sprint(s.MinProcessSize),
		"cooldown":        fmt.Sprint(s.Cooldown),
		"alertThreshold":  fmt.Sprint(s.AlertThreshold),
		"alertTray":       fmt.Sprint(s.AlertTray),
		"alertSound":      fmt.Sprint(s.AlertSound),
		"theme":           s.Theme,
		"blacklist":       strings.Join(s.Blacklist, ", "),
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(row(styleHead.UnsetUnderline().Render(cell(k, 18)), pairs[k]))
		b.WriteString("\n")
	}
	_, err := io.WriteString(c.w, b.String())
	return err
}

func (c *cli) runs(runs []database.Run) error {
	if c.json {
		return c.emit(runs)
	}
	var b strings.Builder
	b.WriteString(row(styleHead.Render(cell("WHEN", 22)), styleHead.Render(cell("FREED MB", 10)), styleHead.Render(cell("COUNT", 7)), styleHead.Render("TOP PROCESS")))
	b.WriteString("\n")
	for _, r := range runs {
		b.WriteString(row(
			cell(r.Date.Local().Format(time.DateTime), 22),
			cell(fmt.Sprintf("%.1f", r.FreedMB), 10),
			cell(fmt.Sprint(r.ProcessCount), 7),
			styleDim.Render(topProcess(r.Payload)),
		))
		b.WriteString("\n")
	}
	if len(runs) == 0 {
		b.WriteString(styleDim.Render("no optimize runs recorded") + "\n")
	}
	_, err := io.WriteString(c.w, b.String())
	return err
}

// topProcess names the process that gave back the most memory in a journaled
// report, "-" when the payload has none.
func topProcess(payload []byte) string {
	if len(payload) == 0 {
		return "-"
	}
	var r optimizer.Report
	if err := sonic.ConfigStd.Unmarshal(payload, &r); err != nil || len(r.Results) == 0 {
		return "-"
	}
	best := r.Results[0]
	for _, p := range r.Results[1:] {
		if p.FreedMB > best.FreedMB {
			best = p
		}
	}
	return fmt.Sprintf("%s (%.1f MB)", best.Name, best.FreedMB)
}

// parseAssignments turns key=value arguments into a settings patch. Values
// stay strings; settings.Apply coerces them.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		patch[key] = strings.TrimSpace(value)
	}
	return patch, nil
}

// Package optimizer samples memory pressure, raises alerts and trims the
// working sets of eligible processes.
package optimizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/l3lackShark/memoptimizer/database"
	"github.com/l3lackShark/memoptimizer/history"
	"github.com/l3lackShark/memoptimizer/memory"
	"github.com/l3lackShark/memoptimizer/notify"
	"github.com/l3lackShark/memoptimizer/settings"
)

const (
	// AlertCooldown is the minimum gap between two raised alerts.
	AlertCooldown = 5 * time.Minute

	// ReservedPID is the highest pid owned by the kernel (Idle and System).
	ReservedPID = 4

	DefaultTelemetryTimeout = 15 * time.Second
	DefaultTrimTimeout      = 10 * time.Second
)

type (
	// SettingsSource returns the current settings. It is read on every call,
	// never cached across ticks.
	SettingsSource interface {
		Get() settings.Settings
	}

	Journal interface {
		AppendRun(ctx context.Context, run database.Run) error
	}

	ProcessResult struct {
		Name     string  `json:"name"`
		PID      uint32  `json:"pid"`
		FreedMB  float64 `json:"freed"`
		BeforeMB float64 `json:"before"`
		AfterMB  float64 `json:"after"`
	}

	Report struct {
		TotalFreedMB   float64         `json:"totalFreed"`
		ProcessedCount int             `json:"processedCount"`
		Results        []ProcessResult `json:"results"`
		Timestamp      time.Time       `json:"timestamp"`
	}

	// Tick is the outcome of one SampleAndAlert call.
	Tick struct {
		Timestamp time.Time        `json:"timestamp"`
		Available bool             `json:"available"`
		Memory    memory.Info      `json:"memory"`
		Processes []memory.Process `json:"processes"`
		Recorded  bool             `json:"recorded"`
		Alerted   bool             `json:"alerted"`
		Report    *Report          `json:"report,omitempty"`
	}
)

type Engine struct {
	probe    memory.Probe
	settings SettingsSource
	history  *history.Buffer
	alerter  notify.Alerter
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time

	telemetryTimeout time.Duration
	trimTimeout      time.Duration

	//runMu serializes optimize runs; overlapping trims would double count freed memory
	runMu sync.Mutex

	mu           sync.Mutex
	lastOptimize time.Time
	lastAlert    time.Time

	//trimDone is closed when the most recently started trim returns, it may outlive a timed out TrimOne
	trimMu   sync.Mutex
	trimDone chan struct{}
}

func New(probe memory.Probe, src SettingsSource, hist *history.Buffer, alerter notify.Alerter, opts ...Option) *Engine {
	e := &Engine{
		probe:            probe,
		settings:         src,
		history:          hist,
		alerter:          alerter,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:              time.Now,
		telemetryTimeout: DefaultTelemetryTimeout,
		trimTimeout:      DefaultTrimTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.alerter == nil {
		e.alerter = notify.NewLogAlerter(e.logger)
	}
	return e
}

// SampleAndAlert takes one telemetry sample, feeds the history, raises a
// memory alert when due and runs an automatic optimize when due.
func (e *Engine) SampleAndAlert(ctx context.Context) Tick {
	cfg := e.settings.Get()
	tick := Tick{Timestamp: e.now()}

	tctx, cancel := context.WithTimeout(ctx, e.telemetryTimeout)
	info, err := e.probe.MemoryInfo(tctx)
	procs, perr := e.probe.Processes(tctx)
	cancel()

	if perr != nil {
		e.logger.Debug("process snapshot unavailable", "error", perr)
		procs = []memory.Process{}
	}
	tick.Processes = procs

	if err != nil {
		e.logger.Debug("memory info unavailable", "error", err)
		return tick
	}
	tick.Available = true
	tick.Memory = info

	tick.Recorded = e.history.Append(history.Sample{
		Timestamp:    tick.Timestamp,
		UsagePercent: info.UsagePercent,
		UsedBytes:    info.UsedBytes,
		FreeBytes:    info.FreeBytes,
	})

	if info.UsagePercent >= cfg.AlertThreshold {
		tick.Alerted = e.maybeAlert(tick.Timestamp, info.UsagePercent, cfg)
	}

	if cfg.AutoOptimize && info.UsagePercent >= cfg.MemoryThreshold {
		tick.Report = e.autoOptimize(ctx)
	}
	return tick
}

func (e *Engine) maybeAlert(now time.Time, usage int, cfg settings.Settings) bool {
	e.mu.Lock()
	if !e.lastAlert.IsZero() && now.Sub(e.lastAlert) < AlertCooldown {
		e.mu.Unlock()
		return false
	}
	e.lastAlert = now
	e.mu.Unlock()

	e.alerter.Raise(fmt.Sprintf("Memory usage is at %d%%.", usage), notify.Options{
		Tray:  cfg.AlertTray,
		Sound: cfg.AlertSound,
	})
	return true
}

//autoOptimize skips when a run is already in flight and re-checks the cooldown once it holds the run lock
func (e *Engine) autoOptimize(ctx context.Context) *Report {
	if !e.runMu.TryLock() {
		e.logger.Debug("optimize already running, skipping auto trigger")
		return nil
	}
	defer e.runMu.Unlock()

	cfg := e.settings.Get()
	cooldown := time.Duration(cfg.Cooldown) * time.Minute
	e.mu.Lock()
	last := e.lastOptimize
	e.mu.Unlock()
	if !last.IsZero() && e.now().Sub(last) < cooldown {
		return nil
	}

	e.logger.Info("auto optimize triggered", "threshold", cfg.MemoryThreshold)
	report := e.optimize(ctx)
	return &report
}

// OptimizeAll trims every eligible process in a fresh snapshot. It blocks
// while another run is in progress.
func (e *Engine) OptimizeAll(ctx context.Context) Report {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.optimize(ctx)
}

func (e *Engine) optimize(ctx context.Context) Report {
	cfg := e.settings.Get()

	tctx, cancel := context.WithTimeout(ctx, e.telemetryTimeout)
	procs, err := e.probe.Processes(tctx)
	cancel()
	if err != nil {
		e.logger.Warn("process snapshot failed, nothing to optimize", "error", err)
	}

	report := Report{Results: []ProcessResult{}}
	candidates := Candidates(procs, cfg)
	for _, p := range candidates {
		res := e.TrimOne(ctx, p.PID)
		if !res.Success || res.FreedMB <= 0 {
			continue
		}
		report.TotalFreedMB += res.FreedMB
		report.ProcessedCount++
		report.Results = append(report.Results, ProcessResult{
			Name:     p.Name,
			PID:      p.PID,
			FreedMB:  res.FreedMB,
			BeforeMB: res.BeforeMB,
			AfterMB:  res.AfterMB,
		})
	}

	//a run that did nothing still starts the cooldown
	report.Timestamp = e.now()
	e.mu.Lock()
	e.lastOptimize = report.Timestamp
	e.mu.Unlock()

	e.history.AppendEvent(history.OptimizeEvent{
		Timestamp:    report.Timestamp,
		TotalFreedMB: report.TotalFreedMB,
		ProcessCount: report.ProcessedCount,
	})
	e.record(ctx, report)

	e.logger.Info("optimize complete",
		"candidates", len(candidates),
		"processed", report.ProcessedCount,
		"freed_mb", fmt.Sprintf("%.1f", report.TotalFreedMB),
	)
	return report
}

func (e *Engine) record(ctx context.Context, report Report) {
	if e.journal == nil {
		return
	}
	payload, err := sonic.ConfigStd.Marshal(report)
	if err != nil {
		e.logger.Warn("journal: encode report failed", "error", err)
		return
	}
	err = e.journal.AppendRun(ctx, database.Run{
		Date:         report.Timestamp,
		FreedMB:      report.TotalFreedMB,
		ProcessCount: report.ProcessedCount,
		Payload:      payload,
	})
	if err != nil {
		e.logger.Warn("journal: append failed", "error", err)
	}
}

// TrimOne trims a single process within the trim timeout. Every failure,
// whatever its cause, comes back as an unsuccessful zero result. A trim that
// timed out keeps running in the background; the next TrimOne waits for it
// before starting, so at most one trim is ever in flight.
func (e *Engine) TrimOne(ctx context.Context, pid uint32) memory.TrimResult {
	tctx, cancel := context.WithTimeout(ctx, e.trimTimeout)
	defer cancel()

	done, ok := e.claimTrim(tctx)
	if !ok {
		e.logger.Debug("trim skipped, previous trim still running", "pid", pid)
		return memory.TrimResult{}
	}

	resc := make(chan memory.TrimResult, 1)
	go func() {
		defer close(done)
		resc <- e.probe.Trim(tctx, pid)
	}()

	var res memory.TrimResult
	select {
	case res = <-resc:
	case <-tctx.Done():
		e.logger.Debug("trim timed out", "pid", pid, "error", tctx.Err())
		return memory.TrimResult{}
	}
	if !res.Success {
		return memory.TrimResult{}
	}
	if res.FreedMB < 0 {
		res.FreedMB = 0
	}
	return res
}

//claimTrim waits for the previous trim to return, then registers a new one
func (e *Engine) claimTrim(ctx context.Context) (chan struct{}, bool) {
	for {
		e.trimMu.Lock()
		prev := e.trimDone
		idle := prev == nil
		if !idle {
			select {
			case <-prev:
				idle = true
			default:
			}
		}
		if idle {
			done := make(chan struct{})
			e.trimDone = done
			e.trimMu.Unlock()
			return done, true
		}
		e.trimMu.Unlock()

		select {
		case <-prev:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// LastOptimize returns when the last run finished, zero if none has.
func (e *Engine) LastOptimize() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOptimize
}

// Candidates filters a snapshot down to the processes an optimize run would
// trim: not blacklisted, not a reserved pid, and at least MinProcessSize MB.
func Candidates(procs []memory.Process, cfg settings.Settings) []memory.Process {
	out := make([]memory.Process, 0, len(procs))
	for _, p := range procs {
		if cfg.Blacklisted(p.Name) {
			continue
		}
		if p.PID <= ReservedPID {
			continue
		}
		if p.MemoryMB < float64(cfg.MinProcessSize) {
			continue
		}
		out = append(out, p)
	}
	return out
}

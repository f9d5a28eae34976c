package scheduler

import (
	"context"
	"fmt"

	"github.com/l3lackShark/memoptimizer/database"
	"github.com/l3lackShark/memoptimizer/history"
	"github.com/l3lackShark/memoptimizer/memory"
	"github.com/l3lackShark/memoptimizer/optimizer"
	"github.com/l3lackShark/memoptimizer/settings"
	"github.com/l3lackShark/memoptimizer/startup"
)

// GetMemoryInfo returns the current memory picture. ok is false when the
// probe could not produce one.
func (s *Service) GetMemoryInfo(ctx context.Context) (info memory.Info, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, s.telemetryTimeout)
	defer cancel()

	info, err := s.deps.Probe.MemoryInfo(ctx)
	if err != nil {
		s.logger.Debug("memory info unavailable", "error", err)
		return memory.Info{}, false
	}
	return info, true
}

// GetProcessList returns the top processes by working set, empty on failure.
func (s *Service) GetProcessList(ctx context.Context) []memory.Process {
	ctx, cancel := context.WithTimeout(ctx, s.telemetryTimeout)
	defer cancel()

	procs, err := s.deps.Probe.Processes(ctx)
	if err != nil {
		s.logger.Debug("process snapshot unavailable", "error", err)
		return []memory.Process{}
	}
	return procs
}

func (s *Service) GetCPUUsage(ctx context.Context) (percent int, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, s.telemetryTimeout)
	defer cancel()

	percent, err := s.deps.Probe.CPUUsage(ctx)
	if err != nil {
		s.logger.Debug("cpu usage unavailable", "error", err)
		return 0, false
	}
	return percent, true
}

func (s *Service) TrimProcess(ctx context.Context, pid uint32) memory.TrimResult {
	return s.deps.Engine.TrimOne(ctx, pid)
}

func (s *Service) OptimizeAll(ctx context.Context) optimizer.Report {
	return s.deps.Engine.OptimizeAll(ctx)
}

func (s *Service) GetSettings() settings.Settings {
	return s.deps.Settings.Get()
}

// SaveSettings applies a patch and persists it before returning. On error
// the previous settings stay in effect.
func (s *Service) SaveSettings(patch map[string]any) (settings.Settings, error) {
	next, err := s.deps.Settings.Update(patch)
	if err != nil {
		s.logger.Error("settings not saved", "error", err)
		return s.deps.Settings.Get(), fmt.Errorf("save settings: %w", err)
	}
	s.logger.Info("settings saved", "keys", len(patch))
	return next, nil
}

func (s *Service) GetHistory(r history.Range) history.Window {
	return s.deps.History.Query(r, s.now())
}

func (s *Service) GetStartupPrograms(ctx context.Context) []startup.MergedEntry {
	if s.deps.Startup == nil {
		return []startup.MergedEntry{}
	}
	return s.deps.Startup.List(ctx)
}

func (s *Service) ToggleStartup(ctx context.Context, id string, enable bool) startup.Result {
	if s.deps.Startup == nil {
		return startup.Result{Message: "Startup management is unavailable."}
	}
	return s.deps.Startup.Toggle(ctx, id, enable)
}

// RecentRuns returns the newest optimize runs from the journal.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]database.Run, error) {
	if s.deps.Runs == nil {
		return nil, nil
	}
	runs, err := s.deps.Runs.RecentRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("RecentRuns(): %w", err)
	}
	return runs, nil
}

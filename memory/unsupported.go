//go:build !windows

package memory

import (
	"context"
	"io"
	"log/slog"
)

type probe struct {
	logger *slog.Logger
}

// New returns a probe that reports every capability as unavailable.
func New(logger *slog.Logger) Probe {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &probe{logger: logger}
}

func (p *probe) MemoryInfo(context.Context) (Info, error) { return Info{}, ErrUnsupported }

func (p *probe) Processes(context.Context) ([]Process, error) { return nil, ErrUnsupported }

func (p *probe) Trim(_ context.Context, pid uint32) TrimResult {
	p.logger.Debug("trim unavailable on this platform", "pid", pid)
	return TrimResult{}
}

func (p *probe) CPUUsage(context.Context) (int, error) { return 0, ErrUnsupported }

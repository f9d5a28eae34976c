package memory

import (
	"context"
	"errors"
	"time"
)

const (
	// MaxProcesses caps a snapshot to the largest processes by resident memory.
	MaxProcesses = 50

	bytesPerMB = 1024 * 1024
)

// ErrUnsupported is returned by probes on platforms without a working-set API.
var ErrUnsupported = errors.New("memory: unsupported platform")

type (
	// Probe is the telemetry and trim capability the core depends on.
	Probe interface {
		// MemoryInfo returns a point-in-time view of physical memory.
		MemoryInfo(ctx context.Context) (Info, error)
		// Processes returns the top MaxProcesses processes ranked by resident memory.
		Processes(ctx context.Context) ([]Process, error)
		// Trim empties the working set of a single process. It never returns an error;
		// every failure collapses to TrimResult{Success: false}.
		Trim(ctx context.Context, pid uint32) TrimResult
		// CPUUsage returns the whole-system CPU load in percent.
		CPUUsage(ctx context.Context) (int, error)
	}

	Info struct {
		TotalBytes   uint64 `json:"total"`
		UsedBytes    uint64 `json:"used"`
		FreeBytes    uint64 `json:"free"`
		UsagePercent int    `json:"usagePercent"`
	}

	//PIDs get reused by the OS, a Process is only meaningful within the snapshot it came from
	Process struct {
		PID        uint32  `json:"pid"`
		Name       string  `json:"name"`
		MemoryMB   float64 `json:"memoryMB"`
		CPUSeconds float64 `json:"cpu"`
		SessionID  uint32  `json:"sessionID"`
		User       string  `json:"user,omitempty"`
	}

	TrimResult struct {
		Success  bool    `json:"success"`
		FreedMB  float64 `json:"freed"`
		BeforeMB float64 `json:"before"`
		AfterMB  float64 `json:"after"`
	}
)

// NewInfo derives used bytes and the rounded usage percentage from totals.
func NewInfo(total, free uint64) Info {
	if free > total {
		free = total
	}
	info := Info{TotalBytes: total, FreeBytes: free, UsedBytes: total - free}
	if total > 0 {
		info.UsagePercent = int(float64(info.UsedBytes)/float64(total)*100 + 0.5)
	}
	return info
}

// NewTrimResult computes the freed amount for a successful trim.
func NewTrimResult(beforeMB, afterMB float64) TrimResult {
	freed := beforeMB - afterMB
	if freed < 0 {
		freed = 0
	}
	return TrimResult{Success: true, FreedMB: freed, BeforeMB: beforeMB, AfterMB: afterMB}
}

// ToMB converts a byte count to megabytes rounded to one decimal place.
func ToMB(bytes uint64) float64 {
	return float64(int64(float64(bytes)/bytesPerMB*10+0.5)) / 10
}

// CPUPercent turns an idle/total time delta into a 0-100 load figure.
func CPUPercent(idle, total time.Duration) int {
	if total <= 0 {
		return 0
	}
	pct := int((1-float64(idle)/float64(total))*100 + 0.5)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

package memory_test

import (
	"testing"
	"time"

	"github.com/l3lackShark/memoptimizer/memory"
	"github.com/stretchr/testify/assert"
)

func TestNewInfo(t *testing.T) {
	info := memory.NewInfo(16*1024*1024*1024, 4*1024*1024*1024)
	assert.Equal(t, uint64(12*1024*1024*1024), info.UsedBytes)
	assert.Equal(t, 75, info.UsagePercent)

	empty := memory.NewInfo(0, 0)
	assert.Equal(t, 0, empty.UsagePercent)

	//free larger than total is clamped rather than wrapping
	clamped := memory.NewInfo(100, 200)
	assert.Equal(t, uint64(0), clamped.UsedBytes)
	assert.Equal(t, 0, clamped.UsagePercent)
}

func TestNewTrimResult(t *testing.T) {
	res := memory.NewTrimResult(300, 120.5)
	assert.True(t, res.Success)
	assert.InDelta(t, 179.5, res.FreedMB, 0.001)

	grew := memory.NewTrimResult(100, 140)
	assert.True(t, grew.Success)
	assert.Zero(t, grew.FreedMB)
}

func TestToMB(t *testing.T) {
	assert.Equal(t, 1.0, memory.ToMB(1024*1024))
	assert.Equal(t, 1.5, memory.ToMB(1536*1024))
	assert.Equal(t, 0.0, memory.ToMB(0))
}

func TestCPUPercent(t *testing.T) {
	assert.Equal(t, 25, memory.CPUPercent(750*time.Millisecond, time.Second))
	assert.Equal(t, 0, memory.CPUPercent(time.Second, time.Second))
	assert.Equal(t, 0, memory.CPUPercent(0, 0))
	assert.Equal(t, 100, memory.CPUPercent(0, time.Second))
}

package history_test

import (
	"testing"
	"time"

	"github.com/l3lackShark/memoptimizer/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(t time.Time, usage int) history.Sample {
	return history.Sample{Timestamp: t, UsagePercent: usage}
}

func TestAppendNeverExceedsCapacity(t *testing.T) {
	buf := history.New()
	for i := 0; i < history.Capacity+120; i++ {
		require.True(t, buf.Append(sampleAt(epoch.Add(time.Duration(i)*history.SampleInterval), i%100)))
		assert.LessOrEqual(t, buf.Len(), history.Capacity)
	}
	assert.Equal(t, history.Capacity, buf.Len())

	//the 120 oldest samples were evicted, exactly
	w := buf.Query(history.Range24h, epoch.Add(time.Duration(history.Capacity+119)*history.SampleInterval))
	require.NotEmpty(t, w.Samples)
	first := w.Samples[0].Timestamp
	assert.True(t, !first.Before(epoch.Add(120*history.SampleInterval)))
}

func TestAppendFromFastPoll(t *testing.T) {
	buf := history.New()
	stored := 0
	//ten minutes of a 3s poll cadence
	for i := 0; i <= 200; i++ {
		if buf.Append(sampleAt(epoch.Add(time.Duration(i)*3*time.Second), 50)) {
			stored++
		}
	}
	assert.Equal(t, 21, stored)

	w := buf.Query(history.Range1h, epoch.Add(10*time.Minute))
	require.Len(t, w.Samples, 21)
	for i := 1; i < len(w.Samples); i++ {
		gap := w.Samples[i].Timestamp.Sub(w.Samples[i-1].Timestamp)
		assert.GreaterOrEqual(t, gap, history.SampleInterval)
	}
}

func TestAppendRejectsOlderSample(t *testing.T) {
	buf := history.New()
	require.True(t, buf.Append(sampleAt(epoch, 10)))
	assert.False(t, buf.Append(sampleAt(epoch.Add(-time.Hour), 20)))
	assert.Equal(t, 1, buf.Len())

	latest, ok := buf.Latest()
	require.True(t, ok)
	assert.Equal(t, 10, latest.UsagePercent)
}

func TestSmallCapacityEvictsFIFO(t *testing.T) {
	buf := history.NewWithCapacity(3, time.Second)
	for i := 0; i < 5; i++ {
		buf.Append(sampleAt(epoch.Add(time.Duration(i)*time.Second), i))
	}
	w := buf.Query(history.Range1h, epoch.Add(5*time.Second))
	require.Len(t, w.Samples, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{w.Samples[0].UsagePercent, w.Samples[1].UsagePercent, w.Samples[2].UsagePercent})
}

func TestQueryRanges(t *testing.T) {
	buf := history.New()
	now := epoch.Add(48 * time.Hour)
	points := []time.Duration{30 * time.Hour, 20 * time.Hour, 5 * time.Hour, 90 * time.Minute, 30 * time.Minute, 0}
	for _, ago := range points {
		require.True(t, buf.Append(sampleAt(now.Add(-ago), 1)))
	}
	buf.AppendEvent(history.OptimizeEvent{Timestamp: now.Add(-2 * time.Hour), TotalFreedMB: 10, ProcessCount: 1})
	buf.AppendEvent(history.OptimizeEvent{Timestamp: now.Add(-10 * time.Minute), TotalFreedMB: 20, ProcessCount: 2})

	cases := []struct {
		r       history.Range
		samples int
		events  int
	}{
		{history.Range1h, 2, 1},
		{history.Range6h, 4, 2},
		{history.Range24h, 5, 2},
		{history.Range("bogus"), 2, 1},
		{history.Range(""), 2, 1},
	}
	for _, tc := range cases {
		w := buf.Query(tc.r, now)
		assert.Len(t, w.Samples, tc.samples, "range %q", tc.r)
		assert.Len(t, w.Events, tc.events, "range %q", tc.r)
	}
}

func TestQueryEmptyIsNotNil(t *testing.T) {
	w := history.New().Query(history.Range1h, epoch)
	assert.NotNil(t, w.Samples)
	assert.NotNil(t, w.Events)
}

func TestEventRingCap(t *testing.T) {
	buf := history.New()
	for i := 0; i < history.EventCapacity+5; i++ {
		buf.AppendEvent(history.OptimizeEvent{Timestamp: epoch.Add(time.Duration(i) * time.Second), ProcessCount: i})
	}
	w := buf.Query(history.Range1h, epoch.Add(time.Hour))
	require.Len(t, w.Events, history.EventCapacity)
	assert.Equal(t, 5, w.Events[0].ProcessCount)
	assert.Equal(t, history.EventCapacity+4, w.Events[len(w.Events)-1].ProcessCount)
}

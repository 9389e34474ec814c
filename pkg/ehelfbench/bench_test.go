package ehelfbench

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsAveragesAcrossMeasures(t *testing.T) {
	b := New()
	b.AddMeasure(4, 40*time.Millisecond)
	b.AddMeasure(6, 60*time.Millisecond)

	s := b.Stats()
	assert.Equal(t, 10, s.TotalFrames)
	assert.Equal(t, 100*time.Millisecond, s.Total)
	assert.Equal(t, 5.0, s.AvgFramesPerWalk)
	assert.Equal(t, 10*time.Millisecond, s.AvgTimePerFrame)
}

func TestStatsEmpty(t *testing.T) {
	s := New().Stats()
	assert.Equal(t, 0, s.TotalFrames)
	assert.Equal(t, time.Duration(0), s.AvgTimePerFrame)
}

func TestMeasureRecordsCallerReportedFrameCount(t *testing.T) {
	b := New()
	b.Measure(func() int { return 3 })
	require.Len(t, b.measures, 1)
	assert.Equal(t, 3, b.measures[0].frames)
}

func TestFormatOutputWritesSummary(t *testing.T) {
	b := New()
	b.AddMeasure(2, 20*time.Millisecond)
	var buf bytes.Buffer
	require.NoError(t, b.FormatOutput(&buf))
	assert.Contains(t, buf.String(), "Total frames:      2")
}

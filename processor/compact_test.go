//go:build unit
// +build unit

package processor

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSeries(name string, values ...float64) Series {
	points := make([]model.SamplePair, len(values))
	for i, v := range values {
		points[i] = model.SamplePair{Timestamp: model.Time(i * 1000), Value: model.SampleValue(v)}
	}
	return Series{
		Labels: model.Metric{"__name__": model.LabelValue(name)},
		Points: points,
	}
}

func rampSeries(name string, n int) Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	return makeSeries(name, values...)
}

func TestCompactLeavesSmallResultsAlone(t *testing.T) {
	res := QueryResult{Series: []Series{makeSeries("up", 1, 1, 1)}}
	out := Compact(res, DefaultCompactLimits)
	assert.Empty(t, out.Applied)
	assert.Len(t, out.Series, 1)
	assert.Len(t, out.Series[0].Points, 3)
	assert.Zero(t, out.DroppedSeries)
	assert.False(t, out.Truncated)
}

func TestCompactDownsamplesLongSeries(t *testing.T) {
	res := QueryResult{Series: []Series{rampSeries("requests", 400)}}
	out := Compact(res, CompactLimits{MaxPointsPerSeries: 100})
	require.Len(t, out.Series, 1)
	points := out.Series[0].Points

	assert.Len(t, points, 100)
	assert.Equal(t, model.SampleValue(0), points[0].Value, "first point must survive")
	assert.Equal(t, model.SampleValue(399), points[len(points)-1].Value, "last point must survive")
	for i := 1; i < len(points); i++ {
		assert.True(t, points[i-1].Timestamp < points[i].Timestamp, "order must be preserved")
	}
	assert.Contains(t, out.Applied, "downsample")
}

func TestCompactDeduplicatesIdenticalLabelSets(t *testing.T) {
	res := QueryResult{Series: []Series{
		makeSeries("up", 1, 2, 3),
		makeSeries("up", 9, 9, 9),
		makeSeries("down", 4, 5),
	}}
	out := Compact(res, DefaultCompactLimits)
	require.Len(t, out.Series, 2)
	// First occurrence wins.
	assert.Equal(t, model.SampleValue(1), out.Series[0].Points[0].Value)
	assert.Contains(t, out.Applied, "dedupe")
}

func TestCompactDropsLowestVarianceSeries(t *testing.T) {
	res := QueryResult{Series: []Series{
		makeSeries("flat_a", 5, 5, 5, 5),
		makeSeries("spiky", 0, 100, 0, 100),
		makeSeries("flat_b", 2, 2, 2, 2),
		makeSeries("wavy", 0, 10, 0, 10),
	}}
	out := Compact(res, CompactLimits{MaxSeries: 2})
	require.Len(t, out.Series, 2)
	assert.Equal(t, 2, out.DroppedSeries)
	// The two high-variance series survive, in their original order.
	assert.Equal(t, model.LabelValue("spiky"), out.Series[0].Labels["__name__"])
	assert.Equal(t, model.LabelValue("wavy"), out.Series[1].Labels["__name__"])
	assert.Contains(t, out.Applied, "drop-series")
}

func TestCompactVarianceTieKeepsFirstSeen(t *testing.T) {
	res := QueryResult{Series: []Series{
		makeSeries("first", 0, 10),
		makeSeries("second", 0, 10),
		makeSeries("third", 0, 10),
	}}
	out := Compact(res, CompactLimits{MaxSeries: 2})
	require.Len(t, out.Series, 2)
	assert.Equal(t, model.LabelValue("first"), out.Series[0].Labels["__name__"])
	assert.Equal(t, model.LabelValue("second"), out.Series[1].Labels["__name__"])
}

func makeStream(app string, start time.Time, n int) LogStream {
	stream := LogStream{Labels: model.Metric{"app": model.LabelValue(app)}}
	for i := 0; i < n; i++ {
		stream.Lines = append(stream.Lines, LogLine{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Line:      fmt.Sprintf("%s line %d", app, i),
		})
	}
	return stream
}

func TestCompactCapsLogLinesAcrossStreams(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	res := QueryResult{Streams: []LogStream{
		makeStream("old", base, 60),
		makeStream("new", base.Add(time.Hour), 60),
	}}
	out := Compact(res, CompactLimits{MaxLogLines: 80})

	total := 0
	for _, s := range out.Streams {
		total += len(s.Lines)
		for i := 1; i < len(s.Lines); i++ {
			assert.True(t, s.Lines[i-1].Timestamp.Before(s.Lines[i].Timestamp), "within-stream order preserved")
		}
	}
	assert.Equal(t, 80, total)
	assert.True(t, out.Truncated)
	assert.Contains(t, out.Applied, "log-tail")

	// The oldest lines go first: the newer stream keeps everything.
	for _, s := range out.Streams {
		if s.Labels["app"] == "new" {
			assert.Len(t, s.Lines, 60)
		} else {
			assert.Len(t, s.Lines, 20)
		}
	}
}

func TestCompactRemovesEmptiedStreams(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	res := QueryResult{Streams: []LogStream{
		makeStream("old", base, 10),
		makeStream("new", base.Add(time.Hour), 10),
	}}
	out := Compact(res, CompactLimits{MaxLogLines: 10})
	require.Len(t, out.Streams, 1)
	assert.Equal(t, model.LabelValue("new"), out.Streams[0].Labels["app"])
}

func TestCompactZeroLimitsUseDefaults(t *testing.T) {
	res := QueryResult{Series: []Series{rampSeries("requests", 300)}}
	out := Compact(res, CompactLimits{})
	require.Len(t, out.Series, 1)
	assert.Len(t, out.Series[0].Points, DefaultCompactLimits.MaxPointsPerSeries)
}

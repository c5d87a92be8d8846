package processor

import (
	"math"
	"time"

	"github.com/prometheus/common/model"
)

// Series is one metric time series from a Prometheus-style response.
type Series struct {
	Labels model.Metric       `json:"labels"`
	Points []model.SamplePair `json:"points"`
}

// LogLine is one log record from a Loki-style response.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// LogStream groups log lines sharing a label set.
type LogStream struct {
	Labels model.Metric `json:"labels"`
	Lines  []LogLine    `json:"lines"`
}

// QueryResult is the raw decoded payload of a datasource query, before
// compaction.
type QueryResult struct {
	Series  []Series
	Streams []LogStream
}

// CompactedResult is a size-bounded transform of a QueryResult. Point
// order within a kept series is always preserved and no values are
// fabricated; compaction only removes or resamples.
type CompactedResult struct {
	Series        []Series    `json:"series,omitempty"`
	Streams       []LogStream `json:"streams,omitempty"`
	DroppedSeries int         `json:"droppedSeries,omitempty"`
	Truncated     bool        `json:"truncated,omitempty"`
	Applied       []string    `json:"compaction,omitempty"`
}

// CompactLimits bounds the size of a compacted result. Zero fields
// fall back to the defaults.
type CompactLimits struct {
	MaxPointsPerSeries int
	MaxSeries          int
	MaxLogLines        int
}

// DefaultCompactLimits are the limits used when the caller does not
// override them.
var DefaultCompactLimits = CompactLimits{
	MaxPointsPerSeries: 200,
	MaxSeries:          20,
	MaxLogLines:        100,
}

func (l CompactLimits) withDefaults() CompactLimits {
	if l.MaxPointsPerSeries <= 0 {
		l.MaxPointsPerSeries = DefaultCompactLimits.MaxPointsPerSeries
	}
	if l.MaxSeries <= 0 {
		l.MaxSeries = DefaultCompactLimits.MaxSeries
	}
	if l.MaxLogLines <= 0 {
		l.MaxLogLines = DefaultCompactLimits.MaxLogLines
	}
	return l
}

// Compact shrinks a raw query result to fit the given limits. The
// strategies are applied in order and each one that fired is recorded
// in Applied: duplicate label sets are dropped, long series are
// downsampled keeping their first and last points, excess series are
// dropped keeping the highest-variance ones, and log lines are capped
// to the most recent.
func Compact(res QueryResult, limits CompactLimits) CompactedResult {
	limits = limits.withDefaults()
	out := CompactedResult{}

	seen := make(map[model.Fingerprint]struct{}, len(res.Series))
	for _, s := range res.Series {
		fp := s.Labels.Fingerprint()
		if _, dup := seen[fp]; dup {
			appendApplied(&out, "dedupe")
			continue
		}
		seen[fp] = struct{}{}
		out.Series = append(out.Series, s)
	}

	for i, s := range out.Series {
		if len(s.Points) > limits.MaxPointsPerSeries {
			out.Series[i].Points = downsample(s.Points, limits.MaxPointsPerSeries)
			appendApplied(&out, "downsample")
		}
	}

	if len(out.Series) > limits.MaxSeries {
		dropped := len(out.Series) - limits.MaxSeries
		out.Series = keepMostVariable(out.Series, limits.MaxSeries)
		out.DroppedSeries = dropped
		appendApplied(&out, "drop-series")
	}

	out.Streams = res.Streams
	if total := totalLines(out.Streams); total > limits.MaxLogLines {
		out.Streams = tailLines(out.Streams, limits.MaxLogLines)
		out.Truncated = true
		appendApplied(&out, "log-tail")
	}

	return out
}

func appendApplied(out *CompactedResult, strategy string) {
	for _, s := range out.Applied {
		if s == strategy {
			return
		}
	}
	out.Applied = append(out.Applied, strategy)
}

// downsample resamples a series to exactly max points by a fixed
// stride, always keeping the first and last original points. Order is
// preserved.
func downsample(points []model.SamplePair, max int) []model.SamplePair {
	if len(points) <= max {
		return points
	}
	if max == 1 {
		return points[:1]
	}
	out := make([]model.SamplePair, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	prev := -1
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * step))
		if idx <= prev {
			idx = prev + 1
		}
		if idx > len(points)-1 {
			idx = len(points) - 1
		}
		out = append(out, points[idx])
		prev = idx
	}
	return out
}

// keepMostVariable keeps the max series with the highest value
// variance. Ties keep their response order; the kept series retain
// their relative order.
func keepMostVariable(series []Series, max int) []Series {
	type ranked struct {
		idx      int
		variance float64
	}
	rs := make([]ranked, len(series))
	for i, s := range series {
		rs[i] = ranked{idx: i, variance: variance(s.Points)}
	}
	// Stable selection: repeatedly take the highest variance,
	// first-seen wins ties.
	kept := make([]bool, len(series))
	for n := 0; n < max; n++ {
		best := -1
		for _, r := range rs {
			if kept[r.idx] {
				continue
			}
			if best == -1 || r.variance > rs[best].variance {
				best = r.idx
			}
		}
		kept[best] = true
	}
	out := make([]Series, 0, max)
	for i, keep := range kept {
		if keep {
			out = append(out, series[i])
		}
	}
	return out
}

func variance(points []model.SamplePair) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range points {
		sum += float64(p.Value)
	}
	mean := sum / float64(len(points))
	var sq float64
	for _, p := range points {
		d := float64(p.Value) - mean
		sq += d * d
	}
	return sq / float64(len(points))
}

func totalLines(streams []LogStream) int {
	n := 0
	for _, s := range streams {
		n += len(s.Lines)
	}
	return n
}

// tailLines drops the oldest lines across all streams until at most
// max remain, preferring the most recent. Line order within each
// stream is preserved; streams left empty are removed.
func tailLines(streams []LogStream, max int) []LogStream {
	trimmed := make([]LogStream, len(streams))
	for i, s := range streams {
		lines := make([]LogLine, len(s.Lines))
		copy(lines, s.Lines)
		trimmed[i] = LogStream{Labels: s.Labels, Lines: lines}
	}
	total := totalLines(trimmed)
	for total > max {
		oldest := -1
		for i, s := range trimmed {
			if len(s.Lines) == 0 {
				continue
			}
			if oldest == -1 || s.Lines[0].Timestamp.Before(trimmed[oldest].Lines[0].Timestamp) {
				oldest = i
			}
		}
		trimmed[oldest].Lines = trimmed[oldest].Lines[1:]
		total--
	}
	out := trimmed[:0]
	for _, s := range trimmed {
		if len(s.Lines) > 0 {
			out = append(out, s)
		}
	}
	return out
}

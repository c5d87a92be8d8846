package processor

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"
)

// The /api/ds/query wire format. Grafana answers every datasource
// query with a map of refId to data frames; each frame carries a field
// schema and column-oriented values.

type dsQueryRequest struct {
	Queries []dsQuery `json:"queries"`
	From    string    `json:"from"`
	To      string    `json:"to"`
}

type dsQuery struct {
	RefID         string `json:"refId"`
	Expr          string `json:"expr"`
	Datasource    dsRef  `json:"datasource"`
	Range         bool   `json:"range"`
	Instant       bool   `json:"instant,omitempty"`
	EditorMode    string `json:"editorMode,omitempty"`
	LegendFormat  string `json:"legendFormat,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	UTCOffsetSec  int    `json:"utcOffsetSec"`
	Interval      string `json:"interval"`
	IntervalMs    int64  `json:"intervalMs,omitempty"`
	MaxDataPoints int64  `json:"maxDataPoints,omitempty"`
	MaxLines      int    `json:"maxLines,omitempty"`
}

type dsRef struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

type dsQueryResponse struct {
	Results map[string]dsQueryResult `json:"results"`
}

type dsQueryResult struct {
	Error  string  `json:"error,omitempty"`
	Frames []frame `json:"frames"`
}

type frame struct {
	Schema frameSchema `json:"schema"`
	Data   frameData   `json:"data"`
}

type frameSchema struct {
	Name   string       `json:"name"`
	Fields []frameField `json:"fields"`
}

type frameField struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
}

type frameData struct {
	Values []json.RawMessage `json:"values"`
}

const (
	defaultIntervalMs    = 30000
	defaultMaxDataPoints = 1000
)

// queryRange dispatches one expression against a datasource that has
// already been resolved, decodes the response frames and compacts the
// result. Loki datasources yield log streams, everything else metric
// series.
func (g *Grafana) queryRange(ctx context.Context, dsType, dsUID, expr string, tr TimeRange, stepSeconds, maxLines int) (*CompactedResult, error) {
	instant := tr.Start.Equal(tr.End)
	q := dsQuery{
		RefID:        "A",
		Expr:         expr,
		Datasource:   dsRef{Type: dsType, UID: dsUID},
		Range:        !instant,
		Instant:      instant,
		EditorMode:   "code",
		LegendFormat: "__auto",
		RequestID:    uuid.NewString(),
	}
	isLoki := strings.Contains(strings.ToLower(dsType), "loki")
	if isLoki {
		q.MaxLines = maxLines
	} else {
		q.IntervalMs = defaultIntervalMs
		if stepSeconds > 0 {
			q.IntervalMs = int64(stepSeconds) * 1000
		}
		q.MaxDataPoints = defaultMaxDataPoints
	}
	payload := dsQueryRequest{
		Queries: []dsQuery{q},
		From:    formatEpochMs(tr.Start),
		To:      formatEpochMs(tr.End),
	}
	body, err := g.post(ctx, "/api/ds/query", payload)
	if err != nil {
		return nil, err
	}
	result, err := decodeQueryResult(body, isLoki)
	if err != nil {
		return nil, err
	}
	limits := g.limits
	if isLoki && maxLines > 0 {
		limits.MaxLogLines = maxLines
	}
	compacted := Compact(*result, limits)
	return &compacted, nil
}

func formatEpochMs(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeQueryResult(body []byte, isLoki bool) (*QueryResult, error) {
	var resp dsQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, wrapError(KindResponseParseError, err, "decoding query response: %v", err)
	}
	out := &QueryResult{}
	for _, result := range resp.Results {
		if result.Error != "" {
			return nil, newError(KindGrafanaAPIError, "query failed: %s", result.Error)
		}
		for _, f := range result.Frames {
			if isLoki {
				stream, err := decodeLogFrame(f)
				if err != nil {
					return nil, err
				}
				if stream != nil {
					out.Streams = append(out.Streams, *stream)
				}
				continue
			}
			series, err := decodeSeriesFrames(f)
			if err != nil {
				return nil, err
			}
			out.Series = append(out.Series, series...)
		}
	}
	return out, nil
}

// decodeSeriesFrames reads the wide frame layout: one time field
// followed by one number field per series, labels on the number field.
func decodeSeriesFrames(f frame) ([]Series, error) {
	timeIdx := -1
	for i, field := range f.Schema.Fields {
		if field.Type == "time" {
			timeIdx = i
			break
		}
	}
	if timeIdx == -1 || timeIdx >= len(f.Data.Values) {
		return nil, nil
	}
	var timestamps []int64
	if err := json.Unmarshal(f.Data.Values[timeIdx], &timestamps); err != nil {
		return nil, wrapError(KindResponseParseError, err, "decoding frame timestamps: %v", err)
	}
	var out []Series
	for i, field := range f.Schema.Fields {
		if field.Type != "number" || i >= len(f.Data.Values) {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(f.Data.Values[i], &values); err != nil {
			return nil, wrapError(KindResponseParseError, err, "decoding frame values: %v", err)
		}
		labels := make(model.Metric, len(field.Labels))
		for k, v := range field.Labels {
			labels[model.LabelName(k)] = model.LabelValue(v)
		}
		if field.Name != "" && field.Name != "Value" && len(labels) == 0 {
			labels[model.MetricNameLabel] = model.LabelValue(field.Name)
		}
		points := make([]model.SamplePair, 0, len(values))
		for j, v := range values {
			if v == nil || j >= len(timestamps) {
				continue
			}
			points = append(points, model.SamplePair{
				Timestamp: model.Time(timestamps[j]),
				Value:     model.SampleValue(*v),
			})
		}
		out = append(out, Series{Labels: labels, Points: points})
	}
	return out, nil
}

// decodeLogFrame reads a Loki frame: a time field, a Line string
// field, and stream labels either on the Line field or in a dedicated
// labels field.
func decodeLogFrame(f frame) (*LogStream, error) {
	timeIdx, lineIdx, labelsIdx := -1, -1, -1
	for i, field := range f.Schema.Fields {
		switch {
		case field.Type == "time" && timeIdx == -1:
			timeIdx = i
		case field.Name == "Line" || (field.Type == "string" && lineIdx == -1 && field.Name != "labels" && field.Name != "id"):
			lineIdx = i
		case field.Name == "labels":
			labelsIdx = i
		}
	}
	if timeIdx == -1 || lineIdx == -1 || timeIdx >= len(f.Data.Values) || lineIdx >= len(f.Data.Values) {
		return nil, nil
	}
	var timestamps []int64
	if err := json.Unmarshal(f.Data.Values[timeIdx], &timestamps); err != nil {
		return nil, wrapError(KindResponseParseError, err, "decoding log timestamps: %v", err)
	}
	var lines []string
	if err := json.Unmarshal(f.Data.Values[lineIdx], &lines); err != nil {
		return nil, wrapError(KindResponseParseError, err, "decoding log lines: %v", err)
	}

	labels := make(model.Metric)
	for k, v := range f.Schema.Fields[lineIdx].Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	if len(labels) == 0 && labelsIdx != -1 && labelsIdx < len(f.Data.Values) {
		var rows []map[string]string
		if err := json.Unmarshal(f.Data.Values[labelsIdx], &rows); err == nil && len(rows) > 0 {
			for k, v := range rows[0] {
				labels[model.LabelName(k)] = model.LabelValue(v)
			}
		}
	}

	stream := &LogStream{Labels: labels}
	for i, line := range lines {
		if i >= len(timestamps) {
			break
		}
		stream.Lines = append(stream.Lines, LogLine{
			Timestamp: time.UnixMilli(timestamps[i]).UTC(),
			Line:      line,
		})
	}
	return stream, nil
}

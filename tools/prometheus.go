package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	grafanamcp "github.com/DrDroidLab/grafana-mcp-server"
	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

type PromQLQueryParams struct {
	DatasourceUID string `json:"datasource_uid" jsonschema:"required,description=UID of the Prometheus datasource to query. Use grafana_fetch_datasources to discover UIDs."`
	Query         string `json:"query" jsonschema:"required,description=PromQL expression to evaluate. Must be valid PromQL; malformed expressions are rejected without being sent to Grafana."`
	StartTime     string `json:"start_time,omitempty" jsonschema:"description=Range start as RFC3339 timestamp\\, 'now'\\, or 'now-<duration>' (e.g. 'now-3h'). Takes precedence over duration when both start_time and end_time are given."`
	EndTime       string `json:"end_time,omitempty" jsonschema:"description=Range end\\, same formats as start_time. Must not precede start_time."`
	Duration      string `json:"duration,omitempty" jsonschema:"description=Relative window ending now\\, e.g. '5m'\\, '3h'\\, '1d'\\, '2w'. Defaults to '3h' when no explicit range is given."`
	StepSeconds   int    `json:"step_seconds,omitempty" jsonschema:"description=Query resolution step in seconds. Defaults to 30."`
}

// promqlQuery resolves the time window once, at call time, so every
// relative bound in the request shares the same anchor instant.
func promqlQuery(ctx context.Context, args PromQLQueryParams) (*processor.CompactedResult, error) {
	if args.DatasourceUID == "" {
		return nil, processor.NewInvalidArguments("datasource_uid is required")
	}
	if args.Query == "" {
		return nil, processor.NewInvalidArguments("query is required")
	}
	duration := args.Duration
	if duration == "" && args.StartTime == "" && args.EndTime == "" {
		duration = "3h"
	}
	tr, err := processor.ResolveTimeRange(duration, args.StartTime, args.EndTime, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.PromQLQuery(ctx, args.DatasourceUID, args.Query, tr, args.StepSeconds)
}

var PromQLQuery = grafanamcp.MustTool(
	"grafana_promql_query",
	"Execute a PromQL query against a Prometheus datasource over a time range. Accepts either an explicit start_time/end_time pair or a relative duration (default 3h). Results are deduplicated, downsampled and capped to stay compact.",
	promqlQuery,
	mcp.WithTitleAnnotation("Run PromQL query"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddPrometheusTools(mcp *server.MCPServer) {
	PromQLQuery.Register(mcp)
}

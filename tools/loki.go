package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	grafanamcp "github.com/DrDroidLab/grafana-mcp-server"
	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

type LokiQueryParams struct {
	DatasourceUID string `json:"datasource_uid" jsonschema:"required,description=UID of the Loki datasource to query."`
	Query         string `json:"query" jsonschema:"required,description=LogQL expression\\, e.g. '{app=\\\"api\\\"} |= \\\"error\\\"'."`
	Duration      string `json:"duration,omitempty" jsonschema:"description=Relative window ending now\\, e.g. '30m'\\, '1h'\\, '1d'. Defaults to '1h'."`
	Limit         int    `json:"limit,omitempty" jsonschema:"description=Maximum number of log lines to return. Defaults to 100."`
}

func lokiQuery(ctx context.Context, args LokiQueryParams) (*processor.CompactedResult, error) {
	if args.DatasourceUID == "" {
		return nil, processor.NewInvalidArguments("datasource_uid is required")
	}
	if args.Query == "" {
		return nil, processor.NewInvalidArguments("query is required")
	}
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.LokiQuery(ctx, args.DatasourceUID, args.Query, args.Duration, args.Limit)
}

var LokiQuery = grafanamcp.MustTool(
	"grafana_loki_query",
	"Execute a LogQL query against a Loki datasource over a relative time window (default 1h). Returns the most recent matching log lines across all streams, capped at the requested limit.",
	lokiQuery,
	mcp.WithTitleAnnotation("Run Loki query"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddLokiTools(mcp *server.MCPServer) {
	LokiQuery.Register(mcp)
}

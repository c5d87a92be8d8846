package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	grafanamcp "github.com/DrDroidLab/grafana-mcp-server"
	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

type FetchLabelValuesParams struct {
	DatasourceUID string `json:"datasource_uid" jsonschema:"required,description=UID of the Prometheus datasource to query through the Grafana proxy."`
	LabelName     string `json:"label_name" jsonschema:"required,description=Name of the label whose values should be listed\\, e.g. 'job' or 'instance'."`
	Metric        string `json:"metric,omitempty" jsonschema:"description=Optional metric selector; restricts values to series matching it\\, e.g. 'up' or 'http_requests_total{env=\\\"prod\\\"}'."`
}

func fetchLabelValues(ctx context.Context, args FetchLabelValuesParams) ([]string, error) {
	if args.DatasourceUID == "" {
		return nil, processor.NewInvalidArguments("datasource_uid is required")
	}
	if args.LabelName == "" {
		return nil, processor.NewInvalidArguments("label_name is required")
	}
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchLabelValues(ctx, args.DatasourceUID, args.LabelName, args.Metric)
}

var FetchLabelValues = grafanamcp.MustTool(
	"grafana_fetch_label_values",
	"List the values of a Prometheus label through the Grafana datasource proxy, optionally restricted to series matching a metric selector. Useful for filling template variables and building queries.",
	fetchLabelValues,
	mcp.WithTitleAnnotation("Fetch label values"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type FetchDatasourcesParams struct{}

func fetchDatasources(ctx context.Context, args FetchDatasourcesParams) ([]processor.DatasourceSummary, error) {
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchDatasources(ctx)
}

var FetchDatasources = grafanamcp.MustTool(
	"grafana_fetch_datasources",
	"List all configured datasources with id, uid, name, type and URL. Secure fields are reported by key only, with masked values.",
	fetchDatasources,
	mcp.WithTitleAnnotation("List datasources"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type FetchFoldersParams struct{}

func fetchFolders(ctx context.Context, args FetchFoldersParams) ([]processor.FolderSummary, error) {
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchFolders(ctx)
}

var FetchFolders = grafanamcp.MustTool(
	"grafana_fetch_folders",
	"List all dashboard folders with uid, title and parent folder. Pagination is handled internally.",
	fetchFolders,
	mcp.WithTitleAnnotation("List folders"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddDatasourceTools(mcp *server.MCPServer) {
	FetchLabelValues.Register(mcp)
	FetchDatasources.Register(mcp)
	FetchFolders.Register(mcp)
}

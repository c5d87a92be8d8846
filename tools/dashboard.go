package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	grafanamcp "github.com/DrDroidLab/grafana-mcp-server"
	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

type GetDashboardConfigParams struct {
	Dashboard string `json:"dashboard" jsonschema:"required,description=Dashboard UID\\, or exact title when the UID is unknown. UID lookup is tried first."`
}

func getDashboardConfig(ctx context.Context, args GetDashboardConfigParams) (*processor.Dashboard, error) {
	if args.Dashboard == "" {
		return nil, processor.NewInvalidArguments("dashboard is required")
	}
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.GetDashboardConfig(ctx, args.Dashboard)
}

var GetDashboardConfig = grafanamcp.MustTool(
	"grafana_get_dashboard_config",
	"Fetch the full JSON definition of a dashboard by UID or title, including panels, targets and template variables. Useful for discovering panel ids before grafana_query_dashboard_panels.",
	getDashboardConfig,
	mcp.WithTitleAnnotation("Get dashboard config"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type QueryDashboardPanelsParams struct {
	DashboardUID string            `json:"dashboard_uid" jsonschema:"required,description=UID of the dashboard whose panels should be queried."`
	PanelIDs     []int             `json:"panel_ids" jsonschema:"required,description=Ids of the panels to evaluate. At least one and at most four."`
	Duration     string            `json:"duration,omitempty" jsonschema:"description=Relative window ending now\\, e.g. '1h'\\, '3h'. Defaults to '3h'. Shared by every panel in the batch."`
	Variables    map[string]string `json:"variables,omitempty" jsonschema:"description=Template variable overrides\\, mapping variable name to value. Overrides win over the dashboard's stored selections."`
}

// queryDashboardPanels evaluates a batch of panels. Per-panel failures
// are embedded in the per-panel results; only batch-level problems
// (bad panel count, missing dashboard, bad duration) error the call.
func queryDashboardPanels(ctx context.Context, args QueryDashboardPanelsParams) (map[int]processor.PanelResult, error) {
	if args.DashboardUID == "" {
		return nil, processor.NewInvalidArguments("dashboard_uid is required")
	}
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.QueryDashboardPanels(ctx, args.DashboardUID, args.PanelIDs, args.Duration, args.Variables)
}

var QueryDashboardPanels = grafanamcp.MustTool(
	"grafana_query_dashboard_panels",
	"Execute the queries of up to four dashboard panels concurrently over a shared time window, with template variables resolved from the dashboard (overridable per call). Each panel gets an independent result; one panel failing does not abort the others.",
	queryDashboardPanels,
	mcp.WithTitleAnnotation("Query dashboard panels"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type FetchDashboardVariablesParams struct {
	DashboardUID string `json:"dashboard_uid" jsonschema:"required,description=UID of the dashboard whose template variables should be resolved."`
}

func fetchDashboardVariables(ctx context.Context, args FetchDashboardVariablesParams) (map[string]string, error) {
	if args.DashboardUID == "" {
		return nil, processor.NewInvalidArguments("dashboard_uid is required")
	}
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchDashboardVariables(ctx, args.DashboardUID)
}

var FetchDashboardVariables = grafanamcp.MustTool(
	"grafana_fetch_dashboard_variables",
	"Resolve a dashboard's template variables to concrete values: stored selections where present, label_values lookups for query variables without one. Returns the name to value mapping used when panels are queried.",
	fetchDashboardVariables,
	mcp.WithTitleAnnotation("Fetch dashboard variables"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type FetchAllDashboardsParams struct{}

func fetchAllDashboards(ctx context.Context, args FetchAllDashboardsParams) ([]processor.DashboardSummary, error) {
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchAllDashboards(ctx)
}

var FetchAllDashboards = grafanamcp.MustTool(
	"grafana_fetch_all_dashboards",
	"List every dashboard in the Grafana instance with uid, title, folder, tags and URL. Pagination is handled internally.",
	fetchAllDashboards,
	mcp.WithTitleAnnotation("List all dashboards"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddDashboardTools(mcp *server.MCPServer) {
	GetDashboardConfig.Register(mcp)
	QueryDashboardPanels.Register(mcp)
	FetchDashboardVariables.Register(mcp)
	FetchAllDashboards.Register(mcp)
}

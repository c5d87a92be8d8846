package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	grafanamcp "github.com/DrDroidLab/grafana-mcp-server"
	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

type TestConnectionParams struct{}

// testConnection never returns an error: an unreachable Grafana is a
// valid answer, reported in the status payload.
func testConnection(ctx context.Context, args TestConnectionParams) (processor.ConnectionStatus, error) {
	p, err := grafanamcp.GrafanaProcessorFromContext(ctx)
	if err != nil {
		return processor.ConnectionStatus{OK: false, Detail: err.Error()}, nil
	}
	return p.TestConnection(ctx), nil
}

var TestConnection = grafanamcp.MustTool(
	"test_connection",
	"Verify connectivity and authentication to the configured Grafana instance. Returns ok=true with a detail message on success, ok=false with the failure reason otherwise. Never errors.",
	testConnection,
	mcp.WithTitleAnnotation("Test Grafana connection"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddConnectionTools(mcp *server.MCPServer) {
	TestConnection.Register(mcp)
}

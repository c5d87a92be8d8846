package grafanamcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

var toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "grafana_mcp",
	Name:      "tool_invocations_total",
	Help:      "Number of tool invocations, partitioned by tool name and outcome.",
}, []string{"tool", "status"})

// ToolHandlerFunc is the type of a typed tool handler: arguments in, a
// result out, errors reported explicitly.
type ToolHandlerFunc[T any, R any] func(ctx context.Context, arguments T) (R, error)

// Tool pairs an MCP tool definition with its typed handler.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// Register adds the tool to an MCP server.
func (t Tool) Register(s *server.MCPServer) {
	s.AddTool(t.Tool, t.Handler)
}

// MustTool converts a typed handler into an MCP tool, panicking on
// schema generation failure. Tool definitions are package-level vars,
// so a bad definition fails at startup rather than at call time.
func MustTool[T any, R any](name, description string, handler ToolHandlerFunc[T, R], options ...mcp.ToolOption) Tool {
	tool, err := ConvertTool(name, description, handler, options...)
	if err != nil {
		panic(err)
	}
	return tool
}

// ConvertTool derives the tool's input schema from the argument struct
// and wraps the handler with argument decoding, a per-invocation
// timeout, tracing and error normalization.
func ConvertTool[T any, R any](name, description string, handler ToolHandlerFunc[T, R], options ...mcp.ToolOption) (Tool, error) {
	schema, err := inputSchema[T]()
	if err != nil {
		return Tool{}, fmt.Errorf("generating schema for tool %q: %w", name, err)
	}

	tool := mcp.NewToolWithRawSchema(name, description, schema)
	for _, opt := range options {
		opt(&tool)
	}

	wrapped := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return errorResult(processor.AsError(err)), nil
		}
		var typed T
		if err := unmarshalArgs(args, &typed); err != nil {
			toolInvocations.WithLabelValues(name, "error").Inc()
			return errorResult(err), nil
		}

		timeout := GrafanaConfigFromContext(ctx).ToolTimeout
		if timeout <= 0 {
			timeout = DefaultToolTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		ctx, span := startToolSpan(ctx, name, description, args)
		defer span.End()

		result, err := handler(ctx, typed)
		if err != nil {
			perr := processor.AsError(err)
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
			span.SetAttributes(attribute.String("mcp.tool.error_kind", string(perr.Kind)))
			toolInvocations.WithLabelValues(name, "error").Inc()
			return errorResult(perr), nil
		}
		span.SetStatus(codes.Ok, "")
		toolInvocations.WithLabelValues(name, "ok").Inc()

		text, err := renderResult(result)
		if err != nil {
			return errorResult(processor.AsError(err)), nil
		}
		return mcp.NewToolResultText(text), nil
	}

	return Tool{Tool: tool, Handler: wrapped}, nil
}

// unmarshalArgs decodes the raw argument map into the typed struct.
// Decoding failures are reported as invalid arguments without touching
// Grafana.
func unmarshalArgs[T any](args []byte, typed *T) *processor.Error {
	if err := json.Unmarshal(args, typed); err != nil {
		return processor.NewInvalidArguments("invalid tool arguments: %v", err)
	}
	return nil
}

func errorResult(perr *processor.Error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", perr.Kind, perr.Message))
}

func renderResult(result any) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshalling tool result: %w", err)
	}
	return string(out), nil
}

func startToolSpan(ctx context.Context, name, description string, args []byte) (context.Context, trace.Span) {
	tracer := otel.Tracer("grafana-mcp-server")
	attrs := []attribute.KeyValue{
		attribute.String("mcp.tool.name", name),
		attribute.String("mcp.tool.description", description),
	}
	if GrafanaConfigFromContext(ctx).IncludeArgumentsInSpans {
		attrs = append(attrs, attribute.String("mcp.tool.arguments", string(args)))
	}
	return tracer.Start(ctx, "mcp.tool."+name, trace.WithAttributes(attrs...))
}

// inputSchema derives a JSON schema from the argument struct's
// jsonschema tags. Anonymous and DoNotReference keep the schema inline
// the way MCP clients expect.
func inputSchema[T any]() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var v T
	schema := reflector.Reflect(v)
	schema.Version = ""
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return out, nil
}

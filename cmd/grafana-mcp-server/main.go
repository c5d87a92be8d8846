package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	grafanamcp "github.com/DrDroidLab/grafana-mcp-server"
	"github.com/DrDroidLab/grafana-mcp-server/internal/health"
	"github.com/DrDroidLab/grafana-mcp-server/tools"
)

const serviceName = "grafana-mcp-server"

func maybeAddTools(s *server.MCPServer, tf func(*server.MCPServer), enabledTools []string, disable bool, category string) {
	if !slices.Contains(enabledTools, category) {
		slog.Debug("Not enabling tools", "category", category)
		return
	}
	if disable {
		slog.Info("Disabling tools", "category", category)
		return
	}
	slog.Debug("Enabling tools", "category", category)
	tf(s)
}

// disabledTools indicates whether each category of tools should be disabled.
type disabledTools struct {
	enabledTools string

	connection, prometheus, loki,
	dashboard, datasource bool
}

// Configuration for the Grafana client.
type grafanaConfig struct {
	// Whether to enable debug mode for the Grafana transport.
	debug bool

	// Whether to record tool arguments in trace spans.
	includeArguments bool

	// Per-invocation tool timeout.
	toolTimeout time.Duration

	// TLS configuration
	tlsCertFile   string
	tlsKeyFile    string
	tlsCAFile     string
	tlsSkipVerify bool
}

// Configuration for health checks.
type healthConfig struct {
	enabled      bool
	port         string
	separatePort bool
}

func (dt *disabledTools) addFlags() {
	flag.StringVar(&dt.enabledTools, "enabled-tools", "connection,prometheus,loki,dashboard,datasource", "A comma separated list of tool categories enabled for this server. Can be overwritten entirely or by disabling specific categories, e.g. --disable-loki.")

	flag.BoolVar(&dt.connection, "disable-connection", false, "Disable connection tools")
	flag.BoolVar(&dt.prometheus, "disable-prometheus", false, "Disable prometheus tools")
	flag.BoolVar(&dt.loki, "disable-loki", false, "Disable loki tools")
	flag.BoolVar(&dt.dashboard, "disable-dashboard", false, "Disable dashboard tools")
	flag.BoolVar(&dt.datasource, "disable-datasource", false, "Disable datasource tools")
}

func (gc *grafanaConfig) addFlags() {
	flag.BoolVar(&gc.debug, "debug", false, "Enable debug mode for the Grafana transport")
	flag.BoolVar(&gc.includeArguments, "include-arguments-in-spans", false, "Record tool arguments in trace spans (may contain sensitive data)")
	flag.DurationVar(&gc.toolTimeout, "tool-timeout", grafanamcp.DefaultToolTimeout, "Timeout for a single tool invocation")

	// TLS configuration flags
	flag.StringVar(&gc.tlsCertFile, "tls-cert-file", "", "Path to TLS certificate file for client authentication")
	flag.StringVar(&gc.tlsKeyFile, "tls-key-file", "", "Path to TLS private key file for client authentication")
	flag.StringVar(&gc.tlsCAFile, "tls-ca-file", "", "Path to TLS CA certificate file for server verification")
	flag.BoolVar(&gc.tlsSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification (insecure)")
}

func (hc *healthConfig) addFlags() {
	flag.BoolVar(&hc.enabled, "health-enabled", true, "Enable health check endpoints for server transports")
	flag.StringVar(&hc.port, "health-port", "", "Port for health check endpoints (defaults to main port + 1000)")
	flag.BoolVar(&hc.separatePort, "health-separate-port", true, "Run health checks on a separate port")
}

func (dt *disabledTools) addTools(s *server.MCPServer) {
	enabledTools := strings.Split(dt.enabledTools, ",")
	maybeAddTools(s, tools.AddConnectionTools, enabledTools, dt.connection, "connection")
	maybeAddTools(s, tools.AddPrometheusTools, enabledTools, dt.prometheus, "prometheus")
	maybeAddTools(s, tools.AddLokiTools, enabledTools, dt.loki, "loki")
	maybeAddTools(s, tools.AddDashboardTools, enabledTools, dt.dashboard, "dashboard")
	maybeAddTools(s, tools.AddDatasourceTools, enabledTools, dt.datasource, "datasource")
}

func newServer(dt disabledTools) *server.MCPServer {
	s := server.NewMCPServer(serviceName, grafanamcp.Version(), server.WithInstructions(`
	This server provides read-only access to a Grafana instance for observability investigations.

	Available Capabilities:
	- Connection: Verify connectivity and authentication against the configured Grafana.
	- Prometheus: Run PromQL queries over explicit or relative time ranges; results are compacted for small context windows.
	- Loki: Run LogQL queries over relative time windows and fetch the most recent matching log lines.
	- Dashboards: List dashboards, fetch full dashboard JSON, resolve template variables, and execute panel queries in batches.
	- Datasources: List datasources and folders, and explore Prometheus label values.
	`))
	dt.addTools(s)
	return s
}

func startHealthServer(addr string, hc healthConfig) *health.Server {
	healthServer := health.NewServer(health.Config{
		ServiceName: serviceName,
		Version:     grafanamcp.Version(),
	})

	healthAddr := addr
	if hc.separatePort {
		if hc.port != "" {
			healthAddr = hc.port
		} else {
			healthAddr = health.GenerateHealthAddr(addr)
		}
	}

	if err := healthServer.StartAsync(healthAddr); err != nil {
		slog.Error("Failed to start health server", "error", err)
		return nil
	}
	slog.Info("Health check endpoints available", "address", healthAddr, "endpoints", "/healthz, /health, /health/readiness, /health/liveness, /metrics")
	return healthServer
}

func run(transport, addr, basePath, endpointPath string, logLevel slog.Level, dt disabledTools, gc grafanamcp.GrafanaConfig, hc healthConfig) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	s := newServer(dt)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var healthServer *health.Server

	switch transport {
	case "stdio":
		srv := server.NewStdioServer(s)
		srv.SetContextFunc(grafanamcp.ComposedStdioContextFunc(gc))
		slog.Info("Starting Grafana MCP server using stdio transport", "version", grafanamcp.Version())
		return srv.Listen(context.Background(), os.Stdin, os.Stdout)
	case "sse":
		srv := server.NewSSEServer(s,
			server.WithSSEContextFunc(grafanamcp.ComposedSSEContextFunc(gc)),
			server.WithStaticBasePath(basePath),
		)

		if hc.enabled {
			healthServer = startHealthServer(addr, hc)
		}

		slog.Info("Starting Grafana MCP server using SSE transport", "version", grafanamcp.Version(), "address", addr, "basePath", basePath)
		go func() {
			if err := srv.Start(addr); err != nil {
				slog.Error("SSE server error", "error", err)
				cancel()
			}
		}()
	case "streamable-http":
		srv := server.NewStreamableHTTPServer(s,
			server.WithHTTPContextFunc(grafanamcp.ComposedHTTPContextFunc(gc)),
			server.WithStateLess(true),
			server.WithEndpointPath(endpointPath),
		)

		if hc.enabled {
			healthServer = startHealthServer(addr, hc)
		}

		slog.Info("Starting Grafana MCP server using StreamableHTTP transport", "version", grafanamcp.Version(), "address", addr, "endpointPath", endpointPath)
		go func() {
			if err := srv.Start(addr); err != nil {
				slog.Error("StreamableHTTP server error", "error", err)
				cancel()
			}
		}()
	default:
		return fmt.Errorf(
			"Invalid transport type: %s. Must be 'stdio', 'sse' or 'streamable-http'",
			transport,
		)
	}

	// Wait for shutdown signal for non-stdio transports
	select {
	case <-sigChan:
		slog.Info("Received shutdown signal")
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			slog.Error("Error stopping health server", "error", err)
		}
	}

	return nil
}

func main() {
	var transport string
	flag.StringVar(&transport, "t", "stdio", "Transport type (stdio, sse or streamable-http)")
	flag.StringVar(
		&transport,
		"transport",
		"stdio",
		"Transport type (stdio, sse or streamable-http)",
	)
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file. Environment variables override file values; a missing file is fine.")
	addr := flag.String("address", "", "The host and port to start the sse or streamable-http server on. Defaults to localhost:<server.port> from the config.")
	basePath := flag.String("base-path", "", "Base path for the sse server")
	endpointPath := flag.String("endpoint-path", "/mcp", "Endpoint path for the streamable-http server")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	var dt disabledTools
	dt.addFlags()
	var gc grafanaConfig
	gc.addFlags()
	var hc healthConfig
	hc.addFlags()
	flag.Parse()

	if *showVersion {
		fmt.Println(grafanamcp.Version())
		os.Exit(0)
	}

	settings, err := grafanamcp.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr == "" {
		*addr = fmt.Sprintf("localhost:%d", settings.Server.Port)
	}

	grafanaConfig := settings.GrafanaConfig()
	grafanaConfig.Debug = gc.debug
	grafanaConfig.IncludeArgumentsInSpans = gc.includeArguments
	if gc.toolTimeout > 0 {
		grafanaConfig.ToolTimeout = gc.toolTimeout
	}
	if gc.tlsCertFile != "" || gc.tlsKeyFile != "" || gc.tlsCAFile != "" || gc.tlsSkipVerify {
		if grafanaConfig.TLSConfig == nil {
			grafanaConfig.TLSConfig = &grafanamcp.TLSConfig{}
		}
		grafanaConfig.TLSConfig.CertFile = gc.tlsCertFile
		grafanaConfig.TLSConfig.KeyFile = gc.tlsKeyFile
		grafanaConfig.TLSConfig.CAFile = gc.tlsCAFile
		if gc.tlsSkipVerify {
			grafanaConfig.TLSConfig.SkipVerify = true
		}
	}

	if err := run(transport, *addr, *basePath, *endpointPath, parseLevel(*logLevel), dt, grafanaConfig, hc); err != nil {
		panic(err)
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

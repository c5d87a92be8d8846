package grafanamcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/grafana/grafana-openapi-client-go/client"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/DrDroidLab/grafana-mcp-server/processor"
)

// Version returns the version of the binary, set at build time from
// the module version.
var Version = sync.OnceValue(func() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
})

// UserAgent returns the User-Agent header sent on outbound Grafana
// requests.
func UserAgent() string {
	return fmt.Sprintf("grafana-mcp-server/%s", Version())
}

// UserAgentTransport sets a User-Agent header on requests that do not
// carry one already.
type UserAgentTransport struct {
	rt        http.RoundTripper
	UserAgent string
}

func NewUserAgentTransport(rt http.RoundTripper, userAgent ...string) *UserAgentTransport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	ua := UserAgent()
	if len(userAgent) > 0 {
		ua = userAgent[0]
	}
	return &UserAgentTransport{rt: rt, UserAgent: ua}
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.rt.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.UserAgent)
	return t.rt.RoundTrip(clone)
}

// httpTransport builds the shared outbound transport: pooled, traced,
// with the configured TLS options and User-Agent applied.
func httpTransport(cfg GrafanaConfig) (http.RoundTripper, error) {
	rt, err := cfg.TLSConfig.HTTPTransport(http.DefaultTransport.(*http.Transport))
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	return NewUserAgentTransport(otelhttp.NewTransport(rt)), nil
}

// NewGrafanaClient creates a Grafana OpenAPI client from the
// configuration on the context.
func NewGrafanaClient(ctx context.Context, grafanaURL, apiKey string) *client.GrafanaHTTPAPI {
	cfg := client.DefaultTransportConfig()

	if grafanaURL == "" {
		grafanaURL = defaultGrafanaURL
	}
	parsedURL, err := url.Parse(grafanaURL)
	if err != nil {
		panic(fmt.Errorf("invalid Grafana URL %s: %w", grafanaURL, err))
	}
	cfg.Host = parsedURL.Host
	if parsedURL.Path != "" {
		cfg.BasePath = strings.TrimSuffix(parsedURL.Path, "/") + cfg.BasePath
	}

	// The generated client tries both schemes by default. Restrict it
	// to the scheme the user actually asked for.
	if parsedURL.Scheme == "http" {
		cfg.Schemes = []string{"http"}
	}

	config := GrafanaConfigFromContext(ctx)
	if apiKey != "" {
		cfg.APIKey = apiKey
	} else if config.BasicAuth != nil {
		cfg.BasicAuth = config.BasicAuth
	}

	if config.TLSConfig != nil {
		tlsCfg, err := config.TLSConfig.CreateTLSConfig()
		if err != nil {
			panic(fmt.Errorf("creating TLS config: %w", err))
		}
		cfg.TLSConfig = tlsCfg
	}

	cfg.Debug = config.Debug

	grafanaClient := client.NewHTTPClientWithConfig(strfmt.Default, cfg)
	slog.Debug("Created Grafana client", "url", parsedURL.Redacted())
	return grafanaClient
}

// NewHTTPClient builds the raw HTTP client used for the Grafana
// endpoints the generated client does not cover (/api/ds/query and the
// datasource proxy).
func NewHTTPClient(cfg GrafanaConfig) (*http.Client, error) {
	rt, err := httpTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt, Timeout: 60 * time.Second}, nil
}

// NewGrafanaProcessor assembles the query processor for one request's
// Grafana configuration.
func NewGrafanaProcessor(ctx context.Context, cfg GrafanaConfig) (*processor.Grafana, error) {
	httpClient, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return processor.New(processor.Options{
		BaseURL:    cfg.URL,
		APIKey:     cfg.APIKey,
		HTTPClient: httpClient,
		Client:     NewGrafanaClient(ctx, cfg.URL, cfg.APIKey),
	}), nil
}

type grafanaProcessorKey struct{}

// WithGrafanaProcessor attaches a Grafana processor to the context.
func WithGrafanaProcessor(ctx context.Context, p *processor.Grafana) context.Context {
	return context.WithValue(ctx, grafanaProcessorKey{}, p)
}

// GrafanaProcessorFromContext retrieves the Grafana processor from the
// context, building one on the fly from the context's configuration if
// none was attached.
func GrafanaProcessorFromContext(ctx context.Context) (*processor.Grafana, error) {
	if p, ok := ctx.Value(grafanaProcessorKey{}).(*processor.Grafana); ok {
		return p, nil
	}
	cfg := GrafanaConfigFromContext(ctx)
	if cfg.URL == "" {
		return nil, fmt.Errorf("no Grafana configuration found in context")
	}
	return NewGrafanaProcessor(ctx, cfg)
}

func extractProcessor(ctx context.Context) context.Context {
	cfg := GrafanaConfigFromContext(ctx)
	p, err := NewGrafanaProcessor(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create Grafana processor", "error", err)
		return ctx
	}
	return WithGrafanaProcessor(ctx, p)
}

// ExtractGrafanaProcessorFromEnv builds the Grafana processor from the
// configuration already on the context. It must run after
// ExtractGrafanaInfoFromEnv.
var ExtractGrafanaProcessorFromEnv server.StdioContextFunc = extractProcessor

// ExtractGrafanaProcessorFromHeaders builds the Grafana processor from
// the configuration already on the context. It must run after
// ExtractGrafanaInfoFromHeaders.
var ExtractGrafanaProcessorFromHeaders httpContextFunc = func(ctx context.Context, req *http.Request) context.Context {
	return extractProcessor(ctx)
}

// Package grafanamcp carries the cross-cutting plumbing of the Grafana
// MCP server: connection configuration on the request context, client
// construction, and the conversion of typed Go handlers into MCP
// tools.
package grafanamcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

const (
	defaultGrafanaHost = "localhost:3000"
	defaultGrafanaURL  = "http://" + defaultGrafanaHost

	grafanaHostEnvVar      = "GRAFANA_HOST"
	grafanaURLEnvVar       = "GRAFANA_URL"
	grafanaAPIKeyEnvVar    = "GRAFANA_API_KEY"
	grafanaSSLVerifyEnvVar = "GRAFANA_SSL_VERIFY"
	grafanaUsernameEnvVar  = "GRAFANA_USERNAME"
	grafanaPasswordEnvVar  = "GRAFANA_PASSWORD"

	grafanaURLHeader    = "X-Grafana-URL"
	grafanaAPIKeyHeader = "X-Grafana-API-Key"
)

// DefaultToolTimeout bounds a single tool invocation when the config
// does not override it.
const DefaultToolTimeout = 30 * time.Second

// TLSConfig holds the TLS options applied to every outbound Grafana
// connection: client certificates, a custom CA, and the insecure
// skip-verify escape hatch that grafana.ssl_verify=false maps to.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool
}

// GrafanaConfig is the per-request Grafana connection configuration.
// It is resolved once per request (from startup settings, environment,
// or transport headers) and then treated as read-only.
type GrafanaConfig struct {
	// Debug enables debug mode for the Grafana OpenAPI client.
	Debug bool

	// IncludeArgumentsInSpans enables recording of tool arguments in
	// trace spans. Off by default: arguments may contain PII.
	IncludeArgumentsInSpans bool

	// URL is the base URL of the Grafana instance.
	URL string

	// APIKey is the API key or service account token.
	APIKey string

	// BasicAuth is set when username/password auth is used instead of
	// an API key.
	BasicAuth *url.Userinfo

	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration

	TLSConfig *TLSConfig
}

type grafanaConfigKey struct{}

// WithGrafanaConfig adds the Grafana configuration to the context.
func WithGrafanaConfig(ctx context.Context, config GrafanaConfig) context.Context {
	return context.WithValue(ctx, grafanaConfigKey{}, config)
}

// GrafanaConfigFromContext extracts the Grafana configuration from the
// context, returning a zero value when none was set.
func GrafanaConfigFromContext(ctx context.Context) GrafanaConfig {
	if config, ok := ctx.Value(grafanaConfigKey{}).(GrafanaConfig); ok {
		return config
	}
	return GrafanaConfig{}
}

// CreateTLSConfig builds a *tls.Config from the file-based options.
func (tc *TLSConfig) CreateTLSConfig() (*tls.Config, error) {
	if tc == nil {
		return nil, nil
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: tc.SkipVerify}
	if tc.CertFile != "" && tc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// HTTPTransport clones the given transport and applies the TLS
// options, preserving timeouts and connection pools.
func (tc *TLSConfig) HTTPTransport(defaultTransport *http.Transport) (http.RoundTripper, error) {
	transport := defaultTransport.Clone()
	if tc != nil {
		tlsCfg, err := tc.CreateTLSConfig()
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	return transport, nil
}

func urlAndAPIKeyFromEnv() (string, string) {
	u := strings.TrimRight(os.Getenv(grafanaHostEnvVar), "/")
	if u == "" {
		u = strings.TrimRight(os.Getenv(grafanaURLEnvVar), "/")
	}
	return u, os.Getenv(grafanaAPIKeyEnvVar)
}

func userAndPassFromEnv() *url.Userinfo {
	username := os.Getenv(grafanaUsernameEnvVar)
	password, exists := os.LookupEnv(grafanaPasswordEnvVar)
	if username == "" && password == "" {
		return nil
	}
	if !exists {
		return url.User(username)
	}
	return url.UserPassword(username, password)
}

func sslVerifyFromEnv() (bool, bool) {
	v, exists := os.LookupEnv(grafanaSSLVerifyEnvVar)
	if !exists {
		return true, false
	}
	return !strings.EqualFold(v, "false"), true
}

func urlAndAPIKeyFromHeaders(req *http.Request) (string, string) {
	u := strings.TrimRight(req.Header.Get(grafanaURLHeader), "/")
	return u, req.Header.Get(grafanaAPIKeyHeader)
}

// ExtractGrafanaInfoFromEnv is a StdioContextFunc that fills the
// Grafana configuration from environment variables, keeping any
// settings already present on the context.
var ExtractGrafanaInfoFromEnv server.StdioContextFunc = func(ctx context.Context) context.Context {
	config := GrafanaConfigFromContext(ctx)
	u, apiKey := urlAndAPIKeyFromEnv()
	if u != "" {
		config.URL = u
	}
	if apiKey != "" {
		config.APIKey = apiKey
	}
	if config.URL == "" {
		config.URL = defaultGrafanaURL
	}
	if auth := userAndPassFromEnv(); auth != nil {
		config.BasicAuth = auth
	}
	if verify, set := sslVerifyFromEnv(); set && !verify {
		if config.TLSConfig == nil {
			config.TLSConfig = &TLSConfig{}
		}
		config.TLSConfig.SkipVerify = true
	}

	parsedURL, err := url.Parse(config.URL)
	if err != nil {
		panic(fmt.Errorf("invalid Grafana URL %s: %w", config.URL, err))
	}
	slog.Info("Using Grafana configuration", "url", parsedURL.Redacted(), "api_key_set", config.APIKey != "", "basic_auth_set", config.BasicAuth != nil)
	return WithGrafanaConfig(ctx, config)
}

// httpContextFunc is usable as either a server.HTTPContextFunc or a
// server.SSEContextFunc; the two types are identical but distinct.
type httpContextFunc func(ctx context.Context, req *http.Request) context.Context

// ExtractGrafanaInfoFromHeaders fills the Grafana configuration from
// the X-Grafana-URL and X-Grafana-API-Key request headers, falling
// back to environment variables.
var ExtractGrafanaInfoFromHeaders httpContextFunc = func(ctx context.Context, req *http.Request) context.Context {
	config := GrafanaConfigFromContext(ctx)
	envURL, envKey := urlAndAPIKeyFromEnv()
	u, apiKey := urlAndAPIKeyFromHeaders(req)
	if u == "" {
		u = envURL
	}
	if u != "" {
		config.URL = u
	}
	if config.URL == "" {
		config.URL = defaultGrafanaURL
	}
	if apiKey == "" {
		apiKey = envKey
	}
	if apiKey != "" {
		config.APIKey = apiKey
	}
	if username, password, ok := req.BasicAuth(); ok {
		config.BasicAuth = url.UserPassword(username, password)
	} else if auth := userAndPassFromEnv(); auth != nil && config.BasicAuth == nil {
		config.BasicAuth = auth
	}
	return WithGrafanaConfig(ctx, config)
}

// ComposeStdioContextFuncs composes StdioContextFuncs, applied in
// order.
func ComposeStdioContextFuncs(funcs ...server.StdioContextFunc) server.StdioContextFunc {
	return func(ctx context.Context) context.Context {
		for _, f := range funcs {
			ctx = f(ctx)
		}
		return ctx
	}
}

// ComposeSSEContextFuncs composes SSEContextFuncs, applied in order.
func ComposeSSEContextFuncs(funcs ...httpContextFunc) server.SSEContextFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		for _, f := range funcs {
			ctx = f(ctx, req)
		}
		return ctx
	}
}

// ComposeHTTPContextFuncs composes HTTPContextFuncs, applied in order.
func ComposeHTTPContextFuncs(funcs ...httpContextFunc) server.HTTPContextFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		for _, f := range funcs {
			ctx = f(ctx, req)
		}
		return ctx
	}
}

// ComposedStdioContextFunc sets up the full request context for the
// stdio transport: startup config, environment overrides, and the
// Grafana processor.
func ComposedStdioContextFunc(config GrafanaConfig) server.StdioContextFunc {
	return ComposeStdioContextFuncs(
		func(ctx context.Context) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromEnv,
		ExtractGrafanaProcessorFromEnv,
	)
}

// ComposedSSEContextFunc sets up the full request context for the SSE
// transport, with per-request header overrides.
func ComposedSSEContextFunc(config GrafanaConfig) server.SSEContextFunc {
	return ComposeSSEContextFuncs(
		func(ctx context.Context, req *http.Request) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromHeaders,
		ExtractGrafanaProcessorFromHeaders,
	)
}

// ComposedHTTPContextFunc sets up the full request context for the
// streamable HTTP transport, with per-request header overrides.
func ComposedHTTPContextFunc(config GrafanaConfig) server.HTTPContextFunc {
	return ComposeHTTPContextFuncs(
		func(ctx context.Context, req *http.Request) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromHeaders,
		ExtractGrafanaProcessorFromHeaders,
	)
}

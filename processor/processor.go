// Package processor owns all knowledge of Grafana's REST endpoints. It
// translates tool-level operations into Grafana HTTP API calls,
// resolves time windows and dashboard template variables, and compacts
// query payloads before they are returned to a token-bounded client.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-openapi/runtime"
	"github.com/grafana/grafana-openapi-client-go/client"
	"github.com/grafana/grafana-openapi-client-go/client/dashboards"
	"github.com/grafana/grafana-openapi-client-go/client/folders"
	"github.com/grafana/grafana-openapi-client-go/client/search"
	"github.com/grafana/grafana-openapi-client-go/models"
	"github.com/prometheus/prometheus/promql/parser"
)

// Processor is the capability surface the tool router dispatches to.
// GrafanaProcessor is the only implementation today; a second
// monitoring backend would add another implementation behind the same
// interface.
type Processor interface {
	TestConnection(ctx context.Context) ConnectionStatus
	PromQLQuery(ctx context.Context, datasourceUID, expr string, tr TimeRange, stepSeconds int) (*CompactedResult, error)
	LokiQuery(ctx context.Context, datasourceUID, logql, duration string, limit int) (*CompactedResult, error)
	GetDashboardConfig(ctx context.Context, identifier string) (*Dashboard, error)
	QueryDashboardPanels(ctx context.Context, dashboardUID string, panelIDs []int, duration string, overrides map[string]string) (map[int]PanelResult, error)
	FetchLabelValues(ctx context.Context, datasourceUID, label, metricFilter string) ([]string, error)
	FetchDashboardVariables(ctx context.Context, dashboardUID string) (map[string]string, error)
	FetchAllDashboards(ctx context.Context) ([]DashboardSummary, error)
	FetchDatasources(ctx context.Context) ([]DatasourceSummary, error)
	FetchFolders(ctx context.Context) ([]FolderSummary, error)
}

// ConnectionStatus is the result of test_connection. An unreachable or
// misconfigured Grafana never raises; it is reported in Detail.
type ConnectionStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Dashboard is a read-only dashboard definition with its metadata.
type Dashboard struct {
	UID       string                `json:"uid"`
	Title     string                `json:"title"`
	Dashboard map[string]any        `json:"dashboard"`
	Meta      *models.DashboardMeta `json:"meta,omitempty"`
}

// DashboardSummary is one row of the dashboard listing.
type DashboardSummary struct {
	UID         string   `json:"uid"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	URL         string   `json:"url"`
	FolderTitle string   `json:"folderTitle,omitempty"`
	FolderUID   string   `json:"folderUid,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsStarred   bool     `json:"isStarred"`
}

// DatasourceSummary is one row of the datasource listing. Secure
// fields are reported by key only, with masked values.
type DatasourceSummary struct {
	ID             int64             `json:"id"`
	UID            string            `json:"uid"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	URL            string            `json:"url"`
	Access         string            `json:"access"`
	Database       string            `json:"database,omitempty"`
	IsDefault      bool              `json:"isDefault"`
	JSONData       map[string]any    `json:"jsonData,omitempty"`
	SecureJSONData map[string]string `json:"secureJsonData,omitempty"`
}

// FolderSummary is one row of the folder listing.
type FolderSummary struct {
	ID        int64  `json:"id"`
	UID       string `json:"uid"`
	Title     string `json:"title"`
	ParentUID string `json:"parentUid,omitempty"`
}

// Options configures a Grafana processor. HTTPClient handles the raw
// query endpoints (/api/ds/query and the datasource proxy); Client
// handles the metadata endpoints. Both must already carry auth-neutral
// transport configuration (TLS, tracing, user agent).
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Client     *client.GrafanaHTTPAPI
	Limits     CompactLimits
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Grafana implements Processor against the Grafana HTTP API.
type Grafana struct {
	baseURL string
	apiKey  string
	http    *http.Client
	client  *client.GrafanaHTTPAPI
	limits  CompactLimits
	now     func() time.Time
}

// New creates a Grafana processor. The processor performs no retries;
// retry policy belongs to the HTTP client it is handed.
func New(opts Options) *Grafana {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Grafana{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    httpClient,
		client:  opts.Client,
		limits:  opts.Limits.withDefaults(),
		now:     now,
	}
}

// TestConnection issues a lightweight authenticated GET against the
// datasource listing. It never returns an error: unreachable hosts and
// rejected credentials are reported in the status detail.
func (g *Grafana) TestConnection(ctx context.Context) ConnectionStatus {
	if _, err := g.get(ctx, "/api/datasources", nil); err != nil {
		perr := AsError(err)
		slog.Debug("Grafana connection test failed", "kind", perr.Kind, "error", perr.Message)
		return ConnectionStatus{OK: false, Detail: perr.Message}
	}
	return ConnectionStatus{OK: true, Detail: fmt.Sprintf("successfully connected to Grafana at %s", g.baseURL)}
}

// PromQLQuery validates and executes a PromQL expression against a
// Prometheus datasource. An instant query is issued when the range
// start equals its end, a range query otherwise.
func (g *Grafana) PromQLQuery(ctx context.Context, datasourceUID, expr string, tr TimeRange, stepSeconds int) (*CompactedResult, error) {
	if _, err := parser.ParseExpr(expr); err != nil {
		return nil, newError(KindInvalidArguments, "invalid PromQL expression %q: %v", expr, err)
	}
	ds, err := g.resolveDatasource(ctx, datasourceUID)
	if err != nil {
		return nil, err
	}
	return g.queryRange(ctx, ds.Type, datasourceUID, expr, tr, stepSeconds, 0)
}

// LokiQuery executes a LogQL query over a relative window anchored at
// call time. The default window is one hour when no duration is given.
func (g *Grafana) LokiQuery(ctx context.Context, datasourceUID, logql, duration string, limit int) (*CompactedResult, error) {
	if duration == "" {
		duration = "1h"
	}
	tr, err := ResolveTimeRange(duration, "", "", g.now())
	if err != nil {
		return nil, err
	}
	ds, err := g.resolveDatasource(ctx, datasourceUID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = g.limits.MaxLogLines
	}
	return g.queryRange(ctx, ds.Type, datasourceUID, logql, tr, 0, limit)
}

// GetDashboardConfig fetches a dashboard by UID, falling back to a
// title search when no dashboard has the given UID.
func (g *Grafana) GetDashboardConfig(ctx context.Context, identifier string) (*Dashboard, error) {
	dash, err := g.dashboardByUID(ctx, identifier)
	if err == nil {
		return dash, nil
	}
	perr := AsError(err)
	if perr.Kind != KindDashboardNotFound {
		return nil, err
	}
	uid, err := g.findDashboardByTitle(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return g.dashboardByUID(ctx, uid)
}

// FetchDashboardVariables is a thin pass-through to the template
// variable resolver.
func (g *Grafana) FetchDashboardVariables(ctx context.Context, dashboardUID string) (map[string]string, error) {
	return g.ResolveDashboardVariables(ctx, dashboardUID)
}

// FetchLabelValues queries the Prometheus label-values endpoint
// through the Grafana datasource proxy. An optional metric filter
// narrows the result to values co-occurring with that metric.
func (g *Grafana) FetchLabelValues(ctx context.Context, datasourceUID, label, metricFilter string) ([]string, error) {
	params := url.Values{}
	if metricFilter != "" {
		params.Set("match[]", metricFilter)
	}
	path := fmt.Sprintf("/api/datasources/proxy/uid/%s/api/v1/label/%s/values", datasourceUID, label)
	body, err := g.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Status string   `json:"status"`
		Data   []string `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, wrapError(KindResponseParseError, err, "decoding label values for %q: %v", label, err)
	}
	return resp.Data, nil
}

// FetchAllDashboards pages through the search endpoint and returns the
// concatenated dashboard summaries. Pagination is never exposed to the
// caller.
func (g *Grafana) FetchAllDashboards(ctx context.Context) ([]DashboardSummary, error) {
	dashboardType := "dash-db"
	pageSize := int64(listPageSize)
	var out []DashboardSummary
	for page := int64(1); ; page++ {
		p := page
		params := search.NewSearchParamsWithContext(ctx)
		params.SetType(&dashboardType)
		params.SetLimit(&pageSize)
		params.SetPage(&p)
		result, err := g.client.Search.Search(params)
		if err != nil {
			return nil, g.clientError("search dashboards", err)
		}
		for _, hit := range result.Payload {
			out = append(out, DashboardSummary{
				UID:         hit.UID,
				Title:       hit.Title,
				Type:        string(hit.Type),
				URL:         hit.URL,
				FolderTitle: hit.FolderTitle,
				FolderUID:   hit.FolderUID,
				Tags:        hit.Tags,
				IsStarred:   hit.IsStarred,
			})
		}
		if int64(len(result.Payload)) < pageSize {
			return out, nil
		}
	}
}

// FetchDatasources lists all configured datasources. Values of secure
// fields are never returned; only their keys, masked.
func (g *Grafana) FetchDatasources(ctx context.Context) ([]DatasourceSummary, error) {
	body, err := g.get(ctx, "/api/datasources", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID             int64          `json:"id"`
		UID            string         `json:"uid"`
		Name           string         `json:"name"`
		Type           string         `json:"type"`
		URL            string         `json:"url"`
		Access         string         `json:"access"`
		Database       string         `json:"database"`
		IsDefault      bool           `json:"isDefault"`
		JSONData       map[string]any `json:"jsonData"`
		SecureJSONData map[string]any `json:"secureJsonData"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, wrapError(KindResponseParseError, err, "decoding datasource list: %v", err)
	}
	out := make([]DatasourceSummary, 0, len(raw))
	for _, ds := range raw {
		summary := DatasourceSummary{
			ID:        ds.ID,
			UID:       ds.UID,
			Name:      ds.Name,
			Type:      ds.Type,
			URL:       ds.URL,
			Access:    ds.Access,
			Database:  ds.Database,
			IsDefault: ds.IsDefault,
			JSONData:  ds.JSONData,
		}
		if len(ds.SecureJSONData) > 0 {
			summary.SecureJSONData = make(map[string]string, len(ds.SecureJSONData))
			for key := range ds.SecureJSONData {
				summary.SecureJSONData[key] = "***"
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// FetchFolders pages through the folder listing and returns the
// concatenated summaries.
func (g *Grafana) FetchFolders(ctx context.Context) ([]FolderSummary, error) {
	pageSize := int64(listPageSize)
	var out []FolderSummary
	for page := int64(1); ; page++ {
		p := page
		params := folders.NewGetFoldersParamsWithContext(ctx).WithLimit(&pageSize).WithPage(&p)
		result, err := g.client.Folders.GetFolders(params)
		if err != nil {
			return nil, g.clientError("list folders", err)
		}
		for _, f := range result.Payload {
			out = append(out, FolderSummary{ID: f.ID, UID: f.UID, Title: f.Title, ParentUID: f.ParentUID})
		}
		if int64(len(result.Payload)) < pageSize {
			return out, nil
		}
	}
}

const listPageSize = 1000

func (g *Grafana) dashboardByUID(ctx context.Context, uid string) (*Dashboard, error) {
	result, err := g.client.Dashboards.GetDashboardByUID(uid)
	if err != nil {
		var notFound *dashboards.GetDashboardByUIDNotFound
		if errors.As(err, &notFound) {
			return nil, newError(KindDashboardNotFound, "no dashboard with uid %q", uid)
		}
		return nil, g.clientError(fmt.Sprintf("get dashboard %q", uid), err)
	}
	model, ok := result.Payload.Dashboard.(map[string]any)
	if !ok {
		return nil, newError(KindResponseParseError, "dashboard %q is not a JSON object", uid)
	}
	return &Dashboard{
		UID:       safeString(model, "uid"),
		Title:     safeString(model, "title"),
		Dashboard: model,
		Meta:      result.Payload.Meta,
	}, nil
}

func (g *Grafana) dashboardModel(ctx context.Context, uid string) (map[string]any, error) {
	dash, err := g.dashboardByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return dash.Dashboard, nil
}

// findDashboardByTitle searches for a dashboard by title. An exact
// title match wins; otherwise a unique hit is accepted.
func (g *Grafana) findDashboardByTitle(ctx context.Context, title string) (string, error) {
	dashboardType := "dash-db"
	params := search.NewSearchParamsWithContext(ctx)
	params.SetType(&dashboardType)
	params.SetQuery(&title)
	result, err := g.client.Search.Search(params)
	if err != nil {
		return "", g.clientError(fmt.Sprintf("search dashboard %q", title), err)
	}
	for _, hit := range result.Payload {
		if strings.EqualFold(hit.Title, title) {
			return hit.UID, nil
		}
	}
	if len(result.Payload) == 1 {
		return result.Payload[0].UID, nil
	}
	return "", newError(KindDashboardNotFound, "no dashboard with uid or title %q", title)
}

func (g *Grafana) resolveDatasource(ctx context.Context, uid string) (*models.DataSource, error) {
	result, err := g.client.Datasources.GetDataSourceByUID(uid)
	if err != nil {
		return nil, g.clientError(fmt.Sprintf("get datasource %q", uid), err)
	}
	return result.Payload, nil
}

// clientError maps errors from the OpenAPI client onto the processor
// taxonomy. Generated response errors and runtime.APIError both carry
// the status code; anything else is a transport failure.
func (g *Grafana) clientError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(KindTimeout, err, "%s: timed out", op)
	}
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.Code, fmt.Sprintf("%s: %v", op, err))
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return statusError(coded.Code(), fmt.Sprintf("%s: %v", op, err))
	}
	return wrapError(KindNetworkError, err, "%s: %v", op, err)
}

func (g *Grafana) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := g.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, wrapError(KindNetworkError, err, "creating request for %s: %v", path, err)
	}
	return g.do(req)
}

func (g *Grafana) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, wrapError(KindNetworkError, err, "encoding request for %s: %v", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return nil, wrapError(KindNetworkError, err, "creating request for %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *Grafana) do(req *http.Request) ([]byte, error) {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, wrapError(KindTimeout, err, "request to %s timed out", req.URL.Path)
		}
		return nil, wrapError(KindNetworkError, err, "request to %s failed: %v", req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(KindNetworkError, err, "reading response from %s: %v", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, truncateBody(body))
	}
	return body, nil
}

// truncateBody bounds error detail carried back to the client.
func truncateBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

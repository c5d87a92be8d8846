//go:build unit
// +build unit

package processor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/grafana/grafana-openapi-client-go/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// newTestGrafana wires a processor against an httptest server, with
// both the raw HTTP client and the OpenAPI client pointing at it.
func newTestGrafana(t *testing.T, handler http.Handler) (*Grafana, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cfg := client.DefaultTransportConfig()
	cfg.Host = u.Host
	cfg.Schemes = []string{"http"}

	g := New(Options{
		BaseURL: srv.URL,
		APIKey:  "test-token",
		Client:  client.NewHTTPClientWithConfig(strfmt.Default, cfg),
		Now:     func() time.Time { return testNow },
	})
	return g, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError mimics Grafana's error body shape so the generated
// client can decode typed error responses.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": message})
}

func prometheusDatasource(uid string) map[string]any {
	return map[string]any{"id": 1, "uid": uid, "name": "Prometheus", "type": "prometheus"}
}

// seriesResponse builds a /api/ds/query payload with one frame of n
// points.
func seriesResponse(n int) map[string]any {
	timestamps := make([]int64, n)
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		timestamps[i] = int64(i * 1000)
		values[i] = float64(i)
	}
	return map[string]any{
		"results": map[string]any{
			"A": map[string]any{
				"frames": []any{
					map[string]any{
						"schema": map[string]any{
							"fields": []any{
								map[string]any{"name": "Time", "type": "time"},
								map[string]any{"name": "Value", "type": "number", "labels": map[string]string{"job": "api"}},
							},
						},
						"data": map[string]any{"values": []any{timestamps, values}},
					},
				},
			},
		},
	}
}

func TestTestConnection(t *testing.T) {
	t.Run("reachable instance reports ok", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			writeJSON(w, []any{})
		}))
		status := g.TestConnection(t.Context())
		assert.True(t, status.OK)
	})

	t.Run("rejected credentials report auth failure without raising", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
		}))
		status := g.TestConnection(t.Context())
		assert.False(t, status.OK)
		assert.Contains(t, status.Detail, "authentication")
	})

	t.Run("unreachable host reports failure without raising", func(t *testing.T) {
		g, srv := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		status := g.TestConnection(t.Context())
		assert.False(t, status.OK)
		assert.NotEmpty(t, status.Detail)
	})
}

func TestPromQLQuery(t *testing.T) {
	t.Run("compacts long results", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case strings.HasPrefix(r.URL.Path, "/api/datasources/uid/"):
				writeJSON(w, prometheusDatasource("prom-1"))
			case r.URL.Path == "/api/ds/query":
				var req dsQueryRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				require.Len(t, req.Queries, 1)
				assert.Equal(t, "A", req.Queries[0].RefID)
				assert.True(t, req.Queries[0].Range)
				writeJSON(w, seriesResponse(400))
			default:
				t.Errorf("unexpected request to %s", r.URL.Path)
			}
		}))

		tr := TimeRange{Start: testNow.Add(-3 * time.Hour), End: testNow}
		result, err := g.PromQLQuery(t.Context(), "prom-1", `rate(http_requests_total[5m])`, tr, 0)
		require.NoError(t, err)
		require.Len(t, result.Series, 1)
		assert.Len(t, result.Series[0].Points, DefaultCompactLimits.MaxPointsPerSeries)
		assert.Contains(t, result.Applied, "downsample")
	})

	t.Run("rejects malformed PromQL before any request", func(t *testing.T) {
		var calls atomic.Int32
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		tr := TimeRange{Start: testNow.Add(-time.Hour), End: testNow}
		_, err := g.PromQLQuery(t.Context(), "prom-1", `rate(http_requests_total[5m`, tr, 0)
		require.Error(t, err)
		assert.Equal(t, KindInvalidArguments, AsError(err).Kind)
		assert.Zero(t, calls.Load())
	})

	t.Run("maps 403 to auth error", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, http.StatusForbidden, "forbidden")
		}))
		tr := TimeRange{Start: testNow.Add(-time.Hour), End: testNow}
		_, err := g.PromQLQuery(t.Context(), "prom-1", "up", tr, 0)
		require.Error(t, err)
		assert.Equal(t, KindAuthError, AsError(err).Kind)
	})
}

func lokiLogResponse() map[string]any {
	return map[string]any{
		"results": map[string]any{
			"A": map[string]any{
				"frames": []any{
					map[string]any{
						"schema": map[string]any{
							"fields": []any{
								map[string]any{"name": "Time", "type": "time"},
								map[string]any{"name": "Line", "type": "string", "labels": map[string]string{"app": "api"}},
							},
						},
						"data": map[string]any{"values": []any{
							[]int64{1000, 2000, 3000},
							[]string{"first", "second", "third"},
						}},
					},
				},
			},
		},
	}
}

func lokiLogLinesResponse(n int) map[string]any {
	timestamps := make([]int64, n)
	lines := make([]string, n)
	for i := range timestamps {
		timestamps[i] = int64((i + 1) * 1000)
		lines[i] = fmt.Sprintf("line-%d", i)
	}
	return map[string]any{
		"results": map[string]any{
			"A": map[string]any{
				"frames": []any{
					map[string]any{
						"schema": map[string]any{
							"fields": []any{
								map[string]any{"name": "Time", "type": "time"},
								map[string]any{"name": "Line", "type": "string", "labels": map[string]string{"app": "api"}},
							},
						},
						"data": map[string]any{"values": []any{timestamps, lines}},
					},
				},
			},
		},
	}
}

func lokiTestServer(t *testing.T, wantMaxLines int, response map[string]any) *Grafana {
	t.Helper()
	g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/datasources/uid/"):
			writeJSON(w, map[string]any{"id": 2, "uid": "loki-1", "name": "Loki", "type": "loki"})
		case r.URL.Path == "/api/ds/query":
			var req dsQueryRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, wantMaxLines, req.Queries[0].MaxLines)
			writeJSON(w, response)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	return g
}

func TestLokiQuery(t *testing.T) {
	t.Run("limit below the default cap tails the stream", func(t *testing.T) {
		g := lokiTestServer(t, 2, lokiLogResponse())

		result, err := g.LokiQuery(t.Context(), "loki-1", `{app="api"}`, "", 2)
		require.NoError(t, err)
		require.Len(t, result.Streams, 1)
		// The two most recent lines survive the cap.
		require.Len(t, result.Streams[0].Lines, 2)
		assert.Equal(t, "second", result.Streams[0].Lines[0].Line)
		assert.Equal(t, "third", result.Streams[0].Lines[1].Line)
		assert.True(t, result.Truncated)
	})

	t.Run("limit above the default cap keeps every line", func(t *testing.T) {
		g := lokiTestServer(t, 150, lokiLogLinesResponse(150))

		result, err := g.LokiQuery(t.Context(), "loki-1", `{app="api"}`, "", 150)
		require.NoError(t, err)
		require.Len(t, result.Streams, 1)
		assert.Len(t, result.Streams[0].Lines, 150)
		assert.False(t, result.Truncated)
	})
}

func dashboardResponse(dash map[string]any) map[string]any {
	return map[string]any{
		"dashboard": dash,
		"meta":      map[string]any{"slug": "test"},
	}
}

func TestGetDashboardConfig(t *testing.T) {
	dash := map[string]any{"uid": "dash-1", "title": "API Overview"}

	t.Run("by uid", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/dashboards/uid/dash-1", r.URL.Path)
			writeJSON(w, dashboardResponse(dash))
		}))
		got, err := g.GetDashboardConfig(t.Context(), "dash-1")
		require.NoError(t, err)
		assert.Equal(t, "dash-1", got.UID)
		assert.Equal(t, "API Overview", got.Title)
	})

	t.Run("falls back to title search", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/dashboards/uid/API Overview":
				writeJSONError(w, http.StatusNotFound, "Dashboard not found")
			case r.URL.Path == "/api/search":
				assert.Equal(t, "API Overview", r.URL.Query().Get("query"))
				writeJSON(w, []any{map[string]any{"uid": "dash-1", "title": "API Overview", "type": "dash-db"}})
			case r.URL.Path == "/api/dashboards/uid/dash-1":
				writeJSON(w, dashboardResponse(dash))
			default:
				t.Errorf("unexpected request to %s", r.URL.Path)
			}
		}))
		got, err := g.GetDashboardConfig(t.Context(), "API Overview")
		require.NoError(t, err)
		assert.Equal(t, "dash-1", got.UID)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/search" {
				writeJSON(w, []any{})
				return
			}
			writeJSONError(w, http.StatusNotFound, "Dashboard not found")
		}))
		_, err := g.GetDashboardConfig(t.Context(), "nope")
		require.Error(t, err)
		assert.Equal(t, KindDashboardNotFound, AsError(err).Kind)
	})
}

func TestFetchLabelValues(t *testing.T) {
	g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasources/proxy/uid/prom-1/api/v1/label/job/values", r.URL.Path)
		assert.Equal(t, "up", r.URL.Query().Get("match[]"))
		writeJSON(w, map[string]any{"status": "success", "data": []string{"api", "worker"}})
	}))
	values, err := g.FetchLabelValues(t.Context(), "prom-1", "job", "up")
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "worker"}, values)
}

func TestFetchDatasourcesMasksSecureFields(t *testing.T) {
	g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{
			map[string]any{
				"id": 1, "uid": "prom-1", "name": "Prometheus", "type": "prometheus",
				"secureJsonData": map[string]any{"basicAuthPassword": "hunter2"},
			},
		})
	}))
	dss, err := g.FetchDatasources(t.Context())
	require.NoError(t, err)
	require.Len(t, dss, 1)
	assert.Equal(t, map[string]string{"basicAuthPassword": "***"}, dss[0].SecureJSONData)
}

func panelDashboard() map[string]any {
	panel := func(id int, title, expr string) map[string]any {
		return map[string]any{
			"id": float64(id), "title": title, "type": "timeseries",
			"datasource": map[string]any{"uid": "prom-1", "type": "prometheus"},
			"targets":    []any{map[string]any{"expr": expr}},
		}
	}
	return map[string]any{
		"uid": "dash-1", "title": "API Overview",
		"panels": []any{
			panel(1, "Requests", "rate(http_requests_total[5m])"),
			panel(2, "Errors", "rate(http_errors_total[5m])"),
			panel(3, "Boom", "boom_metric"),
			panel(4, "Latency", "histogram_quantile(0.99, latency_bucket)"),
		},
	}
}

func TestQueryDashboardPanels(t *testing.T) {
	t.Run("rejects empty and oversized batches before any request", func(t *testing.T) {
		var calls atomic.Int32
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))

		_, err := g.QueryDashboardPanels(t.Context(), "dash-1", nil, "", nil)
		require.Error(t, err)
		assert.Equal(t, KindNoPanelsSpecified, AsError(err).Kind)

		_, err = g.QueryDashboardPanels(t.Context(), "dash-1", []int{1, 2, 3, 4, 5}, "", nil)
		require.Error(t, err)
		assert.Equal(t, KindTooManyPanels, AsError(err).Kind)

		assert.Zero(t, calls.Load(), "batch validation must precede any Grafana call")
	})

	t.Run("isolates per-panel failures", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/dashboards/uid/dash-1":
				writeJSON(w, dashboardResponse(panelDashboard()))
			case r.URL.Path == "/api/ds/query":
				var req dsQueryRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				if strings.Contains(req.Queries[0].Expr, "boom") {
					http.Error(w, "query evaluation failed", http.StatusInternalServerError)
					return
				}
				writeJSON(w, seriesResponse(10))
			default:
				t.Errorf("unexpected request to %s", r.URL.Path)
			}
		}))

		results, err := g.QueryDashboardPanels(t.Context(), "dash-1", []int{1, 2, 3, 4}, "1h", nil)
		require.NoError(t, err)
		require.Len(t, results, 4)

		for _, id := range []int{1, 2, 4} {
			r := results[id]
			assert.Nil(t, r.Error, "panel %d should succeed", id)
			require.NotNil(t, r.Data, "panel %d should carry data", id)
			assert.Len(t, r.Data.Series, 1)
		}
		boom := results[3]
		require.NotNil(t, boom.Error)
		assert.Equal(t, KindGrafanaAPIError, boom.Error.Kind)
		assert.Equal(t, "Boom", boom.Title)
		assert.Nil(t, boom.Data)
	})

	t.Run("unknown panel id is an isolated error", func(t *testing.T) {
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/dashboards/uid/dash-1":
				writeJSON(w, dashboardResponse(panelDashboard()))
			case r.URL.Path == "/api/ds/query":
				writeJSON(w, seriesResponse(10))
			}
		}))

		results, err := g.QueryDashboardPanels(t.Context(), "dash-1", []int{1, 99}, "1h", nil)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Nil(t, results[1].Error)
		require.NotNil(t, results[99].Error)
		assert.Equal(t, KindInvalidArguments, results[99].Error.Kind)
	})

	t.Run("substitutes dashboard variables with overrides winning", func(t *testing.T) {
		dash := map[string]any{
			"uid": "dash-1", "title": "API Overview",
			"templating": map[string]any{"list": []any{
				map[string]any{"name": "env", "current": map[string]any{"value": "staging"}},
			}},
			"panels": []any{map[string]any{
				"id": float64(1), "title": "Requests", "type": "timeseries",
				"datasource": map[string]any{"uid": "prom-1", "type": "prometheus"},
				"targets":    []any{map[string]any{"expr": `rate(http_requests_total{env="$env"}[5m])`}},
			}},
		}
		var gotExpr atomic.Value
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/dashboards/uid/dash-1":
				writeJSON(w, dashboardResponse(dash))
			case r.URL.Path == "/api/ds/query":
				var req dsQueryRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				gotExpr.Store(req.Queries[0].Expr)
				writeJSON(w, seriesResponse(10))
			}
		}))

		results, err := g.QueryDashboardPanels(t.Context(), "dash-1", []int{1}, "1h", map[string]string{"env": "prod"})
		require.NoError(t, err)
		assert.Nil(t, results[1].Error)
		assert.Equal(t, `rate(http_requests_total{env="prod"}[5m])`, gotExpr.Load())
	})

	t.Run("unresolved variable blocks dispatch for that panel", func(t *testing.T) {
		dash := map[string]any{
			"uid": "dash-1", "title": "API Overview",
			"panels": []any{map[string]any{
				"id": float64(1), "title": "Requests", "type": "timeseries",
				"datasource": map[string]any{"uid": "prom-1", "type": "prometheus"},
				"targets":    []any{map[string]any{"expr": `up{job="$job"}`}},
			}},
		}
		var queryCalls atomic.Int32
		g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/dashboards/uid/dash-1":
				writeJSON(w, dashboardResponse(dash))
			case r.URL.Path == "/api/ds/query":
				queryCalls.Add(1)
			}
		}))

		results, err := g.QueryDashboardPanels(t.Context(), "dash-1", []int{1}, "1h", nil)
		require.NoError(t, err)
		require.NotNil(t, results[1].Error)
		assert.Equal(t, KindUnresolvedVariable, results[1].Error.Kind)
		assert.Zero(t, queryCalls.Load(), "unresolved placeholders must never reach Grafana")
	})
}

func TestFetchFolders(t *testing.T) {
	g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/folders", r.URL.Path)
		writeJSON(w, []any{
			map[string]any{"id": 1, "uid": "fold-1", "title": "Production"},
			map[string]any{"id": 2, "uid": "fold-2", "title": "Staging", "parentUid": "fold-1"},
		})
	}))
	folders, err := g.FetchFolders(t.Context())
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "fold-1", folders[0].UID)
	assert.Equal(t, "fold-1", folders[1].ParentUID)
}

func TestFetchAllDashboardsPaginates(t *testing.T) {
	g, _ := newTestGrafana(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/search", r.URL.Path)
		page := r.URL.Query().Get("page")
		if page == "1" {
			hits := make([]any, listPageSize)
			for i := range hits {
				hits[i] = map[string]any{"uid": "dash", "title": "d", "type": "dash-db"}
			}
			writeJSON(w, hits)
			return
		}
		writeJSON(w, []any{map[string]any{"uid": "last", "title": "last", "type": "dash-db"}})
	}))
	dashboards, err := g.FetchAllDashboards(t.Context())
	require.NoError(t, err)
	assert.Len(t, dashboards, listPageSize+1)
	assert.Equal(t, "last", dashboards[len(dashboards)-1].UID)
}

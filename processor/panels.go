package processor

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxPanelsPerBatch caps a dashboard panel batch. The cap is enforced
// before any HTTP call is made.
const maxPanelsPerBatch = 4

// PanelResult is the outcome for one requested panel: either compacted
// data or an isolated error marker. Every requested panel id gets
// exactly one entry.
type PanelResult struct {
	PanelID int              `json:"panelId"`
	Title   string           `json:"title,omitempty"`
	Type    string           `json:"type,omitempty"`
	Data    *CompactedResult `json:"data,omitempty"`
	Error   *PanelError      `json:"error,omitempty"`
}

// PanelError carries a per-panel failure without aborting siblings.
type PanelError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// QueryDashboardPanels evaluates up to four panels of one dashboard
// concurrently. The time range and the template variable mapping are
// computed once, before any panel query starts, and are read-only for
// all panels; one panel's failure never cancels its siblings.
func (g *Grafana) QueryDashboardPanels(ctx context.Context, dashboardUID string, panelIDs []int, duration string, overrides map[string]string) (map[int]PanelResult, error) {
	if len(panelIDs) == 0 {
		return nil, newError(KindNoPanelsSpecified, "at least one panel id is required")
	}
	if len(panelIDs) > maxPanelsPerBatch {
		return nil, newError(KindTooManyPanels, "at most %d panels can be queried at once, got %d", maxPanelsPerBatch, len(panelIDs))
	}

	dash, err := g.dashboardModel(ctx, dashboardUID)
	if err != nil {
		return nil, err
	}

	// Shared batch state: one anchor instant and one variable mapping
	// for every panel, so the batch is temporally consistent.
	if duration == "" {
		duration = "3h"
	}
	tr, err := ResolveTimeRange(duration, "", "", g.now())
	if err != nil {
		return nil, err
	}
	vars, err := g.resolveVariables(ctx, dash)
	if err != nil {
		return nil, err
	}
	for name, value := range overrides {
		vars[name] = value
	}

	results := make([]PanelResult, len(panelIDs))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(maxPanelsPerBatch)
	for i, id := range panelIDs {
		grp.Go(func() error {
			results[i] = g.queryOnePanel(gctx, dash, id, tr, vars)
			return nil
		})
	}
	// Tasks never return errors; Wait is the join barrier.
	_ = grp.Wait()

	out := make(map[int]PanelResult, len(results))
	for _, r := range results {
		out[r.PanelID] = r
	}
	return out, nil
}

func (g *Grafana) queryOnePanel(ctx context.Context, dash map[string]any, panelID int, tr TimeRange, vars map[string]string) PanelResult {
	result := PanelResult{PanelID: panelID}
	fail := func(err error) PanelResult {
		perr := AsError(err)
		result.Error = &PanelError{Kind: perr.Kind, Message: perr.Message}
		return result
	}

	panel := findPanel(dash, panelID)
	if panel == nil {
		return fail(newError(KindInvalidArguments, "panel %d not found in dashboard", panelID))
	}
	result.Title = safeString(panel, "title")
	result.Type = safeString(panel, "type")

	expr, dsUID, dsType, err := extractPanelQuery(panel)
	if err != nil {
		return fail(err)
	}

	// A panel is only ever evaluated against its own declared
	// datasource; variable-typed datasource refs resolve through the
	// shared mapping.
	if name := datasourceVariableName(dsUID); name != "" {
		resolved, ok := vars[name]
		if !ok || resolved == "" {
			return fail(newError(KindUnresolvedVariable, "panel %d datasource variable %q is unresolved", panelID, name))
		}
		dsUID = resolved
	}

	expr = SubstituteVariables(expr, vars)
	expr = substituteMacros(expr, tr)
	if unresolved := UnresolvedVariables(expr); len(unresolved) > 0 {
		return fail(newError(KindUnresolvedVariable, "panel %d query has unresolved variables: %s", panelID, strings.Join(unresolved, ", ")))
	}

	if dsType == "" {
		ds, err := g.resolveDatasource(ctx, dsUID)
		if err != nil {
			return fail(err)
		}
		dsType = ds.Type
	}

	data, err := g.queryRange(ctx, dsType, dsUID, expr, tr, 0, g.limits.MaxLogLines)
	if err != nil {
		return fail(err)
	}
	result.Data = data
	return result
}

// findPanel locates a panel by id, descending into row containers.
func findPanel(dash map[string]any, panelID int) map[string]any {
	panels := safeArray(dash, "panels")
	if len(panels) == 0 {
		// Legacy layout nests panels under rows.
		for _, raw := range safeArray(dash, "rows") {
			row, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			panels = append(panels, safeArray(row, "panels")...)
		}
	}
	for _, raw := range panels {
		panel, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if safeInt(panel, "id") == panelID {
			return panel
		}
		if safeString(panel, "type") == "row" {
			for _, nestedRaw := range safeArray(panel, "panels") {
				nested, ok := nestedRaw.(map[string]any)
				if !ok {
					continue
				}
				if safeInt(nested, "id") == panelID {
					return nested
				}
			}
		}
	}
	return nil
}

// extractPanelQuery pulls the first target's expression and datasource
// from a panel, preferring target-level datasource over panel-level.
func extractPanelQuery(panel map[string]any) (expr, dsUID, dsType string, err error) {
	targets := safeArray(panel, "targets")
	if len(targets) == 0 {
		return "", "", "", newError(KindInvalidArguments, "panel %d has no query targets", safeInt(panel, "id"))
	}
	target, ok := targets[0].(map[string]any)
	if !ok {
		return "", "", "", newError(KindResponseParseError, "panel %d target is not a JSON object", safeInt(panel, "id"))
	}
	expr = safeString(target, "expr")
	if expr == "" {
		expr = safeString(target, "query")
	}
	if expr == "" {
		return "", "", "", newError(KindInvalidArguments, "panel %d target has no query expression", safeInt(panel, "id"))
	}

	dsUID, dsType = datasourceRef(target["datasource"])
	if dsUID == "" {
		dsUID, dsType = datasourceRef(panel["datasource"])
	}
	if dsUID == "" {
		return "", "", "", newError(KindInvalidArguments, "panel %d has no datasource", safeInt(panel, "id"))
	}
	return expr, dsUID, dsType, nil
}

// datasourceRef handles both the object form {"uid": ..., "type": ...}
// and the legacy plain-string form.
func datasourceRef(raw any) (uid, dsType string) {
	switch ds := raw.(type) {
	case string:
		return ds, ""
	case map[string]any:
		uid = safeString(ds, "uid")
		if uid == "" {
			uid = safeString(ds, "id")
		}
		return uid, safeString(ds, "type")
	}
	return "", ""
}

// datasourceVariableName returns the variable name when a datasource
// uid is a template reference like "$ds", "${ds}" or "[[ds]]".
func datasourceVariableName(uid string) string {
	if inner, ok := strings.CutPrefix(uid, "${"); ok {
		return strings.TrimSuffix(inner, "}")
	}
	if inner, ok := strings.CutPrefix(uid, "[["); ok {
		return strings.TrimSuffix(inner, "]]")
	}
	if inner, ok := strings.CutPrefix(uid, "$"); ok {
		return inner
	}
	return ""
}

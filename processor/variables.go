package processor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const minMacroInterval = time.Second

// Template variable placeholders come in three spellings: $name,
// ${name} and [[name]]. Grafana's built-in macros ($__interval and
// friends) are substituted separately and never treated as dashboard
// variables.
var (
	variableRefPattern  = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}|\$([a-zA-Z_][a-zA-Z0-9_]*)|\[\[([a-zA-Z_][a-zA-Z0-9_]*)\]\]`)
	labelValuesPattern  = regexp.MustCompile(`^label_values\((?:(.+),\s*)?([a-zA-Z_][a-zA-Z0-9_]*)\)$`)
	builtinMacroPattern = regexp.MustCompile(`^__`)
)

// ResolveDashboardVariables fetches a dashboard's template variables
// and returns the mapping from variable name to its resolved value.
// Variables are resolved independently; evaluation order does not
// affect the result.
func (g *Grafana) ResolveDashboardVariables(ctx context.Context, dashboardUID string) (map[string]string, error) {
	dash, err := g.dashboardModel(ctx, dashboardUID)
	if err != nil {
		return nil, err
	}
	return g.resolveVariables(ctx, dash)
}

func (g *Grafana) resolveVariables(ctx context.Context, dash map[string]any) (map[string]string, error) {
	vars := extractTemplateVariables(dash)
	for _, v := range pendingQueryVariables(dash, vars) {
		value, err := g.resolveQueryVariable(ctx, v)
		if err != nil {
			return nil, err
		}
		vars[v.name] = value
	}
	return vars, nil
}

// extractTemplateVariables reads currently selected values from the
// dashboard's templating list. Multi-value selections contribute their
// first value; the display text is a fallback unless it is "All".
func extractTemplateVariables(dash map[string]any) map[string]string {
	vars := make(map[string]string)
	templating := safeObject(dash, "templating")
	if templating == nil {
		return vars
	}
	for _, raw := range safeArray(templating, "list") {
		variable, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := safeString(variable, "name")
		if name == "" {
			continue
		}
		current := safeObject(variable, "current")
		if current == nil {
			continue
		}
		value := ""
		switch v := current["value"].(type) {
		case string:
			value = v
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok {
					value = s
				}
			}
		}
		if value == "" {
			if text, ok := current["text"].(string); ok && text != "All" {
				value = text
			}
		}
		// Empty selections stay out of the map so their placeholders
		// surface as unresolved instead of substituting to "".
		if value != "" {
			vars[name] = value
		}
	}
	return vars
}

type queryVariable struct {
	name          string
	query         string
	datasourceUID string
}

// pendingQueryVariables returns the query-type variables that still
// have no value and must be resolved with a label-values lookup.
func pendingQueryVariables(dash map[string]any, vars map[string]string) []queryVariable {
	var pending []queryVariable
	templating := safeObject(dash, "templating")
	if templating == nil {
		return pending
	}
	for _, raw := range safeArray(templating, "list") {
		variable, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := safeString(variable, "name")
		if name == "" || vars[name] != "" || safeString(variable, "type") != "query" {
			continue
		}
		qv := queryVariable{name: name}
		switch q := variable["query"].(type) {
		case string:
			qv.query = q
		case map[string]any:
			qv.query = safeString(q, "query")
		}
		if ds := safeObject(variable, "datasource"); ds != nil {
			qv.datasourceUID = safeString(ds, "uid")
		}
		pending = append(pending, qv)
	}
	return pending
}

// resolveQueryVariable evaluates a label_values(...) variable query
// against the variable's declared datasource and takes the first
// returned value. Variables whose query cannot be evaluated fail the
// whole resolution.
func (g *Grafana) resolveQueryVariable(ctx context.Context, v queryVariable) (string, error) {
	label := v.name
	metricFilter := ""
	if m := labelValuesPattern.FindStringSubmatch(strings.TrimSpace(v.query)); m != nil {
		metricFilter = strings.TrimSpace(m[1])
		label = m[2]
	}
	if v.datasourceUID == "" {
		return "", newError(KindVariableResolution, "variable %q has no datasource to resolve against", v.name)
	}
	values, err := g.FetchLabelValues(ctx, v.datasourceUID, label, metricFilter)
	if err != nil {
		return "", wrapError(KindVariableResolution, err, "resolving variable %q: %s", v.name, AsError(err).Message)
	}
	if len(values) == 0 {
		return "", newError(KindVariableResolution, "variable %q resolved to no values", v.name)
	}
	return values[0], nil
}

// SubstituteVariables replaces every $name, ${name} and [[name]]
// occurrence with the mapped value. Substitution is idempotent once
// all placeholders are resolved.
func SubstituteVariables(expr string, vars map[string]string) string {
	for name, value := range vars {
		expr = strings.ReplaceAll(expr, "${"+name+"}", value)
		expr = strings.ReplaceAll(expr, "[["+name+"]]", value)
		// Word-boundary replacement so $job does not clobber $jobname.
		pattern := regexp.MustCompile(`\$` + regexp.QuoteMeta(name) + `\b`)
		expr = pattern.ReplaceAllString(expr, value)
	}
	return expr
}

// UnresolvedVariables returns the names of placeholders still present
// in an expression. A non-empty result must block dispatch: an
// unresolved placeholder is never sent to Grafana.
func UnresolvedVariables(expr string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range variableRefPattern.FindAllStringSubmatch(expr, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if name == "" {
			name = m[3]
		}
		if builtinMacroPattern.MatchString(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// substituteMacros fills in Grafana's temporal macros for queries
// lifted out of dashboard panels.
func substituteMacros(expr string, tr TimeRange) string {
	window := tr.End.Sub(tr.Start)
	expr = strings.ReplaceAll(expr, "$__range", formatPromDuration(window))
	expr = strings.ReplaceAll(expr, "$__rate_interval", "1m")

	interval := window / 100
	if interval < minMacroInterval {
		interval = minMacroInterval
	}
	// $__interval_ms first: $__interval is its prefix.
	expr = strings.ReplaceAll(expr, "$__interval_ms", fmt.Sprintf("%d", interval.Milliseconds()))
	expr = strings.ReplaceAll(expr, "${__interval}", formatPromDuration(interval))
	expr = strings.ReplaceAll(expr, "$__interval", formatPromDuration(interval))
	return expr
}

func formatPromDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, mins)
}

func safeString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func safeInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func safeObject(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

func safeArray(m map[string]any, key string) []any {
	a, _ := m[key].([]any)
	return a
}

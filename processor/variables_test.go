//go:build unit
// +build unit

package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteVariables(t *testing.T) {
	vars := map[string]string{"job": "api", "env": "prod"}
	cases := []struct {
		in   string
		want string
	}{
		{`up{job="$job"}`, `up{job="api"}`},
		{`up{job="${job}"}`, `up{job="api"}`},
		{`up{job="[[job]]"}`, `up{job="api"}`},
		{`up{job="$job",env="$env"}`, `up{job="api",env="prod"}`},
		{`up{job="$jobname"}`, `up{job="$jobname"}`},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, SubstituteVariables(tc.in, vars))
		})
	}
}

func TestSubstituteVariablesIsIdempotent(t *testing.T) {
	vars := map[string]string{"job": "api"}
	once := SubstituteVariables(`rate(http_requests{job="$job"}[5m])`, vars)
	twice := SubstituteVariables(once, vars)
	assert.Equal(t, once, twice)
}

func TestUnresolvedVariables(t *testing.T) {
	names := UnresolvedVariables(`up{job="$job",env="${env}",dc="[[dc]]"}`)
	assert.Equal(t, []string{"job", "env", "dc"}, names)
}

func TestUnresolvedVariablesIgnoresBuiltinMacros(t *testing.T) {
	names := UnresolvedVariables(`rate(up[$__interval]) * $__range_s`)
	assert.Empty(t, names)
}

func TestUnresolvedVariablesDeduplicates(t *testing.T) {
	names := UnresolvedVariables(`$job + $job + ${job}`)
	assert.Equal(t, []string{"job"}, names)
}

func TestExtractTemplateVariables(t *testing.T) {
	dash := map[string]any{
		"templating": map[string]any{
			"list": []any{
				map[string]any{
					"name":    "env",
					"current": map[string]any{"value": "prod"},
				},
				map[string]any{
					"name":    "cluster",
					"current": map[string]any{"value": []any{"us-east-1", "us-west-2"}},
				},
				map[string]any{
					"name":    "pod",
					"current": map[string]any{"value": "", "text": "All"},
				},
				map[string]any{
					"name": "region",
				},
			},
		},
	}
	vars := extractTemplateVariables(dash)
	assert.Equal(t, "prod", vars["env"])
	assert.Equal(t, "us-east-1", vars["cluster"], "multi-value takes the first selection")
	assert.NotContains(t, vars, "pod", `"All" text is not a usable value`)
	assert.NotContains(t, vars, "region", "variables without a selection stay unmapped")
}

func TestEmptySelectionsLeavePlaceholdersUnresolved(t *testing.T) {
	dash := map[string]any{
		"templating": map[string]any{
			"list": []any{
				map[string]any{
					"name":    "env",
					"current": map[string]any{"value": "", "text": "All"},
				},
			},
		},
	}
	vars := extractTemplateVariables(dash)
	expr := SubstituteVariables(`up{env="$env"}`, vars)
	assert.Equal(t, `up{env="$env"}`, expr)
	assert.Equal(t, []string{"env"}, UnresolvedVariables(expr))
}

func TestSubstituteMacros(t *testing.T) {
	tr := TimeRange{
		Start: time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	out := substituteMacros(`sum_over_time(up[$__range]) + rate(up[$__interval]) + $__interval_ms`, tr)
	assert.NotContains(t, out, "$__range")
	assert.NotContains(t, out, "$__interval")
	assert.Contains(t, out, "3h")
	// 3h window / 100 = 108s interval.
	assert.Contains(t, out, "108000")
}

func TestLabelValuesPattern(t *testing.T) {
	cases := []struct {
		query  string
		metric string
		label  string
	}{
		{"label_values(job)", "", "job"},
		{"label_values(up, instance)", "up", "instance"},
		{`label_values(http_requests{env="prod"}, job)`, `http_requests{env="prod"}`, "job"},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			m := labelValuesPattern.FindStringSubmatch(tc.query)
			if assert.NotNil(t, m) {
				assert.Equal(t, tc.metric, m[1])
				assert.Equal(t, tc.label, m[2])
			}
		})
	}
}

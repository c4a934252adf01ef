package risk_test

import (
	"testing"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/risk"

	"github.com/stretchr/testify/require"
)

func finding(sev model.Severity) model.Finding {
	return model.Finding{Description: "x", Severity: sev, Domain: model.DomainNetwork}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    []model.Severity
		then     model.Summary
	}{
		{
			scenario: "clean",
			given:    nil,
			then:     model.Summary{RiskLevel: model.RiskClean},
		},
		{
			scenario: "single high",
			given:    []model.Severity{model.SeverityHigh},
			then:     model.Summary{TotalIssues: 1, High: 1, RiskLevel: model.RiskHigh},
		},
		{
			scenario: "critical dominates",
			given: []model.Severity{
				model.SeverityLow, model.SeverityLow, model.SeverityLow,
				model.SeverityMedium, model.SeverityCritical,
			},
			then: model.Summary{TotalIssues: 5, Critical: 1, Medium: 1, Low: 3, RiskLevel: model.RiskCritical},
		},
		{
			scenario: "only low",
			given:    []model.Severity{model.SeverityLow, model.SeverityLow},
			then:     model.Summary{TotalIssues: 2, Low: 2, RiskLevel: model.RiskLow},
		},
		{
			scenario: "unknown severity ignored",
			given:    []model.Severity{"info", model.SeverityMedium},
			then:     model.Summary{TotalIssues: 1, Medium: 1, RiskLevel: model.RiskMedium},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var res model.NetworkResult
			for _, sev := range tc.given {
				res.Findings = append(res.Findings, finding(sev))
			}
			got := risk.Summarize(res)
			require.Equal(t, tc.then, got)
			require.Equal(t, got.Critical+got.High+got.Medium+got.Low, got.TotalIssues)
		})
	}
}

func TestSummarizeAcrossDomains(t *testing.T) {
	t.Parallel()

	report := model.Report{
		Network: model.NetworkResult{
			Status: model.Available(),
			Findings: []model.Finding{{
				Description: "Dangerous port 3306 exposed",
				Severity:    model.SeverityHigh,
				Domain:      model.DomainNetwork,
				Port:        3306,
			}},
		},
		Containers: model.ContainerResult{Status: model.Unavailable("runtime unreachable")},
	}
	got := risk.Summarize(report.Results()...)
	require.Equal(t, model.Summary{TotalIssues: 1, High: 1, RiskLevel: model.RiskHigh}, got)
}

func TestLevelMonotonic(t *testing.T) {
	t.Parallel()

	all := append([]model.Severity{}, model.Severities...)
	bases := [][]model.Severity{
		nil,
		{model.SeverityLow},
		{model.SeverityMedium, model.SeverityLow},
		{model.SeverityHigh},
		{model.SeverityCritical, model.SeverityLow},
	}
	for _, base := range bases {
		var s model.Summary
		for _, sev := range base {
			s = risk.Add(s, finding(sev))
		}
		before := s.RiskLevel
		for _, sev := range all {
			after := risk.Add(s, finding(sev)).RiskLevel
			require.GreaterOrEqualf(t, after.Rank(), before.Rank(),
				"adding %s to %v lowered %s to %s", sev, base, before, after)
		}
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, model.RiskCritical, risk.Level(model.Summary{Critical: 1, Low: 100}))
	require.Equal(t, model.RiskHigh, risk.Level(model.Summary{High: 1, Medium: 100}))
	require.Equal(t, model.RiskMedium, risk.Level(model.Summary{Medium: 1, Low: 9}))
	require.Equal(t, model.RiskLow, risk.Level(model.Summary{Low: 1}))
	require.Equal(t, model.RiskClean, risk.Level(model.Summary{}))
}

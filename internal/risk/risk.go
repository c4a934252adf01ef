// Package risk reduces findings of all domains into a Summary.
//
// The risk level follows strict severity dominance: the worst severity
// present decides, no matter how many findings of lower severity exist.
package risk

import (
	"github.com/vigil-xy/vigil/internal/model"
)

// Summarize counts findings of the given domain results.
func Summarize(results ...model.DomainResult) model.Summary {
	var s model.Summary
	for _, r := range results {
		if r == nil {
			continue
		}
		s = Add(s, r.Issues()...)
	}
	s.RiskLevel = Level(s)
	return s
}

// Add returns s with the findings counted in. Findings with an unknown
// severity are ignored, so TotalIssues always equals the sum of the four
// per-severity counters.
func Add(s model.Summary, findings ...model.Finding) model.Summary {
	for _, f := range findings {
		switch f.Severity {
		case model.SeverityCritical:
			s.Critical++
		case model.SeverityHigh:
			s.High++
		case model.SeverityMedium:
			s.Medium++
		case model.SeverityLow:
			s.Low++
		default:
			continue
		}
		s.TotalIssues++
	}
	s.RiskLevel = Level(s)
	return s
}

// Level is a pure function of the per-severity counters.
func Level(s model.Summary) model.RiskLevel {
	switch {
	case s.Critical > 0:
		return model.RiskCritical
	case s.High > 0:
		return model.RiskHigh
	case s.Medium > 0:
		return model.RiskMedium
	case s.Low > 0:
		return model.RiskLow
	default:
		return model.RiskClean
	}
}

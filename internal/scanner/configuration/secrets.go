package configuration

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/vigil-xy/vigil/internal/gitleaks"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"
)

// LeakScanner is an additional secret detector, see package gitleaks.
type LeakScanner interface {
	Scan(ctx context.Context, b []byte, path string) ([]gitleaks.Leak, error)
}

type lineKey struct {
	path string
	line int
}

// SecretFindings matches every line of b against the secret patterns, each
// line is reported at most once with its worst match. The secret itself
// never becomes part of a finding.
func SecretFindings(b []byte, p string) []model.Finding {
	var ret []model.Finding
	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		var (
			worst policy.Pattern
			found bool
		)
		for _, pattern := range policy.SecretPatterns {
			if !pattern.Regexp.Match(s.Bytes()) {
				continue
			}
			if !found || pattern.Severity.Rank() > worst.Severity.Rank() {
				worst, found = pattern, true
			}
		}
		if !found {
			continue
		}
		ret = append(ret, model.Finding{
			Description: describe(worst, p),
			Severity:    worst.Severity,
			Domain:      model.DomainConfiguration,
			Rule:        worst.Name,
			Path:        p,
			Line:        lineNo,
		})
	}
	return ret
}

// leakFindings converts leaks not already reported on the same line.
func leakFindings(leaks []gitleaks.Leak, seen map[lineKey]struct{}) []model.Finding {
	var ret []model.Finding
	for _, l := range leaks {
		k := lineKey{l.File, l.Line}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Possible secret (%s) in %s", l.RuleID, l.File),
			Severity:    model.SeverityHigh,
			Domain:      model.DomainConfiguration,
			Rule:        "gitleaks-" + l.RuleID,
			Path:        l.File,
			Line:        l.Line,
		})
	}
	return ret
}

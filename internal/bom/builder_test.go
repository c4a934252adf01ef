package bom_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/vigil-xy/vigil/internal/bom"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/risk"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	t.Parallel()

	b := bom.NewBuilder().
		AppendAuthors(cdx.OrganizationalContact{
			Name:  "test-author",
			Email: "test.author@example.net",
		}).
		AppendComponents(cdx.Component{
			BOMRef: "host:web-1",
			Type:   cdx.ComponentTypeDevice,
			Name:   "web-1",
		}).
		AppendProperties(cdx.Property{
			Name:  "property1",
			Value: "value1",
		}).
		AppendDependencies(cdx.Dependency{
			Ref:          "host:web-1",
			Dependencies: &[]string{},
		})

	var buf bytes.Buffer
	require.NoError(t, b.AsJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "CycloneDX", decoded["bomFormat"])
	require.Equal(t, "1.6", decoded["specVersion"])
	require.Equal(t, []any{}, decoded["vulnerabilities"])
	require.Contains(t, decoded["serialNumber"], "urn:uuid:")
}

func TestFromReport(t *testing.T) {
	t.Parallel()

	r := model.Report{
		ID:        "6f1c1e9e-6d8a-4c3b-9d76-2f3b0f6f2c11",
		Timestamp: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC),
		Hostname:  "web-1",
		Host:      model.Host{OS: "linux", Platform: "debian"},
		Scanner:   model.ScannerInfo{Version: "1.0.0", Policy: "2025.10.1"},
		Network: model.NetworkResult{
			Status: model.Available(),
			Findings: []model.Finding{{
				Description: "Dangerous port 3306 exposed",
				Severity:    model.SeverityHigh,
				Domain:      model.DomainNetwork,
				Rule:        "dangerous-port",
				Port:        3306,
			}},
		},
		Dependencies: model.DependencyResult{
			Status:          model.Available(),
			Applicable:      true,
			Ecosystem:       "npm",
			Vulnerabilities: []model.Vulnerability{{Package: "lodash", Severity: "critical"}},
			Findings: []model.Finding{{
				Description: "Vulnerable dependency lodash",
				Severity:    model.SeverityCritical,
				Domain:      model.DomainDependency,
				Name:        "lodash",
			}},
		},
		Containers: model.ContainerResult{
			Status:     model.Available(),
			Runtime:    "docker",
			Containers: []model.Container{{ID: "abc", Name: "db", Image: "postgres:17", State: "running", Privileged: true}},
			Findings: []model.Finding{{
				Description: "Container db runs in privileged mode",
				Severity:    model.SeverityHigh,
				Domain:      model.DomainContainer,
				Rule:        "privileged-container",
				Name:        "db",
			}},
		},
		Processes: model.ProcessResult{Status: model.Unavailable("permission denied")},
	}
	r.Summary = risk.Summarize(r.Results()...)

	doc := bom.FromReport(r).BOM()
	require.Equal(t, "urn:uuid:6f1c1e9e-6d8a-4c3b-9d76-2f3b0f6f2c11", doc.SerialNumber)
	require.Equal(t, "2025-10-01T12:00:00Z", doc.Metadata.Timestamp)

	var refs []string
	for _, c := range *doc.Components {
		refs = append(refs, c.BOMRef)
	}
	require.Equal(t, []string{"host:web-1", "container:abc", "package:lodash"}, refs)
	require.Equal(t, []string{"container:abc", "package:lodash"}, *(*doc.Dependencies)[0].Dependencies)

	vulns := *doc.Vulnerabilities
	require.Len(t, vulns, 3)
	var testCases = []struct {
		id       string
		severity cdx.Severity
		affects  string
	}{
		{"dangerous-port", cdx.SeverityHigh, "host:web-1"},
		{"dependency", cdx.SeverityCritical, "package:lodash"},
		{"privileged-container", cdx.SeverityHigh, "container:abc"},
	}
	for i, tc := range testCases {
		require.Equal(t, tc.id, vulns[i].ID)
		require.Equal(t, tc.severity, (*vulns[i].Ratings)[0].Severity)
		require.Equal(t, tc.affects, (*vulns[i].Affects)[0].Ref)
	}
	require.Contains(t, *vulns[0].Properties, cdx.Property{Name: "vigil:port", Value: "3306"})

	require.Contains(t, *doc.Properties, cdx.Property{Name: "vigil:riskLevel", Value: "CRITICAL"})
	require.Contains(t, *doc.Properties, cdx.Property{Name: "vigil:unavailable:process", Value: "permission denied"})
}

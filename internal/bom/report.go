package bom

import (
	"fmt"
	"strconv"

	"github.com/vigil-xy/vigil/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

const propPrefix = "vigil:"

var severities = map[model.Severity]cdx.Severity{
	model.SeverityCritical: cdx.SeverityCritical,
	model.SeverityHigh:     cdx.SeverityHigh,
	model.SeverityMedium:   cdx.SeverityMedium,
	model.SeverityLow:      cdx.SeverityLow,
}

// FromReport converts a scan report. The host is a device component,
// containers and vulnerable packages are its dependencies and every finding
// is a vulnerability affecting one of them.
func FromReport(r model.Report) *Builder {
	r = r.Normalized()
	b := NewBuilder().WithTimestamp(r.Timestamp)
	if id, err := uuid.Parse(r.ID); err == nil {
		b.WithSerial(id)
	}

	hostRef := "host:" + r.Hostname
	b.AppendComponents(cdx.Component{
		BOMRef: hostRef,
		Type:   cdx.ComponentTypeDevice,
		Name:   r.Hostname,
		Properties: props(
			"platform", r.Host.Platform,
			"os", r.Host.OS,
			"kernel", r.Host.Kernel,
			"arch", r.Host.Arch,
		),
	})

	deps := []string{}
	containerRefs := make(map[string]string, len(r.Containers.Containers))
	for _, c := range r.Containers.Containers {
		ref := "container:" + c.ID
		containerRefs[c.Name] = ref
		deps = append(deps, ref)
		b.AppendComponents(cdx.Component{
			BOMRef: ref,
			Type:   cdx.ComponentTypeContainer,
			Name:   c.Name,
			Properties: props(
				"image", c.Image,
				"state", c.State,
				"privileged", strconv.FormatBool(c.Privileged),
			),
		})
	}

	packageRefs := make(map[string]string)
	for _, v := range r.Dependencies.Vulnerabilities {
		if _, ok := packageRefs[v.Package]; ok {
			continue
		}
		ref := "package:" + v.Package
		packageRefs[v.Package] = ref
		deps = append(deps, ref)
		b.AppendComponents(cdx.Component{
			BOMRef:     ref,
			Type:       cdx.ComponentTypeLibrary,
			Name:       v.Package,
			Properties: props("ecosystem", r.Dependencies.Ecosystem),
		})
	}
	b.AppendDependencies(cdx.Dependency{Ref: hostRef, Dependencies: &deps})

	for i, f := range r.Findings() {
		affected := hostRef
		switch f.Domain {
		case model.DomainContainer:
			if ref, ok := containerRefs[f.Name]; ok {
				affected = ref
			}
		case model.DomainDependency:
			if ref, ok := packageRefs[f.Name]; ok {
				affected = ref
			}
		}
		b.AppendVulnerabilities(vulnerability(i, f, affected))
	}

	b.AppendProperties(
		cdx.Property{Name: propPrefix + "id", Value: r.ID},
		cdx.Property{Name: propPrefix + "policy", Value: r.Scanner.Policy},
		cdx.Property{Name: propPrefix + "riskLevel", Value: string(r.Summary.RiskLevel)},
		cdx.Property{Name: propPrefix + "totalIssues", Value: strconv.Itoa(r.Summary.TotalIssues)},
	)
	for _, res := range r.Results() {
		if st := res.Availability(); !st.Available {
			b.AppendProperties(cdx.Property{
				Name:  propPrefix + "unavailable:" + string(res.Domain()),
				Value: st.Reason,
			})
		}
	}
	return b
}

func vulnerability(i int, f model.Finding, affected string) cdx.Vulnerability {
	id := f.Rule
	if id == "" {
		id = string(f.Domain)
	}
	sev, ok := severities[f.Severity]
	if !ok {
		sev = cdx.SeverityUnknown
	}
	var line, port, pid string
	if f.Line > 0 {
		line = strconv.Itoa(f.Line)
	}
	if f.Port > 0 {
		port = strconv.Itoa(int(f.Port))
	}
	if f.PID > 0 {
		pid = strconv.Itoa(int(f.PID))
	}
	return cdx.Vulnerability{
		BOMRef:      fmt.Sprintf("finding-%d", i+1),
		ID:          id,
		Source:      &cdx.Source{Name: "vigil"},
		Ratings:     &[]cdx.VulnerabilityRating{{Severity: sev}},
		Description: f.Description,
		Affects:     &[]cdx.Affects{{Ref: affected}},
		Properties: props(
			"domain", string(f.Domain),
			"path", f.Path,
			"line", line,
			"port", port,
			"pid", pid,
			"name", f.Name,
		),
	}
}

// props builds properties from name, value pairs, skipping empty values.
func props(kv ...string) *[]cdx.Property {
	ret := []cdx.Property{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		ret = append(ret, cdx.Property{Name: propPrefix + kv[i], Value: kv[i+1]})
	}
	return &ret
}

package dependency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/runner"
)

// Ecosystem describes how to audit one kind of project.
type Ecosystem struct {
	Name     string
	Manifest string
	Command  runner.Command
	Parse    func(res runner.Result) ([]model.Vulnerability, error)
}

// Ecosystems are checked in order, the first manifest found wins.
var Ecosystems = []Ecosystem{
	{
		Name:     "npm",
		Manifest: "package.json",
		Command:  runner.Command{Path: "npm", Args: []string{"audit", "--json"}},
		Parse:    ParseNpmAudit,
	},
	{
		Name:     "pypi",
		Manifest: "requirements.txt",
		Command:  runner.Command{Path: "pip-audit", Args: []string{"--format", "json", "--requirement", "requirements.txt"}},
		Parse:    ParsePipAudit,
	},
}

type npmAudit struct {
	Error *struct {
		Code    string `json:"code"`
		Summary string `json:"summary"`
	} `json:"error"`
	// npm 7 and newer
	Vulnerabilities map[string]struct {
		Name         string            `json:"name"`
		Severity     string            `json:"severity"`
		Range        string            `json:"range"`
		Via          []json.RawMessage `json:"via"`
		FixAvailable json.RawMessage   `json:"fixAvailable"`
	} `json:"vulnerabilities"`
	// npm 6
	Advisories map[string]struct {
		ModuleName         string `json:"module_name"`
		Severity           string `json:"severity"`
		Title              string `json:"title"`
		VulnerableVersions string `json:"vulnerable_versions"`
		PatchedVersions    string `json:"patched_versions"`
	} `json:"advisories"`
}

// ParseNpmAudit understands both the npm 6 (advisories) and npm 7+
// (vulnerabilities) report. npm exits with 1 when it found something, so
// the exit code is ignored as long as stdout holds a report.
func ParseNpmAudit(res runner.Result) ([]model.Vulnerability, error) {
	out := bytes.TrimSpace(res.Stdout)
	if len(out) == 0 {
		return nil, fmt.Errorf("npm audit: no output, exit code %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	var audit npmAudit
	if err := json.Unmarshal(out, &audit); err != nil {
		return nil, fmt.Errorf("npm audit: parsing output: %w", err)
	}
	if audit.Error != nil {
		return nil, fmt.Errorf("npm audit: %s: %s", audit.Error.Code, firstLine([]byte(audit.Error.Summary)))
	}

	var ret []model.Vulnerability
	for key, v := range audit.Vulnerabilities {
		name := v.Name
		if name == "" {
			name = key
		}
		ret = append(ret, model.Vulnerability{
			Package:      name,
			Severity:     v.Severity,
			Range:        v.Range,
			Title:        viaTitle(v.Via),
			FixAvailable: fixAvailable(v.FixAvailable),
		})
	}
	for _, a := range audit.Advisories {
		ret = append(ret, model.Vulnerability{
			Package:      a.ModuleName,
			Severity:     a.Severity,
			Range:        a.VulnerableVersions,
			Title:        a.Title,
			FixAvailable: a.PatchedVersions != "" && a.PatchedVersions != "<0.0.0",
		})
	}
	sortVulnerabilities(ret)
	return ret, nil
}

// via holds either names of other vulnerable packages or advisory objects
func viaTitle(via []json.RawMessage) string {
	for _, raw := range via {
		var adv struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &adv); err == nil && adv.Title != "" {
			return adv.Title
		}
	}
	for _, raw := range via {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			return "via " + name
		}
	}
	return ""
}

// fixAvailable is a bool or an object describing the fix
func fixAvailable(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "false" && s != "null"
}

type pipAudit struct {
	Dependencies []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Vulns   []struct {
			ID          string   `json:"id"`
			FixVersions []string `json:"fix_versions"`
			Description string   `json:"description"`
		} `json:"vulns"`
	} `json:"dependencies"`
}

// ParsePipAudit reads pip-audit JSON. pip-audit carries no severity, so
// every advisory is reported with an empty one, which maps to medium.
func ParsePipAudit(res runner.Result) ([]model.Vulnerability, error) {
	out := bytes.TrimSpace(res.Stdout)
	if len(out) == 0 {
		return nil, fmt.Errorf("pip-audit: no output, exit code %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	var audit pipAudit
	if err := json.Unmarshal(out, &audit); err != nil {
		return nil, fmt.Errorf("pip-audit: parsing output: %w", err)
	}
	var ret []model.Vulnerability
	for _, d := range audit.Dependencies {
		for _, v := range d.Vulns {
			ret = append(ret, model.Vulnerability{
				Package:      d.Name,
				Range:        d.Version,
				Title:        v.ID,
				FixAvailable: len(v.FixVersions) > 0,
			})
		}
	}
	sortVulnerabilities(ret)
	return ret, nil
}

func sortVulnerabilities(v []model.Vulnerability) {
	slices.SortFunc(v, func(a, b model.Vulnerability) int {
		if c := strings.Compare(a.Package, b.Package); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(b), []byte("\n"))
	return string(line)
}

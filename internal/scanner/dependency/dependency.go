// Package dependency runs the vulnerability audit of the package
// ecosystem found in a project directory.
package dependency

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"
	"github.com/vigil-xy/vigil/internal/runner"
)

var errNoManifest = errors.New("no supported manifest")

type Scanner struct {
	// Dir is the project directory, the audit runs there.
	Dir string
	// Root is the view of Dir used to look for manifests.
	Root       fs.FS
	Runner     runner.Runner
	Ecosystems []Ecosystem
	Timeout    time.Duration
}

func New(cfg model.DependencyScan, r runner.Runner) Scanner {
	dir := cfg.Dir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	return Scanner{
		Dir:        dir,
		Root:       os.DirFS(dir),
		Runner:     r,
		Ecosystems: Ecosystems,
		Timeout:    cfg.Timeout.Std(),
	}
}

func (s Scanner) Scan(ctx context.Context) model.DependencyResult {
	ctx = log.WithDomain(ctx, string(model.DomainDependency))
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	eco, err := s.detect()
	if errors.Is(err, errNoManifest) {
		// nothing to audit is a clean result
		return model.DependencyResult{Status: model.Available(), Applicable: false}
	}
	if err != nil {
		slog.WarnContext(ctx, "dependency scan unavailable", "error", err)
		return model.DependencyResult{Status: model.Unavailable(err.Error())}
	}

	res := model.DependencyResult{
		Applicable: true,
		Ecosystem:  eco.Name,
		Manifest:   filepath.Join(s.Dir, eco.Manifest),
	}
	if s.Runner == nil {
		res.Status = model.Unavailable("no runner")
		return res
	}

	cmd := eco.Command
	cmd.Dir = s.Dir
	cmd.Timeout = timeout
	out, err := s.Runner.Run(ctx, cmd)
	switch {
	case errors.Is(err, runner.ErrNotFound):
		res.Status = model.Unavailable(fmt.Sprintf("%s not installed", eco.Command.Path))
		return res
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = model.Unavailable("timed out")
		return res
	case err != nil:
		res.Status = model.Unavailable(err.Error())
		return res
	}

	vulns, err := eco.Parse(out)
	if err != nil {
		slog.WarnContext(ctx, "parsing audit output", "ecosystem", eco.Name, "error", err)
		res.Status = model.Unavailable(err.Error())
		return res
	}
	res.Status = model.Available()
	res.Vulnerabilities = vulns
	res.Findings = Findings(vulns, res.Manifest)
	return res
}

func (s Scanner) detect() (Ecosystem, error) {
	if s.Root == nil {
		return Ecosystem{}, errNoManifest
	}
	for _, eco := range s.Ecosystems {
		info, err := fs.Stat(s.Root, eco.Manifest)
		switch {
		case err == nil && info.Mode().IsRegular():
			return eco, nil
		case err == nil, errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return Ecosystem{}, fmt.Errorf("checking %s: %w", eco.Manifest, err)
		}
	}
	return Ecosystem{}, errNoManifest
}

// Findings maps every vulnerability onto the four level scale.
func Findings(vulns []model.Vulnerability, manifest string) []model.Finding {
	ret := make([]model.Finding, 0, len(vulns))
	for _, v := range vulns {
		desc := fmt.Sprintf("Vulnerable dependency %s", v.Package)
		if v.Title != "" {
			desc += ": " + v.Title
		}
		ret = append(ret, model.Finding{
			Description: desc,
			Severity:    policy.MapAuditSeverity(v.Severity),
			Domain:      model.DomainDependency,
			Rule:        "vulnerable-dependency",
			Path:        manifest,
			Name:        v.Package,
		})
	}
	return ret
}

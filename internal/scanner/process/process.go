// Package process inspects running processes and the environment of the
// scanning process itself. Environments of other processes are never read.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"

	goprocess "github.com/shirou/gopsutil/v4/process"
)

// Probe lists running processes.
type Probe interface {
	Processes(ctx context.Context) ([]model.Process, error)
}

type Scanner struct {
	Probe Probe
	// Environ returns the environment of this process, os.Environ by default.
	Environ func() []string
	Timeout time.Duration
}

func New(cfg model.ProcessScan) Scanner {
	return Scanner{
		Probe:   PsutilProbe{},
		Environ: os.Environ,
		Timeout: cfg.Timeout.Std(),
	}
}

func (s Scanner) Scan(ctx context.Context) model.ProcessResult {
	ctx = log.WithDomain(ctx, string(model.DomainProcess))
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var res model.ProcessResult
	if s.Probe == nil {
		res.Status = model.Unavailable("no process probe")
		return res
	}
	procs, err := s.Probe.Processes(ctx)
	if err != nil {
		slog.WarnContext(ctx, "process scan unavailable", "error", err)
		reason := fmt.Sprintf("listing processes: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timed out"
		}
		res.Status = model.Unavailable(reason)
		return res
	}
	res.Status = model.Available()
	res.Total = len(procs)

	for _, p := range procs {
		findings := ProcessFindings(p)
		if len(findings) == 0 {
			continue
		}
		res.Suspicious = append(res.Suspicious, p)
		res.Findings = append(res.Findings, findings...)
	}

	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}
	res.Findings = append(res.Findings, EnvFindings(environ())...)
	return res
}

// ProcessFindings applies the reverse shell and transient directory tables.
func ProcessFindings(p model.Process) []model.Finding {
	var ret []model.Finding
	if shell, ok := reverseShell(p.Cmdline); ok {
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Possible reverse shell in process %d (%s)", p.PID, p.Name),
			Severity:    shell.Severity,
			Domain:      model.DomainProcess,
			Rule:        shell.Name,
			PID:         p.PID,
			Name:        p.Name,
		})
	}
	if policy.InTransientDir(p.Exe) {
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Process %d (%s) running from temporary directory", p.PID, p.Name),
			Severity:    model.SeverityHigh,
			Domain:      model.DomainProcess,
			Rule:        "transient-executable",
			Path:        p.Exe,
			PID:         p.PID,
			Name:        p.Name,
		})
	}
	return ret
}

// reverseShell returns the worst matching pattern.
func reverseShell(cmdline string) (policy.Pattern, bool) {
	var (
		worst policy.Pattern
		found bool
	)
	if cmdline == "" {
		return worst, false
	}
	for _, p := range policy.ReverseShells {
		if !p.Regexp.MatchString(cmdline) {
			continue
		}
		if !found || p.Severity.Rank() > worst.Severity.Rank() {
			worst, found = p, true
		}
	}
	return worst, found
}

// EnvFindings reports variables whose name looks like a secret. Values are
// not part of the finding.
func EnvFindings(environ []string) []model.Finding {
	var ret []model.Finding
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" || value == "" {
			continue
		}
		for _, p := range policy.SecretEnvNames {
			if !p.Regexp.MatchString(name) {
				continue
			}
			ret = append(ret, model.Finding{
				Description: fmt.Sprintf("Secret in environment variable %s", name),
				Severity:    p.Severity,
				Domain:      model.DomainProcess,
				Rule:        "env-" + p.Name,
				PID:         int32(os.Getpid()),
				Name:        name,
			})
			break
		}
	}
	return ret
}

// PsutilProbe reads the process table with gopsutil.
type PsutilProbe struct{}

func (PsutilProbe) Processes(ctx context.Context) ([]model.Process, error) {
	procs, err := goprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]model.Process, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// processes may exit or deny access while being read
		name, _ := p.NameWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		ret = append(ret, model.Process{
			PID:     p.Pid,
			Name:    name,
			Exe:     exe,
			Cmdline: cmdline,
		})
	}
	return ret, nil
}

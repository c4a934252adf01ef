// Package scan runs all scanner modules concurrently and assembles their
// results into a report.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"
	"github.com/vigil-xy/vigil/internal/risk"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
	"golang.org/x/sync/errgroup"
)

// Module is one domain scanner. Scan never fails, problems are reported
// through the status of the result.
type Module[R model.DomainResult] interface {
	Scan(ctx context.Context) R
}

// Scanners holds one module per domain slot. A nil module is reported as
// disabled.
type Scanners struct {
	Network       Module[model.NetworkResult]
	Processes     Module[model.ProcessResult]
	Filesystem    Module[model.FilesystemResult]
	Dependencies  Module[model.DependencyResult]
	Configuration Module[model.ConfigurationResult]
	Containers    Module[model.ContainerResult]
}

type Orchestrator struct {
	Scanners Scanners
	// Timeout is an optional deadline for the whole scan. Modules which
	// did not finish in time are reported as not available.
	Timeout  time.Duration
	Version  string
	Now      func() time.Time
	NewID    func() (uuid.UUID, error)
	HostInfo func(ctx context.Context) (string, model.Host, error)
}

func New(scanners Scanners, version string) *Orchestrator {
	return &Orchestrator{
		Scanners: scanners,
		Version:  version,
		Now:      time.Now,
		NewID:    uuid.NewRandom,
		HostInfo: HostInfo,
	}
}

// RunFullScan dispatches all modules at once and waits for all of them.
// The only errors are a failure to establish the identity of the host or
// the scan time, and a canceled ctx.
func (o *Orchestrator) RunFullScan(ctx context.Context) (model.Report, error) {
	ctx = log.ContextAttrs(ctx, slog.String("scan", "full"))

	now := time.Time{}
	if o.Now != nil {
		now = o.Now()
	}
	if now.IsZero() {
		return model.Report{}, fmt.Errorf("%w: no scan time", model.ErrEnvironment)
	}
	if o.HostInfo == nil || o.NewID == nil {
		return model.Report{}, fmt.Errorf("%w: orchestrator not initialized", model.ErrEnvironment)
	}
	hostname, hostFacts, err := o.HostInfo(ctx)
	if err != nil {
		return model.Report{}, fmt.Errorf("%w: host identity: %w", model.ErrEnvironment, err)
	}
	id, err := o.NewID()
	if err != nil {
		return model.Report{}, fmt.Errorf("%w: report id: %w", model.ErrEnvironment, err)
	}

	runCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	var g errgroup.Group
	network := start(runCtx, &g, model.DomainNetwork, o.Scanners.Network,
		func(s model.Status) model.NetworkResult { return model.NetworkResult{Status: s} })
	processes := start(runCtx, &g, model.DomainProcess, o.Scanners.Processes,
		func(s model.Status) model.ProcessResult { return model.ProcessResult{Status: s} })
	filesystem := start(runCtx, &g, model.DomainFilesystem, o.Scanners.Filesystem,
		func(s model.Status) model.FilesystemResult { return model.FilesystemResult{Status: s} })
	dependencies := start(runCtx, &g, model.DomainDependency, o.Scanners.Dependencies,
		func(s model.Status) model.DependencyResult { return model.DependencyResult{Status: s} })
	configuration := start(runCtx, &g, model.DomainConfiguration, o.Scanners.Configuration,
		func(s model.Status) model.ConfigurationResult { return model.ConfigurationResult{Status: s} })
	containers := start(runCtx, &g, model.DomainContainer, o.Scanners.Containers,
		func(s model.Status) model.ContainerResult { return model.ContainerResult{Status: s} })

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-runCtx.Done():
		slog.WarnContext(ctx, "scan deadline reached", "timeout", o.Timeout)
	}
	if err := ctx.Err(); err != nil {
		return model.Report{}, err
	}

	report := model.Report{
		ID:            id.String(),
		Timestamp:     now,
		Hostname:      hostname,
		Host:          hostFacts,
		Scanner:       model.ScannerInfo{Version: o.Version, Policy: policy.Version},
		Network:       network.result(),
		Processes:     processes.result(),
		Filesystem:    filesystem.result(),
		Dependencies:  dependencies.result(),
		Configuration: configuration.result(),
		Containers:    containers.result(),
	}
	report.Summary = risk.Summarize(report.Results()...)
	slog.InfoContext(ctx, "scan finished",
		"id", report.ID,
		"risk_level", report.Summary.RiskLevel,
		"total_issues", report.Summary.TotalIssues,
	)
	return report.Normalized(), nil
}

// slot receives the result of one module.
type slot[R model.DomainResult] struct {
	ch       chan R
	fallback func(model.Status) R
}

func start[R model.DomainResult](ctx context.Context, g *errgroup.Group, domain model.Domain, m Module[R], fallback func(model.Status) R) slot[R] {
	s := slot[R]{ch: make(chan R, 1), fallback: fallback}
	if m == nil {
		s.ch <- fallback(model.Unavailable("disabled"))
		return s
	}
	ctx = log.WithDomain(ctx, string(domain))
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "scanner panic", "panic", r)
				s.ch <- fallback(model.Unavailable("internal error"))
			}
		}()
		started := time.Now()
		res := m.Scan(ctx)
		slog.DebugContext(ctx, "scanner finished",
			"elapsed", time.Since(started),
			"available", res.Availability().Available,
			"findings", len(res.Issues()),
		)
		s.ch <- res
		return nil
	})
	return s
}

func (s slot[R]) result() R {
	select {
	case r := <-s.ch:
		if st := r.Availability(); !st.Available && len(r.Issues()) > 0 {
			// an unavailable domain carries no findings
			return s.fallback(st)
		}
		return r
	default:
		return s.fallback(model.Unavailable("timed out"))
	}
}

// HostInfo returns the hostname and platform facts of the local machine.
func HostInfo(ctx context.Context) (string, model.Host, error) {
	facts := model.Host{OS: runtime.GOOS, Arch: runtime.GOARCH}
	info, infoErr := host.InfoWithContext(ctx)
	if infoErr == nil {
		facts.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		facts.Kernel = info.KernelVersion
		if info.KernelArch != "" {
			facts.Arch = info.KernelArch
		}
		if info.Hostname != "" {
			return info.Hostname, facts, nil
		}
	} else {
		slog.DebugContext(ctx, "host info", "error", infoErr)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", model.Host{}, errors.Join(infoErr, err)
	}
	if hostname == "" {
		return "", model.Host{}, errors.New("empty hostname")
	}
	return hostname, facts, nil
}

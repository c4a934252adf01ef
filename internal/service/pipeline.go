package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/vigil-xy/vigil/internal/bom"
	"github.com/vigil-xy/vigil/internal/keystore"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/runner"
	"github.com/vigil-xy/vigil/internal/scan"
	"github.com/vigil-xy/vigil/internal/scanner/configuration"
	"github.com/vigil-xy/vigil/internal/scanner/container"
	"github.com/vigil-xy/vigil/internal/scanner/dependency"
	"github.com/vigil-xy/vigil/internal/scanner/filesystem"
	"github.com/vigil-xy/vigil/internal/scanner/network"
	"github.com/vigil-xy/vigil/internal/scanner/process"
	"github.com/vigil-xy/vigil/internal/signing"
)

const ContentTypeJSON = "application/json"

// FullScanner produces one report per call, see scan.Orchestrator.
type FullScanner interface {
	RunFullScan(ctx context.Context) (model.Report, error)
}

// Pipeline runs a scan and encodes its result.
type Pipeline struct {
	Scanner FullScanner
	// Signer is optional, reports are delivered unsigned without it.
	Signer *signing.Signer
	Format string
}

// NewScanners builds the enabled domain scanners. Disabled domains stay
// nil and are reported as disabled.
func NewScanners(cfg model.Config, r runner.Runner) scan.Scanners {
	var s scan.Scanners
	m := cfg.Scan.Modules
	if m.Network {
		s.Network = network.New(cfg.Network, r)
	}
	if m.Process {
		s.Processes = process.New(cfg.Process)
	}
	if m.Filesystem {
		s.Filesystem = filesystem.New(cfg.Filesystem)
	}
	if m.Dependency {
		s.Dependencies = dependency.New(cfg.Dependency, r)
	}
	if m.Configuration {
		s.Configuration = configuration.New(cfg.Configuration)
	}
	if m.Container {
		s.Containers = container.New(cfg.Container)
	}
	return s
}

// NewPipeline wires the scanners of cfg to an orchestrator. With
// service.sign set the key pair is created when missing, a key store
// failure is logged and the pipeline produces unsigned reports.
func NewPipeline(ctx context.Context, cfg model.Config, version string) (Pipeline, error) {
	if cfg.Version != 0 {
		return Pipeline{}, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	o := scan.New(NewScanners(cfg, runner.NewExec()), version)
	o.Timeout = cfg.Scan.Timeout.Std()

	p := Pipeline{
		Scanner: o,
		Format:  cfg.Service.Format,
	}
	if cfg.Service.Sign && p.Format != model.FormatCycloneDX {
		signer, err := LoadSigner(cfg.Keys)
		if err != nil {
			slog.WarnContext(ctx, "signing disabled: reports will be unsigned", "error", err)
		} else {
			p.Signer = &signer
		}
	}
	return p, nil
}

// LoadSigner returns a signer for the key pair in the configured key
// directory, creating the pair if it does not exist yet.
func LoadSigner(cfg model.Keys) (signing.Signer, error) {
	store, err := KeyStore(cfg)
	if err != nil {
		return signing.Signer{}, err
	}
	kp, err := store.EnsureKeysExist()
	if err != nil {
		return signing.Signer{}, err
	}
	return signing.NewSigner(kp.Private), nil
}

// KeyStore opens the configured key directory, or the default one.
func KeyStore(cfg model.Keys) (keystore.Store, error) {
	dir := cfg.Dir
	if dir == "" {
		var err error
		dir, err = keystore.DefaultDir()
		if err != nil {
			return keystore.Store{}, err
		}
	}
	return keystore.New(dir), nil
}

// Run runs one full scan. Only a failed scan is an error.
func (p Pipeline) Run(ctx context.Context) (model.Delivery, error) {
	report, err := p.Scanner.RunFullScan(ctx)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("running scan: %w", err)
	}
	return p.Encode(ctx, report)
}

// Encode turns a report into a delivery. A signing failure is logged and
// the report is delivered unsigned.
func (p Pipeline) Encode(ctx context.Context, report model.Report) (model.Delivery, error) {
	canonical, err := signing.Canonical(report)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("encoding report: %w", err)
	}
	d := model.Delivery{
		Report:      report.Normalized(),
		Hash:        signing.Hash(canonical),
		ContentType: ContentTypeJSON,
	}

	if p.Format == model.FormatCycloneDX {
		var buf bytes.Buffer
		if err := bom.FromReport(report).AsJSON(&buf); err != nil {
			return model.Delivery{}, fmt.Errorf("formatting BOM as JSON: %w", err)
		}
		d.Body = buf.Bytes()
		d.ContentType = bom.ContentType
		return d, nil
	}

	if p.Signer != nil {
		artifact, err := p.Signer.Sign(report)
		if err == nil {
			d.Body, err = artifact.Marshal()
		}
		if err == nil {
			d.Signed = true
			return d, nil
		}
		slog.WarnContext(ctx, "signing failed: delivering unsigned report", "error", err)
	}
	d.Body = append(canonical, '\n')
	return d, nil
}

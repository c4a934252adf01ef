// Package configuration inspects the SSH daemon configuration, authorized
// keys and configuration files for insecure settings and embedded secrets.
package configuration

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/vigil-xy/vigil/internal/gitleaks"
	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"
	"github.com/vigil-xy/vigil/internal/walk"
)

const defaultMaxFileSize = 1 << 20

type Scanner struct {
	// Root is the view of "/", all paths below are absolute.
	Root           fs.FS
	SSHDConfig     string
	AuthorizedKeys []string
	// Dirs are searched for .env and other configuration files.
	Dirs        []string
	Limits      walk.Limits
	MaxFileSize int64
	// Leaks is optional
	Leaks   LeakScanner
	Timeout time.Duration
}

func New(cfg model.ConfigurationScan) Scanner {
	s := Scanner{
		Root:        os.DirFS("/"),
		SSHDConfig:  cfg.SSHDConfig,
		Dirs:        cfg.Dirs,
		Limits:      walk.Limits{MaxDepth: 2, MaxFiles: 5000},
		MaxFileSize: defaultMaxFileSize,
		Timeout:     cfg.Timeout.Std(),
	}
	if s.SSHDConfig == "" {
		s.SSHDConfig = "/etc/ssh/sshd_config"
	}
	home, err := os.UserHomeDir()
	if err == nil {
		s.AuthorizedKeys = []string{path.Join(home, ".ssh", "authorized_keys")}
	}
	if len(s.Dirs) == 0 {
		if wd, err := os.Getwd(); err == nil {
			s.Dirs = []string{wd}
		}
	}
	if cfg.Gitleaks {
		leaks, err := gitleaks.NewScanner()
		if err != nil {
			slog.Warn("gitleaks disabled", "error", err)
		} else {
			s.Leaks = leaks
		}
	}
	return s
}

func (s Scanner) Scan(ctx context.Context) model.ConfigurationResult {
	ctx = log.WithDomain(ctx, string(model.DomainConfiguration))
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var res model.ConfigurationResult
	if s.Root == nil {
		res.Status = model.Unavailable("no filesystem root")
		return res
	}

	if s.SSHDConfig != "" {
		settings, files, err := sshdSettings(s.Root, s.SSHDConfig)
		switch {
		case err == nil:
			res.Findings = append(res.Findings, SSHDFindings(settings)...)
		case errors.Is(err, fs.ErrNotExist):
			slog.DebugContext(ctx, "no sshd config", "path", s.SSHDConfig)
		default:
			slog.WarnContext(ctx, "reading sshd config", "path", s.SSHDConfig, "error", err)
		}
		res.Files = append(res.Files, files...)
	}

	for _, p := range s.AuthorizedKeys {
		b, err := s.read(p)
		if err != nil {
			continue
		}
		res.Files = append(res.Files, p)
		res.Findings = append(res.Findings, AuthorizedKeyFindings(b, p)...)
	}

	seen := make(map[lineKey]struct{})
	for entry, err := range walk.Roots(ctx, s.Root, s.Limits, rels(s.Dirs)...) {
		if err != nil {
			continue
		}
		p := entry.Path()
		if !policy.IsConfigFile(path.Base(p)) {
			continue
		}
		b, err := readEntry(entry, s.maxFileSize())
		if err != nil {
			slog.DebugContext(ctx, "skipping config file", "path", p, "error", err)
			continue
		}
		res.Files = append(res.Files, p)
		for _, f := range SecretFindings(b, p) {
			seen[lineKey{f.Path, f.Line}] = struct{}{}
			res.Findings = append(res.Findings, f)
		}
		if s.Leaks == nil {
			continue
		}
		leaks, err := s.Leaks.Scan(ctx, b, p)
		if err != nil {
			slog.DebugContext(ctx, "gitleaks", "path", p, "error", err)
			continue
		}
		res.Findings = append(res.Findings, leakFindings(leaks, seen)...)
	}

	if err := ctx.Err(); err != nil {
		slog.WarnContext(ctx, "configuration scan interrupted", "error", err)
		return model.ConfigurationResult{Status: model.Unavailable("timed out")}
	}
	res.Status = model.Available()
	return res
}

func (s Scanner) maxFileSize() int64 {
	if s.MaxFileSize > 0 {
		return s.MaxFileSize
	}
	return defaultMaxFileSize
}

func (s Scanner) read(p string) ([]byte, error) {
	f, err := s.Root.Open(rel(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return limitedRead(f, s.maxFileSize())
}

func readEntry(entry walk.Entry, limit int64) ([]byte, error) {
	info, err := entry.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, model.ErrTooBig
	}
	f, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return limitedRead(f, limit)
}

func limitedRead(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, model.ErrTooBig
	}
	return b, nil
}

func rels(ps []string) []string {
	ret := make([]string, 0, len(ps))
	for _, p := range ps {
		ret = append(ret, rel(p))
	}
	return ret
}

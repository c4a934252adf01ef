// Package filesystem checks permissions of sensitive paths and looks for
// world-writable files, unexpected setuid binaries and exposed secrets.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"
	"github.com/vigil-xy/vigil/internal/walk"
)

type Scanner struct {
	// Root is the view of "/", all paths below are absolute and slash separated.
	Root fs.FS
	// Home of the scanning user, "~/" in path rules expands to it.
	Home string
	// Dirs are walked for world-writable and setuid/setgid files.
	Dirs []string
	// SecretDirs are walked for readable secret files.
	SecretDirs []string
	Rules      []policy.PathRule
	Limits     walk.Limits
	// SecretLimits bound the walk of SecretDirs.
	SecretLimits walk.Limits
	Timeout      time.Duration
}

func New(cfg model.FilesystemScan) Scanner {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	s := Scanner{
		Root:       os.DirFS("/"),
		Home:       home,
		Dirs:       cfg.Dirs,
		SecretDirs: cfg.SecretDirs,
		Rules:      policy.SensitivePaths,
		Limits: walk.Limits{
			MaxDepth: cfg.MaxDepth,
			MaxFiles: cfg.MaxFiles,
		},
		SecretLimits: walk.Limits{
			MaxDepth: 3,
			MaxFiles: cfg.MaxFiles,
		},
		Timeout: cfg.Timeout.Std(),
	}
	if len(s.Dirs) == 0 {
		s.Dirs = policy.PrivilegedDirs
	}
	if len(s.SecretDirs) == 0 && home != "" {
		s.SecretDirs = []string{home}
	}
	return s
}

func (s Scanner) Scan(ctx context.Context) model.FilesystemResult {
	ctx = log.WithDomain(ctx, string(model.DomainFilesystem))
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var res model.FilesystemResult
	if s.Root == nil {
		res.Status = model.Unavailable("no filesystem root")
		return res
	}

	type flag struct{ path, rule string }
	flagged := make(map[flag]struct{})
	add := func(f model.Finding) {
		if _, ok := flagged[flag{f.Path, f.Rule}]; ok {
			return
		}
		// a sensitive path finding already reports the permission bits
		if f.Rule != ruleSetuid {
			if _, ok := flagged[flag{f.Path, ruleSensitivePath}]; ok {
				return
			}
		}
		flagged[flag{f.Path, f.Rule}] = struct{}{}
		res.Findings = append(res.Findings, f)
	}

	for _, rule := range s.Rules {
		p := s.expand(rule.Path)
		if p == "" {
			continue
		}
		info, err := fs.Stat(s.Root, rel(p))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.DebugContext(ctx, "stat sensitive path", "path", p, "error", err)
			}
			continue
		}
		res.Checked++
		if f, ok := PathFinding(p, info.Mode(), rule); ok {
			add(f)
		}
	}

	for entry, err := range walk.Roots(ctx, s.Root, s.Limits, rels(s.Dirs)...) {
		if errors.Is(err, walk.ErrTruncated) {
			res.Truncated = true
			continue
		}
		if err != nil {
			slog.DebugContext(ctx, "walk", "error", err)
			continue
		}
		info, err := entry.Stat()
		if err != nil {
			continue
		}
		res.Checked++
		for _, f := range ModeFindings(entry.Path(), info.Mode()) {
			add(f)
		}
	}

	for entry, err := range walk.Roots(ctx, s.Root, s.SecretLimits, rels(s.SecretDirs)...) {
		if errors.Is(err, walk.ErrTruncated) {
			res.Truncated = true
			continue
		}
		if err != nil {
			continue
		}
		if !policy.IsSecretFile(path.Base(entry.Path())) {
			continue
		}
		info, err := entry.Stat()
		if err != nil {
			continue
		}
		res.Checked++
		if f, ok := SecretFileFinding(entry.Path(), info.Mode()); ok {
			add(f)
		}
	}

	if err := ctx.Err(); err != nil {
		slog.WarnContext(ctx, "filesystem scan interrupted", "error", err)
		return model.FilesystemResult{Status: model.Unavailable("timed out")}
	}
	res.Status = model.Available()
	return res
}

func (s Scanner) expand(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if s.Home == "" {
			return ""
		}
		return path.Join(s.Home, rest)
	}
	return p
}

const (
	ruleSensitivePath = "sensitive-path"
	ruleSetuid        = "setuid"
)

// PathFinding reports a sensitive path whose permissions exceed the rule.
func PathFinding(p string, mode fs.FileMode, rule policy.PathRule) (model.Finding, bool) {
	extra := mode.Perm() &^ rule.MaxPerm
	if extra == 0 {
		return model.Finding{}, false
	}
	return model.Finding{
		Description: fmt.Sprintf("Sensitive path %s has permissions %04o, expected at most %04o", p, mode.Perm(), rule.MaxPerm),
		Severity:    rule.Severity,
		Domain:      model.DomainFilesystem,
		Rule:        ruleSensitivePath,
		Path:        p,
	}, true
}

// ModeFindings reports world-writable files and setuid/setgid binaries
// which are not known to ship with these bits.
func ModeFindings(p string, mode fs.FileMode) []model.Finding {
	var ret []model.Finding
	if mode.Perm()&0o002 != 0 {
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("World-writable file %s", p),
			Severity:    policy.WorldWritableSeverity,
			Domain:      model.DomainFilesystem,
			Rule:        "world-writable",
			Path:        p,
		})
	}
	if mode&(fs.ModeSetuid|fs.ModeSetgid) != 0 {
		if _, known := policy.KnownSetuid[path.Base(p)]; !known {
			ret = append(ret, model.Finding{
				Description: fmt.Sprintf("Unexpected setuid/setgid file %s", p),
				Severity:    policy.SetuidSeverity,
				Domain:      model.DomainFilesystem,
				Rule:        ruleSetuid,
				Path:        p,
			})
		}
	}
	return ret
}

// SecretFileFinding reports a secret file readable by group or others.
func SecretFileFinding(p string, mode fs.FileMode) (model.Finding, bool) {
	if mode.Perm()&0o044 == 0 {
		return model.Finding{}, false
	}
	return model.Finding{
		Description: fmt.Sprintf("Secret file %s is readable by other users", p),
		Severity:    policy.SecretFileSeverity,
		Domain:      model.DomainFilesystem,
		Rule:        "exposed-secret-file",
		Path:        p,
	}, true
}

// rel converts an absolute path to fs.FS form.
func rel(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "."
	}
	return p
}

func rels(ps []string) []string {
	ret := make([]string, 0, len(ps))
	for _, p := range ps {
		ret = append(ret, rel(p))
	}
	return ret
}

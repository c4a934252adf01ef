package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a configuration file.
type CueErrorDetail struct {
	Path    string // service.repository.auth.token
	Code    string // unknown_field | missing_required | conflicting_values | invalid_enum | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Message)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// classes are tried in order, the first match wins
var classes = []struct {
	code string
	rx   *regexp.Regexp
	msg  string
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`), "Field %s is not allowed"},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`), "Field %s is required"},
	{"invalid_enum", regexp.MustCompile(`(?i)empty disjunction|must be one of`), "Field %s has invalid value"},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|out of bound`), "Conflicting values for %s"},
	{"type_mismatch", regexp.MustCompile(`(?i)expected .* got .*`), "Field %s has wrong type/value"},
}

// humanize turns errors of LoadConfig into one detail per source position.
// Fields constrained to a set of strings list the allowed values.
func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if _, ok := seen[pos]; ok || pos.Filename == "" {
			continue
		}
		seen[pos] = struct{}{}

		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)
		if values, dflt := enumStrings(lookup(root, path)); len(values) > 1 {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != "" {
				msg += fmt.Sprintf(" (default %s)", dflt)
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func classify(raw, path string) (code, msg string) {
	for _, c := range classes {
		if c.rx.MatchString(raw) {
			return c.code, fmt.Sprintf(c.msg, last(path))
		}
	}
	return "validation_error", raw
}

// enumStrings returns the string alternatives of a disjunction and its
// default.
func enumStrings(v cue.Value) (values []string, dflt string) {
	if !v.Exists() {
		return nil, ""
	}
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, dflt
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

// normalizePath drops the leading definition, #Config.scan.timeout becomes
// scan.timeout.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	return root.LookupPath(cue.ParsePath(path))
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}

package configuration

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"
)

const maxIncludeDepth = 4

// setting is the effective value of an sshd keyword and where it was set.
type setting struct {
	value string
	path  string
	line  int
}

// sshdSettings reads the global section of an sshd config. Like sshd, the
// first occurrence of a keyword wins and Include directives are expanded in
// place. Parsing stops at the first Match block.
func sshdSettings(root fs.FS, p string) (map[string]setting, []string, error) {
	ret := make(map[string]setting)
	var files []string
	_, err := readSSHD(root, p, ret, &files, 0)
	return ret, files, err
}

// readSSHD returns true when a Match block ended the global section.
func readSSHD(root fs.FS, p string, into map[string]setting, files *[]string, depth int) (bool, error) {
	b, err := fs.ReadFile(root, rel(p))
	if err != nil {
		return false, err
	}
	*files = append(*files, p)

	s := bufio.NewScanner(bytes.NewReader(b))
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyword, value := splitDirective(line)
		switch keyword {
		case "match":
			return true, nil
		case "include":
			if depth >= maxIncludeDepth {
				continue
			}
			for _, pattern := range strings.Fields(value) {
				if !path.IsAbs(pattern) {
					pattern = path.Join("/etc/ssh", pattern)
				}
				matches, err := fs.Glob(root, rel(pattern))
				if err != nil {
					continue
				}
				for _, m := range matches {
					stop, err := readSSHD(root, "/"+m, into, files, depth+1)
					if err != nil {
						continue
					}
					if stop {
						return true, nil
					}
				}
			}
			continue
		}
		if _, ok := into[keyword]; ok {
			continue
		}
		into[keyword] = setting{value: strings.ToLower(value), path: p, line: lineNo}
	}
	return false, s.Err()
}

// splitDirective splits "Keyword value" and "Keyword=value" forms.
func splitDirective(line string) (string, string) {
	idx := strings.IndexAny(line, " \t=")
	if idx < 0 {
		return strings.ToLower(line), ""
	}
	keyword := strings.ToLower(line[:idx])
	value := strings.TrimLeft(line[idx:], " \t=")
	value = strings.Trim(strings.TrimSpace(value), `"`)
	return keyword, value
}

// SSHDFindings applies the sshd rules to the effective settings.
func SSHDFindings(settings map[string]setting) []model.Finding {
	var ret []model.Finding
	for _, rule := range policy.SSHDRules {
		set, ok := settings[rule.Keyword]
		if !ok || !matchesValue(rule, set.value) {
			continue
		}
		ret = append(ret, model.Finding{
			Description: rule.Description,
			Severity:    rule.Severity,
			Domain:      model.DomainConfiguration,
			Rule:        "sshd-" + rule.Keyword,
			Path:        set.path,
			Line:        set.line,
		})
	}
	return ret
}

// Protocol takes a list like "2,1".
func matchesValue(rule policy.SSHDRule, value string) bool {
	if rule.Keyword == "protocol" {
		for _, v := range strings.Split(value, ",") {
			if strings.TrimSpace(v) == rule.Value {
				return true
			}
		}
		return false
	}
	return value == rule.Value
}

func rel(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "."
	}
	return p
}

func describe(pattern policy.Pattern, p string) string {
	return fmt.Sprintf("Possible %s in %s", strings.ReplaceAll(pattern.Name, "-", " "), p)
}

// Package policy holds the versioned detection tables used by the scanner
// modules. Tables are plain data, so they can be tested and extended without
// touching the scanners.
package policy

import (
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/vigil-xy/vigil/internal/model"
)

// Version of the tables, reported in every scan report.
const Version = "2025.10.1"

// DangerousPort is a service which should never be reachable from outside.
type DangerousPort struct {
	Service  string
	Severity model.Severity
}

var DangerousPorts = map[uint16]DangerousPort{
	21:    {"ftp", model.SeverityHigh},
	23:    {"telnet", model.SeverityCritical},
	135:   {"msrpc", model.SeverityHigh},
	139:   {"netbios-ssn", model.SeverityHigh},
	445:   {"microsoft-ds", model.SeverityHigh},
	1433:  {"mssql", model.SeverityHigh},
	1521:  {"oracle", model.SeverityHigh},
	2375:  {"docker", model.SeverityCritical},
	3306:  {"mysql", model.SeverityHigh},
	3389:  {"rdp", model.SeverityHigh},
	5432:  {"postgresql", model.SeverityHigh},
	5900:  {"vnc", model.SeverityHigh},
	5984:  {"couchdb", model.SeverityHigh},
	6379:  {"redis", model.SeverityHigh},
	9200:  {"elasticsearch", model.SeverityHigh},
	11211: {"memcached", model.SeverityHigh},
	27017: {"mongodb", model.SeverityHigh},
}

func Dangerous(port uint16) (DangerousPort, bool) {
	d, ok := DangerousPorts[port]
	return d, ok
}

// Pattern maps a regular expression to a severity.
type Pattern struct {
	Name     string
	Regexp   *regexp.Regexp
	Severity model.Severity
}

// ReverseShells match command lines of well known reverse shell invocations.
var ReverseShells = []Pattern{
	{"bash-dev-tcp", regexp.MustCompile(`(ba|z|k)?sh\s+-i\s*[>&]+\s*/dev/(tcp|udp)/`), model.SeverityCritical},
	{"dev-tcp", regexp.MustCompile(`/dev/(tcp|udp)/[^/\s]+/\d+`), model.SeverityHigh},
	{"netcat-exec", regexp.MustCompile(`\b(nc|ncat|netcat)\b.*\s-(e|c)\s*\S*(sh|bash|cmd)`), model.SeverityCritical},
	{"mkfifo-netcat", regexp.MustCompile(`mkfifo\s+\S+.*\|\s*(nc|ncat|netcat)\b`), model.SeverityCritical},
	{"socat-exec", regexp.MustCompile(`\bsocat\b.*\b(exec|system):`), model.SeverityHigh},
	{"python-socket-shell", regexp.MustCompile(`python[0-9.]*\s+-c\s+.*socket.*(subprocess|pty\.spawn|os\.dup2)`), model.SeverityCritical},
	{"perl-socket-shell", regexp.MustCompile(`perl\s+-e\s+.*socket.*exec`), model.SeverityHigh},
	{"php-socket-shell", regexp.MustCompile(`php\s+-r\s+.*fsockopen`), model.SeverityHigh},
	{"ruby-socket-shell", regexp.MustCompile(`ruby\s+-rsocket\s+-e`), model.SeverityHigh},
}

// TransientDirs are scratch locations no long running binary should live in.
var TransientDirs = []string{"/tmp/", "/var/tmp/", "/dev/shm/"}

func InTransientDir(exe string) bool {
	for _, d := range TransientDirs {
		if strings.HasPrefix(exe, d) {
			return true
		}
	}
	return false
}

// SecretEnvNames match names of environment variables holding credentials.
var SecretEnvNames = []Pattern{
	{"aws-secret", regexp.MustCompile(`^AWS_(SECRET_ACCESS_KEY|SESSION_TOKEN)$`), model.SeverityHigh},
	{"private-key", regexp.MustCompile(`(?i)PRIVATE_KEY`), model.SeverityHigh},
	{"password", regexp.MustCompile(`(?i)(PASSWORD|PASSWD)$`), model.SeverityMedium},
	{"api-key", regexp.MustCompile(`(?i)API_?KEY$`), model.SeverityMedium},
	{"token", regexp.MustCompile(`(?i)(^|_)(TOKEN|SECRET)$`), model.SeverityMedium},
}

// PathRule limits the permission bits of a sensitive path.
type PathRule struct {
	Path     string // absolute, "~/" is the home directory of the scanning user
	MaxPerm  fs.FileMode
	Severity model.Severity
}

var SensitivePaths = []PathRule{
	{"/etc/shadow", 0o640, model.SeverityCritical},
	{"/etc/gshadow", 0o640, model.SeverityCritical},
	{"/etc/passwd", 0o644, model.SeverityCritical},
	{"/etc/group", 0o644, model.SeverityHigh},
	{"/etc/sudoers", 0o440, model.SeverityHigh},
	{"/etc/ssh/sshd_config", 0o644, model.SeverityHigh},
	{"/etc/crontab", 0o644, model.SeverityHigh},
	{"/root", 0o750, model.SeverityMedium},
	{"~/.ssh", 0o700, model.SeverityMedium},
	{"~/.ssh/authorized_keys", 0o644, model.SeverityHigh},
	{"~/.ssh/id_rsa", 0o600, model.SeverityHigh},
	{"~/.ssh/id_ecdsa", 0o600, model.SeverityHigh},
	{"~/.ssh/id_ed25519", 0o600, model.SeverityHigh},
	{"~/.aws/credentials", 0o600, model.SeverityHigh},
	{"~/.docker/config.json", 0o600, model.SeverityMedium},
	{"~/.kube/config", 0o600, model.SeverityMedium},
}

// PrivilegedDirs are walked for world-writable and setuid/setgid files.
var PrivilegedDirs = []string{"/etc", "/usr/bin", "/usr/sbin", "/usr/local/bin", "/usr/local/sbin", "/bin", "/sbin"}

const (
	WorldWritableSeverity = model.SeverityLow
	SetuidSeverity        = model.SeverityMedium
	SecretFileSeverity    = model.SeverityHigh
)

// KnownSetuid are binaries that ship with the setuid or setgid bit on
// common distributions.
var KnownSetuid = map[string]struct{}{
	"at": {}, "chage": {}, "chfn": {}, "chsh": {}, "crontab": {}, "dotlockfile": {},
	"expiry": {}, "fusermount": {}, "fusermount3": {}, "gpasswd": {}, "ksu": {},
	"mount": {}, "newgidmap": {}, "newgrp": {}, "newuidmap": {}, "ntfs-3g": {},
	"passwd": {}, "ping": {}, "pkexec": {}, "plocate": {}, "polkit-agent-helper-1": {},
	"ssh-agent": {}, "ssh-keysign": {}, "su": {}, "sudo": {}, "sudoedit": {},
	"umount": {}, "unix_chkpwd": {}, "wall": {}, "write": {}, "Xorg.wrap": {},
}

// secretFileGlobs name files which hold credentials.
var secretFileGlobs = []string{
	".env", ".env.*", "*.pem", "*.key", "*.p12", "*.pfx", "id_rsa", "id_dsa",
	"id_ecdsa", "id_ed25519", "credentials", ".npmrc", ".pypirc", ".pgpass",
	".netrc", ".git-credentials",
}

func IsSecretFile(name string) bool {
	for _, g := range secretFileGlobs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}

// AuditSeverity maps the npm audit taxonomy onto the four level scale.
var AuditSeverity = map[string]model.Severity{
	"critical": model.SeverityCritical,
	"high":     model.SeverityHigh,
	"moderate": model.SeverityMedium,
	"medium":   model.SeverityMedium,
	"low":      model.SeverityLow,
	"info":     model.SeverityLow,
}

// MapAuditSeverity falls back to medium for labels it does not know.
func MapAuditSeverity(s string) model.Severity {
	if sev, ok := AuditSeverity[strings.ToLower(s)]; ok {
		return sev
	}
	return model.SeverityMedium
}

// SSHDRule flags an sshd_config keyword set to an insecure value.
// Keyword and Value are lower case.
type SSHDRule struct {
	Keyword     string
	Value       string
	Severity    model.Severity
	Description string
}

var SSHDRules = []SSHDRule{
	{"permitrootlogin", "yes", model.SeverityHigh, "SSH permits root login"},
	{"passwordauthentication", "yes", model.SeverityMedium, "SSH permits password authentication"},
	{"permitemptypasswords", "yes", model.SeverityCritical, "SSH permits empty passwords"},
	{"protocol", "1", model.SeverityHigh, "SSH allows protocol version 1"},
	{"x11forwarding", "yes", model.SeverityLow, "SSH allows X11 forwarding"},
}

// SecretPatterns match secrets embedded in configuration files.
var SecretPatterns = []Pattern{
	{"aws-access-key", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), model.SeverityCritical},
	{"private-key", regexp.MustCompile(`-----BEGIN ((RSA|EC|DSA|OPENSSH|ENCRYPTED|PGP) )?PRIVATE KEY( BLOCK)?-----`), model.SeverityCritical},
	{"github-token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), model.SeverityHigh},
	{"slack-token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`), model.SeverityHigh},
	{"generic-password", regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[:=]\s*["']?[^\s"'$]{6,}`), model.SeverityMedium},
}

// configFileGlobs name files inspected for embedded secrets.
var configFileGlobs = []string{
	".env", ".env.*", "*.env", "*.conf", "*.cfg", "*.ini", "*.yaml", "*.yml",
	"*.toml", "*.json", "*.properties", "config",
}

func IsConfigFile(name string) bool {
	for _, g := range configFileGlobs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}

const (
	WeakDSASeverity = model.SeverityHigh
	WeakRSASeverity = model.SeverityMedium
	// MinRSABits is the smallest acceptable RSA modulus of an authorized key.
	MinRSABits = 2048
)

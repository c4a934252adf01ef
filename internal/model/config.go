package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers (optional).
const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	FormatJSON      = "json"
	FormatCycloneDX = "cyclonedx"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version       int               `json:"version" yaml:"version"` // fixed 0 for now
	Scan          Scan              `json:"scan" yaml:"scan"`
	Network       NetworkScan       `json:"network" yaml:"network"`
	Process       ProcessScan       `json:"process" yaml:"process"`
	Filesystem    FilesystemScan    `json:"filesystem" yaml:"filesystem"`
	Dependency    DependencyScan    `json:"dependency" yaml:"dependency"`
	Configuration ConfigurationScan `json:"configuration" yaml:"configuration"`
	Container     ContainerScan     `json:"container" yaml:"container"`
	Keys          Keys              `json:"keys" yaml:"keys"`
	Service       Service           `json:"service" yaml:"service"`
}

// Scan holds settings of the whole scan.
type Scan struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"` // 0 => no global deadline
	Modules Modules  `json:"modules" yaml:"modules"`
}

// Modules enables the domain scanners. A disabled module keeps its slot in
// the report.
type Modules struct {
	Network       bool `json:"network" yaml:"network"`
	Process       bool `json:"process" yaml:"process"`
	Filesystem    bool `json:"filesystem" yaml:"filesystem"`
	Dependency    bool `json:"dependency" yaml:"dependency"`
	Configuration bool `json:"configuration" yaml:"configuration"`
	Container     bool `json:"container" yaml:"container"`
}

type NetworkScan struct {
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DialFallback bool     `json:"dial_fallback" yaml:"dial_fallback"`
	Nmap         Nmap     `json:"nmap" yaml:"nmap"`
}

// Nmap enriches listening ports with service names.
type Nmap struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // path or name (e.g. nmap)
}

type ProcessScan struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type FilesystemScan struct {
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Dirs       []string `json:"dirs,omitempty" yaml:"dirs,omitempty"` // nil/empty => default privileged dirs
	SecretDirs []string `json:"secret_dirs,omitempty" yaml:"secret_dirs,omitempty"`
	MaxDepth   int      `json:"max_depth" yaml:"max_depth"`
	MaxFiles   int      `json:"max_files" yaml:"max_files"`
}

type DependencyScan struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"` // empty => CWD
}

type ConfigurationScan struct {
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SSHDConfig string   `json:"sshd_config,omitempty" yaml:"sshd_config,omitempty"`
	Dirs       []string `json:"dirs,omitempty" yaml:"dirs,omitempty"` // nil/empty => CWD
	Gitleaks   bool     `json:"gitleaks" yaml:"gitleaks"`
}

type ContainerScan struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Host    string   `json:"host,omitempty" yaml:"host,omitempty"` // e.g. unix:///var/run/docker.sock, empty => DOCKER_HOST
}

type Keys struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"` // empty => <UserConfigDir>/vigil/keys
}

// Service configures the vigil run command.
type Service struct {
	Mode       string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Schedule   *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Verbose    bool           `json:"verbose" yaml:"verbose"`
	Sign       bool           `json:"sign" yaml:"sign"`
	Format     string         `json:"format" yaml:"format"`                       // "json" | "cyclonedx"
	Dir        string         `json:"dir,omitempty" yaml:"dir,omitempty"`         // output directory
	History    string         `json:"history,omitempty" yaml:"history,omitempty"` // sqlite database
	Repository *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// TimerSchedule is either a cron expression or an ISO-8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Repository publication settings.
type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Auth    Auth   `json:"auth" yaml:"auth"` // discriminated union by Auth.Type
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `json:"type" yaml:"type"`                       // "none" | "static_token"
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // required when Type == "static_token"
}

// Duration is a time.Duration written as "30s" or "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig is written when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Scan: Scan{
			Timeout: Duration(5 * time.Minute),
			Modules: Modules{
				Network:       true,
				Process:       true,
				Filesystem:    true,
				Dependency:    true,
				Configuration: true,
				Container:     true,
			},
		},
		Network:    NetworkScan{Timeout: Duration(30 * time.Second)},
		Process:    ProcessScan{Timeout: Duration(30 * time.Second)},
		Filesystem: FilesystemScan{Timeout: Duration(2 * time.Minute), MaxDepth: 4, MaxFiles: 20000},
		Dependency: DependencyScan{Timeout: Duration(2 * time.Minute)},
		Configuration: ConfigurationScan{
			Timeout:    Duration(time.Minute),
			SSHDConfig: "/etc/ssh/sshd_config",
		},
		Container: ContainerScan{Timeout: Duration(30 * time.Second)},
		Service: Service{
			Mode:   ServiceModeManual,
			Sign:   true,
			Format: FormatJSON,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// CueErrDetails turns an error returned by LoadConfig into human readable
// details, one per position in the configuration file.
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}

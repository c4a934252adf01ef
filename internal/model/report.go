package model

import (
	"time"
)

// DomainResult is the common view of a scanner module output.
type DomainResult interface {
	Domain() Domain
	Issues() []Finding
	Availability() Status
}

// Status tells whether the capability behind a domain could be probed.
// A domain that is not available carries no findings of its own, Reason
// says why.
type Status struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func Available() Status {
	return Status{Available: true}
}

func Unavailable(reason string) Status {
	return Status{Available: false, Reason: reason}
}

// Listener is a socket in LISTEN state.
type Listener struct {
	Address  string `json:"address"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
	PID      int32  `json:"pid,omitempty"`
	Service  string `json:"service,omitempty"`
}

type FirewallState string

const (
	FirewallActive   FirewallState = "active"
	FirewallInactive FirewallState = "inactive"
	FirewallUnknown  FirewallState = "unknown"
)

type Firewall struct {
	State   FirewallState `json:"state"`
	Backend string        `json:"backend,omitempty"`
}

type NetworkResult struct {
	Status
	Ports    []Listener `json:"ports"`
	Firewall Firewall   `json:"firewall"`
	Findings []Finding  `json:"findings"`
}

type Process struct {
	PID     int32  `json:"pid"`
	Name    string `json:"name"`
	Exe     string `json:"exe,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
}

type ProcessResult struct {
	Status
	Total      int       `json:"total"`
	Suspicious []Process `json:"suspicious"`
	Findings   []Finding `json:"findings"`
}

type FilesystemResult struct {
	Status
	Checked   int       `json:"checked"`
	Truncated bool      `json:"truncated"`
	Findings  []Finding `json:"findings"`
}

type Vulnerability struct {
	Package      string `json:"package"`
	Severity     string `json:"severity"` // as reported by the ecosystem audit
	Range        string `json:"range,omitempty"`
	Title        string `json:"title,omitempty"`
	FixAvailable bool   `json:"fixAvailable"`
}

type DependencyResult struct {
	Status
	Applicable      bool            `json:"applicable"`
	Ecosystem       string          `json:"ecosystem,omitempty"`
	Manifest        string          `json:"manifest,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Findings        []Finding       `json:"findings"`
}

type ConfigurationResult struct {
	Status
	Files    []string  `json:"files"`
	Findings []Finding `json:"findings"`
}

type Container struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Image      string   `json:"image"`
	State      string   `json:"state"`
	Privileged bool     `json:"privileged"`
	Ports      []uint16 `json:"ports"`
}

type ContainerResult struct {
	Status
	Runtime    string      `json:"runtime,omitempty"`
	Containers []Container `json:"containers"`
	Findings   []Finding   `json:"findings"`
}

func (r NetworkResult) Domain() Domain       { return DomainNetwork }
func (r ProcessResult) Domain() Domain       { return DomainProcess }
func (r FilesystemResult) Domain() Domain    { return DomainFilesystem }
func (r DependencyResult) Domain() Domain    { return DomainDependency }
func (r ConfigurationResult) Domain() Domain { return DomainConfiguration }
func (r ContainerResult) Domain() Domain     { return DomainContainer }

func (r NetworkResult) Issues() []Finding       { return r.Findings }
func (r ProcessResult) Issues() []Finding       { return r.Findings }
func (r FilesystemResult) Issues() []Finding    { return r.Findings }
func (r DependencyResult) Issues() []Finding    { return r.Findings }
func (r ConfigurationResult) Issues() []Finding { return r.Findings }
func (r ContainerResult) Issues() []Finding     { return r.Findings }

func (r NetworkResult) Availability() Status       { return r.Status }
func (r ProcessResult) Availability() Status       { return r.Status }
func (r FilesystemResult) Availability() Status    { return r.Status }
func (r DependencyResult) Availability() Status    { return r.Status }
func (r ConfigurationResult) Availability() Status { return r.Status }
func (r ContainerResult) Availability() Status     { return r.Status }

// Host describes the scanned machine.
type Host struct {
	Platform string `json:"platform,omitempty"`
	OS       string `json:"os,omitempty"`
	Kernel   string `json:"kernel,omitempty"`
	Arch     string `json:"arch,omitempty"`
}

// ScannerInfo identifies the producer of a report.
type ScannerInfo struct {
	Version string `json:"version"`
	Policy  string `json:"policy"`
}

// Summary is derived from the findings of all domains, see package risk.
type Summary struct {
	TotalIssues int       `json:"totalIssues"`
	Critical    int       `json:"critical"`
	High        int       `json:"high"`
	Medium      int       `json:"medium"`
	Low         int       `json:"low"`
	RiskLevel   RiskLevel `json:"riskLevel"`
}

// Report is the full result of one scan. The domain members are always
// present and always serialized in this order.
type Report struct {
	ID            string              `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	Hostname      string              `json:"hostname"`
	Host          Host                `json:"host"`
	Scanner       ScannerInfo         `json:"scanner"`
	Network       NetworkResult       `json:"network"`
	Processes     ProcessResult       `json:"processes"`
	Filesystem    FilesystemResult    `json:"filesystem"`
	Dependencies  DependencyResult    `json:"dependencies"`
	Configuration ConfigurationResult `json:"configuration"`
	Containers    ContainerResult     `json:"containers"`
	Summary       Summary             `json:"summary"`
}

// Results returns the domain results in report order.
func (r Report) Results() []DomainResult {
	return []DomainResult{
		r.Network,
		r.Processes,
		r.Filesystem,
		r.Dependencies,
		r.Configuration,
		r.Containers,
	}
}

// Findings returns findings of all domains in report order.
func (r Report) Findings() []Finding {
	var ret []Finding
	for _, res := range r.Results() {
		ret = append(ret, res.Issues()...)
	}
	return ret
}

// Normalized returns a copy with UTC timestamp and every nil slice
// replaced by an empty one, so nil and empty encode the same way.
func (r Report) Normalized() Report {
	r.Timestamp = r.Timestamp.UTC()

	r.Network.Ports = orEmpty(r.Network.Ports)
	r.Network.Findings = orEmpty(r.Network.Findings)
	if r.Network.Firewall.State == "" {
		r.Network.Firewall.State = FirewallUnknown
	}
	r.Processes.Suspicious = orEmpty(r.Processes.Suspicious)
	r.Processes.Findings = orEmpty(r.Processes.Findings)
	r.Filesystem.Findings = orEmpty(r.Filesystem.Findings)
	r.Dependencies.Vulnerabilities = orEmpty(r.Dependencies.Vulnerabilities)
	r.Dependencies.Findings = orEmpty(r.Dependencies.Findings)
	r.Configuration.Files = orEmpty(r.Configuration.Files)
	r.Configuration.Findings = orEmpty(r.Configuration.Findings)
	containers := make([]Container, len(r.Containers.Containers))
	for i, c := range r.Containers.Containers {
		c.Ports = orEmpty(c.Ports)
		containers[i] = c
	}
	r.Containers.Containers = containers
	r.Containers.Findings = orEmpty(r.Containers.Findings)
	return r
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

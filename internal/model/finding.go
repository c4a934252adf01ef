package model

// Domain is one of the six inspected areas of a host.
type Domain string

const (
	DomainNetwork       Domain = "network"
	DomainProcess       Domain = "process"
	DomainFilesystem    Domain = "filesystem"
	DomainDependency    Domain = "dependency"
	DomainConfiguration Domain = "configuration"
	DomainContainer     Domain = "container"
)

// Domains in the order they appear in a Report.
var Domains = []Domain{
	DomainNetwork,
	DomainProcess,
	DomainFilesystem,
	DomainDependency,
	DomainConfiguration,
	DomainContainer,
}

// Finding is one detected issue. Optional fields are domain specific and
// omitted from the JSON output when empty.
type Finding struct {
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Domain      Domain   `json:"domain"`
	Rule        string   `json:"rule,omitempty"`
	Path        string   `json:"path,omitempty"`
	Line        int      `json:"line,omitempty"`
	Port        uint16   `json:"port,omitempty"`
	PID         int32    `json:"pid,omitempty"`
	Name        string   `json:"name,omitempty"` // variable, package or container name
}

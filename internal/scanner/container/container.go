// Package container inspects running containers of a docker compatible
// runtime. An unreachable runtime is not an error, the domain is reported
// as not available.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/parallel"
	"github.com/vigil-xy/vigil/internal/policy"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	runtimeDocker  = "docker"
	inspectTimeout = 10 * time.Second
	inspectLimit   = 8
	dockerSocket   = "docker.sock"
)

// Client is the subset of the docker API client the scanner needs.
type Client interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerInspect(ctx context.Context, id string) (containertypes.InspectResponse, error)
	Close() error
}

var newDockerClient = func(opts ...client.Opt) (Client, error) {
	return client.NewClientWithOpts(opts...)
}

type Scanner struct {
	Connect func() (Client, error)
	Timeout time.Duration
}

func New(cfg model.ContainerScan) Scanner {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	return Scanner{
		Connect: func() (Client, error) { return newDockerClient(opts...) },
		Timeout: cfg.Timeout.Std(),
	}
}

func (s Scanner) Scan(ctx context.Context) model.ContainerResult {
	ctx = log.WithDomain(ctx, string(model.DomainContainer))
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	if s.Connect == nil {
		return model.ContainerResult{Status: model.Unavailable("no container runtime configured")}
	}
	cli, err := s.Connect()
	if err != nil {
		slog.DebugContext(ctx, "docker client", "error", err)
		return model.ContainerResult{Status: model.Unavailable("container runtime not reachable")}
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		slog.DebugContext(ctx, "docker ping", "error", err)
		return model.ContainerResult{Status: unavailable(err, "container runtime not reachable")}
	}

	list, err := cli.ContainerList(ctx, containertypes.ListOptions{})
	if err != nil {
		slog.WarnContext(ctx, "listing containers", "error", err)
		return model.ContainerResult{Status: unavailable(err, "listing containers failed")}
	}

	// a failed inspect keeps what the list told about the container
	containers, _ := parallel.Collect(ctx, inspectLimit, list, func(ctx context.Context, summary containertypes.Summary) (inspected, error) {
		c, err := inspect(ctx, cli, summary)
		if err != nil {
			slog.WarnContext(ctx, "inspecting container", "container", c.Name, "error", err)
		}
		return c, nil
	})
	if err := ctx.Err(); err != nil {
		return model.ContainerResult{Status: unavailable(err, "interrupted")}
	}

	res := model.ContainerResult{
		Status:  model.Available(),
		Runtime: runtimeDocker,
	}
	slices.SortFunc(containers, func(a, b inspected) int { return strings.Compare(a.Name, b.Name) })
	for _, c := range containers {
		res.Containers = append(res.Containers, c.Container)
		res.Findings = append(res.Findings, Findings(c.Container, c.Mounts, c.HostNetwork)...)
	}
	return res
}

func unavailable(err error, reason string) model.Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Unavailable("timed out")
	}
	return model.Unavailable(reason)
}

type inspected struct {
	model.Container
	Mounts      []string
	HostNetwork bool
}

// inspect returns the container as listed together with the inspect error,
// when details could not be read.
func inspect(ctx context.Context, cli Client, summary containertypes.Summary) (inspected, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	ret := inspected{Container: model.Container{
		ID:    shortID(summary.ID),
		Name:  containerName(summary.Names),
		Image: summary.Image,
		State: string(summary.State),
	}}
	for _, p := range summary.Ports {
		if p.PublicPort == 0 || slices.Contains(ret.Ports, p.PublicPort) {
			continue
		}
		ret.Ports = append(ret.Ports, p.PublicPort)
	}
	slices.Sort(ret.Ports)

	details, err := cli.ContainerInspect(ctx, summary.ID)
	if err != nil {
		return ret, fmt.Errorf("inspect %s: %w", ret.Name, err)
	}
	if details.ContainerJSONBase != nil && details.HostConfig != nil {
		ret.Privileged = details.HostConfig.Privileged
		ret.HostNetwork = details.HostConfig.NetworkMode.IsHost()
	}
	for _, m := range details.Mounts {
		ret.Mounts = append(ret.Mounts, m.Source)
	}
	return ret, nil
}

// Findings applies the container policy: privileged mode, published
// dangerous ports, a mounted runtime socket and the host network.
func Findings(c model.Container, mounts []string, hostNetwork bool) []model.Finding {
	var ret []model.Finding
	if c.Privileged {
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Container %s runs in privileged mode", c.Name),
			Severity:    model.SeverityHigh,
			Domain:      model.DomainContainer,
			Rule:        "privileged-container",
			Name:        c.Name,
		})
	}
	for _, port := range c.Ports {
		d, ok := policy.Dangerous(port)
		if !ok {
			continue
		}
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Container %s exposes dangerous port %d (%s)", c.Name, port, d.Service),
			Severity:    d.Severity,
			Domain:      model.DomainContainer,
			Rule:        "container-dangerous-port",
			Port:        port,
			Name:        c.Name,
		})
	}
	for _, m := range mounts {
		if !strings.HasSuffix(m, dockerSocket) {
			continue
		}
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Container %s mounts the runtime socket %s", c.Name, m),
			Severity:    model.SeverityHigh,
			Domain:      model.DomainContainer,
			Rule:        "runtime-socket-mount",
			Path:        m,
			Name:        c.Name,
		})
		break
	}
	if hostNetwork {
		ret = append(ret, model.Finding{
			Description: fmt.Sprintf("Container %s shares the host network", c.Name),
			Severity:    model.SeverityMedium,
			Domain:      model.DomainContainer,
			Rule:        "host-network",
			Name:        c.Name,
		})
	}
	return ret
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Package network inspects listening sockets and the host firewall.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/netscan"
	"github.com/vigil-xy/vigil/internal/nmap"
	"github.com/vigil-xy/vigil/internal/policy"
	"github.com/vigil-xy/vigil/internal/runner"
)

// PortProbe lists sockets in LISTEN state.
type PortProbe interface {
	Listeners(ctx context.Context) ([]model.Listener, error)
}

type FirewallStater interface {
	State(ctx context.Context) model.Firewall
}

// ServiceProbe identifies services listening on the given local ports.
type ServiceProbe interface {
	Services(ctx context.Context, addr netip.Addr, ports []uint16) (map[uint16]string, error)
}

type Scanner struct {
	Ports    PortProbe
	Firewall FirewallStater
	// Services is optional
	Services ServiceProbe
	Timeout  time.Duration
}

// New builds a scanner probing the local host.
func New(cfg model.NetworkScan, r runner.Runner) Scanner {
	s := Scanner{
		Ports: NetscanProbe{Options: netscan.Options{
			Dial:        cfg.DialFallback,
			DialTimeout: 500 * time.Millisecond,
		}},
		Firewall: NewFirewallProbe(r),
		Timeout:  cfg.Timeout.Std(),
	}
	if cfg.Nmap.Enabled {
		s.Services = NmapProbe{Scanner: nmap.NewServices().WithNmapBinary(cfg.Nmap.Path)}
	}
	return s
}

func (s Scanner) Scan(ctx context.Context) model.NetworkResult {
	ctx = log.WithDomain(ctx, string(model.DomainNetwork))
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var res model.NetworkResult
	res.Firewall = model.Firewall{State: model.FirewallUnknown}
	if s.Firewall != nil {
		res.Firewall = s.Firewall.State(ctx)
	}

	if s.Ports == nil {
		res.Status = model.Unavailable("no port probe")
		return res
	}
	ports, err := s.Ports.Listeners(ctx)
	if err != nil {
		reason := fmt.Sprintf("listing ports: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timed out"
		}
		slog.WarnContext(ctx, "network scan unavailable", "error", err)
		res.Status = model.Unavailable(reason)
		return res
	}
	res.Status = model.Available()

	if s.Services != nil {
		s.enrich(ctx, ports)
	}
	res.Ports = ports
	res.Findings = Findings(ports, res.Firewall)
	return res
}

func (s Scanner) enrich(ctx context.Context, ports []model.Listener) {
	var local []uint16
	seen := make(map[uint16]struct{})
	for _, l := range ports {
		if l.Protocol != "tcp" {
			continue
		}
		if !netscan.AllInterfaces(l.Address) && l.Address != "127.0.0.1" {
			continue
		}
		if _, ok := seen[l.Port]; ok {
			continue
		}
		seen[l.Port] = struct{}{}
		local = append(local, l.Port)
	}
	services, err := s.Services.Services(ctx, netip.AddrFrom4([4]byte{127, 0, 0, 1}), local)
	if err != nil {
		slog.WarnContext(ctx, "service detection failed", "error", err)
		return
	}
	for i := range ports {
		if svc, ok := services[ports[i].Port]; ok {
			ports[i].Service = svc
		}
	}
}

// Findings applies the port and firewall policy. Every port is reported at
// most once: a dangerous port takes precedence over a wildcard bind.
func Findings(ports []model.Listener, fw model.Firewall) []model.Finding {
	var ret []model.Finding
	flagged := make(map[uint16]struct{})
	for _, l := range ports {
		if _, ok := flagged[l.Port]; ok {
			continue
		}
		if d, ok := policy.Dangerous(l.Port); ok {
			flagged[l.Port] = struct{}{}
			ret = append(ret, model.Finding{
				Description: fmt.Sprintf("Dangerous port %d exposed", l.Port),
				Severity:    d.Severity,
				Domain:      model.DomainNetwork,
				Rule:        "dangerous-port",
				Port:        l.Port,
				PID:         l.PID,
				Name:        d.Service,
			})
		}
	}
	for _, l := range ports {
		if _, ok := flagged[l.Port]; ok {
			continue
		}
		if netscan.AllInterfaces(l.Address) {
			flagged[l.Port] = struct{}{}
			ret = append(ret, model.Finding{
				Description: fmt.Sprintf("Port %d listening on all interfaces", l.Port),
				Severity:    model.SeverityMedium,
				Domain:      model.DomainNetwork,
				Rule:        "all-interfaces",
				Port:        l.Port,
				PID:         l.PID,
			})
		}
	}
	if fw.State == model.FirewallInactive {
		ret = append(ret, model.Finding{
			Description: "Firewall is inactive",
			Severity:    model.SeverityMedium,
			Domain:      model.DomainNetwork,
			Rule:        "firewall-inactive",
			Name:        fw.Backend,
		})
	}
	return ret
}

// NetscanProbe lists ports with package netscan.
type NetscanProbe struct {
	Options netscan.Options
}

func (p NetscanProbe) Listeners(ctx context.Context) ([]model.Listener, error) {
	ret, source, err := netscan.Listeners(ctx, p.Options)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "listening ports", "source", source, "count", len(ret))
	return ret, nil
}

// NmapProbe identifies services with nmap -sV.
type NmapProbe struct {
	Scanner nmap.Scanner
}

func (p NmapProbe) Services(ctx context.Context, addr netip.Addr, ports []uint16) (map[uint16]string, error) {
	found, err := p.Scanner.WithPorts(ports...).Services(ctx, addr)
	if err != nil {
		return nil, err
	}
	ret := make(map[uint16]string, len(found))
	for port, svc := range found {
		ret[port] = svc.String()
	}
	return ret, nil
}

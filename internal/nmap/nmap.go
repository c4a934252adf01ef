package nmap

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

// Scanner is a wrapper on top of "github.com/Ullaakut/nmap/v3" Scanner
// identifying services behind already known open ports.
type Scanner struct {
	nmap    string
	ports   []uint16
	timeout time.Duration
	options []nmap.Option
}

// Service is what nmap -sV tells about a single port.
type Service struct {
	Port    uint16
	Name    string
	Product string
	Version string
}

func (s Service) String() string {
	return strings.TrimSpace(strings.Join([]string{s.Name, s.Product, s.Version}, " "))
}

// NewServices creates a nmap scanner with -sV
func NewServices() Scanner {
	return Scanner{
		timeout: 2 * time.Minute,
		options: []nmap.Option{
			nmap.WithServiceInfo(),
			nmap.WithSkipHostDiscovery(),
		},
	}
}

func (s Scanner) WithNmapBinary(nmap string) Scanner {
	s.nmap = nmap
	return s
}

func (s Scanner) WithPorts(ports ...uint16) Scanner {
	ret := s
	ret.ports = append(append([]uint16(nil), ret.ports...), ports...)
	return ret
}

func (s Scanner) WithTimeout(timeout time.Duration) Scanner {
	s.timeout = timeout
	return s
}

// Services returns the services found on addr keyed by port. With no ports
// configured nothing is scanned.
func (s Scanner) Services(ctx context.Context, addr netip.Addr) (map[uint16]Service, error) {
	if len(s.ports) == 0 {
		return map[uint16]Service{}, nil
	}
	options := append([]nmap.Option(nil), s.options...)
	if s.nmap != "" {
		options = append(options, nmap.WithBinaryPath(s.nmap))
	}

	ports := make([]string, len(s.ports))
	for i, p := range s.ports {
		ports[i] = strconv.Itoa(int(p))
	}
	options = append(options,
		nmap.WithPorts(strings.Join(ports, ",")),
		nmap.WithTargets(addr.String()),
	)

	if addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}

	logCtx := log.ContextAttrs(
		ctx,
		slog.String("scanner", "nmap"),
		slog.GroupAttrs(
			"options",
			slog.String("nmap", s.nmap),
			slog.Any("ports", ports),
		),
		slog.String("target", addr.String()),
	)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		logCtx, cancel = context.WithTimeout(logCtx, s.timeout)
		defer cancel()
	}
	r, err := scan(logCtx, options)
	if err != nil {
		return nil, fmt.Errorf("nmap scan: %w", err)
	}
	return HostServices(r), nil
}

func scan(ctx context.Context, options []nmap.Option) (nmap.Host, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nmap.Host{}, fmt.Errorf("creating nmap scanner: %w", err)
	}

	now := time.Now()
	slog.DebugContext(ctx, "scan started")
	scan, warningsp, err := scanner.Run()
	if err != nil {
		slog.DebugContext(ctx, "scan failed", "error", err)
		return nmap.Host{}, fmt.Errorf("nmap scan: %w", err)
	}

	if warningsp != nil {
		for _, warn := range *warningsp {
			slog.WarnContext(ctx, "scan", "warning", warn)
		}
	}

	if len(scan.Hosts) == 0 {
		slog.DebugContext(ctx, "scan found nothing")
		return nmap.Host{}, model.ErrNoMatch
	}

	slog.DebugContext(ctx, "scan finished", "elapsed", time.Since(now).String())
	return scan.Hosts[0], nil
}

// HostServices extracts identified services of open ports.
func HostServices(host nmap.Host) map[uint16]Service {
	ret := make(map[uint16]Service, len(host.Ports))
	for _, port := range host.Ports {
		if !strings.EqualFold(port.State.State, "open") || port.Service.Name == "" {
			continue
		}
		ret[port.ID] = Service{
			Port:    port.ID,
			Name:    port.Service.Name,
			Product: port.Service.Product,
			Version: port.Service.Version,
		}
	}
	return ret
}

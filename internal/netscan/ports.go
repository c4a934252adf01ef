package netscan

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/parallel"

	gonet "github.com/shirou/gopsutil/v4/net"
)

var (
	errNotListening = errors.New("not listening")
	// ErrNoSource is returned when no method of listing ports worked.
	ErrNoSource = errors.New("no port listing method available")
)

// System call wrappers for testing
var (
	netConnections = gonet.ConnectionsWithContext
	netlinkPorts   = NetlinkListening
)

// Source names the method used to enumerate ports.
type Source string

const (
	SourcePsutil  Source = "psutil"
	SourceNetlink Source = "netlink"
	SourceDial    Source = "dial"
)

type Options struct {
	// Dial enables the connect based fallback.
	Dial          bool
	DialAddresses []netip.Addr
	DialPorts     []uint16
	DialTimeout   time.Duration
}

// Listeners returns TCP sockets in LISTEN state in the best possible way:
// the process table via gopsutil, netlink sock_diag on linux and
// finally dialing local ports, when enabled. The result is deduplicated
// and sorted by port.
func Listeners(ctx context.Context, opts Options) ([]model.Listener, Source, error) {
	ret, err := listenersPsutil(ctx)
	if err == nil {
		return normalize(ret), SourcePsutil, nil
	}
	slog.WarnContext(ctx, "listing connections failed, trying netlink", "error", err)

	seq, err := netlinkPorts()
	if err == nil {
		return normalize(fromAddrPorts(seq)), SourceNetlink, nil
	}
	slog.WarnContext(ctx, "netlink access failed", "error", err)

	if !opts.Dial {
		return nil, "", ErrNoSource
	}
	dialed := LocalPortsDial(ctx, opts.DialTimeout, opts.DialPorts, opts.DialAddresses...)
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	return normalize(fromAddrPorts(dialed)), SourceDial, nil
}

func listenersPsutil(ctx context.Context) ([]model.Listener, error) {
	conns, err := netConnections(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("connections: %w", err)
	}
	ret := make([]model.Listener, 0, len(conns))
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		addr := c.Laddr.IP
		if addr == "" || addr == "*" {
			addr = "0.0.0.0"
		}
		ret = append(ret, model.Listener{
			Address:  addr,
			Port:     uint16(c.Laddr.Port),
			Protocol: protocol(addr),
			PID:      c.Pid,
		})
	}
	return ret, nil
}

func fromAddrPorts(seq iter.Seq[netip.AddrPort]) []model.Listener {
	var ret []model.Listener
	for ap := range seq {
		addr := ap.Addr().Unmap().String()
		ret = append(ret, model.Listener{
			Address:  addr,
			Port:     ap.Port(),
			Protocol: protocol(addr),
		})
	}
	return ret
}

func protocol(addr string) string {
	a, err := netip.ParseAddr(addr)
	if err == nil && a.Is6() && !a.Is4In6() {
		return "tcp6"
	}
	return "tcp"
}

// AllInterfaces reports whether address is a wildcard bind.
func AllInterfaces(address string) bool {
	switch address {
	case "0.0.0.0", "::", "*", "[::]":
		return true
	}
	return false
}

func normalize(in []model.Listener) []model.Listener {
	type key struct {
		addr  string
		port  uint16
		proto string
	}
	seen := make(map[key]int, len(in))
	ret := make([]model.Listener, 0, len(in))
	for _, l := range in {
		l.Address = strings.Trim(l.Address, "[]")
		k := key{l.Address, l.Port, l.Protocol}
		if i, ok := seen[k]; ok {
			if ret[i].PID == 0 {
				ret[i].PID = l.PID
			}
			continue
		}
		seen[k] = len(ret)
		ret = append(ret, l)
	}
	slices.SortStableFunc(ret, func(a, b model.Listener) int {
		return cmp.Or(
			cmp.Compare(a.Port, b.Port),
			cmp.Compare(a.Protocol, b.Protocol),
			cmp.Compare(a.Address, b.Address),
		)
	})
	return ret
}

// LocalPortsDial scans local TCP ports by attempting to open connections tcp to them.
// It can access the list of ip addresses, if not provided it fallback to 127.0.0.1 and [::1].
// An empty ports list means all ports.
func LocalPortsDial(ctx context.Context, timeout time.Duration, ports []uint16, addresses ...netip.Addr) iter.Seq[netip.AddrPort] {
	if addresses == nil {
		addresses = []netip.Addr{
			netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			netip.IPv6Loopback(),
		}
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	opened := func(ctx context.Context, adr netip.AddrPort) (netip.AddrPort, error) {
		var zero netip.AddrPort
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", adr.String())
		if err != nil {
			return zero, errNotListening
		}
		err = conn.Close()
		if err != nil {
			return zero, err
		}
		return adr, nil
	}

	return func(yield func(netip.AddrPort) bool) {
		seq := parallel.NewMap(ctx, 16, opened).Iter(addPort2Seq2(ports, addresses...))
		for addr, err := range seq {
			if err != nil {
				continue
			}
			if !yield(addr) {
				break
			}
		}
	}
}

func addPort2Seq2(ports []uint16, addresses ...netip.Addr) iter.Seq2[netip.AddrPort, error] {
	return func(yield func(netip.AddrPort, error) bool) {
		for _, addr := range addresses {
			if len(ports) > 0 {
				for _, port := range ports {
					if !yield(netip.AddrPortFrom(addr, port), nil) {
						return
					}
				}
				continue
			}
			for port := 1; port <= 65535; port++ {
				if !yield(netip.AddrPortFrom(addr, uint16(port)), nil) {
					return
				}
			}
		}
	}
}

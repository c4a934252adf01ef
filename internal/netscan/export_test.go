package netscan

import (
	"context"
	"iter"
	"net/netip"

	gonet "github.com/shirou/gopsutil/v4/net"
)

// SetSources replaces the system sources and returns a function restoring them.
func SetSources(
	conns func(context.Context, string) ([]gonet.ConnectionStat, error),
	nl func() (iter.Seq[netip.AddrPort], error),
) func() {
	oldConns, oldNl := netConnections, netlinkPorts
	netConnections, netlinkPorts = conns, nl
	return func() {
		netConnections, netlinkPorts = oldConns, oldNl
	}
}

//go:build !linux

package netscan

import (
	"errors"
	"iter"
	"net/netip"
)

// NetlinkListening is not supported outside of linux.
func NetlinkListening() (iter.Seq[netip.AddrPort], error) {
	return nil, errors.New("sock_diag netlink requires linux")
}

package netscan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"slices"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// sock_diag(7) values not exported by x/sys/unix.
const (
	sockDiagByFamily = 20
	tcpStateListen   = 10
)

// diagRequest mirrors struct inet_diag_req_v2 with a zero socket id,
// which matches every socket of the family.
type diagRequest struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	_        uint8
	States   uint32
	ID       diagSockID
}

// diagSockID mirrors struct inet_diag_sockid. Ports and addresses are
// in network byte order.
type diagSockID struct {
	SrcPort [2]byte
	DstPort [2]byte
	Src     [16]byte
	Dst     [16]byte
	Iface   uint32
	Cookie  [2]uint32
}

// diagHeader is the leading part of struct inet_diag_msg.
type diagHeader struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      diagSockID
}

var errShortReply = errors.New("short sock_diag reply")

// NetlinkListening asks the kernel for TCP sockets in LISTEN state using
// a NETLINK_SOCK_DIAG dump, IPv4 first. It fails when netlink is not
// usable, callers are expected to fall back to dialing.
func NetlinkListening() (iter.Seq[netip.AddrPort], error) {
	conn, err := netlink.Dial(unix.NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("netlink dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var all []netip.AddrPort
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		got, err := dumpListening(conn, family)
		if err != nil {
			return nil, fmt.Errorf("sock_diag family %d: %w", family, err)
		}
		all = append(all, got...)
	}
	return slices.Values(all), nil
}

func dumpListening(conn *netlink.Conn, family uint8) ([]netip.AddrPort, error) {
	var req bytes.Buffer
	err := binary.Write(&req, binary.NativeEndian, diagRequest{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   1 << tcpStateListen,
	})
	if err != nil {
		return nil, err
	}

	replies, err := conn.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: req.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	ret := make([]netip.AddrPort, 0, len(replies))
	for _, m := range replies {
		if m.Header.Type == netlink.Done {
			continue
		}
		ap, err := parseDiagMsg(m.Data)
		if errors.Is(err, errShortReply) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, ap)
	}
	return ret, nil
}

func parseDiagMsg(data []byte) (netip.AddrPort, error) {
	var hdr diagHeader
	if len(data) < binary.Size(hdr) {
		return netip.AddrPort{}, errShortReply
	}
	if err := binary.Read(bytes.NewReader(data), binary.NativeEndian, &hdr); err != nil {
		return netip.AddrPort{}, err
	}

	var addr netip.Addr
	switch hdr.Family {
	case unix.AF_INET:
		addr = netip.AddrFrom4([4]byte(hdr.ID.Src[:4]))
	case unix.AF_INET6:
		addr = netip.AddrFrom16(hdr.ID.Src).Unmap()
	default:
		return netip.AddrPort{}, fmt.Errorf("unexpected address family %d", hdr.Family)
	}
	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(hdr.ID.SrcPort[:])), nil
}

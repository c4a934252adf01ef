package network_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/runner"
	"github.com/vigil-xy/vigil/internal/scanner/network"

	"github.com/stretchr/testify/require"
)

type fakePorts struct {
	ports []model.Listener
	err   error
}

func (f fakePorts) Listeners(context.Context) ([]model.Listener, error) {
	return append([]model.Listener(nil), f.ports...), f.err
}

type fakeFirewall struct{ fw model.Firewall }

func (f fakeFirewall) State(context.Context) model.Firewall {
	return f.fw
}

type fakeServices map[uint16]string

func (f fakeServices) Services(_ context.Context, addr netip.Addr, ports []uint16) (map[uint16]string, error) {
	if !addr.IsLoopback() {
		return nil, errors.New("not loopback")
	}
	ret := make(map[uint16]string)
	for _, p := range ports {
		if s, ok := f[p]; ok {
			ret[p] = s
		}
	}
	return ret, nil
}

func TestScan(t *testing.T) {
	t.Parallel()

	active := fakeFirewall{fw: model.Firewall{State: model.FirewallActive, Backend: "ufw"}}
	type given struct {
		ports    fakePorts
		firewall fakeFirewall
	}
	var testCases = []struct {
		scenario string
		given    given
		then     []model.Finding
	}{
		{
			scenario: "dangerous port",
			given: given{
				ports:    fakePorts{ports: []model.Listener{{Address: "127.0.0.1", Port: 3306, Protocol: "tcp"}}},
				firewall: active,
			},
			then: []model.Finding{{
				Description: "Dangerous port 3306 exposed",
				Severity:    model.SeverityHigh,
				Domain:      model.DomainNetwork,
				Rule:        "dangerous-port",
				Port:        3306,
				Name:        "mysql",
			}},
		},
		{
			scenario: "dangerous port on all interfaces reported once",
			given: given{
				ports: fakePorts{ports: []model.Listener{
					{Address: "0.0.0.0", Port: 23, Protocol: "tcp"},
					{Address: "::", Port: 23, Protocol: "tcp6"},
				}},
				firewall: active,
			},
			then: []model.Finding{{
				Description: "Dangerous port 23 exposed",
				Severity:    model.SeverityCritical,
				Domain:      model.DomainNetwork,
				Rule:        "dangerous-port",
				Port:        23,
				Name:        "telnet",
			}},
		},
		{
			scenario: "all interfaces",
			given: given{
				ports: fakePorts{ports: []model.Listener{
					{Address: "127.0.0.1", Port: 631, Protocol: "tcp"},
					{Address: "0.0.0.0", Port: 8080, Protocol: "tcp", PID: 99},
					{Address: "::", Port: 8080, Protocol: "tcp6", PID: 99},
				}},
				firewall: active,
			},
			then: []model.Finding{{
				Description: "Port 8080 listening on all interfaces",
				Severity:    model.SeverityMedium,
				Domain:      model.DomainNetwork,
				Rule:        "all-interfaces",
				Port:        8080,
				PID:         99,
			}},
		},
		{
			scenario: "inactive firewall",
			given: given{
				ports:    fakePorts{},
				firewall: fakeFirewall{fw: model.Firewall{State: model.FirewallInactive, Backend: "ufw"}},
			},
			then: []model.Finding{{
				Description: "Firewall is inactive",
				Severity:    model.SeverityMedium,
				Domain:      model.DomainNetwork,
				Rule:        "firewall-inactive",
				Name:        "ufw",
			}},
		},
		{
			scenario: "unknown firewall is no finding",
			given: given{
				ports:    fakePorts{ports: []model.Listener{{Address: "127.0.0.1", Port: 22, Protocol: "tcp"}}},
				firewall: fakeFirewall{fw: model.Firewall{State: model.FirewallUnknown}},
			},
			then: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s := network.Scanner{Ports: tc.given.ports, Firewall: tc.given.firewall}
			res := s.Scan(t.Context())
			require.True(t, res.Available)
			require.Equal(t, tc.given.ports.ports, res.Ports)
			require.Equal(t, tc.given.firewall.fw, res.Firewall)
			require.Equal(t, tc.then, res.Findings)
		})
	}
}

func TestScanUnavailable(t *testing.T) {
	t.Parallel()

	s := network.Scanner{
		Ports:    fakePorts{err: errors.New("permission denied")},
		Firewall: fakeFirewall{fw: model.Firewall{State: model.FirewallInactive, Backend: "ufw"}},
	}
	res := s.Scan(t.Context())
	require.False(t, res.Available)
	require.Contains(t, res.Reason, "permission denied")
	require.Empty(t, res.Findings)
	require.Equal(t, model.FirewallInactive, res.Firewall.State)

	res = network.Scanner{}.Scan(t.Context())
	require.False(t, res.Available)
	require.Equal(t, model.FirewallUnknown, res.Firewall.State)
}

func TestScanServices(t *testing.T) {
	t.Parallel()

	s := network.Scanner{
		Ports: fakePorts{ports: []model.Listener{
			{Address: "127.0.0.1", Port: 22, Protocol: "tcp"},
			{Address: "10.0.0.5", Port: 80, Protocol: "tcp"},
		}},
		Firewall: fakeFirewall{fw: model.Firewall{State: model.FirewallActive}},
		Services: fakeServices{22: "ssh OpenSSH 9.6", 80: "http nginx"},
	}
	res := s.Scan(t.Context())
	require.Equal(t, "ssh OpenSSH 9.6", res.Ports[0].Service)
	require.Empty(t, res.Ports[1].Service)
}

func TestFirewallProbe(t *testing.T) {
	t.Parallel()

	type given map[string]runner.Result
	var testCases = []struct {
		scenario string
		given    given
		then     model.Firewall
	}{
		{
			scenario: "ufw active",
			given:    given{"ufw": {Stdout: []byte("Status: active\n\nTo Action From\n")}},
			then:     model.Firewall{State: model.FirewallActive, Backend: "ufw"},
		},
		{
			scenario: "ufw needs root, firewalld not running",
			given: given{
				"ufw":          {ExitCode: 1, Stderr: []byte("ERROR: You need to be root to run this script")},
				"firewall-cmd": {ExitCode: 252, Stdout: []byte("not running\n")},
			},
			then: model.Firewall{State: model.FirewallInactive, Backend: "firewalld"},
		},
		{
			scenario: "nftables with input hook",
			given: given{"nft": {Stdout: []byte(
				"table inet filter {\n\tchain input {\n\t\ttype filter hook input priority filter; policy drop;\n\t}\n}\n")}},
			then: model.Firewall{State: model.FirewallActive, Backend: "nftables"},
		},
		{
			scenario: "iptables accept all",
			given:    given{"iptables": {Stdout: []byte("-P INPUT ACCEPT\n-P FORWARD ACCEPT\n-P OUTPUT ACCEPT\n")}},
			then:     model.Firewall{State: model.FirewallInactive, Backend: "iptables"},
		},
		{
			scenario: "iptables drop policy",
			given:    given{"iptables": {Stdout: []byte("-P INPUT DROP\n-P FORWARD ACCEPT\n")}},
			then:     model.Firewall{State: model.FirewallActive, Backend: "iptables"},
		},
		{
			scenario: "macos",
			given:    given{"/usr/libexec/ApplicationFirewall/socketfilterfw": {Stdout: []byte("Firewall is enabled. (State = 1)\n")}},
			then:     model.Firewall{State: model.FirewallActive, Backend: "socketfilterfw"},
		},
		{
			scenario: "nothing installed",
			given:    given{},
			then:     model.Firewall{State: model.FirewallUnknown},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			r := runner.Func(func(_ context.Context, cmd runner.Command) (runner.Result, error) {
				res, ok := tc.given[cmd.Path]
				if !ok {
					return runner.Result{}, runner.ErrNotFound
				}
				return res, nil
			})
			got := network.NewFirewallProbe(r).State(t.Context())
			require.Equal(t, tc.then, got)
		})
	}
}

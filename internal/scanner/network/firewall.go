package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/runner"
)

// FirewallBackend knows how to ask one firewall frontend for its state.
// Parse returns ok=false when the output does not allow a verdict.
type FirewallBackend struct {
	Name    string
	Command runner.Command
	Parse   func(res runner.Result) (state model.FirewallState, ok bool)
}

// FirewallBackends are tried in order, the first definitive answer wins.
var FirewallBackends = []FirewallBackend{
	{
		Name:    "ufw",
		Command: runner.Command{Path: "ufw", Args: []string{"status"}},
		Parse:   parseUfw,
	},
	{
		Name:    "firewalld",
		Command: runner.Command{Path: "firewall-cmd", Args: []string{"--state"}},
		Parse:   parseFirewalld,
	},
	{
		Name:    "nftables",
		Command: runner.Command{Path: "nft", Args: []string{"list", "ruleset"}},
		Parse:   parseNft,
	},
	{
		Name:    "iptables",
		Command: runner.Command{Path: "iptables", Args: []string{"-S"}},
		Parse:   parseIptables,
	},
	{
		Name:    "socketfilterfw",
		Command: runner.Command{Path: "/usr/libexec/ApplicationFirewall/socketfilterfw", Args: []string{"--getglobalstate"}},
		Parse:   parseSocketFilter,
	},
}

// FirewallProbe asks the backends through a runner.
type FirewallProbe struct {
	Runner   runner.Runner
	Backends []FirewallBackend
	Timeout  time.Duration
}

func NewFirewallProbe(r runner.Runner) FirewallProbe {
	return FirewallProbe{
		Runner:   r,
		Backends: FirewallBackends,
		Timeout:  10 * time.Second,
	}
}

// State never fails, a firewall nobody could ask about is unknown.
func (p FirewallProbe) State(ctx context.Context) model.Firewall {
	for _, b := range p.Backends {
		cmd := b.Command
		if cmd.Timeout == 0 {
			cmd.Timeout = p.Timeout
		}
		res, err := p.Runner.Run(ctx, cmd)
		if err != nil {
			if !errors.Is(err, runner.ErrNotFound) {
				slog.DebugContext(ctx, "firewall backend failed", "backend", b.Name, "error", err)
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if state, ok := b.Parse(res); ok {
			return model.Firewall{State: state, Backend: b.Name}
		}
		slog.DebugContext(ctx, "firewall backend gave no verdict", "backend", b.Name, "exit", res.ExitCode)
	}
	return model.Firewall{State: model.FirewallUnknown}
}

func parseUfw(res runner.Result) (model.FirewallState, bool) {
	if res.ExitCode != 0 {
		return "", false
	}
	for line := range lines(res.Stdout) {
		status, ok := strings.CutPrefix(line, "Status:")
		if !ok {
			continue
		}
		switch strings.TrimSpace(status) {
		case "active":
			return model.FirewallActive, true
		case "inactive":
			return model.FirewallInactive, true
		}
	}
	return "", false
}

func parseFirewalld(res runner.Result) (model.FirewallState, bool) {
	out := strings.TrimSpace(string(res.Stdout) + string(res.Stderr))
	switch {
	case out == "running":
		return model.FirewallActive, true
	case out == "not running":
		return model.FirewallInactive, true
	}
	return "", false
}

func parseNft(res runner.Result) (model.FirewallState, bool) {
	if res.ExitCode != 0 {
		return "", false
	}
	for line := range lines(res.Stdout) {
		if strings.Contains(line, "hook input") || strings.Contains(line, "hook forward") {
			return model.FirewallActive, true
		}
	}
	return model.FirewallInactive, true
}

func parseIptables(res runner.Result) (model.FirewallState, bool) {
	if res.ExitCode != 0 {
		return "", false
	}
	for line := range lines(res.Stdout) {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 3 && fields[0] == "-P" && fields[1] == "INPUT" && fields[2] != "ACCEPT":
			return model.FirewallActive, true
		case len(fields) >= 2 && fields[0] == "-A":
			return model.FirewallActive, true
		}
	}
	return model.FirewallInactive, true
}

func parseSocketFilter(res runner.Result) (model.FirewallState, bool) {
	out := string(res.Stdout)
	switch {
	case strings.Contains(out, "enabled"):
		return model.FirewallActive, true
	case strings.Contains(out, "disabled"):
		return model.FirewallInactive, true
	}
	return "", false
}

func lines(b []byte) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		s := bufio.NewScanner(bytes.NewReader(b))
		for s.Scan() {
			if !yield(strings.TrimSpace(s.Text())) {
				return
			}
		}
	}
}

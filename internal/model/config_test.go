package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vigil-xy/vigil/internal/model"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
scan:
  timeout: 2m
  modules:
    container: false
network:
  dial_fallback: true
  nmap:
    enabled: true
    path: /usr/local/bin/nmap
filesystem:
  dirs: [/usr/bin, /usr/sbin]
  max_depth: 2
configuration:
  gitleaks: true
  dirs: [/srv/app]
container:
  host: unix:///run/podman/podman.sock
service:
  mode: timer
  schedule:
    cron: "0 */6 * * *"
  history: /var/lib/vigil/history.db
  repository:
    enabled: true
    url: https://example.com/repo
    auth:
      type: static_token
      token: ABC123
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)

	require.Equal(t, 2*time.Minute, cfg.Scan.Timeout.Std())
	require.True(t, cfg.Scan.Modules.Network)
	require.False(t, cfg.Scan.Modules.Container)
	require.True(t, cfg.Network.DialFallback)
	require.Equal(t, model.Nmap{Enabled: true, Path: "/usr/local/bin/nmap"}, cfg.Network.Nmap)
	require.Equal(t, []string{"/usr/bin", "/usr/sbin"}, cfg.Filesystem.Dirs)
	require.Equal(t, 2, cfg.Filesystem.MaxDepth)
	require.Equal(t, 20000, cfg.Filesystem.MaxFiles)
	require.Equal(t, "/etc/ssh/sshd_config", cfg.Configuration.SSHDConfig)
	require.True(t, cfg.Configuration.Gitleaks)
	require.Equal(t, "unix:///run/podman/podman.sock", cfg.Container.Host)

	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	require.NotNil(t, cfg.Service.Schedule)
	require.Equal(t, "0 */6 * * *", cfg.Service.Schedule.Cron)
	require.True(t, cfg.Service.Sign)
	require.Equal(t, model.FormatJSON, cfg.Service.Format)
	require.NotNil(t, cfg.Service.Repository)
	require.True(t, cfg.Service.Repository.Enabled)
	require.Equal(t, "https://example.com/repo", cfg.Service.Repository.URL)
	require.Equal(t, "static_token", cfg.Service.Repository.Auth.Type)
	require.Equal(t, "ABC123", cfg.Service.Repository.Auth.Token)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "missing token",
			given: `
version: 0
service:
  repository:
    url: https://example.com/repo
    auth:
      type: static_token
`,
			then: "#Config.service.repository.auth.token: incomplete value string",
		},
		{
			scenario: "bad duration",
			given: `
version: 0
scan:
  timeout: soon
`,
			then: "scan.timeout",
		},
		{
			scenario: "unknown field",
			given: `
version: 0
network:
  masscan: true
`,
			then: "network.masscan",
		},
		{
			scenario: "bad mode",
			given: `
version: 0
service:
  mode: daemon
`,
			then: "service.mode",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
			require.NotEmpty(t, model.CueErrDetails(err))
		})
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(model.DefaultConfig()))
	require.Contains(t, buf.String(), "timeout: 5m0s")

	cfg, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), cfg)
}

func TestCueErrDetails(t *testing.T) {
	_, err := model.LoadConfig(strings.NewReader("version: 0\nservice:\n  mode: daemon\n"))
	require.Error(t, err)

	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	var found bool
	for _, d := range details {
		if d.Path != "service.mode" {
			continue
		}
		found = true
		require.NotEmpty(t, d.Pos.Filename)
		require.Contains(t, d.Message, "possible values (manual,timer) (default manual)")
	}
	require.True(t, found, details)
}

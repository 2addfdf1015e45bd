package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
environment:
  mode: sandbox
  log_level: debug
broker:
  base_url: https://api.cert.tastyworks.com
  session_token: tok-123
  timeout: 45s
reconcile:
  interval: 10m
  days_back: 14
  dry_run: true
  replace_cancelled_targets: true
streaming:
  enabled: true
  url: wss://streamer.cert.tastyworks.com
storage:
  path: data/positions.json
dashboard:
  enabled: true
  port: 9090
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsSandbox())
	assert.Equal(t, "tok-123", cfg.Broker.SessionToken)
	assert.Equal(t, 45*time.Second, cfg.BrokerTimeout())
	assert.Equal(t, 10*time.Minute, cfg.RunInterval())
	assert.Equal(t, 14, cfg.DaysBack())
	assert.True(t, cfg.Reconcile.DryRun)
	assert.True(t, cfg.Reconcile.ReplaceCancelledTargets)
	assert.False(t, cfg.Reconcile.CancelOrphanedOrders)
	assert.Equal(t, "data/positions.json", cfg.Storage.Path)
	assert.Equal(t, 9090, cfg.Dashboard.Port)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TT_TEST_TOKEN", "from-env")
	yaml := `
environment:
  mode: live
broker:
  session_token: ${TT_TEST_TOKEN}
storage:
  path: data/positions.json
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Broker.SessionToken)
	assert.False(t, cfg.IsSandbox())
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	yaml := `
environment:
  mode: live
broker:
  session_token: tok
storage:
  path: data/positions.json
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.RunInterval())
	assert.Equal(t, 30, cfg.DaysBack())
	assert.Equal(t, 30*time.Second, cfg.BrokerTimeout())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad mode",
			yaml: `
environment:
  mode: staging
broker:
  session_token: tok
storage:
  path: p.json
`,
		},
		{
			name: "missing token",
			yaml: `
environment:
  mode: live
storage:
  path: p.json
`,
		},
		{
			name: "missing storage path",
			yaml: `
environment:
  mode: live
broker:
  session_token: tok
`,
		},
		{
			name: "bad interval",
			yaml: `
environment:
  mode: live
broker:
  session_token: tok
reconcile:
  interval: soon
storage:
  path: p.json
`,
		},
		{
			name: "streaming without url",
			yaml: `
environment:
  mode: live
broker:
  session_token: tok
streaming:
  enabled: true
storage:
  path: p.json
`,
		},
		{
			name: "unknown key",
			yaml: `
environment:
  mode: live
broker:
  session_token: tok
storage:
  path: p.json
surprise: true
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

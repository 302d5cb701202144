package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
verbose: true
listen: 127.0.0.1:9000
workers: 4
scanner:
  binary: /opt/prowler/bin/prowler
  output_dir: /var/lib/cloudscan/output
  timeout: 30m
  advisory_exit_codes: [3, 4]
vault:
  dir: /var/lib/cloudscan/keys
  max_entries: 10
  ttl: PT1H
  sweep: "@every 1m"
store:
  driver: mysql
  dsn: cloudscan:secret@tcp(localhost:3306)/cloudscan
gcp:
  key_path: /etc/cloudscan/sa.json
  project_id: demo-project
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.True(t, cfg.Verbose)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, "/opt/prowler/bin/prowler", cfg.Scanner.Binary)
	require.Equal(t, 30*time.Minute, cfg.Scanner.Timeout)
	require.Equal(t, []int{3, 4}, cfg.Scanner.AdvisoryExitCodes)
	require.Equal(t, 10, cfg.Vault.MaxEntries)
	require.Equal(t, "@every 1m", cfg.Vault.Sweep)
	require.Equal(t, model.DriverMySQL, cfg.Store.Driver)
	require.Equal(t, "/etc/cloudscan/sa.json", cfg.GCP.KeyPath)
	require.Equal(t, "demo-project", cfg.GCP.ProjectID)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(nil)
	require.NoError(t, err)
	def := model.DefaultConfig()
	require.Equal(t, def.Scanner, cfg.Scanner)
	require.Equal(t, def.Vault, cfg.Vault)
	require.Equal(t, 2*time.Hour, cfg.Scanner.Timeout)
	require.Equal(t, []int{3}, cfg.Scanner.AdvisoryExitCodes)
	require.Equal(t, model.DriverSQLite, cfg.Store.Driver)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CLOUDSCAN_WORKERS", "7")
	t.Setenv("CLOUDSCAN_SCANNER_TIMEOUT", "45m")
	t.Setenv("GCP_PROJECT_ID", "from-env")
	t.Setenv("CLOUDSCAN_GCP_KEY_PATH", "/run/secrets/sa.json")

	cfg, err := model.LoadConfig(strings.NewReader("workers: 1\n"))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Workers)
	require.Equal(t, 45*time.Minute, cfg.Scanner.Timeout)
	require.Equal(t, "from-env", cfg.GCP.ProjectID)
	require.Equal(t, "/run/secrets/sa.json", cfg.GCP.KeyPath)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "no workers",
			given:    "workers: 0\n",
			then:     "workers: must be positive",
		},
		{
			scenario: "bad sweep",
			given:    "vault:\n  sweep: every now and then\n",
			then:     "vault.sweep",
		},
		{
			scenario: "unknown driver",
			given:    "store:\n  driver: postgres\n",
			then:     `unsupported driver "postgres"`,
		},
		{
			scenario: "not yaml",
			given:    "workers: [",
			then:     "reading config",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, model.WriteDefaultConfig(&buf))
	require.Contains(t, buf.String(), "max_entries: 256")

	cfg, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig().Vault, cfg.Vault)
}

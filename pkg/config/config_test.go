package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corral.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
repo:
  path: /var/lib/corral/repo
api:
  url: https://rancher.example.com/v3
  token: token-abc
clusters:
  - name: local
    direction: enforce
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Repo.Branch != "main" {
		t.Errorf("branch = %q", cfg.Repo.Branch)
	}
	if cfg.Repo.Format != "yaml" {
		t.Errorf("format = %q", cfg.Repo.Format)
	}
	if cfg.Interval() != time.Minute {
		t.Errorf("interval = %v", cfg.Interval())
	}
	if cfg.Retry.Attempts != 3 || cfg.RetryBaseDelay() != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.CallTimeout() != 30*time.Second {
		t.Errorf("call timeout = %v", cfg.CallTimeout())
	}
	if cfg.Telemetry.LogLevel != "info" || cfg.Telemetry.LogFormat != "console" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
repo:
  path: /srv/repo
  remoteUrl: https://git.example.com/org/clusters.git
  branch: fleet
  format: toml
  token: git-token
  watch: true
api:
  url: https://rancher.example.com/v3
  token: token-abc
  callTimeoutSeconds: 10
clusters:
  - name: prod
    direction: enforce
    prune: true
  - name: staging
    direction: capture
intervalSeconds: 120
retry:
  attempts: 5
  baseDelayMs: 250
snapshot:
  path: /var/lib/corral/corral.db
telemetry:
  logLevel: debug
  logFormat: json
  metricsEnabled: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Clusters) != 2 {
		t.Fatalf("clusters = %+v", cfg.Clusters)
	}
	if cfg.Clusters[0].Direction != "enforce" || !cfg.Clusters[0].Prune {
		t.Errorf("prod = %+v", cfg.Clusters[0])
	}
	if cfg.Clusters[1].Direction != "capture" || cfg.Clusters[1].Prune {
		t.Errorf("staging = %+v", cfg.Clusters[1])
	}
	if cfg.Interval() != 2*time.Minute {
		t.Errorf("interval = %v", cfg.Interval())
	}
	if cfg.RetryBaseDelay() != 250*time.Millisecond {
		t.Errorf("base delay = %v", cfg.RetryBaseDelay())
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "no clusters",
			content: `
repo:
  path: /srv/repo
api:
  url: https://rancher.example.com/v3
  token: t
clusters: []
`,
		},
		{
			name: "bad direction",
			content: `
repo:
  path: /srv/repo
api:
  url: https://rancher.example.com/v3
  token: t
clusters:
  - name: local
    direction: sideways
`,
		},
		{
			name: "missing api token",
			content: `
repo:
  path: /srv/repo
api:
  url: https://rancher.example.com/v3
clusters:
  - name: local
    direction: enforce
`,
		},
		{
			name: "bad repo format",
			content: `
repo:
  path: /srv/repo
  format: xml
api:
  url: https://rancher.example.com/v3
  token: t
clusters:
  - name: local
    direction: enforce
`,
		},
		{
			name: "duplicate cluster",
			content: `
repo:
  path: /srv/repo
api:
  url: https://rancher.example.com/v3
  token: t
clusters:
  - name: local
    direction: enforce
  - name: local
    direction: capture
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

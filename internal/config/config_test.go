package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /var/lib/aeternitas/db.sqlite
  busy_timeout: 5s
blob:
  driver: file
  directory: /var/lib/aeternitas/sources
queue:
  workers: 8
  retry_max: 5
  retry_base: 2s
dispatcher:
  interval: 15s
  batch_limit: 100
  rate_per_second: 50
metrics:
  enabled: true
  listen: ":9157"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}

	sc, err := cfg.StorageConfig()
	if err != nil {
		t.Fatalf("storage config: %v", err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", sc)
	}

	qc, err := cfg.QueueConfig()
	if err != nil {
		t.Fatalf("queue config: %v", err)
	}
	if qc.Workers != 8 || qc.RetryMax != 5 || qc.RetryBase != 2*time.Second {
		t.Fatalf("queue = %+v", qc)
	}

	dc, err := cfg.DispatcherConfig()
	if err != nil {
		t.Fatalf("dispatcher config: %v", err)
	}
	if dc.Interval != 15*time.Second || dc.BatchLimit != 100 || dc.RatePerSecond != 50 {
		t.Fatalf("dispatcher = %+v", dc)
	}

	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json",
		`{"storage":{"driver":"memory"},"blob":{"driver":"memory"}}`))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Blob.Driver != "memory" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "config.yaml", "stroage:\n  driver: sqlite\n"},
		{"bad duration", "config.yaml", "dispatcher:\n  interval: soon\n"},
		{"unknown storage driver", "config.yaml", "storage:\n  driver: postgres\n"},
		{"unknown blob driver", "config.yaml", "blob:\n  driver: s3\n"},
		{"metrics without listen", "config.yaml", "metrics:\n  enabled: true\n  listen: \"\"\n"},
		{"trailing data", "config.json", `{}{}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, tc.file, tc.content))
			if _, err := m.Load(); err == nil {
				t.Fatalf("accepted: %s", tc.content)
			}
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update published")
	}

	// Unchanged content does not republish.
	m.reload()
	select {
	case <-sub:
		t.Fatalf("unchanged config republished")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("90s = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if _, err := ParseDurationField("x", "five"); err == nil {
		t.Fatalf("garbage accepted")
	}
}

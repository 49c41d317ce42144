package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/hivemind/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hivemind.json5")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MachineID == "" {
		t.Fatal("machine id must fall back to the hostname")
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Transport.Port != 18800 {
		t.Fatalf("defaults = %s/%d", cfg.Storage.Backend, cfg.Transport.Port)
	}
	if cfg.Memory.DedupSimilarity != 0.97 {
		t.Fatalf("dedup default = %v", cfg.Memory.DedupSimilarity)
	}
	if cfg.Transport.SessionTimeoutS != 1800 {
		t.Fatalf("session timeout default = %ds, want 1800", cfg.Transport.SessionTimeoutS)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, `{
		// comments and trailing commas are fine
		machine_id: "machine-a",
		log_level: "debug",
		storage: { backend: "sqlite", path: "/tmp/hm.db" },
		memory: {
			dedup_similarity: 0.95,
			quotas: { infrastructure: 500, bogus: 1 },
			category_ttl_s: { incidents: 3600 },
		},
		sync: {
			interval_s: 10,
			peers: [ { machine_id: "machine-b", addr: "b:18800" } ],
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MachineID != "machine-a" || cfg.LogLevel != "debug" {
		t.Fatalf("identity = %s/%s", cfg.MachineID, cfg.LogLevel)
	}
	if cfg.Storage.Path != "/tmp/hm.db" {
		t.Fatalf("storage path = %s", cfg.Storage.Path)
	}
	if cfg.Memory.DedupSimilarity != 0.95 {
		t.Fatalf("dedup = %v", cfg.Memory.DedupSimilarity)
	}
	// File values overlay defaults without clearing unrelated sections.
	if cfg.Transport.Port != 18800 {
		t.Fatalf("port lost its default: %d", cfg.Transport.Port)
	}
	if len(cfg.Sync.Peers) != 1 || cfg.Sync.Peers[0].MachineID != "machine-b" {
		t.Fatalf("peers = %v", cfg.Sync.Peers)
	}

	quotas := cfg.Memory.CategoryQuotas()
	if quotas[store.CategoryInfrastructure] != 500 {
		t.Fatalf("quota = %d", quotas[store.CategoryInfrastructure])
	}
	if len(quotas) != 1 {
		t.Fatalf("unknown category survived quota conversion: %v", quotas)
	}
	ttl := cfg.Memory.CategoryTTL()
	if ttl[store.CategoryIncidents].Seconds() != 3600 {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := writeConfig(t, `{ machine_id: `)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must fail to load")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{ machine_id: "from-file", log_level: "info" }`)
	t.Setenv("HIVEMIND_MACHINE_ID", "from-env")
	t.Setenv("HIVEMIND_LOG_LEVEL", "warn")
	t.Setenv("HIVEMIND_POSTGRES_DSN", "postgres://hm@db/hm")
	t.Setenv("HIVEMIND_TOKEN", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MachineID != "from-env" {
		t.Fatalf("machine id = %s, env must win", cfg.MachineID)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.Storage.PostgresDSN != "postgres://hm@db/hm" {
		t.Fatal("postgres dsn not taken from env")
	}
	if cfg.Auth.Tokens["s3cret"] != "env-operator" {
		t.Fatalf("env token mapping = %v", cfg.Auth.Tokens)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x/y.db"); got != home+"/x/y.db" {
		t.Fatalf("expand = %s", got)
	}
	if got := ExpandHome("/abs/path.db"); got != "/abs/path.db" {
		t.Fatalf("absolute path changed: %s", got)
	}
	if got := ExpandHome("~"); got != home {
		t.Fatalf("bare tilde = %s", got)
	}
}

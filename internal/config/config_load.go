package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.fillMachineID()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.fillMachineID()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("HIVEMIND_MACHINE_ID", &c.MachineID)
	envStr("HIVEMIND_PROJECT_TAG", &c.ProjectTag)
	envStr("HIVEMIND_STORAGE_PATH", &c.Storage.Path)
	envStr("HIVEMIND_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("HIVEMIND_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("HIVEMIND_LOG_LEVEL", &c.LogLevel)

	if tok := os.Getenv("HIVEMIND_TOKEN"); tok != "" {
		if c.Auth.Tokens == nil {
			c.Auth.Tokens = map[string]string{}
		}
		c.Auth.Tokens[tok] = "env-operator"
	}
}

// fillMachineID falls back to the hostname when no machine id is set.
func (c *Config) fillMachineID() {
	if c.MachineID != "" {
		return
	}
	if host, err := os.Hostname(); err == nil {
		c.MachineID = host
	} else {
		c.MachineID = "machine-unknown"
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

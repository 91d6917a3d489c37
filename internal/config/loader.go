package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Environment variable
// references (${VAR}) in the raw document are expanded before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := expandEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $OUTPOST_CONFIG, ~/.config/outpost/config.yaml,
// /etc/outpost/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("OUTPOST_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "outpost", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("/etc/outpost/config.yaml"); err == nil {
		return "/etc/outpost/config.yaml", nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", fmt.Errorf("no config file found (set OUTPOST_CONFIG or create ./config.yaml)")
}

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string; validation catches the fallout.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is empty")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is empty")
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is empty")
	}
	if cfg.CatalogPath == "" {
		return fmt.Errorf("catalog_path is empty")
	}
	if cfg.Workspaces.Root == "" {
		return fmt.Errorf("workspaces.root is empty")
	}

	p := cfg.Pool
	if p.TargetSize < 0 {
		return fmt.Errorf("pool.target_size must not be negative")
	}
	if p.MaxSize < p.MinSize {
		return fmt.Errorf("pool.max_size (%d) is below pool.min_size (%d)", p.MaxSize, p.MinSize)
	}
	if p.TargetSize > p.MaxSize {
		return fmt.Errorf("pool.target_size (%d) exceeds pool.max_size (%d)", p.TargetSize, p.MaxSize)
	}
	if p.MaxInflightLaunch <= 0 {
		return fmt.Errorf("pool.max_inflight_launches must be positive")
	}
	if p.IdleTTL.Std() <= 0 {
		return fmt.Errorf("pool.idle_ttl must be positive")
	}

	d := cfg.Dispatch
	if d.DefaultTimeout.Std() <= 0 {
		return fmt.Errorf("dispatch.default_timeout must be positive")
	}
	if d.MaxTimeout.Std() < d.DefaultTimeout.Std() {
		return fmt.Errorf("dispatch.max_timeout is below dispatch.default_timeout")
	}

	seen := make(map[string]bool, len(cfg.Tenants))
	for i, t := range cfg.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d].id is empty", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
		switch t.Status {
		case "", "active", "suspended", "deleted":
		default:
			return fmt.Errorf("tenant %q has unknown status %q", t.ID, t.Status)
		}
	}

	for i, tok := range cfg.API.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
		}
		if tok.TenantID != "" && !seen[tok.TenantID] {
			return fmt.Errorf("api.auth.tokens[%d] references unknown tenant %q", i, tok.TenantID)
		}
	}

	return nil
}

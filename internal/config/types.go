package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete outpost control-plane configuration.
type Config struct {
	Service     ServiceConfig   `yaml:"service"`
	State       StateConfig     `yaml:"state"`
	API         APIConfig       `yaml:"api"`
	CatalogPath string          `yaml:"catalog_path"`
	Pool        PoolConfig      `yaml:"pool"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	Workspaces  WorkspaceConfig `yaml:"workspaces"`
	Billing     BillingConfig   `yaml:"billing"`
	Tenants     []TenantConfig  `yaml:"tenants"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string        `yaml:"listen"`
	Auth   APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (full access, no tenant binding).
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token, the tenant it acts for, and its scopes.
type APIToken struct {
	Token    string   `yaml:"token"`
	TenantID string   `yaml:"tenant_id"`
	Scopes   []string `yaml:"scopes"`
}

// PoolConfig defines warm-pool sizing and reconciliation behavior.
type PoolConfig struct {
	TargetSize        int      `yaml:"target_size"`
	MinSize           int      `yaml:"min_size"`
	MaxSize           int      `yaml:"max_size"`
	IdleTTL           Duration `yaml:"idle_ttl"`
	AcquireWait       Duration `yaml:"acquire_wait"`
	MaxInflightLaunch int      `yaml:"max_inflight_launches"`
	LaunchRatePerSec  float64  `yaml:"launch_rate_per_sec"`
	LaunchBurst       int      `yaml:"launch_burst"`
	LaunchRetries     int      `yaml:"launch_retries"`
	LaunchBackoffBase Duration `yaml:"launch_backoff_base"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	ScaleUpCooldown   Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown Duration `yaml:"scale_down_cooldown"`
	ScaleQueueDepthHi int      `yaml:"scale_queue_depth_high"`
	ScaleQueueDepthLo int      `yaml:"scale_queue_depth_low"`
}

// DispatchConfig defines per-dispatch policy settings.
type DispatchConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
	StatusCacheTTL Duration `yaml:"status_cache_ttl"`
	TimeoutGrace   Duration `yaml:"timeout_grace"`
}

// WorkspaceConfig defines workspace storage settings.
type WorkspaceConfig struct {
	Root          string   `yaml:"root"`
	PersistentTTL Duration `yaml:"persistent_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// BillingConfig defines cost/audit emission settings.
type BillingConfig struct {
	EmitRetries    int      `yaml:"emit_retries"`
	EmitBackoff    Duration `yaml:"emit_backoff"`
	AuditRetention Duration `yaml:"audit_retention"`
}

// TenantConfig declares a tenant and its provider secrets. Secret values may
// reference environment variables with ${VAR} syntax; they are resolved at
// load time and seeded into the secret store.
type TenantConfig struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Email   string            `yaml:"email"`
	Status  string            `yaml:"status"`
	Secrets map[string]string `yaml:"secrets,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "outpost",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/control.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		CatalogPath: "./catalog.yaml",
		Pool: PoolConfig{
			TargetSize:        2,
			MinSize:           0,
			MaxSize:           8,
			IdleTTL:           Duration(15 * time.Minute),
			AcquireWait:       Duration(30 * time.Second),
			MaxInflightLaunch: 4,
			LaunchRatePerSec:  2,
			LaunchBurst:       4,
			LaunchRetries:     3,
			LaunchBackoffBase: Duration(500 * time.Millisecond),
			ReconcileInterval: Duration(30 * time.Second),
			ScaleUpCooldown:   Duration(1 * time.Minute),
			ScaleDownCooldown: Duration(5 * time.Minute),
			ScaleQueueDepthHi: 3,
			ScaleQueueDepthLo: 0,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: Duration(10 * time.Minute),
			MaxTimeout:     Duration(1 * time.Hour),
			StatusCacheTTL: Duration(2 * time.Second),
			TimeoutGrace:   Duration(5 * time.Second),
		},
		Workspaces: WorkspaceConfig{
			Root:          "./data/workspaces",
			PersistentTTL: Duration(30 * 24 * time.Hour),
			SweepInterval: Duration(10 * time.Minute),
		},
		Billing: BillingConfig{
			EmitRetries:    3,
			EmitBackoff:    Duration(1 * time.Second),
			AuditRetention: Duration(90 * 24 * time.Hour),
		},
	}
}

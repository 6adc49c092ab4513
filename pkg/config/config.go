// Package config provides unified configuration for sandout.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SANDOUT_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the sandout server and CLI.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Capture       CaptureConfig       `yaml:"capture"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 330s, above executor.max_timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // default: 1 MiB
}

// SandboxConfig selects and configures the runtime that hosts executions.
type SandboxConfig struct {
	Runtime    string           `yaml:"runtime"` // "docker", "process", "kubernetes"; default: "docker"
	Image      string           `yaml:"image"`   // default image when a request names none
	Limits     LimitsConfig     `yaml:"limits"`
	Docker     DockerConfig     `yaml:"docker"`
	Process    ProcessConfig    `yaml:"process"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// LimitsConfig bounds the resources of one sandbox.
type LimitsConfig struct {
	MemoryMB  int64   `yaml:"memory_mb"`  // default: 256
	CPUs      float64 `yaml:"cpus"`       // default: 1
	PidsLimit int64   `yaml:"pids_limit"` // default: 128
	Network   bool    `yaml:"network"`    // default: false
}

// DockerConfig holds Docker Engine settings. The daemon address comes
// from DOCKER_HOST and the other standard Docker environment variables.
type DockerConfig struct {
	OCIRuntime string `yaml:"oci_runtime"` // e.g. "runsc"; empty uses the daemon default
	User       string `yaml:"user"`        // default: "65534:65534"
}

// ProcessConfig holds settings for the local process runtime.
type ProcessConfig struct {
	Shell   string   `yaml:"shell"`   // default: "/bin/sh"
	Wrapper []string `yaml:"wrapper"` // command prefix, e.g. ["bwrap", "--unshare-all", ...]
	WorkDir string   `yaml:"work_dir"`
}

// KubernetesConfig holds agent-sandbox settings.
type KubernetesConfig struct {
	Namespace    string        `yaml:"namespace"`     // default: "default"
	Template     string        `yaml:"template"`      // SandboxTemplate name, required for this runtime
	Kubeconfig   string        `yaml:"kubeconfig"`    // empty uses in-cluster config
	Container    string        `yaml:"container"`     // container to exec in; empty picks the first
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // default: 2m
}

// CaptureConfig sizes the output capture buffers.
type CaptureConfig struct {
	ByteBufferSize int    `yaml:"byte_buffer_size"` // default: 10240
	CharBufferSize int    `yaml:"char_buffer_size"` // default: 10240
	Encoding       string `yaml:"encoding"`         // default: "utf-8"
}

// ExecutorConfig holds execution policy.
type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"` // default: 30s
	MaxTimeout     time.Duration `yaml:"max_timeout"`     // default: 300s
	MaxConcurrent  int           `yaml:"max_concurrent"`  // default: 16
	WaitGrace      time.Duration `yaml:"wait_grace"`      // default: 5s
	MaxStdinBytes  int           `yaml:"max_stdin_bytes"` // default: 512 KiB
}

// StorageConfig holds execution record storage settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres", "sqlite", "none"; default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// SQLiteConfig holds embedded database settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: "sandout.db"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey", "jwt"; default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
// The json tags serve SANDOUT_API_KEYS.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig configures bearer token validation. Exactly one of the
// secret, the public key, or the JWKS URL must be set.
type JWTConfig struct {
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	Secret        string `yaml:"secret"`          // HMAC key
	SecretFile    string `yaml:"secret_file"`     // _file variant for secret
	PublicKeyFile string `yaml:"public_key_file"` // PEM encoded RSA public key
	JWKSURL       string `yaml:"jwks_url"`        // key set of an OIDC provider
	TenantClaim   string `yaml:"tenant_claim"`    // default: "tenant_id"
	TierClaim     string `yaml:"tier_claim"`      // default: "tier"
}

// RateLimitConfig holds per-tier request rates.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"` // 0 disables limiting
	Tiers      map[string]int `yaml:"tiers"`       // tier name -> requests per minute
}

// MCPConfig controls the MCP endpoint that exposes the execute tool.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Path    string `yaml:"path"`    // default: "/mcp"
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Format string `yaml:"format"` // "text" or "json"; default: "text"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    330 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Sandbox: SandboxConfig{
			Runtime: "docker",
			Image:   "python:3.12-slim",
			Limits: LimitsConfig{
				MemoryMB:  256,
				CPUs:      1,
				PidsLimit: 128,
			},
			Docker: DockerConfig{
				User: "65534:65534",
			},
			Process: ProcessConfig{
				Shell: "/bin/sh",
			},
			Kubernetes: KubernetesConfig{
				Namespace:    "default",
				ReadyTimeout: 2 * time.Minute,
			},
		},
		Capture: CaptureConfig{
			ByteBufferSize: 10240,
			CharBufferSize: 10240,
			Encoding:       "utf-8",
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     300 * time.Second,
			MaxConcurrent:  16,
			WaitGrace:      5 * time.Second,
			MaxStdinBytes:  512 << 10,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
			SQLite: SQLiteConfig{
				Path: "sandout.db",
			},
		},
		Auth: AuthConfig{
			Type: "none",
			JWT: JWTConfig{
				TenantClaim: "tenant_id",
				TierClaim:   "tier",
			},
		},
		MCP: MCPConfig{
			Path: "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

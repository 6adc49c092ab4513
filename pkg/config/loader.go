package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from defaults, an optional YAML file, and
// SANDOUT_* environment variables, then resolves _file secrets and
// validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if filePath := discoverConfigFile(configPath); filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile returns the first config file found among the
// explicit path, SANDOUT_CONFIG, ./config.yaml and
// /etc/sandout/config.yaml. It returns "" when none exists.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("SANDOUT_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/sandout/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses a YAML file over cfg. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envSetters maps scalar environment variables to config fields.
var envSetters = map[string]func(*Config, string) error{
	"SANDOUT_PORT":            intSetter(func(c *Config) *int { return &c.Server.Port }),
	"SANDOUT_RUNTIME":         stringSetter(func(c *Config) *string { return &c.Sandbox.Runtime }),
	"SANDOUT_IMAGE":           stringSetter(func(c *Config) *string { return &c.Sandbox.Image }),
	"SANDOUT_OUTPUT_ENCODING": stringSetter(func(c *Config) *string { return &c.Capture.Encoding }),
	"SANDOUT_DEFAULT_TIMEOUT": durationSetter(func(c *Config) *time.Duration { return &c.Executor.DefaultTimeout }),
	"SANDOUT_MAX_TIMEOUT":     durationSetter(func(c *Config) *time.Duration { return &c.Executor.MaxTimeout }),
	"SANDOUT_MAX_CONCURRENT":  intSetter(func(c *Config) *int { return &c.Executor.MaxConcurrent }),
	"SANDOUT_STORAGE":         stringSetter(func(c *Config) *string { return &c.Storage.Type }),
	"SANDOUT_STORAGE_SIZE":    intSetter(func(c *Config) *int { return &c.Storage.MaxSize }),
	"SANDOUT_POSTGRES_DSN":    stringSetter(func(c *Config) *string { return &c.Storage.Postgres.DSN }),
	"SANDOUT_SQLITE_PATH":     stringSetter(func(c *Config) *string { return &c.Storage.SQLite.Path }),
	"SANDOUT_AUTH_TYPE":       stringSetter(func(c *Config) *string { return &c.Auth.Type }),
	"SANDOUT_JWT_SECRET":      stringSetter(func(c *Config) *string { return &c.Auth.JWT.Secret }),
	"SANDOUT_KUBE_NAMESPACE":  stringSetter(func(c *Config) *string { return &c.Sandbox.Kubernetes.Namespace }),
	"SANDOUT_KUBE_TEMPLATE":   stringSetter(func(c *Config) *string { return &c.Sandbox.Kubernetes.Template }),
	"SANDOUT_LOG_FORMAT":      stringSetter(func(c *Config) *string { return &c.Logging.Format }),
	"SANDOUT_MCP_ENABLED": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.MCP.Enabled = b
		return nil
	},
}

// applyEnvOverrides applies SANDOUT_* variables. Malformed values are
// reported instead of being ignored.
func applyEnvOverrides(cfg *Config) error {
	for name, set := range envSetters {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	// SANDOUT_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("SANDOUT_API_KEYS"); v != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			return fmt.Errorf("SANDOUT_API_KEYS: %w", err)
		}
		cfg.Auth.APIKeys = keys
	}

	// SANDOUT_PROCESS_WRAPPER: whitespace separated command prefix.
	if v := os.Getenv("SANDOUT_PROCESS_WRAPPER"); v != "" {
		cfg.Sandbox.Process.Wrapper = strings.Fields(v)
	}
	return nil
}

func stringSetter(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// fileRef pairs a _file setting with the value it populates.
type fileRef struct {
	path  string
	file  string
	value *string
}

// resolveFileReferences fills a secret from its _file variant when the
// inline value is empty.
func resolveFileReferences(cfg *Config) error {
	refs := []fileRef{
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"auth.jwt.secret_file", cfg.Auth.JWT.SecretFile, &cfg.Auth.JWT.Secret},
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		refs = append(refs, fileRef{fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.path, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding
// whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Sandbox.Runtime {
	case "docker", "process":
	case "kubernetes":
		if c.Sandbox.Kubernetes.Template == "" {
			errs = append(errs, fmt.Errorf("sandbox.kubernetes.template is required when sandbox.runtime is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.runtime must be \"docker\", \"process\", or \"kubernetes\", got %q", c.Sandbox.Runtime))
	}
	if c.Sandbox.Runtime == "docker" && c.Sandbox.Image == "" {
		errs = append(errs, fmt.Errorf("sandbox.image is required when sandbox.runtime is \"docker\""))
	}
	if c.Sandbox.Limits.MemoryMB < 0 || c.Sandbox.Limits.CPUs < 0 || c.Sandbox.Limits.PidsLimit < 0 {
		errs = append(errs, fmt.Errorf("sandbox.limits must not be negative"))
	}

	if c.Capture.ByteBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.byte_buffer_size must be > 0, got %d", c.Capture.ByteBufferSize))
	}
	if c.Capture.CharBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.char_buffer_size must be > 0, got %d", c.Capture.CharBufferSize))
	}

	if c.Executor.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("executor.default_timeout must be > 0"))
	}
	if c.Executor.MaxTimeout < c.Executor.DefaultTimeout {
		errs = append(errs, fmt.Errorf("executor.max_timeout (%s) must be >= executor.default_timeout (%s)",
			c.Executor.MaxTimeout, c.Executor.DefaultTimeout))
	}
	if c.Executor.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("executor.max_concurrent must be > 0, got %d", c.Executor.MaxConcurrent))
	}

	switch c.Storage.Type {
	case "memory", "none":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\", \"sqlite\", or \"none\", got %q", c.Storage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		sources := 0
		for _, set := range []bool{
			c.Auth.JWT.Secret != "" || c.Auth.JWT.SecretFile != "",
			c.Auth.JWT.PublicKeyFile != "",
			c.Auth.JWT.JWKSURL != "",
		} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			errs = append(errs, fmt.Errorf("exactly one of auth.jwt.secret, auth.jwt.public_key_file, or auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

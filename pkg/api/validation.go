package api

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MarkerEnvVar is the environment variable through which the sandbox
// harness learns the end marker. Requests may not set it.
const MarkerEnvVar = "SANDOUT_MARKER"

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxCommandArgs   int
	MaxStdinBytes    int
	MaxTimeout       time.Duration
	MaxEnvVars       int
	MaxMetadataKeys  int
	MaxMetadataValue int
}

// DefaultValidationConfig returns the limits used when none are configured.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxCommandArgs:   256,
		MaxStdinBytes:    512 << 10,
		MaxTimeout:       300 * time.Second,
		MaxEnvVars:       64,
		MaxMetadataKeys:  16,
		MaxMetadataValue: 512,
	}
}

// ValidateCreateExecutionRequest returns the first problem found in req,
// or nil.
func ValidateCreateExecutionRequest(req *CreateExecutionRequest, cfg ValidationConfig) *APIError {
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		return NewInvalidRequestError("command", "command is required")
	}
	if cfg.MaxCommandArgs > 0 && len(req.Command) > cfg.MaxCommandArgs {
		return NewInvalidRequestError("command",
			fmt.Sprintf("command exceeds maximum of %d arguments", cfg.MaxCommandArgs))
	}
	for i, arg := range req.Command {
		if strings.IndexByte(arg, 0) >= 0 {
			return NewInvalidRequestError(fmt.Sprintf("command[%d]", i), "arguments must not contain NUL bytes")
		}
	}

	if cfg.MaxStdinBytes > 0 && len(req.Stdin) > cfg.MaxStdinBytes {
		return NewInvalidRequestError("stdin",
			fmt.Sprintf("stdin exceeds maximum of %d bytes", cfg.MaxStdinBytes))
	}

	if req.TimeoutSeconds < 0 {
		return NewInvalidRequestError("timeout_seconds", "timeout_seconds must not be negative")
	}
	if cfg.MaxTimeout > 0 && time.Duration(req.TimeoutSeconds)*time.Second > cfg.MaxTimeout {
		return NewInvalidRequestError("timeout_seconds",
			fmt.Sprintf("timeout_seconds exceeds maximum of %d", int(cfg.MaxTimeout.Seconds())))
	}

	if strings.ContainsAny(req.Image, " \t\n") {
		return NewInvalidRequestError("image", "image must be a single image reference")
	}

	if cfg.MaxEnvVars > 0 && len(req.Env) > cfg.MaxEnvVars {
		return NewInvalidRequestError("env",
			fmt.Sprintf("env exceeds maximum of %d variables", cfg.MaxEnvVars))
	}
	for k := range req.Env {
		if !envKeyPattern.MatchString(k) {
			return NewInvalidRequestError("env", fmt.Sprintf("invalid environment variable name %q", k))
		}
		if k == MarkerEnvVar {
			return NewInvalidRequestError("env", fmt.Sprintf("%s is reserved", MarkerEnvVar))
		}
	}

	if cfg.MaxMetadataKeys > 0 && len(req.Metadata) > cfg.MaxMetadataKeys {
		return NewInvalidRequestError("metadata",
			fmt.Sprintf("metadata exceeds maximum of %d keys", cfg.MaxMetadataKeys))
	}
	for k, v := range req.Metadata {
		if cfg.MaxMetadataValue > 0 && len(v) > cfg.MaxMetadataValue {
			return NewInvalidRequestError("metadata",
				fmt.Sprintf("metadata value for %q exceeds %d characters", k, cfg.MaxMetadataValue))
		}
	}

	return nil
}

package executor

import (
	"time"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/sandbox"
)

// Config holds execution policy.
type Config struct {
	// Image is used when a request names none.
	Image  string
	Limits sandbox.Limits

	DefaultTimeout time.Duration
	MaxConcurrent  int // 0 means unlimited

	// WaitGrace bounds how long to wait for the exit status after the
	// marker was seen.
	WaitGrace time.Duration

	Validation api.ValidationConfig
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.WaitGrace <= 0 {
		c.WaitGrace = 5 * time.Second
	}
}

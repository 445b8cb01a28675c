package transfer

import (
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Config holds configuration for the transfer engine.
type Config struct {
	// Concurrency is the maximum number of parts transferred in parallel, summed over
	// every file the engine uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxAttemptsPerPart is the number of times a part is restarted after it was found hung.
	// Transport level retries are done by HTTPClient.
	// Default: 3
	MaxAttemptsPerPart int

	// HungThreshold is the duration after which a part transfer is considered hung
	// if it exceeds the average part transfer time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration

	// HTTPClient sends the part requests.
	// If nil, a retrying client is created with the engine's logger.
	HTTPClient *retryablehttp.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        DefaultConcurrency(),
		MaxAttemptsPerPart: 3,
		HungThreshold:      30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxAttemptsPerPart <= 0 {
		c.MaxAttemptsPerPart = defaults.MaxAttemptsPerPart
	}
	return c
}

package worker

import "time"

// Config defines the worker loop configuration.
type Config struct {
	// Resilience is the number of unexpected failures tolerated before the
	// worker gives up.
	Resilience int `yaml:"resilience"`
	// MaxSkip bounds the random number of runnable trials walked before
	// picking one.
	MaxSkip int `yaml:"max_skip"`
	// Patience is the number of consecutive lost claims after which new
	// candidates are sampled even though runnable trials remain.
	Patience int `yaml:"patience"`
	// ClaimInterval is the minimum delay between two loop iterations.
	ClaimInterval time.Duration `yaml:"claim_interval"`
	// MaxTrials stops the worker after that many completed runs. Zero
	// means no limit.
	MaxTrials int `yaml:"max_trials"`
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		Resilience:    10,
		MaxSkip:       5,
		Patience:      5,
		ClaimInterval: time.Second,
	}
}

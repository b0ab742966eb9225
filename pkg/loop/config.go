package loop

import (
	"fmt"
	"strings"

	"github.com/wehubfusion/todloop/pkg/store"
)

// FailurePolicy decides what happens when a routine fails on a TOD.
type FailurePolicy int

const (
	// AbortAll stops the TOD iteration at the first failure. Finalize still runs.
	AbortAll FailurePolicy = iota
	// SkipAndContinue marks the TOD incomplete and moves on to the next one.
	SkipAndContinue
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	switch p {
	case AbortAll:
		return "abort"
	case SkipAndContinue:
		return "skip"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "abort" or "skip" (case-insensitive).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort", "abort_all", "abortall":
		return AbortAll, nil
	case "skip", "skip_and_continue", "skipandcontinue", "continue":
		return SkipAndContinue, nil
	default:
		return AbortAll, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Config configures a loop.
type Config struct {
	// FailurePolicy controls failures during TOD execution.
	// Default: AbortAll
	FailurePolicy FailurePolicy

	// Workers is the number of TOD chunks processed concurrently.
	// Values above 1 require a RoutineSetBuilder.
	// Default: 1
	Workers int

	// ValidateWiring checks before initialization that every declared input
	// has an earlier producer or is preloaded.
	ValidateWiring bool

	// AutoOrder reorders routines producer-before-consumer before running.
	// Registration order is kept among independent routines.
	AutoOrder bool

	// PreloadedKeys are keys treated as produced before the first routine
	// when validating wiring.
	PreloadedKeys []store.Key
}

// DefaultConfig returns a sequential, fail-fast configuration.
func DefaultConfig() Config {
	return Config{
		FailurePolicy: AbortAll,
		Workers:       1,
	}
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	switch c.FailurePolicy {
	case AbortAll, SkipAndContinue:
	default:
		return fmt.Errorf("invalid failure policy %d", int(c.FailurePolicy))
	}
	return nil
}

// WithFailurePolicy sets the failure policy.
func (c Config) WithFailurePolicy(p FailurePolicy) Config {
	c.FailurePolicy = p
	return c
}

// WithWorkers sets the number of workers.
func (c Config) WithWorkers(n int) Config {
	c.Workers = n
	return c
}

// WithValidateWiring enables wiring validation.
func (c Config) WithValidateWiring(enable bool) Config {
	c.ValidateWiring = enable
	return c
}

// WithAutoOrder enables dependency ordering of routines.
func (c Config) WithAutoOrder(enable bool) Config {
	c.AutoOrder = enable
	return c
}

// WithPreloadedKeys sets the keys assumed present before the first routine.
func (c Config) WithPreloadedKeys(keys ...store.Key) Config {
	c.PreloadedKeys = append([]store.Key(nil), keys...)
	return c
}

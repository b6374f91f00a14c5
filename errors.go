package proxypilot

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the proxypilot package.
var (
	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("proxypilot: invalid configuration")

	// ErrStrategyUnavailable indicates a transport strategy could not be
	// built, typically because a required external binary is missing.
	ErrStrategyUnavailable = errors.New("proxypilot: strategy unavailable")

	// ErrProbeFailed indicates a strategy was built but did not pass the
	// connectivity checks.
	ErrProbeFailed = errors.New("proxypilot: connectivity probe failed")

	// ErrProcessFailed indicates a helper or workload process could not be
	// started or crashed unexpectedly. An orderly non-zero exit of the
	// workload is not a ProcessError.
	ErrProcessFailed = errors.New("proxypilot: process failed")

	// ErrResourceExhausted indicates a local resource (ephemeral port,
	// config file) could not be acquired.
	ErrResourceExhausted = errors.New("proxypilot: local resource unavailable")

	// ErrAllStrategiesFailed indicates every candidate strategy was rejected
	// or failed at runtime.
	ErrAllStrategiesFailed = errors.New("proxypilot: all transport strategies failed")
)

// ConfigError is returned when a transport strategy cannot be built.
// It wraps ErrStrategyUnavailable so errors.Is(err, ErrStrategyUnavailable)
// still works.
type ConfigError struct {
	// Strategy is the strategy that could not be built.
	Strategy StrategyKind
	// Reason explains why the build failed.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %s", ErrStrategyUnavailable.Error(), e.Strategy, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrStrategyUnavailable.Error(), e.Strategy, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrStrategyUnavailable
}

// Is reports whether target matches the ConfigError class.
func (e *ConfigError) Is(target error) bool {
	return target == ErrStrategyUnavailable
}

// ProbeError is returned when a built strategy fails its connectivity checks.
// It wraps ErrProbeFailed and carries the classified failure cause.
type ProbeError struct {
	// Strategy is the strategy that failed the probe.
	Strategy StrategyKind
	// Diagnostic is the classified failure cause of the last attempt.
	Diagnostic Diagnostic
	// URL is the last target URL attempted.
	URL string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %s: %s (last target %s)", ErrProbeFailed.Error(), e.Strategy, e.Diagnostic, e.URL)
}

func (e *ProbeError) Unwrap() error {
	return ErrProbeFailed
}

// ProcessError is returned when a helper or workload process cannot be
// started. It wraps ErrProcessFailed.
type ProcessError struct {
	// Command is the program that failed to run.
	Command string
	// Err is the underlying error.
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrProcessFailed.Error(), e.Command, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches the ProcessError class.
func (e *ProcessError) Is(target error) bool {
	return target == ErrProcessFailed
}

// ResourceError is returned when a local resource such as an ephemeral port
// or the chain config file cannot be acquired. It wraps ErrResourceExhausted.
type ResourceError struct {
	// Op names the resource operation that failed (e.g. "allocate port").
	Op string
	// Err is the underlying error.
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrResourceExhausted.Error(), e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches the ResourceError class.
func (e *ResourceError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// ExhaustionError is the terminal error when no candidate strategy succeeded.
// It wraps ErrAllStrategiesFailed and carries the full per-attempt trail.
type ExhaustionError struct {
	// Trail records the outcome of every attempted candidate, in order.
	Trail []Attempt
}

func (e *ExhaustionError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllStrategiesFailed.Error())
	for _, a := range e.Trail {
		b.WriteString("\n  ")
		b.WriteString(a.String())
	}
	return b.String()
}

func (e *ExhaustionError) Unwrap() error {
	return ErrAllStrategiesFailed
}

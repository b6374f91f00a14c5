package proxypilot

import "fmt"

// Attempt records the outcome of one candidate strategy, in the order the
// orchestrator tried them. The collected attempts form the diagnostic trail
// surfaced on terminal failure.
type Attempt struct {
	// Candidate is the strategy (and variant) that was attempted.
	Candidate Candidate

	// Err is the rejection cause: a *ConfigError when the build failed, a
	// *ProbeError when connectivity checks failed, a *ProcessError when the
	// helper or workload could not be started. Nil when the workload ran.
	Err error

	// Probe is the connectivity result, when the attempt got that far.
	Probe *ProbeResult

	// Ran reports whether the workload was actually started through this
	// strategy.
	Ran bool

	// ExitCode is the workload's exit code when Ran is true.
	ExitCode int
}

// String returns a one-line summary of the attempt.
func (a Attempt) String() string {
	switch {
	case a.Err != nil:
		return fmt.Sprintf("%s: %s", a.Candidate, a.Err)
	case a.Ran:
		return fmt.Sprintf("%s: workload exited with code %d", a.Candidate, a.ExitCode)
	default:
		return fmt.Sprintf("%s: not attempted", a.Candidate)
	}
}

// Outcome is the orchestrator's terminal result.
type Outcome struct {
	// Strategy is the strategy the workload ultimately ran through.
	Strategy StrategyKind

	// ExitCode is the workload's exit code, surfaced as the orchestrator's
	// own terminal signal: 0 means success, anything else is the committed
	// strategy's failure.
	ExitCode int

	// Trail is the per-attempt diagnostic trail, one entry per candidate
	// tried, in order.
	Trail []Attempt
}

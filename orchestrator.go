package proxypilot

import (
	"context"
	"fmt"
	"log/slog"
)

// Config configures an Orchestrator.
type Config struct {
	// Endpoint is the corporate egress proxy. Required unless every
	// candidate is StrategyDirect.
	Endpoint ProxyEndpoint

	// Workload is the argv of the long-lived process to run through the
	// negotiated transport. Required.
	Workload []string

	// Candidates is the ordered strategy list. Nil means
	// DefaultCandidates(). Each candidate is tried at most once per run.
	Candidates []Candidate

	// ExtraEnv is layered on top of the generated environment overlay for
	// the workload (caller-specified proxy or TLS variables win over the
	// generated ones).
	ExtraEnv []string

	// RelaxTLS disables strict certificate verification for probing and for
	// the workload's environment overlay. Needed behind TLS-intercepting
	// proxies.
	RelaxTLS bool

	// CABundle points the workload's certificate-bundle variables at a
	// corporate CA file. Ignored when empty.
	CABundle string

	// Builder builds per-attempt transport configurations. Nil means a
	// default Builder.
	Builder *Builder

	// Prober validates built configurations. Nil means a default Prober.
	Prober *Prober

	// Supervisor runs helper and workload processes. Nil means a default
	// Supervisor.
	Supervisor *Supervisor

	// Logger is the structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Validate checks the configuration for problems that would make every
// attempt fail.
func (c *Config) Validate() error {
	if len(c.Workload) == 0 {
		return fmt.Errorf("%w: workload command must not be empty", ErrConfigInvalid)
	}
	candidates := c.Candidates
	if candidates == nil {
		candidates = DefaultCandidates()
	}
	for _, cand := range candidates {
		if cand.Kind != StrategyDirect && c.Endpoint.Host == "" {
			return fmt.Errorf("%w: candidate %s requires a proxy endpoint", ErrConfigInvalid, cand)
		}
	}
	return nil
}

// Orchestrator drives the fallback state machine: it asks the Builder for a
// candidate configuration, validates it with the Prober, commits to the
// first validated strategy, and supervises the workload through it, moving
// to the next candidate when the committed one fails at runtime.
//
// The state machine is strictly sequential: only one strategy is ever being
// built, probed, or run at a time, which is also what keeps the fixed chain
// config path free of concurrent writers.
type Orchestrator struct {
	cfg        *Config
	candidates []Candidate
	logger     *slog.Logger
	sup        *Supervisor
	helper     Helper

	// Seams for the state-machine tests.
	buildFn func(ctx context.Context, endpoint ProxyEndpoint, cand Candidate) (*TransportConfig, error)
	probeFn func(ctx context.Context, cfg *TransportConfig, proxyURL string) ProbeResult
	runFn   func(ctx context.Context, cfg *TransportConfig) (int, error)
}

// NewOrchestrator validates cfg, fills in component defaults, and returns a
// ready-to-run Orchestrator.
func NewOrchestrator(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}

	candidates := cfg.Candidates
	if candidates == nil {
		candidates = DefaultCandidates()
	}

	builder := cfg.Builder
	if builder == nil {
		builder = &Builder{Logger: logger}
	}
	prober := cfg.Prober
	if prober == nil {
		prober = &Prober{RelaxTLS: cfg.RelaxTLS, Logger: logger}
	}
	sup := cfg.Supervisor
	if sup == nil {
		sup = &Supervisor{Logger: logger}
	}

	o := &Orchestrator{
		cfg:        cfg,
		candidates: candidates,
		logger:     logger,
		sup:        sup,
		helper:     &transportHelper{sup: sup, logger: logger},
	}
	o.buildFn = builder.Build
	o.probeFn = prober.Probe
	o.runFn = o.runWorkload
	return o, nil
}

// Run executes the fallback state machine until the workload exits, the
// context is cancelled, or every candidate is exhausted. Progress and
// failure causes are logged as each strategy is attempted, so a long
// negotiation stays observable.
//
// Cancelling ctx stops the machine: the active process and helper are torn
// down and no further candidate is attempted. Run then returns the context
// error together with the trail collected so far.
//
// On exhaustion the returned Outcome carries the exit code of the last
// strategy that actually ran (0 if none did) and the error is an
// *ExhaustionError wrapping ErrAllStrategiesFailed.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	trail := make([]Attempt, 0, len(o.candidates))
	lastExit := 0
	lastStrategy := StrategyDirect

	for i, cand := range o.candidates {
		if err := ctx.Err(); err != nil {
			o.logger.Info("run cancelled", "candidates_tried", len(trail))
			return &Outcome{Strategy: lastStrategy, ExitCode: lastExit, Trail: trail}, err
		}

		o.logger.Info("trying transport strategy",
			"strategy", cand.String(), "candidate", i+1, "candidates", len(o.candidates),
			"proxy", o.cfg.Endpoint.Redacted())

		// TRY: build the candidate configuration.
		tc, err := o.buildFn(ctx, o.cfg.Endpoint, cand)
		if err != nil {
			// REJECTED without probing.
			o.logger.Warn("strategy rejected", "strategy", cand.String(), "error", err)
			trail = append(trail, Attempt{Candidate: cand, Err: err})
			continue
		}
		for _, w := range tc.Warnings {
			o.logger.Warn("build warning", "strategy", cand.String(), "warning", w)
		}

		// Probe through a transient helper; the helper is stopped again
		// whatever the probe says.
		probeURL, stopHelper, err := o.helper.Start(ctx, tc)
		if err != nil {
			o.logger.Warn("helper failed to start", "strategy", cand.String(), "error", err)
			trail = append(trail, Attempt{Candidate: cand, Err: err})
			continue
		}
		res := o.probeFn(ctx, tc, probeURL)
		stopHelper()

		if !res.Succeeded {
			// REJECTED after probing.
			perr := &ProbeError{Strategy: cand.Kind, Diagnostic: res.Diagnostic, URL: res.URL}
			o.logger.Warn("strategy failed connectivity checks",
				"strategy", cand.String(), "cause", res.Diagnostic, "attempts", res.Attempts)
			trail = append(trail, Attempt{Candidate: cand, Err: perr, Probe: &res})
			continue
		}

		// VALIDATED: commit and run the real workload.
		o.logger.Info("strategy validated, starting workload",
			"strategy", cand.String(), "latency", res.Latency)

		code, err := o.runFn(ctx, tc)
		if err != nil {
			// The workload (or its helper) could not be started at all;
			// fall back to the next candidate.
			o.logger.Warn("workload failed to start", "strategy", cand.String(), "error", err)
			trail = append(trail, Attempt{Candidate: cand, Err: err, Probe: &res})
			continue
		}

		trail = append(trail, Attempt{Candidate: cand, Probe: &res, Ran: true, ExitCode: code})
		lastExit = code
		lastStrategy = cand.Kind

		if code == 0 {
			// DONE.
			o.logger.Info("workload finished", "strategy", cand.String())
			return &Outcome{Strategy: cand.Kind, ExitCode: 0, Trail: trail}, nil
		}

		// A workload killed by cancellation exits non-zero; that is a stop,
		// not a cue to try the next transport.
		if err := ctx.Err(); err != nil {
			o.logger.Info("run cancelled during workload", "strategy", cand.String())
			return &Outcome{Strategy: lastStrategy, ExitCode: lastExit, Trail: trail}, err
		}

		// RUNNING failed: retry with the next candidate, once per candidate
		// by construction: the cursor only moves forward.
		o.logger.Warn("workload exited non-zero, falling back",
			"strategy", cand.String(), "code", code, "remaining", len(o.candidates)-i-1)
	}

	outcome := &Outcome{Strategy: lastStrategy, ExitCode: lastExit, Trail: trail}
	return outcome, &ExhaustionError{Trail: trail}
}

// runWorkload starts the strategy's persistent helper, spawns the workload
// with the environment overlay, and blocks until it exits. The helper and
// the workload's process group are torn down on every return path, so no
// socket or process outlives the attempt.
func (o *Orchestrator) runWorkload(ctx context.Context, tc *TransportConfig) (int, error) {
	proxyURL, stopHelper, err := o.helper.Start(ctx, tc)
	if err != nil {
		return 0, err
	}
	defer stopHelper()

	// Only strategies that route via a local listener point the workload's
	// proxy environment anywhere; the chain runner wraps the command
	// instead, and direct needs no routing at all.
	overlayProxy := ""
	if tc.Kind == StrategyExternalTunnel || tc.Kind == StrategyLocalRelay {
		overlayProxy = proxyURL
	}
	overlay := EnvOverlay(&OverlayConfig{
		ProxyURL: overlayProxy,
		RelaxTLS: o.cfg.RelaxTLS,
		CABundle: o.cfg.CABundle,
	})
	if len(o.cfg.ExtraEnv) > 0 {
		overlay = append(overlay, o.cfg.ExtraEnv...)
	}

	proc, err := o.sup.Spawn(ctx, tc.Command(o.cfg.Workload), overlay)
	if err != nil {
		return 0, err
	}
	defer func() { _ = proc.Terminate() }()

	return proc.Wait()
}

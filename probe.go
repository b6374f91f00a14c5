package proxypilot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Diagnostic classifies the failure cause of a probe attempt.
// Classification is best-effort string matching over the underlying error,
// not guaranteed exhaustive.
type Diagnostic int

const (
	// DiagnosticOK means the probe succeeded.
	DiagnosticOK Diagnostic = iota

	// DiagnosticDNSFailure means name resolution failed along the path.
	DiagnosticDNSFailure

	// DiagnosticConnectionRefused means the connection was actively refused
	// or rejected (also the catch-all for unclassifiable transport errors).
	DiagnosticConnectionRefused

	// DiagnosticTimeout means the attempt exceeded its deadline.
	DiagnosticTimeout

	// DiagnosticEmptyResponse means the call nominally succeeded but
	// returned no bytes.
	DiagnosticEmptyResponse
)

// String returns the string representation of a Diagnostic.
func (d Diagnostic) String() string {
	switch d {
	case DiagnosticOK:
		return "ok"
	case DiagnosticDNSFailure:
		return "dns_failure"
	case DiagnosticConnectionRefused:
		return "connection_refused"
	case DiagnosticTimeout:
		return "timeout"
	case DiagnosticEmptyResponse:
		return "empty_response"
	default:
		return fmt.Sprintf("diagnostic(%d)", int(d))
	}
}

// ProbeResult is the outcome of one Probe call. Produced for the
// orchestrator's diagnostics and never persisted.
type ProbeResult struct {
	// Strategy is the strategy the probed configuration was built for.
	Strategy StrategyKind

	// Succeeded reports whether any target URL returned a non-empty
	// successful response.
	Succeeded bool

	// Latency is the round-trip time of the successful attempt.
	Latency time.Duration

	// Diagnostic classifies the outcome: DiagnosticOK on success, otherwise
	// the failure cause of the last attempt.
	Diagnostic Diagnostic

	// URL is the target that succeeded, or the last one attempted.
	URL string

	// Attempts counts the total attempts issued. Never exceeds
	// len(targets) * attempts-per-target.
	Attempts int
}

// Default probe parameters.
const (
	defaultProbeAttempts  = 3
	defaultProbeBackoff   = 2 * time.Second
	defaultProxiedTimeout = 30 * time.Second
	defaultDirectTimeout  = 10 * time.Second
	maxProbeResponseBytes = 64 * 1024
)

// DefaultTargetURLs returns the default probe targets. The list is
// deliberately diverse so that no single blocked site fails the probe.
func DefaultTargetURLs() []string {
	return []string{
		"https://www.google.com",
		"https://github.com",
		"https://www.cloudflare.com",
		"https://www.wikipedia.org",
		"http://detectportal.firefox.com/success.txt",
		"https://httpbin.org/ip",
	}
}

// Prober verifies that a configured transport path actually reaches the
// public network. Targets are tried in listed order and the first success
// short-circuits the rest.
type Prober struct {
	// TargetURLs are the probe targets, tried in order. Defaults to
	// DefaultTargetURLs().
	TargetURLs []string

	// AttemptsPerTarget bounds retries of a single target. Defaults to 3.
	AttemptsPerTarget int

	// Backoff is the fixed delay between attempts on the same target.
	// Defaults to 2s.
	Backoff time.Duration

	// ProxiedTimeout is the per-attempt timeout for chained and
	// external-tunnel paths, which add helper latency. Defaults to 30s.
	ProxiedTimeout time.Duration

	// DirectTimeout is the per-attempt timeout for relay and direct paths.
	// Defaults to 10s.
	DirectTimeout time.Duration

	// RelaxTLS skips certificate verification during probing, for paths
	// behind TLS-intercepting proxies.
	RelaxTLS bool

	// Logger is the structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Probe checks the configured path by requesting the target URLs through
// proxyURL ("" for an unproxied path). It declares success on the first
// target that returns a non-empty successful response.
func (p *Prober) Probe(ctx context.Context, cfg *TransportConfig, proxyURL string) ProbeResult {
	logger := p.Logger
	if logger == nil {
		logger = discardLogger()
	}

	targets := p.TargetURLs
	if len(targets) == 0 {
		targets = DefaultTargetURLs()
	}
	attempts := p.AttemptsPerTarget
	if attempts <= 0 {
		attempts = defaultProbeAttempts
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = defaultProbeBackoff
	}

	timeout := p.timeoutFor(cfg.Kind)
	client := p.newClient(proxyURL, timeout)
	defer client.CloseIdleConnections()

	result := ProbeResult{Strategy: cfg.Kind, Diagnostic: DiagnosticConnectionRefused}

	for _, target := range targets {
		for attempt := 1; attempt <= attempts; attempt++ {
			if ctx.Err() != nil {
				result.Diagnostic = DiagnosticTimeout
				return result
			}

			result.Attempts++
			result.URL = target
			start := time.Now()
			diag := p.check(ctx, client, target)
			elapsed := time.Since(start)

			if diag == DiagnosticOK {
				result.Succeeded = true
				result.Diagnostic = DiagnosticOK
				result.Latency = elapsed
				logger.Info("probe succeeded",
					"strategy", cfg.Kind, "target", target, "latency", elapsed, "attempts", result.Attempts)
				return result
			}

			result.Diagnostic = diag
			logger.Debug("probe attempt failed",
				"strategy", cfg.Kind, "target", target, "attempt", attempt, "cause", diag)

			if attempt < attempts {
				select {
				case <-ctx.Done():
					return result
				case <-time.After(backoff):
				}
			}
		}
	}

	logger.Info("probe failed",
		"strategy", cfg.Kind, "cause", result.Diagnostic, "attempts", result.Attempts)
	return result
}

// check issues one request and classifies the outcome.
func (p *Prober) check(ctx context.Context, client *http.Client, target string) Diagnostic {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return DiagnosticConnectionRefused
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeResponseBytes))
	if err != nil {
		return classifyError(err)
	}
	if resp.StatusCode >= 400 {
		return DiagnosticConnectionRefused
	}
	if len(body) == 0 {
		return DiagnosticEmptyResponse
	}
	return DiagnosticOK
}

// timeoutFor picks the per-attempt timeout for a strategy kind.
func (p *Prober) timeoutFor(kind StrategyKind) time.Duration {
	switch kind {
	case StrategyChainedProxy, StrategyExternalTunnel:
		if p.ProxiedTimeout > 0 {
			return p.ProxiedTimeout
		}
		return defaultProxiedTimeout
	default:
		if p.DirectTimeout > 0 {
			return p.DirectTimeout
		}
		return defaultDirectTimeout
	}
}

// newClient builds a throwaway HTTP client routed through proxyURL.
func (p *Prober) newClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DisableKeepAlives: true,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if p.RelaxTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // probing through TLS-intercepting proxies
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// classifyError maps a transport error to a Diagnostic. Typed checks first,
// then best-effort string matching; unknown errors fall back to
// connection_refused.
func classifyError(err error) Diagnostic {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DiagnosticDNSFailure
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return DiagnosticConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DiagnosticTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DiagnosticTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "server misbehaving"):
		return DiagnosticDNSFailure
	case strings.Contains(msg, "connection refused"):
		return DiagnosticConnectionRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return DiagnosticTimeout
	default:
		return DiagnosticConnectionRefused
	}
}

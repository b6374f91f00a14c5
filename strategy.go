package proxypilot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/proxypilot/proxypilot/internal/netutil"
)

// StrategyKind identifies a transport strategy variant.
type StrategyKind int

const (
	// StrategyExternalTunnel runs an external helper binary that opens an
	// authenticated CONNECT tunnel from a local port through the proxy.
	StrategyExternalTunnel StrategyKind = iota

	// StrategyChainedProxy wraps the workload in a chained-proxy runner
	// (proxychains-style) configured against the upstream proxy.
	StrategyChainedProxy

	// StrategyLocalRelay starts the in-process forwarding relay and points
	// the workload's proxy environment at it.
	StrategyLocalRelay

	// StrategyDirect launches the workload with no proxy path at all.
	StrategyDirect
)

// String returns the string representation of a StrategyKind.
func (k StrategyKind) String() string {
	switch k {
	case StrategyExternalTunnel:
		return "external-tunnel"
	case StrategyChainedProxy:
		return "chained-proxy"
	case StrategyLocalRelay:
		return "local-relay"
	case StrategyDirect:
		return "direct"
	default:
		return fmt.Sprintf("strategy(%d)", int(k))
	}
}

// ParseStrategyKind parses the textual form produced by String.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "external-tunnel":
		return StrategyExternalTunnel, nil
	case "chained-proxy":
		return StrategyChainedProxy, nil
	case "local-relay":
		return StrategyLocalRelay, nil
	case "direct":
		return StrategyDirect, nil
	default:
		return StrategyDirect, fmt.Errorf("%w: unknown strategy %q", ErrConfigInvalid, s)
	}
}

// Candidate names one entry in the orchestrator's ordered fallback list.
// Strategy variants (the chained-proxy DNS toggle) are expressed as separate
// candidates rather than separate orchestrator states.
type Candidate struct {
	// Kind is the strategy to attempt.
	Kind StrategyKind

	// ProxyDNS toggles the DNS-proxying directive for chained-proxy
	// candidates. Ignored by other kinds.
	ProxyDNS bool
}

// String returns a loggable form of the candidate.
func (c Candidate) String() string {
	if c.Kind == StrategyChainedProxy {
		return fmt.Sprintf("%s(proxy_dns=%t)", c.Kind, c.ProxyDNS)
	}
	return c.Kind.String()
}

// DefaultCandidates returns the default fallback priority: external tunnel
// binary first, then the chained proxy with DNS proxying on and off, then a
// direct connection.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Kind: StrategyExternalTunnel},
		{Kind: StrategyChainedProxy, ProxyDNS: true},
		{Kind: StrategyChainedProxy, ProxyDNS: false},
		{Kind: StrategyDirect},
	}
}

// TransportConfig is the concrete configuration built for one strategy
// attempt. It is immutable once built and discarded after the attempt.
type TransportConfig struct {
	// Kind is the strategy this configuration was built for.
	Kind StrategyKind

	// ProxyDNS records the chained-proxy DNS toggle the config was rendered
	// with.
	ProxyDNS bool

	// Endpoint is the normalized upstream proxy endpoint.
	Endpoint ProxyEndpoint

	// ChainRunner is the chained-proxy runner binary (chained-proxy only).
	ChainRunner string

	// ChainConfigPath is the fixed path the chain config document was
	// written to (chained-proxy only).
	ChainConfigPath string

	// ChainAddr is the proxy address placed in the chain config: the
	// resolved dotted-numeric IP, or the raw hostname when resolution
	// failed (chained-proxy only).
	ChainAddr string

	// TunnelBinary is the resolved path of the external tunnel helper
	// (external-tunnel only).
	TunnelBinary string

	// LocalPort is the local listening port hint for strategies that bind
	// one (external-tunnel, local-relay).
	LocalPort int

	// Warnings carries non-fatal diagnostics recorded during the build,
	// such as a dns_failure note when hostname resolution failed.
	Warnings []string
}

// Command returns the argv used to launch workload through this transport.
// Chained-proxy prefixes the chain runner; every other strategy runs the
// workload unchanged (routing happens through the environment overlay).
func (c *TransportConfig) Command(workload []string) []string {
	if c.Kind == StrategyChainedProxy {
		argv := make([]string, 0, len(workload)+3)
		argv = append(argv, c.ChainRunner, "-f", c.ChainConfigPath)
		return append(argv, workload...)
	}
	return append([]string(nil), workload...)
}

// LocalProxyURL returns the local proxy URL the workload's environment
// should point at, or "" when the strategy does not route through a local
// listener.
func (c *TransportConfig) LocalProxyURL() string {
	switch c.Kind {
	case StrategyExternalTunnel, StrategyLocalRelay:
		return "http://127.0.0.1:" + strconv.Itoa(c.LocalPort)
	default:
		return ""
	}
}

// Test seams, overridable in tests.
var (
	lookPathFn = exec.LookPath
	freePortFn = netutil.FreePort
	resolveFn  = netutil.ResolveIP
)

// Defaults used by the Builder when fields are unset.
const (
	defaultChainRunner     = "proxychains4"
	defaultChainConfigPath = "proxychains_tunnel.conf"
	defaultResolveTimeout  = 10 * time.Second

	// portAllocAttempts bounds retries of the ephemeral-port hint
	// allocation before surfacing a ResourceError.
	portAllocAttempts = 3
)

// Builder constructs per-attempt transport configurations from a proxy
// endpoint. The orchestrator serializes Build calls, so concurrent attempts
// never race on the fixed chain config path.
type Builder struct {
	// ChainRunner is the chained-proxy runner binary name or path.
	// Defaults to "proxychains4".
	ChainRunner string

	// ChainConfigPath is the fixed path the chain config document is
	// written to before each chained attempt. Overwritten, never appended.
	// Defaults to "proxychains_tunnel.conf".
	ChainConfigPath string

	// TunnelBinary is the external tunnel helper binary name or path.
	// Required for StrategyExternalTunnel; there is no default.
	TunnelBinary string

	// Resolver is the DNS resolver used to turn hostnames into the numeric
	// addresses chained-proxy transports require. Defaults to
	// net.DefaultResolver.
	Resolver *net.Resolver

	// Logger is the structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Build produces the transport configuration for one candidate. Building
// never mutates the endpoint argument; normalization happens on a copy.
func (b *Builder) Build(ctx context.Context, endpoint ProxyEndpoint, cand Candidate) (*TransportConfig, error) {
	logger := b.Logger
	if logger == nil {
		logger = discardLogger()
	}

	cfg := &TransportConfig{Kind: cand.Kind, ProxyDNS: cand.ProxyDNS}

	if cand.Kind != StrategyDirect {
		normalized, err := endpoint.Normalize()
		if err != nil {
			return nil, &ConfigError{Strategy: cand.Kind, Reason: "invalid proxy endpoint", Err: err}
		}
		cfg.Endpoint = normalized
	}

	switch cand.Kind {
	case StrategyChainedProxy:
		if err := b.buildChained(ctx, cfg, logger); err != nil {
			return nil, err
		}
	case StrategyExternalTunnel:
		if err := b.buildExternalTunnel(cfg); err != nil {
			return nil, err
		}
	case StrategyLocalRelay:
		port, err := allocatePort()
		if err != nil {
			return nil, err
		}
		cfg.LocalPort = port
	case StrategyDirect:
		// Nothing to build.
	default:
		return nil, &ConfigError{Strategy: cand.Kind, Reason: "unknown strategy"}
	}

	return cfg, nil
}

// buildChained resolves the proxy address, renders the chain config
// document, and writes it to the fixed path the chain runner reads.
func (b *Builder) buildChained(ctx context.Context, cfg *TransportConfig, logger *slog.Logger) error {
	runner := b.ChainRunner
	if runner == "" {
		runner = defaultChainRunner
	}
	path, err := lookPathFn(runner)
	if err != nil {
		return &ConfigError{Strategy: cfg.Kind, Reason: fmt.Sprintf("chain runner %q not found", runner), Err: err}
	}
	cfg.ChainRunner = path

	// Chained-proxy transports require numeric addresses. Resolution
	// failure is non-fatal: some chain runners accept hostnames, so the
	// raw host is retained with a dns_failure warning attached.
	cfg.ChainAddr = cfg.Endpoint.Host
	if !netutil.IsNumericAddr(cfg.Endpoint.Host) {
		rctx, cancel := context.WithTimeout(ctx, defaultResolveTimeout)
		ip, rerr := resolveFn(rctx, b.Resolver, cfg.Endpoint.Host)
		cancel()
		if rerr != nil {
			warning := fmt.Sprintf("dns_failure: could not resolve %q, keeping hostname", cfg.Endpoint.Host)
			cfg.Warnings = append(cfg.Warnings, warning)
			logger.Warn("proxy hostname resolution failed, keeping hostname",
				"host", cfg.Endpoint.Host, "error", rerr)
		} else {
			cfg.ChainAddr = ip
		}
	}

	cfg.ChainConfigPath = b.ChainConfigPath
	if cfg.ChainConfigPath == "" {
		cfg.ChainConfigPath = defaultChainConfigPath
	}

	doc := renderChainConfig(cfg.ChainAddr, cfg.Endpoint.Port, cfg.Endpoint, cfg.ProxyDNS)
	if err := os.WriteFile(cfg.ChainConfigPath, doc, 0o644); err != nil {
		return &ResourceError{Op: "write chain config " + cfg.ChainConfigPath, Err: err}
	}
	logger.Debug("chain config written",
		"path", cfg.ChainConfigPath, "addr", cfg.ChainAddr, "port", cfg.Endpoint.Port, "proxy_dns", cfg.ProxyDNS)
	return nil
}

// buildExternalTunnel checks the tunnel helper binary is present and
// allocates the local port it will listen on.
func (b *Builder) buildExternalTunnel(cfg *TransportConfig) error {
	if b.TunnelBinary == "" {
		return &ConfigError{Strategy: cfg.Kind, Reason: "no tunnel binary configured"}
	}
	path, err := lookPathFn(b.TunnelBinary)
	if err != nil {
		return &ConfigError{Strategy: cfg.Kind, Reason: fmt.Sprintf("tunnel binary %q not found", b.TunnelBinary), Err: err}
	}
	cfg.TunnelBinary = path

	port, err := allocatePort()
	if err != nil {
		return err
	}
	cfg.LocalPort = port
	return nil
}

// allocatePort obtains an ephemeral local port hint, retrying a bounded
// number of times. The hint is not a reservation; callers that bind it must
// rebuild on collision.
func allocatePort() (int, error) {
	var lastErr error
	for i := 0; i < portAllocAttempts; i++ {
		port, err := freePortFn()
		if err == nil {
			return port, nil
		}
		lastErr = err
	}
	return 0, &ResourceError{Op: "allocate local port", Err: lastErr}
}

// renderChainConfig renders the ordered key/value directives the chain
// runner reads: chaining mode, optional DNS proxying, read/connect timeouts
// in milliseconds, and a single http proxy-list entry. Credentials are
// embedded verbatim when basic auth is configured.
func renderChainConfig(addr string, port int, endpoint ProxyEndpoint, proxyDNS bool) []byte {
	var b strings.Builder
	b.WriteString("dynamic_chain\n")
	if proxyDNS {
		b.WriteString("proxy_dns\n")
	}
	b.WriteString("tcp_read_time_out 15000\n")
	b.WriteString("tcp_connect_time_out 8000\n")
	b.WriteString("\n[ProxyList]\n")
	if endpoint.Auth == AuthBasic && endpoint.User != "" {
		fmt.Fprintf(&b, "http %s %d %s %s\n", addr, port, endpoint.User, endpoint.Pass)
	} else {
		fmt.Fprintf(&b, "http %s %d\n", addr, port)
	}
	return []byte(b.String())
}

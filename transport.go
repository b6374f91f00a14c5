package proxypilot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/proxypilot/proxypilot/internal/netutil"
	"github.com/proxypilot/proxypilot/relay"
)

// helperStartTimeout bounds how long a freshly spawned tunnel helper gets to
// bind its local listener.
const helperStartTimeout = 10 * time.Second

// helperStopTimeout bounds the relay's graceful shutdown.
const helperStopTimeout = 5 * time.Second

// Helper brings up whatever transient relay or subprocess a strategy routes
// through. The probe starts the helper, runs its checks, and stops it again
// regardless of outcome; the committed run holds the helper for the
// workload's lifetime.
type Helper interface {
	// Start brings up the helper for cfg. It returns the local proxy URL
	// traffic should route through ("" for paths that need no proxy
	// environment) and a stop function that releases every socket and
	// process the helper owns. stop is safe to call exactly once.
	Start(ctx context.Context, cfg *TransportConfig) (proxyURL string, stop func(), err error)
}

// transportHelper is the standard Helper implementation: an in-process relay
// for StrategyLocalRelay, a supervised subprocess for StrategyExternalTunnel,
// and nothing for the rest.
type transportHelper struct {
	sup    *Supervisor
	logger *slog.Logger

	// startTimeout overrides helperStartTimeout when non-zero.
	startTimeout time.Duration
}

func (h *transportHelper) Start(ctx context.Context, cfg *TransportConfig) (string, func(), error) {
	noop := func() {}

	switch cfg.Kind {
	case StrategyDirect:
		return "", noop, nil

	case StrategyChainedProxy:
		// The chain runner wraps the workload itself, so there is nothing
		// to start here. Probing goes through the upstream proxy endpoint,
		// which exercises the same egress path the chain will use.
		return cfg.Endpoint.URL().String(), noop, nil

	case StrategyLocalRelay:
		return h.startRelay(cfg)

	case StrategyExternalTunnel:
		return h.startTunnelHelper(ctx, cfg)

	default:
		return "", noop, &ConfigError{Strategy: cfg.Kind, Reason: "unknown strategy"}
	}
}

// startRelay binds the in-process relay on the allocated port hint, falling
// back to a fresh ephemeral port when the hint was taken in the meantime.
func (h *transportHelper) startRelay(cfg *TransportConfig) (string, func(), error) {
	rly, err := relay.New(&relay.Config{
		Upstream: cfg.Endpoint.URL(),
		Logger:   h.logger,
	})
	if err != nil {
		return "", func() {}, &ResourceError{Op: "create relay", Err: err}
	}

	addr, err := rly.ListenAndServe("127.0.0.1:" + strconv.Itoa(cfg.LocalPort))
	if err != nil {
		// Port hints are not reservations; retry on a kernel-picked port.
		addr, err = rly.ListenAndServe("127.0.0.1:0")
		if err != nil {
			return "", func() {}, &ResourceError{Op: "bind relay listener", Err: err}
		}
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), helperStopTimeout)
		defer cancel()
		if err := rly.Shutdown(ctx); err != nil {
			h.logger.Debug("relay shutdown error", "error", err)
		}
	}
	return "http://" + addr.String(), stop, nil
}

// startTunnelHelper spawns the external tunnel binary and waits for it to
// bind its local port. Stopping terminates the whole helper process group
// and reaps it, so no probe leaks a process on exit.
func (h *transportHelper) startTunnelHelper(ctx context.Context, cfg *TransportConfig) (string, func(), error) {
	argv := tunnelHelperCommand(cfg)
	proc, err := h.sup.Spawn(ctx, argv, nil)
	if err != nil {
		return "", func() {}, err
	}

	stop := func() {
		_ = proc.Terminate()
		_, _ = proc.Wait()
	}

	timeout := h.startTimeout
	if timeout == 0 {
		timeout = helperStartTimeout
	}
	if !netutil.WaitForPort(cfg.LocalPort, timeout) {
		stop()
		return "", func() {}, &ProcessError{
			Command: cfg.TunnelBinary,
			Err:     fmt.Errorf("helper did not bind 127.0.0.1:%d within %s", cfg.LocalPort, timeout),
		}
	}

	return cfg.LocalProxyURL(), stop, nil
}

// tunnelHelperCommand builds the argv for the external tunnel helper: listen
// locally, connect out through the corporate proxy. Credentials are passed
// verbatim on the command line; the helper's own protocol is its business.
func tunnelHelperCommand(cfg *TransportConfig) []string {
	argv := []string{
		cfg.TunnelBinary,
		"--listen", "127.0.0.1:" + strconv.Itoa(cfg.LocalPort),
		"--proxy", cfg.Endpoint.Addr(),
	}
	if cfg.Endpoint.User != "" {
		argv = append(argv, "--proxy-auth", cfg.Endpoint.User+":"+cfg.Endpoint.Pass)
		if cfg.Endpoint.Auth == AuthNTLM {
			argv = append(argv, "--ntlm")
		}
	}
	return argv
}

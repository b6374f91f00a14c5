// Package proxypilot negotiates a working network path from a local process
// to a remote tunnel endpoint through a corporate egress proxy.
//
// Corporate proxies commonly break DNS, TLS, or direct connections in ways
// that are hard to predict from the outside. proxypilot probes a prioritized
// list of transport strategies (external tunnel helper, chained proxy runner,
// in-process forwarding relay, direct connection), commits to the first one
// that demonstrably reaches the public network, and supervises the long-lived
// workload that runs through it, falling back to the next strategy when the
// committed one fails at runtime.
//
// Key pieces:
//   - Builder: turns a proxy endpoint plus a strategy into a concrete,
//     immutable per-attempt transport configuration
//   - Prober: validates a configured path against multiple well-known URLs
//     with bounded retries
//   - Supervisor: spawns helper and workload processes, streams their output,
//     and surfaces readiness markers found in it
//   - Orchestrator: the fallback state machine tying the above together
//   - relay: an HTTP CONNECT forwarding proxy used when no external helper
//     binary is available
//
// Basic usage:
//
//	cfg := &proxypilot.Config{
//	    Endpoint: proxypilot.ProxyEndpoint{Host: "proxy.corp.example", Port: 8080},
//	    Workload: []string{"./code", "tunnel", "--accept-server-license-terms"},
//	}
//	orc, err := proxypilot.NewOrchestrator(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outcome, err := orc.Run(ctx)
package proxypilot

// Proxypilot negotiates a working network path through a corporate egress
// proxy and runs a long-lived workload command through it, falling back
// across transport strategies until one holds.
//
// Usage:
//
//	proxypilot --proxy proxy.corp.example:8080 -- ./code tunnel --accept-server-license-terms
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/proxypilot/proxypilot"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// fileConfig is the optional YAML configuration file. Flags override it.
type fileConfig struct {
	Proxy struct {
		// Host is the proxy hostname or IP, with or without a scheme prefix.
		Host string `yaml:"host"`
		// Port is the proxy TCP port.
		Port int `yaml:"port"`
		// User and Pass are the proxy credentials.
		User string `yaml:"user"`
		Pass string `yaml:"pass"`
		// Auth is "none", "basic", or "ntlm".
		Auth string `yaml:"auth"`
	} `yaml:"proxy"`

	// Strategies is the ordered candidate list. Each entry is a strategy
	// name; chained-proxy entries may carry the DNS-proxying toggle.
	Strategies []struct {
		Kind     string `yaml:"kind"`
		ProxyDNS *bool  `yaml:"proxy_dns"`
	} `yaml:"strategies"`

	// ProbeURLs overrides the connectivity probe targets.
	ProbeURLs []string `yaml:"probe_urls"`

	// TunnelBinary is the external tunnel helper binary.
	TunnelBinary string `yaml:"tunnel_binary"`

	// ChainRunner and ChainConfig configure the chained-proxy runner.
	ChainRunner string `yaml:"chain_runner"`
	ChainConfig string `yaml:"chain_config"`

	// RelaxTLS disables strict certificate verification for probe and
	// workload. CABundle points at a corporate CA file instead.
	RelaxTLS bool   `yaml:"relax_tls"`
	CABundle string `yaml:"ca_bundle"`
}

func run() (int, error) {
	var (
		configPath   string
		proxyAddr    string
		proxyUser    string
		proxyPass    string
		authMode     string
		strategies   []string
		probeURLs    []string
		tunnelBinary string
		chainRunner  string
		chainConfig  string
		relaxTLS     bool
		caBundle     string
		writeHosts   bool
		systemHosts  bool
		verbose      bool
	)

	flags := pflag.NewFlagSet("proxypilot", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to YAML config file")
	flags.StringVar(&proxyAddr, "proxy", "", "corporate proxy endpoint (host:port, scheme prefix tolerated)")
	flags.StringVar(&proxyUser, "proxy-user", "", "proxy username")
	flags.StringVar(&proxyPass, "proxy-pass", "", "proxy password (prefer PROXYPILOT_PROXY_PASS)")
	flags.StringVar(&authMode, "auth", "", "proxy auth mode: none, basic, ntlm")
	flags.StringSliceVar(&strategies, "strategy", nil, "ordered strategy list (external-tunnel, chained-proxy, local-relay, direct)")
	flags.StringSliceVar(&probeURLs, "probe-url", nil, "connectivity probe target URLs")
	flags.StringVar(&tunnelBinary, "tunnel-binary", "", "external tunnel helper binary")
	flags.StringVar(&chainRunner, "chain-runner", "", "chained-proxy runner binary (default proxychains4)")
	flags.StringVar(&chainConfig, "chain-config", "", "chained-proxy config file path")
	flags.BoolVar(&relaxTLS, "relax-tls", false, "disable strict TLS verification for probe and workload")
	flags.StringVar(&caBundle, "ca-bundle", "", "corporate CA bundle file for the workload environment")
	flags.BoolVar(&writeHosts, "write-hosts", false, "write resolved well-known domains to a scratch hosts file and exit")
	flags.BoolVar(&systemHosts, "system-hosts", false, "with --write-hosts: write to the system hosts file (needs privileges)")
	flags.BoolVar(&verbose, "verbose", false, "debug logging")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: proxypilot [flags] -- workload-command [args...]\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 2, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return 2, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return 2, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	endpoint, err := buildEndpoint(&fc, proxyAddr, proxyUser, proxyPass, authMode)
	if err != nil {
		return 2, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if writeHosts {
		path, err := proxypilot.AugmentHosts(ctx, &proxypilot.HostsConfig{
			UseSystemHosts: systemHosts,
			Logger:         logger,
		})
		if err != nil {
			return 1, err
		}
		fmt.Println(path)
		return 0, nil
	}

	workload := flags.Args()
	if len(workload) == 0 {
		flags.Usage()
		return 2, fmt.Errorf("no workload command given")
	}

	candidates, err := buildCandidates(&fc, strategies)
	if err != nil {
		return 2, err
	}

	if fc.TunnelBinary != "" && tunnelBinary == "" {
		tunnelBinary = fc.TunnelBinary
	}
	if fc.ChainRunner != "" && chainRunner == "" {
		chainRunner = fc.ChainRunner
	}
	if fc.ChainConfig != "" && chainConfig == "" {
		chainConfig = fc.ChainConfig
	}
	if fc.RelaxTLS {
		relaxTLS = true
	}
	if fc.CABundle != "" && caBundle == "" {
		caBundle = fc.CABundle
	}
	if len(probeURLs) == 0 {
		probeURLs = fc.ProbeURLs
	}

	cfg := &proxypilot.Config{
		Endpoint:   endpoint,
		Workload:   workload,
		Candidates: candidates,
		RelaxTLS:   relaxTLS,
		CABundle:   caBundle,
		Builder: &proxypilot.Builder{
			ChainRunner:     chainRunner,
			ChainConfigPath: chainConfig,
			TunnelBinary:    tunnelBinary,
			Logger:          logger,
		},
		Prober: &proxypilot.Prober{
			TargetURLs: probeURLs,
			RelaxTLS:   relaxTLS,
			Logger:     logger,
		},
		Logger: logger,
	}

	orc, err := proxypilot.NewOrchestrator(cfg)
	if err != nil {
		return 2, err
	}

	outcome, err := orc.Run(ctx)
	if err != nil {
		logger.Error("no transport strategy succeeded", "error", err)
		if outcome != nil && outcome.ExitCode != 0 {
			return outcome.ExitCode, nil
		}
		return 1, nil
	}
	logger.Info("done", "strategy", outcome.Strategy.String(), "exit_code", outcome.ExitCode)
	return outcome.ExitCode, nil
}

// buildEndpoint merges the file config and flags into a ProxyEndpoint.
// The password can also come from PROXYPILOT_PROXY_PASS so it stays out of
// process listings.
func buildEndpoint(fc *fileConfig, addr, user, pass, auth string) (proxypilot.ProxyEndpoint, error) {
	endpoint := proxypilot.ProxyEndpoint{
		Host: fc.Proxy.Host,
		Port: fc.Proxy.Port,
		User: fc.Proxy.User,
		Pass: fc.Proxy.Pass,
	}
	if fc.Proxy.Auth != "" {
		mode, err := proxypilot.ParseAuthMode(fc.Proxy.Auth)
		if err != nil {
			return endpoint, err
		}
		endpoint.Auth = mode
	}

	if addr != "" {
		endpoint.Host = addr
		endpoint.Port = 0 // let Normalize pull the port out of host:port
	}
	if user != "" {
		endpoint.User = user
	}
	if pass != "" {
		endpoint.Pass = pass
	} else if env := os.Getenv("PROXYPILOT_PROXY_PASS"); env != "" && endpoint.Pass == "" {
		endpoint.Pass = env
	}
	if auth != "" {
		mode, err := proxypilot.ParseAuthMode(auth)
		if err != nil {
			return endpoint, err
		}
		endpoint.Auth = mode
	}
	return endpoint, nil
}

// buildCandidates merges the file config and --strategy flags into the
// ordered candidate list. A bare "chained-proxy" on the command line expands
// into both DNS-proxying variants, matching the default priority.
func buildCandidates(fc *fileConfig, flagStrategies []string) ([]proxypilot.Candidate, error) {
	if len(flagStrategies) > 0 {
		var candidates []proxypilot.Candidate
		for _, s := range flagStrategies {
			kind, err := proxypilot.ParseStrategyKind(strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			if kind == proxypilot.StrategyChainedProxy {
				candidates = append(candidates,
					proxypilot.Candidate{Kind: kind, ProxyDNS: true},
					proxypilot.Candidate{Kind: kind, ProxyDNS: false},
				)
			} else {
				candidates = append(candidates, proxypilot.Candidate{Kind: kind})
			}
		}
		return candidates, nil
	}

	if len(fc.Strategies) > 0 {
		var candidates []proxypilot.Candidate
		for _, s := range fc.Strategies {
			kind, err := proxypilot.ParseStrategyKind(s.Kind)
			if err != nil {
				return nil, err
			}
			cand := proxypilot.Candidate{Kind: kind}
			if s.ProxyDNS != nil {
				cand.ProxyDNS = *s.ProxyDNS
			} else if kind == proxypilot.StrategyChainedProxy {
				cand.ProxyDNS = true
			}
			candidates = append(candidates, cand)
		}
		return candidates, nil
	}

	return nil, nil // nil means DefaultCandidates
}

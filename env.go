package proxypilot

// noProxyValue lists addresses that must bypass the proxy: localhost,
// loopback, link-local, and RFC 1918 private ranges.
const noProxyValue = "localhost,127.0.0.1,::1,*.local,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,169.254.0.0/16"

// OverlayConfig configures the environment overlay applied to a spawned
// workload. The overlay is layered onto the child's env slice only; the
// parent process's ambient environment is never mutated.
type OverlayConfig struct {
	// ProxyURL is the proxy the workload should route through, e.g.
	// "http://127.0.0.1:8888". Empty disables the proxy variables.
	ProxyURL string

	// RelaxTLS disables strict certificate verification in the workload's
	// runtime and common secondary clients. Needed behind TLS-intercepting
	// corporate proxies.
	RelaxTLS bool

	// CABundle points certificate-bundle variables at a corporate CA file
	// instead of relaxing verification. Ignored when empty.
	CABundle string
}

// EnvOverlay generates the "KEY=VALUE" entries for a workload's environment.
// Both upper- and lowercase proxy variants are set since tools disagree on
// which they read.
func EnvOverlay(cfg *OverlayConfig) []string {
	if cfg == nil {
		return nil
	}

	var env []string

	if cfg.ProxyURL != "" {
		env = append(env,
			"HTTP_PROXY="+cfg.ProxyURL,
			"http_proxy="+cfg.ProxyURL,
			"HTTPS_PROXY="+cfg.ProxyURL,
			"https_proxy="+cfg.ProxyURL,
			"NO_PROXY="+noProxyValue,
			"no_proxy="+noProxyValue,
		)
	}

	if cfg.RelaxTLS {
		env = append(env,
			"NODE_TLS_REJECT_UNAUTHORIZED=0",
			"GIT_SSL_NO_VERIFY=true",
			"PYTHONHTTPSVERIFY=0",
		)
	}

	if cfg.CABundle != "" {
		env = append(env,
			"CURL_CA_BUNDLE="+cfg.CABundle,
			"REQUESTS_CA_BUNDLE="+cfg.CABundle,
			"SSL_CERT_FILE="+cfg.CABundle,
			"NODE_EXTRA_CA_CERTS="+cfg.CABundle,
		)
	}

	return env
}

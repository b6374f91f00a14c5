package proxypilot

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// AuthMode selects how credentials are presented to the upstream proxy.
type AuthMode int

const (
	// AuthNone disables proxy authentication.
	AuthNone AuthMode = iota

	// AuthBasic uses HTTP basic authentication.
	AuthBasic

	// AuthNTLM uses NTLM authentication. Only strategies whose external
	// helper speaks NTLM can carry this mode; the in-process relay and
	// direct probes cannot.
	AuthNTLM
)

// String returns the string representation of an AuthMode.
func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	case AuthNTLM:
		return "ntlm"
	default:
		return fmt.Sprintf("authmode(%d)", int(m))
	}
}

// ParseAuthMode parses the textual form produced by String.
func ParseAuthMode(s string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthNone, nil
	case "basic":
		return AuthBasic, nil
	case "ntlm":
		return AuthNTLM, nil
	default:
		return AuthNone, fmt.Errorf("%w: unknown auth mode %q", ErrConfigInvalid, s)
	}
}

// ProxyEndpoint identifies the corporate egress proxy that strategies route
// through. Host never carries a protocol prefix once normalized.
type ProxyEndpoint struct {
	// Host is the proxy hostname or IP address.
	Host string

	// Port is the proxy TCP port.
	Port int

	// User is the username for authenticated proxies. Empty means no
	// credentials.
	User string

	// Pass is the password for authenticated proxies. It is embedded in
	// generated helper configuration verbatim and is never logged.
	Pass string

	// Auth selects the authentication mode. Defaults to AuthNone, or
	// AuthBasic when credentials are present.
	Auth AuthMode
}

// Normalize strips any http:// or https:// prefix from Host, drops a
// trailing path component, and validates the port range. It returns the
// normalized copy; the receiver is not modified.
func (e ProxyEndpoint) Normalize() (ProxyEndpoint, error) {
	host := strings.TrimSpace(e.Host)
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(strings.ToLower(host), prefix) {
			host = host[len(prefix):]
			break
		}
	}
	// Anything after the first slash is a path, not part of the host.
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	// A host:port form overrides the Port field when the field is unset.
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, perr := strconv.Atoi(p)
		if perr != nil {
			return e, fmt.Errorf("%w: proxy port %q is not numeric", ErrConfigInvalid, p)
		}
		host = h
		if e.Port == 0 {
			e.Port = port
		}
	}
	if host == "" {
		return e, fmt.Errorf("%w: proxy host must not be empty", ErrConfigInvalid)
	}
	if e.Port < 1 || e.Port > 65535 {
		return e, fmt.Errorf("%w: proxy port %d out of range", ErrConfigInvalid, e.Port)
	}
	e.Host = host
	if e.Auth == AuthNone && (e.User != "" || e.Pass != "") {
		e.Auth = AuthBasic
	}
	return e, nil
}

// Addr returns the endpoint in host:port form.
func (e ProxyEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the endpoint as an http:// proxy URL, including basic-auth
// userinfo when credentials are configured.
func (e ProxyEndpoint) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: e.Addr()}
	if e.Auth == AuthBasic && e.User != "" {
		u.User = url.UserPassword(e.User, e.Pass)
	}
	return u
}

// Redacted returns a loggable form of the endpoint. The password is never
// included.
func (e ProxyEndpoint) Redacted() string {
	if e.User != "" {
		return fmt.Sprintf("%s@%s (%s)", e.User, e.Addr(), e.Auth)
	}
	return e.Addr()
}

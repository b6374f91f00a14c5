// Package netutil provides small networking helpers shared across the
// proxypilot packages: ephemeral port hints, numeric-address checks, and
// hostname resolution.
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"
)

// FreePort asks the kernel for an ephemeral TCP port by binding to port 0,
// reading back the assigned port, and closing the listener. The returned
// port is a hint, not a reservation: another process may grab it before the
// caller binds, so callers must be prepared to retry with a fresh hint.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("netutil: allocate port hint: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("netutil: release port hint listener: %w", err)
	}
	return port, nil
}

// IsNumericAddr reports whether host parses as an IPv4 or IPv6 literal.
func IsNumericAddr(host string) bool {
	return net.ParseIP(host) != nil
}

// ResolveIP resolves host and returns the first IPv4 address, falling back
// to the first address of any family when no IPv4 record exists.
func ResolveIP(ctx context.Context, r *net.Resolver, host string) (string, error) {
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses returned", Name: host, IsNotFound: true}
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}

// WaitForPort polls until a TCP connection to 127.0.0.1:port succeeds or the
// timeout elapses. It reports whether the port became reachable. Used to
// detect when a freshly spawned helper has bound its listener.
func WaitForPort(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

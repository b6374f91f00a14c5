package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Defaults for the relay.
const (
	defaultDialTimeout    = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxRequestBody = 10 << 20
)

// hopByHopHeaders lists headers that are meaningful only for a single
// transport-level connection and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Config configures the forwarding relay.
type Config struct {
	// Upstream is the proxy that plain (non-CONNECT) requests are replayed
	// through. Supported schemes are "http" and "socks5". If nil, plain
	// requests are sent directly to their origin.
	Upstream *url.URL

	// DialTimeout bounds establishing outbound connections. Defaults to 10s.
	DialTimeout time.Duration

	// IdleTimeout is the idle timeout of the relay's HTTP server.
	// Defaults to 60s.
	IdleTimeout time.Duration

	// MaxRequestBody caps the body size of plain (non-CONNECT) requests.
	// Oversized requests are rejected with 413. Defaults to 10 MB.
	MaxRequestBody int64

	// Logger is the structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Relay is the forwarding proxy. Beyond the fixed upstream target it has no
// shared mutable state across sessions, so sessions need no cross-session
// locking.
type Relay struct {
	config    *Config
	server    *http.Server
	dialer    *net.Dialer
	transport *http.Transport
	addr      net.Addr
	mu        sync.Mutex

	// dialFunc establishes the raw tunnel connection for CONNECT sessions.
	// Defaults to a direct dial; overridable in tests.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a Relay from cfg. If cfg is nil, defaults are used.
func New(cfg *Config) (*Relay, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	maxBody := cfg.MaxRequestBody
	if maxBody == 0 {
		maxBody = defaultMaxRequestBody
	}

	resolved := &Config{
		Upstream:       cfg.Upstream,
		DialTimeout:    dialTimeout,
		IdleTimeout:    idleTimeout,
		MaxRequestBody: maxBody,
		Logger:         logger,
	}

	dialer := &net.Dialer{Timeout: dialTimeout}

	r := &Relay{
		config: resolved,
		dialer: dialer,
	}
	r.dialFunc = dialer.DialContext

	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}
	if cfg.Upstream != nil {
		switch cfg.Upstream.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(cfg.Upstream)
		case "socks5", "socks5h":
			socksDialer, err := socksDialerFor(cfg.Upstream, dialer)
			if err != nil {
				return nil, err
			}
			transport.DialContext = socksDialer
		default:
			return nil, fmt.Errorf("relay: unsupported upstream scheme %q", cfg.Upstream.Scheme)
		}
	}
	r.transport = transport

	return r, nil
}

// socksDialerFor builds a dial function that tunnels through a SOCKS5
// upstream, carrying the URL's userinfo as SOCKS auth.
func socksDialerFor(upstream *url.URL, forward *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *xproxy.Auth
	if user := upstream.User; user != nil {
		pass, _ := user.Password()
		auth = &xproxy.Auth{User: user.Username(), Password: pass}
	}
	d, err := xproxy.SOCKS5("tcp", upstream.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("relay: socks5 upstream %s: %w", upstream.Host, err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}, nil
	}
	return cd.DialContext, nil
}

// ListenAndServe starts the relay on addr ("127.0.0.1:0" for an ephemeral
// port) and returns the bound address. Serving happens on a background
// goroutine.
func (r *Relay) ListenAndServe(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen: %w", err)
	}

	r.mu.Lock()
	r.addr = ln.Addr()
	r.server = &http.Server{
		Handler:           r,
		IdleTimeout:       r.config.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.mu.Unlock()

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.config.Logger.Error("relay server error", "error", err)
		}
	}()

	return ln.Addr(), nil
}

// Shutdown gracefully stops the relay. In-flight CONNECT tunnels are severed
// when their sockets close.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	srv := r.server
	r.mu.Unlock()

	if srv == nil {
		return nil
	}
	r.transport.CloseIdleConnections()
	return srv.Shutdown(ctx)
}

// Addr returns the address the relay is listening on, or nil before
// ListenAndServe.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// ServeHTTP dispatches by method: CONNECT requests become raw TCP tunnels,
// everything else is replayed through the upstream.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		r.handleConnect(w, req)
	} else {
		r.handlePlain(w, req)
	}
}

// handlePlain replays method, path, headers, and body through the configured
// upstream and copies the response back verbatim.
func (r *Relay) handlePlain(w http.ResponseWriter, req *http.Request) {
	if req.URL.Host == "" {
		http.Error(w, "relay: missing host in request URL", http.StatusBadRequest)
		return
	}
	if _, _, err := validHostPort(req.URL.Host, "80"); err != nil {
		http.Error(w, fmt.Sprintf("relay: invalid host: %s", err), http.StatusBadRequest)
		return
	}

	if req.ContentLength > r.config.MaxRequestBody {
		http.Error(w, "relay: request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	// Chunked bodies carry no length up front; the reader enforces the cap.
	outReq.Body = http.MaxBytesReader(w, outReq.Body, r.config.MaxRequestBody)
	removeHopByHopHeaders(outReq.Header)

	resp, err := r.transport.RoundTrip(outReq)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "relay: request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.config.Logger.Error("upstream request failed", "host", req.URL.Host, "error", err)
		http.Error(w, "relay: upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		r.config.Logger.Debug("response body copy error", "error", err)
	}
}

// handleConnect opens a direct TCP connection to the requested host:port,
// replies 200 Connection Established, and forwards bytes in both directions
// until either side closes or errors. The paired copy goroutines buffer
// nothing beyond the kernel socket buffers, so a stalled peer exerts
// backpressure instead of accumulating one direction unboundedly.
func (r *Relay) handleConnect(w http.ResponseWriter, req *http.Request) {
	host, port, err := validHostPort(req.Host, "443")
	if err != nil {
		http.Error(w, fmt.Sprintf("relay: invalid CONNECT host: %s", err), http.StatusBadRequest)
		return
	}

	targetAddr := net.JoinHostPort(host, port)
	targetConn, err := r.dialFunc(req.Context(), "tcp", targetAddr)
	if err != nil {
		r.config.Logger.Error("CONNECT dial failed", "target", targetAddr, "error", err)
		http.Error(w, fmt.Sprintf("relay: dial target: %s", err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = targetConn.Close()
		http.Error(w, "relay: hijacking not supported", http.StatusInternalServerError)
		return
	}

	// Hijack before sending 200 to avoid racing WriteHeader against Hijack.
	clientConn, bufRW, err := hijacker.Hijack()
	if err != nil {
		_ = targetConn.Close()
		r.config.Logger.Error("hijack failed", "error", err)
		return
	}

	_, _ = bufRW.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = bufRW.Flush()

	r.config.Logger.Debug("CONNECT session opened", "target", targetAddr)

	// One session: one client connection paired with one upstream
	// connection. Either side closing or erroring tears down both ends and
	// only this session. Read client→target through bufRW.Reader so bytes
	// the server buffered ahead of the hijack are not lost.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() { _ = targetConn.Close() }()
		defer func() { _ = clientConn.Close() }()
		if _, err := io.Copy(targetConn, bufRW); err != nil && !isClosedConnError(err) {
			r.config.Logger.Debug("CONNECT copy error (client→target)", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer func() { _ = clientConn.Close() }()
		defer func() { _ = targetConn.Close() }()
		if _, err := io.Copy(clientConn, targetConn); err != nil && !isClosedConnError(err) {
			r.config.Logger.Debug("CONNECT copy error (target→client)", "error", err)
		}
	}()
	wg.Wait()

	r.config.Logger.Debug("CONNECT session closed", "target", targetAddr)
}

// validHostPort splits and validates a host:port, applying defaultPort when
// the port is absent, and rejects out-of-range ports.
func validHostPort(hostport, defaultPort string) (host, port string, err error) {
	if hostport == "" {
		return "", "", errors.New("empty address")
	}

	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		// Possibly a bare host without a port.
		if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
			host = hostport[1 : len(hostport)-1]
		} else {
			host = hostport
		}
		port = defaultPort
	}
	if host == "" {
		return "", "", fmt.Errorf("empty host in address %q", hostport)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return host, port, nil
}

// removeHopByHopHeaders strips connection-scoped headers before forwarding.
func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// isClosedConnError reports whether err is the routine "use of closed
// network connection" produced when the opposite copy direction tears the
// session down first.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

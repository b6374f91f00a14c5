package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// startEchoServer runs a TCP server that echoes everything it reads, one
// connection at a time per goroutine.
func startEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr()
}

// startRelay starts a relay on an ephemeral port and tears it down with the
// test.
func startRelay(t *testing.T, cfg *Config) net.Addr {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	addr, err := r.ListenAndServe("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenAndServe error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return addr
}

// openTunnel dials the relay and completes a CONNECT handshake to target.
func openTunnel(t *testing.T, relayAddr net.Addr, target string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", relayAddr.String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		t.Fatalf("read CONNECT status: %v", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		t.Fatalf("CONNECT status = %q, want 200", status)
	}
	// Skip to the blank line ending the response headers.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			t.Fatalf("read CONNECT headers: %v", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn
}

func TestRelay_ConnectTunnelEchoes(t *testing.T) {
	echo := startEchoServer(t)
	relayAddr := startRelay(t, nil)

	conn := openTunnel(t, relayAddr, echo.String())
	defer conn.Close()

	payload := []byte("hello through the tunnel")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	got := make([]byte, len(payload))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %q, want %q", got, payload)
	}
}

func TestRelay_ConcurrentSessionsDoNotInterleave(t *testing.T) {
	echo := startEchoServer(t)
	relayAddr := startRelay(t, nil)

	const sessions = 8
	const rounds = 20

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", relayAddr.String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echo, echo)
			br := bufio.NewReader(conn)
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					errs <- err
					return
				}
				if line == "\r\n" || line == "\n" {
					break
				}
			}

			// Each session writes its own byte pattern and must read back
			// exactly that pattern: bytes from other sessions leaking in
			// would corrupt it.
			for round := 0; round < rounds; round++ {
				msg := []byte(fmt.Sprintf("session-%02d-round-%02d|", id, round))
				if _, err := conn.Write(msg); err != nil {
					errs <- err
					return
				}
				got := make([]byte, len(msg))
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := io.ReadFull(br, got); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, msg) {
					errs <- fmt.Errorf("session %d round %d: got %q, want %q", id, round, got, msg)
					return
				}
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestRelay_SessionFailureLeavesOthersRunning(t *testing.T) {
	echo := startEchoServer(t)
	relayAddr := startRelay(t, nil)

	healthy := openTunnel(t, relayAddr, echo.String())
	defer healthy.Close()

	// A second session is torn down abruptly from the client side.
	doomed := openTunnel(t, relayAddr, echo.String())
	_ = doomed.Close()

	payload := []byte("still alive")
	if _, err := healthy.Write(payload); err != nil {
		t.Fatalf("write on healthy session: %v", err)
	}
	got := make([]byte, len(payload))
	_ = healthy.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(healthy, got); err != nil {
		t.Fatalf("read on healthy session after peer teardown: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %q, want %q", got, payload)
	}
}

func TestRelay_ConnectDialFailureReturns502(t *testing.T) {
	relayAddr := startRelay(t, nil)

	conn, err := net.Dial("tcp", relayAddr.String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	// A port that nothing listens on.
	fmt.Fprint(conn, "CONNECT 127.0.0.1:1 HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "502") {
		t.Errorf("status = %q, want 502", status)
	}
}

func TestRelay_ConnectRejectsInvalidPort(t *testing.T) {
	relayAddr := startRelay(t, nil)

	conn, err := net.Dial("tcp", relayAddr.String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	fmt.Fprint(conn, "CONNECT example.com:99999 HTTP/1.1\r\nHost: example.com:99999\r\n\r\n")
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "400") {
		t.Errorf("status = %q, want 400", status)
	}
}

func TestRelay_PlainRequestReplaysThroughUpstream(t *testing.T) {
	// Origin the request ultimately lands on.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		fmt.Fprintf(w, "method=%s path=%s echo=%s", r.Method, r.URL.Path, r.Header.Get("X-Echo"))
	}))
	defer origin.Close()

	// Minimal upstream forward proxy accepting absolute-URI requests.
	var upstreamHits int
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		upstreamHits++
		mu.Unlock()
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Error("hop-by-hop Proxy-Authorization reached the upstream")
		}
		out, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		out.Header = r.Header.Clone()
		resp, err := http.DefaultTransport.RoundTrip(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	defer upstream.Close()

	upstreamURL, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream URL: %v", err)
	}
	relayAddr := startRelay(t, &Config{Upstream: upstreamURL})

	relayURL, _ := url.Parse("http://" + relayAddr.String())
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(relayURL)}}

	req, err := http.NewRequest(http.MethodGet, origin.URL+"/resource", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Echo", "ping")
	req.Header.Set("Proxy-Authorization", "Basic c3RyaXA=")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request through relay: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	want := "method=GET path=/resource echo=ping"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if resp.Header.Get("X-Origin") != "yes" {
		t.Error("origin response header lost in replay")
	}
	mu.Lock()
	hits := upstreamHits
	mu.Unlock()
	if hits != 1 {
		t.Errorf("upstream hit %d times, want 1", hits)
	}
}

func TestRelay_PlainRequestWithoutUpstreamGoesDirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "direct")
	}))
	defer origin.Close()

	relayAddr := startRelay(t, nil)
	relayURL, _ := url.Parse("http://" + relayAddr.String())
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(relayURL)}}

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("request through relay: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "direct" {
		t.Errorf("body = %q, want %q", body, "direct")
	}
}

func TestRelay_PlainRequestBodyCapped(t *testing.T) {
	var originHits int
	var mu sync.Mutex
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		originHits++
		mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer origin.Close()

	relayAddr := startRelay(t, &Config{MaxRequestBody: 1024})
	relayURL, _ := url.Parse("http://" + relayAddr.String())
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(relayURL)}}

	// Within the cap.
	resp, err := client.Post(origin.URL, "application/octet-stream",
		strings.NewReader(strings.Repeat("a", 512)))
	if err != nil {
		t.Fatalf("small POST through relay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("small body status = %d, want 200", resp.StatusCode)
	}

	// Over the cap.
	resp, err = client.Post(origin.URL, "application/octet-stream",
		strings.NewReader(strings.Repeat("a", 4096)))
	if err != nil {
		t.Fatalf("large POST through relay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", resp.StatusCode)
	}

	mu.Lock()
	hits := originHits
	mu.Unlock()
	if hits != 1 {
		t.Errorf("origin hit %d times, want only the in-cap request", hits)
	}
}

func TestNew_RejectsUnsupportedUpstreamScheme(t *testing.T) {
	u, _ := url.Parse("ftp://proxy.corp:21")
	if _, err := New(&Config{Upstream: u}); err == nil {
		t.Fatal("New accepted an ftp upstream")
	}
}

func TestValidHostPort(t *testing.T) {
	cases := []struct {
		in          string
		defaultPort string
		wantHost    string
		wantPort    string
		wantErr     bool
	}{
		{"example.com:8080", "443", "example.com", "8080", false},
		{"example.com", "443", "example.com", "443", false},
		{"10.0.0.1:443", "443", "10.0.0.1", "443", false},
		{"[::1]:8443", "443", "::1", "8443", false},
		{"[::1]", "443", "::1", "443", false},
		{"example.com:0", "443", "", "", true},
		{"example.com:99999", "443", "", "", true},
		{"example.com:abc", "443", "", "", true},
		{"", "443", "", "", true},
		{":8080", "443", "", "", true},
	}
	for _, tc := range cases {
		host, port, err := validHostPort(tc.in, tc.defaultPort)
		if tc.wantErr {
			if err == nil {
				t.Errorf("validHostPort(%q) accepted, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("validHostPort(%q) error: %v", tc.in, err)
			continue
		}
		if host != tc.wantHost || port != tc.wantPort {
			t.Errorf("validHostPort(%q) = (%q, %q), want (%q, %q)",
				tc.in, host, port, tc.wantHost, tc.wantPort)
		}
	}
}

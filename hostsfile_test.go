package proxypilot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAugmentHosts_ScratchFile(t *testing.T) {
	stubResolve(t, func(_ context.Context, _ *net.Resolver, host string) (string, error) {
		return "140.82.0.1", nil
	})

	path := filepath.Join(t.TempDir(), "hosts_scratch")
	got, err := AugmentHosts(context.Background(), &HostsConfig{
		Domains:     []string{"github.com", "api.github.com"},
		ScratchPath: path,
	})
	if err != nil {
		t.Fatalf("AugmentHosts error: %v", err)
	}
	if got != path {
		t.Errorf("returned path %q, want %q", got, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scratch file: %v", err)
	}
	want := "140.82.0.1 github.com\n140.82.0.1 api.github.com\n"
	if string(data) != want {
		t.Errorf("scratch file = %q, want %q", data, want)
	}
}

func TestAugmentHosts_ScratchOverwrittenOnReinvoke(t *testing.T) {
	ip := "1.1.1.1"
	stubResolve(t, func(_ context.Context, _ *net.Resolver, host string) (string, error) {
		return ip, nil
	})

	path := filepath.Join(t.TempDir(), "hosts_scratch")
	cfg := &HostsConfig{Domains: []string{"github.com"}, ScratchPath: path}

	if _, err := AugmentHosts(context.Background(), cfg); err != nil {
		t.Fatalf("first AugmentHosts error: %v", err)
	}
	ip = "2.2.2.2"
	if _, err := AugmentHosts(context.Background(), cfg); err != nil {
		t.Fatalf("second AugmentHosts error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scratch file: %v", err)
	}
	if string(data) != "2.2.2.2 github.com\n" {
		t.Errorf("scratch file = %q, want only the fresh entry", data)
	}
}

func TestAugmentHosts_SkipsUnresolvableDomains(t *testing.T) {
	stubResolve(t, func(_ context.Context, _ *net.Resolver, host string) (string, error) {
		if host == "broken.example" {
			return "", &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return "9.9.9.9", nil
	})

	path := filepath.Join(t.TempDir(), "hosts_scratch")
	if _, err := AugmentHosts(context.Background(), &HostsConfig{
		Domains:     []string{"broken.example", "github.com"},
		ScratchPath: path,
	}); err != nil {
		t.Fatalf("AugmentHosts error: %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "broken.example") {
		t.Errorf("unresolvable domain written: %q", data)
	}
	if !strings.Contains(string(data), "9.9.9.9 github.com") {
		t.Errorf("resolved domain missing: %q", data)
	}
}

func TestAugmentHosts_AllResolutionsFailed(t *testing.T) {
	stubResolve(t, func(_ context.Context, _ *net.Resolver, host string) (string, error) {
		return "", fmt.Errorf("resolver down")
	})

	_, err := AugmentHosts(context.Background(), &HostsConfig{
		Domains:     []string{"github.com"},
		ScratchPath: filepath.Join(t.TempDir(), "hosts_scratch"),
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("error = %v, want ErrResourceExhausted", err)
	}
	var resErr *ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("error = %v, want *ResourceError", err)
	}
}

func TestAppendHostsLines_ReplacesPreviousBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	seed := "127.0.0.1 localhost\n::1 localhost\n"
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed hosts file: %v", err)
	}

	if err := appendHostsLines(path, []string{"1.1.1.1 github.com"}); err != nil {
		t.Fatalf("first append error: %v", err)
	}
	if err := appendHostsLines(path, []string{"2.2.2.2 github.com"}); err != nil {
		t.Fatalf("second append error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read hosts file: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, seed) {
		t.Errorf("pre-existing entries disturbed: %q", content)
	}
	if strings.Contains(content, "1.1.1.1") {
		t.Errorf("stale block not replaced: %q", content)
	}
	if !strings.Contains(content, "2.2.2.2 github.com") {
		t.Errorf("fresh entry missing: %q", content)
	}
	if strings.Count(content, "# proxypilot begin") != 1 {
		t.Errorf("marker block duplicated: %q", content)
	}
}

func TestWriteFileAtomic_LeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")

	if err := writeFileAtomic(path, []byte("content\n"), 0o644); err != nil {
		t.Fatalf("writeFileAtomic error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "out" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v, want only the target file", names)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "content\n" {
		t.Errorf("file content = %q", data)
	}
}

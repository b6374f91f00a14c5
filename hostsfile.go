package proxypilot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// systemHostsPath is the system hosts file augmented when running with
// elevated privileges.
const systemHostsPath = "/etc/hosts"

// defaultScratchHostsPath is the user-writable file written when the system
// hosts file is not an option.
const defaultScratchHostsPath = "hosts_proxypilot"

// wellKnownDomains are the domains pinned by the hosts-file augmentation.
// Pinning them sidesteps proxies that mangle DNS for exactly the hosts the
// tunnel needs.
var wellKnownDomains = []string{
	"github.com",
	"api.github.com",
	"codeload.github.com",
	"raw.githubusercontent.com",
	"objects.githubusercontent.com",
	"global.rel.tunnels.api.visualstudio.com",
}

// HostsConfig configures the hosts-file augmentation diagnostic path.
type HostsConfig struct {
	// Domains are the hostnames to pin. Defaults to wellKnownDomains.
	Domains []string

	// ScratchPath is the user-writable file written when UseSystemHosts is
	// false. Defaults to "hosts_proxypilot".
	ScratchPath string

	// UseSystemHosts writes to the system hosts file instead of the scratch
	// file. Requires elevated privileges; refused otherwise.
	UseSystemHosts bool

	// Resolver is the DNS resolver. Defaults to net.DefaultResolver.
	Resolver *net.Resolver

	// Logger is the structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// AugmentHosts resolves the configured domains and writes "<ip> <hostname>"
// lines to the chosen hosts file, returning the path written. Writes are
// all-or-nothing: content goes to a temp file in the destination directory
// and is renamed into place, so any failure leaves the previous file state
// untouched.
func AugmentHosts(ctx context.Context, cfg *HostsConfig) (string, error) {
	if cfg == nil {
		cfg = &HostsConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	domains := cfg.Domains
	if len(domains) == 0 {
		domains = wellKnownDomains
	}

	lines := make([]string, 0, len(domains))
	for _, domain := range domains {
		rctx, cancel := context.WithTimeout(ctx, defaultResolveTimeout)
		ip, err := resolveFn(rctx, cfg.Resolver, domain)
		cancel()
		if err != nil {
			logger.Warn("hosts augmentation: resolution failed, skipping domain",
				"domain", domain, "error", err)
			continue
		}
		lines = append(lines, ip+" "+domain)
		logger.Debug("hosts augmentation: resolved", "domain", domain, "ip", ip)
	}
	if len(lines) == 0 {
		return "", &ResourceError{Op: "resolve hosts-file domains", Err: fmt.Errorf("no domain resolved")}
	}

	if cfg.UseSystemHosts {
		if !canWriteSystemHosts() {
			return "", &ResourceError{
				Op:  "write " + systemHostsPath,
				Err: fmt.Errorf("elevated privileges required"),
			}
		}
		if err := appendHostsLines(systemHostsPath, lines); err != nil {
			return "", err
		}
		logger.Info("system hosts file augmented", "path", systemHostsPath, "entries", len(lines))
		return systemHostsPath, nil
	}

	path := cfg.ScratchPath
	if path == "" {
		path = defaultScratchHostsPath
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := writeFileAtomic(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	logger.Info("scratch hosts file written", "path", path, "entries", len(lines))
	return path, nil
}

// appendHostsLines appends lines to the hosts file at path, preserving the
// existing content and replacing any block this tool wrote previously. The
// whole file is rewritten through a temp file and rename.
func appendHostsLines(path string, lines []string) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		return &ResourceError{Op: "read " + path, Err: err}
	}

	const beginMark = "# proxypilot begin"
	const endMark = "# proxypilot end"

	content := string(existing)
	if i := strings.Index(content, beginMark); i >= 0 {
		if j := strings.Index(content, endMark); j > i {
			content = content[:i] + content[j+len(endMark):]
			content = strings.TrimRight(content, "\n") + "\n"
		}
	}
	block := beginMark + " " + time.Now().UTC().Format(time.RFC3339) + "\n" +
		strings.Join(lines, "\n") + "\n" + endMark + "\n"
	content = strings.TrimRight(content, "\n") + "\n" + block

	return writeFileAtomic(path, []byte(content), 0o644)
}

// writeFileAtomic writes data to a temp file in the destination directory
// and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return &ResourceError{Op: "create temp file in " + dir, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &ResourceError{Op: "write " + tmpName, Err: err}
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &ResourceError{Op: "chmod " + tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &ResourceError{Op: "close " + tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &ResourceError{Op: "rename into " + path, Err: err}
	}
	return nil
}

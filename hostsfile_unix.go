//go:build darwin || linux

package proxypilot

import "golang.org/x/sys/unix"

// canWriteSystemHosts reports whether the process can modify the system
// hosts file: effective uid 0 and the file itself writable.
func canWriteSystemHosts() bool {
	if unix.Geteuid() != 0 {
		return false
	}
	return unix.Access(systemHostsPath, unix.W_OK) == nil
}

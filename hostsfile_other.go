//go:build !darwin && !linux

package proxypilot

// canWriteSystemHosts always refuses on platforms without a unix hosts-file
// layout; only the scratch path is supported there.
func canWriteSystemHosts() bool {
	return false
}

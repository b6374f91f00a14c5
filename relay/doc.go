// Package relay implements the in-process forwarding proxy used when no
// external helper binary is available or usable.
//
// The relay listens on a local port and speaks HTTP at two levels: CONNECT
// requests are turned into raw bidirectional TCP tunnels to the requested
// host:port, and plain requests (GET, POST, ...) are replayed through the
// configured upstream proxy with the response copied back verbatim. Each
// accepted connection is handled on its own goroutine; a failing session
// never affects other in-flight sessions.
package relay

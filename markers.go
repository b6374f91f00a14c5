package proxypilot

import "strings"

// Supervised helper tools emit no structured output, so milestones are
// detected by scanning raw log lines for fixed substrings. The matcher is
// kept small and isolated so it can be swapped for a structured protocol if
// the external tools ever grow one.

// MarkerKind identifies a semantic milestone in supervised process output.
type MarkerKind int

const (
	// MarkerGrantAccess signals that the user must act to grant the remote
	// side access (e.g. a device-login prompt). Surfaced immediately.
	MarkerGrantAccess MarkerKind = iota

	// MarkerLinkReady signals that the tunnel link is established. Triggers
	// the one-time delayed ready banner.
	MarkerLinkReady
)

// String returns the string representation of a MarkerKind.
func (k MarkerKind) String() string {
	switch k {
	case MarkerGrantAccess:
		return "grant-access"
	case MarkerLinkReady:
		return "link-ready"
	default:
		return "unknown"
	}
}

// Marker pairs a substring pattern with the milestone it signals. Matching
// is case-sensitive substring containment; a matched line is never consumed
// or altered before it is also logged.
type Marker struct {
	Kind    MarkerKind
	Pattern string
}

// MarkerEvent is emitted when a marker pattern is found in process output.
type MarkerEvent struct {
	// Kind is the milestone the matched marker signals.
	Kind MarkerKind

	// Line is the full, unaltered output line the marker was found in.
	Line string

	// Stream names the output stream the line came from ("stdout" or
	// "stderr").
	Stream string
}

// DefaultMarkers returns the markers emitted by the VS Code tunnel binary.
func DefaultMarkers() []Marker {
	return []Marker{
		{Kind: MarkerGrantAccess, Pattern: "To grant access to the server"},
		{Kind: MarkerLinkReady, Pattern: "Open this link"},
	}
}

// markerMatcher scans lines for marker patterns.
type markerMatcher struct {
	markers []Marker
}

// match returns the kind of the first marker whose pattern occurs in line.
func (m *markerMatcher) match(line string) (MarkerKind, bool) {
	for _, mk := range m.markers {
		if mk.Pattern != "" && strings.Contains(line, mk.Pattern) {
			return mk.Kind, true
		}
	}
	return 0, false
}

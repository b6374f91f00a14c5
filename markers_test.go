package proxypilot

import "testing"

func TestMarkerMatcher(t *testing.T) {
	m := &markerMatcher{markers: DefaultMarkers()}

	tests := []struct {
		name     string
		line     string
		wantKind MarkerKind
		wantHit  bool
	}{
		{
			name:     "grant access marker",
			line:     "To grant access to the server, please log into https://github.com/login/device and use code ABCD-1234",
			wantKind: MarkerGrantAccess,
			wantHit:  true,
		},
		{
			name:     "link ready marker",
			line:     "Open this link in your browser https://vscode.dev/tunnel/example",
			wantKind: MarkerLinkReady,
			wantHit:  true,
		},
		{
			name:    "case sensitive",
			line:    "open this link in your browser",
			wantHit: false,
		},
		{
			name:    "unrelated line",
			line:    "[2024-01-01 00:00:00] info Starting service",
			wantHit: false,
		},
		{
			name:    "empty line",
			line:    "",
			wantHit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := m.match(tt.line)
			if ok != tt.wantHit {
				t.Fatalf("match(%q) hit = %v, want %v", tt.line, ok, tt.wantHit)
			}
			if ok && kind != tt.wantKind {
				t.Errorf("match(%q) kind = %v, want %v", tt.line, kind, tt.wantKind)
			}
		})
	}
}

func TestMarkerMatcher_EmptyPatternNeverMatches(t *testing.T) {
	m := &markerMatcher{markers: []Marker{{Kind: MarkerLinkReady, Pattern: ""}}}
	if _, ok := m.match("anything at all"); ok {
		t.Error("empty pattern matched")
	}
}

func TestMarkerKindString(t *testing.T) {
	if got := MarkerGrantAccess.String(); got != "grant-access" {
		t.Errorf("MarkerGrantAccess.String() = %q", got)
	}
	if got := MarkerLinkReady.String(); got != "link-ready" {
		t.Errorf("MarkerLinkReady.String() = %q", got)
	}
}

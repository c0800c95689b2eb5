package registry

import "testing"

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "bare image", ref: "nginx", want: "docker.io/library/nginx"},
		{name: "bare image with tag", ref: "nginx:alpine", want: "docker.io/library/nginx"},
		{name: "namespaced hub image", ref: "grafana/grafana:10.1", want: "docker.io/grafana/grafana"},
		{name: "ghcr with tag", ref: "ghcr.io/foo/bar:1.2", want: "ghcr.io/foo/bar"},
		{name: "digest stripped", ref: "ghcr.io/foo/bar@sha256:6c3c624b58dbbcd3c0dd82b4c53f04194d1247c6eebdaab7c610cf7d66709b3b", want: "ghcr.io/foo/bar"},
		{name: "registry with port", ref: "registry.local:5000/team/app:v1", want: "registry.local:5000/team/app"},
		{name: "invalid reference", ref: "UPPER CASE", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRef(tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeRef(%q) = %q, want error", tt.ref, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeRef(%q) returned error: %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeRef(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		ref     string
		want    bool
	}{
		{name: "doublestar tail", pattern: "ghcr.io/**", ref: "ghcr.io/acme/foo", want: true},
		{name: "doublestar deep", pattern: "ghcr.io/**", ref: "ghcr.io/acme/team/foo", want: true},
		{name: "doublestar needs one segment", pattern: "ghcr.io/**", ref: "ghcr.io", want: false},
		{name: "doublestar scoped", pattern: "ghcr.io/acme/**", ref: "ghcr.io/acme/foo", want: true},
		{name: "doublestar scoped miss", pattern: "ghcr.io/acme/**", ref: "ghcr.io/other/bar", want: false},
		{name: "single star one segment", pattern: "docker.io/*/nginx", ref: "docker.io/library/nginx", want: true},
		{name: "single star not two segments", pattern: "docker.io/*", ref: "docker.io/library/nginx", want: false},
		{name: "star inside segment", pattern: "ghcr.io/acme-*/app", ref: "ghcr.io/acme-dev/app", want: true},
		{name: "star inside segment miss", pattern: "ghcr.io/acme-*/app", ref: "ghcr.io/other/app", want: false},
		{name: "exact match", pattern: "docker.io/library/nginx", ref: "docker.io/library/nginx", want: true},
		{name: "exact mismatch", pattern: "docker.io/library/nginx", ref: "docker.io/library/redis", want: false},
		{name: "host mismatch", pattern: "quay.io/**", ref: "ghcr.io/acme/foo", want: false},
		{name: "doublestar middle", pattern: "ghcr.io/**/app", ref: "ghcr.io/a/b/app", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchPattern(tt.pattern, tt.ref); got != tt.want {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.ref, got, tt.want)
			}
		})
	}
}

func TestLiteralCount(t *testing.T) {
	tests := []struct {
		pattern string
		want    int
	}{
		{pattern: "ghcr.io/**", want: 8},
		{pattern: "ghcr.io/acme/**", want: 13},
		{pattern: "docker.io/library/nginx", want: 23},
		{pattern: "**", want: 0},
	}

	for _, tt := range tests {
		if got := literalCount(tt.pattern); got != tt.want {
			t.Errorf("literalCount(%q) = %d, want %d", tt.pattern, got, tt.want)
		}
	}
}

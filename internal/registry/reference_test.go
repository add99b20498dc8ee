package registry

import "testing"

func TestParseRefHubShorthand(t *testing.T) {
	ref, err := ParseRef("nginx")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Registry != "registry-1.docker.io" {
		t.Errorf("expected hub registry, got %q", ref.Registry)
	}
	if ref.Repository != "library/nginx" {
		t.Errorf("expected library/nginx, got %q", ref.Repository)
	}
	if ref.Tag != "latest" {
		t.Errorf("expected latest tag, got %q", ref.Tag)
	}
}

func TestParseRefHubNamespace(t *testing.T) {
	ref, err := ParseRef("grafana/grafana:10.2.0")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Repository != "grafana/grafana" {
		t.Errorf("expected grafana/grafana, got %q", ref.Repository)
	}
	if ref.Tag != "10.2.0" {
		t.Errorf("expected tag 10.2.0, got %q", ref.Tag)
	}
	if !ref.IsHub() {
		t.Error("expected hub reference")
	}
}

func TestParseRefPrivateRegistryWithPort(t *testing.T) {
	ref, err := ParseRef("registry.example.com:5000/team/app:v1")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Registry != "registry.example.com:5000" {
		t.Errorf("expected registry with port, got %q", ref.Registry)
	}
	if ref.Repository != "team/app" {
		t.Errorf("expected team/app, got %q", ref.Repository)
	}
	if ref.Tag != "v1" {
		t.Errorf("expected tag v1, got %q", ref.Tag)
	}
	if ref.IsHub() {
		t.Error("expected non-hub reference")
	}
}

func TestParseRefLocalhost(t *testing.T) {
	ref, err := ParseRef("localhost/app")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Registry != "localhost" {
		t.Errorf("expected localhost registry, got %q", ref.Registry)
	}
	if ref.Repository != "app" {
		t.Errorf("expected app, got %q", ref.Repository)
	}
}

func TestParseRefDigestPinned(t *testing.T) {
	ref, err := ParseRef("nginx@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if !ref.Pinned() {
		t.Error("expected pinned reference")
	}
	if ref.Tag != "" {
		t.Errorf("expected empty tag on pinned ref, got %q", ref.Tag)
	}
}

func TestParseRefInvalidDigest(t *testing.T) {
	if _, err := ParseRef("nginx@md5:abc"); err == nil {
		t.Error("expected error for non-sha256 digest")
	}
}

func TestParseRefEmpty(t *testing.T) {
	if _, err := ParseRef(""); err == nil {
		t.Error("expected error for empty reference")
	}
}

func TestParseRefHubAlias(t *testing.T) {
	ref, err := ParseRef("docker.io/library/redis:7")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Registry != "registry-1.docker.io" {
		t.Errorf("expected hub API host, got %q", ref.Registry)
	}
}

func TestReferenceString(t *testing.T) {
	ref, _ := ParseRef("registry.example.com/team/app:v2")
	if got := ref.String(); got != "registry.example.com/team/app:v2" {
		t.Errorf("unexpected String(): %q", got)
	}
}

func TestSameRepository(t *testing.T) {
	a, _ := ParseRef("nginx:1.25")
	b, _ := ParseRef("index.docker.io/library/nginx:1.26")
	if !SameRepository(a, b) {
		t.Error("expected same repository across hub aliases")
	}
	c, _ := ParseRef("registry.example.com/library/nginx")
	if SameRepository(a, c) {
		t.Error("expected different repository for private registry")
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"":                        "registry-1.docker.io",
		"docker.io":               "registry-1.docker.io",
		"index.docker.io":         "registry-1.docker.io",
		"hub.docker.com":          "registry-1.docker.io",
		"ghcr.io":                 "ghcr.io",
		"registry.example.com:5000": "registry.example.com:5000",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

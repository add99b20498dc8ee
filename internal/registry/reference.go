// Package registry talks to OCI registries just enough to answer one
// question cheaply: is there a newer image behind this tag.
package registry

import (
	"fmt"
	"strings"
)

// Docker Hub answers API calls on registry-1.docker.io regardless of which
// alias the image name uses.
const hubAPIHost = "registry-1.docker.io"

// hubAliases are hostnames that all mean Docker Hub.
var hubAliases = map[string]bool{
	"docker.io":               true,
	"index.docker.io":         true,
	"registry-1.docker.io":    true,
	"registry.hub.docker.com": true,
	"hub.docker.com":          true,
}

// Reference is a parsed image reference.
type Reference struct {
	Registry   string // API hostname (with port when given)
	Repository string // path within the registry, e.g. library/nginx
	Tag        string // empty when pinned by digest
	Digest     string // sha256:... when pinned
}

// String reassembles the canonical reference.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
		return b.String()
	}
	b.WriteByte(':')
	b.WriteString(r.Tag)
	return b.String()
}

// IsHub reports whether the reference points at Docker Hub.
func (r Reference) IsHub() bool {
	return r.Registry == hubAPIHost
}

// Pinned reports whether the reference is digest-pinned; pinned references
// can never have updates.
func (r Reference) Pinned() bool {
	return r.Digest != ""
}

// ParseRef parses an image reference the way the docker CLI does: the
// first segment is a registry only when it looks like a hostname, Hub
// repositories without a namespace get the library/ prefix, and a missing
// tag means latest.
func ParseRef(ref string) (Reference, error) {
	if ref == "" {
		return Reference{}, fmt.Errorf("empty image reference")
	}

	var out Reference

	// Digest pin comes after everything else.
	if idx := strings.LastIndexByte(ref, '@'); idx >= 0 {
		out.Digest = ref[idx+1:]
		ref = ref[:idx]
		if !strings.HasPrefix(out.Digest, "sha256:") {
			return Reference{}, fmt.Errorf("invalid digest %q", out.Digest)
		}
	}

	// Split off the registry when the first segment is a hostname.
	registry := ""
	rest := ref
	if idx := strings.IndexByte(ref, '/'); idx >= 0 {
		first := ref[:idx]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			registry = first
			rest = ref[idx+1:]
		}
	}

	// Tag, taking care not to confuse a registry port with a tag.
	if idx := strings.LastIndexByte(rest, ':'); idx >= 0 && !strings.ContainsRune(rest[idx:], '/') {
		out.Tag = rest[idx+1:]
		rest = rest[:idx]
	}
	if rest == "" {
		return Reference{}, fmt.Errorf("invalid image reference %q", ref)
	}
	if out.Tag == "" && out.Digest == "" {
		out.Tag = "latest"
	}

	switch {
	case registry == "" || hubAliases[registry]:
		out.Registry = hubAPIHost
		if !strings.ContainsRune(rest, '/') {
			rest = "library/" + rest
		}
	default:
		out.Registry = registry
	}
	out.Repository = rest
	return out, nil
}

// SameRepository compares two repository references ignoring tag and
// digest, with Hub aliasing applied to both sides.
func SameRepository(a, b Reference) bool {
	return a.Registry == b.Registry && a.Repository == b.Repository
}

// NormalizeHost maps Docker Hub aliases (and the empty host) onto the Hub
// API hostname; anything else passes through unchanged. Credential lookup
// uses this so a credential stored for docker.io matches index.docker.io.
func NormalizeHost(host string) string {
	if host == "" || hubAliases[host] {
		return hubAPIHost
	}
	return host
}

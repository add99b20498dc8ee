package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
)

// manifest media types we accept; the registry picks whichever matches the
// tag, and the digest header covers the returned document.
const acceptHeader = "application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json"

// ErrManifestNotFound is returned for tags that do not exist upstream.
var ErrManifestNotFound = errors.New("manifest not found")

// Credentials authenticate against a registry; zero value means anonymous.
type Credentials struct {
	Username string
	Password string
}

// Client resolves remote tag digests.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a registry client.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "registry")),
	}
}

// RemoteDigest HEADs the manifest for a tag and returns its content
// digest. A 401 challenge triggers one token exchange and retry.
func (c *Client) RemoteDigest(ctx context.Context, ref Reference, creds Credentials) (string, error) {
	if ref.Pinned() {
		return ref.Digest, nil
	}

	manifestURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ref.Registry, ref.Repository, ref.Tag)

	digest, challenge, err := c.headManifest(ctx, manifestURL, "", creds)
	if err != nil {
		return "", err
	}
	if challenge == "" {
		return digest, nil
	}

	bearer, err := c.fetchToken(ctx, challenge, ref, creds)
	if err != nil {
		return "", err
	}
	digest, challenge, err = c.headManifest(ctx, manifestURL, bearer, creds)
	if err != nil {
		return "", err
	}
	if challenge != "" {
		return "", fmt.Errorf("registry %s rejected credentials", ref.Registry)
	}
	return digest, nil
}

// headManifest performs one HEAD. Returns the digest on success, or the
// WWW-Authenticate challenge when the registry wants a token.
func (c *Client) headManifest(ctx context.Context, manifestURL, bearer string, creds Credentials) (digest, challenge string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, manifestURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", acceptHeader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if creds.Username != "" {
		// Some private registries take Basic directly, no token dance.
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		d := resp.Header.Get("Docker-Content-Digest")
		if d == "" {
			return "", "", errors.New("registry response missing digest header")
		}
		return d, "", nil
	case http.StatusUnauthorized:
		ch := resp.Header.Get("WWW-Authenticate")
		if ch == "" {
			return "", "", errors.New("registry returned 401 without challenge")
		}
		if bearer != "" {
			return "", ch, nil // caller decides; token already tried
		}
		return "", ch, nil
	case http.StatusNotFound:
		return "", "", ErrManifestNotFound
	default:
		return "", "", fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
}

// fetchToken exchanges a Bearer challenge for a token, using Basic auth
// when credentials exist. Registries that omit scope from the challenge
// get the pull scope computed from the reference.
func (c *Client) fetchToken(ctx context.Context, challenge string, ref Reference, creds Credentials) (string, error) {
	params, err := parseChallenge(challenge)
	if err != nil {
		return "", err
	}
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("challenge missing realm: %q", challenge)
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("invalid challenge realm: %w", err)
	}
	q := tokenURL.Query()
	if service := params["service"]; service != "" {
		q.Set("service", service)
	}
	scope := params["scope"]
	if scope == "" {
		scope = "repository:" + ref.Repository + ":pull"
	}
	q.Set("scope", scope)
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", errors.New("token response contained no token")
}

// parseChallenge splits `Bearer realm="...",service="...",scope="..."`.
func parseChallenge(header string) (map[string]string, error) {
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return nil, fmt.Errorf("unsupported auth challenge %q", header)
	}
	params := make(map[string]string)
	for _, part := range splitChallengeParams(rest) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return params, nil
}

// splitChallengeParams splits on commas outside quotes; scope values can
// contain commas.
func splitChallengeParams(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// UpdateAvailable compares an image's local RepoDigests against the remote
// digest for the same repository. True means the tag moved.
func UpdateAvailable(ref Reference, repoDigests []string, remoteDigest string) bool {
	if remoteDigest == "" {
		return false
	}
	for _, rd := range repoDigests {
		name, digest, ok := strings.Cut(rd, "@")
		if !ok {
			continue
		}
		local, err := ParseRef(name)
		if err != nil {
			continue
		}
		if SameRepository(local, ref) && digest == remoteDigest {
			return false
		}
	}
	return true
}

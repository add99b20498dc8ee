package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dockhand/dockhand/internal/common/logger"
)

func TestFetchTokenComputesScopeFallback(t *testing.T) {
	var gotScope, gotService string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope = r.URL.Query().Get("scope")
		gotService = r.URL.Query().Get("service")
		fmt.Fprint(w, `{"token":"tok-1"}`)
	}))
	defer srv.Close()

	c := NewClient(logger.Default())
	ref := Reference{Registry: "registry-1.docker.io", Repository: "library/nginx", Tag: "1.25"}
	challenge := fmt.Sprintf(`Bearer realm=%q,service="registry.docker.io"`, srv.URL+"/token")

	token, err := c.fetchToken(context.Background(), challenge, ref, Credentials{})
	if err != nil {
		t.Fatalf("fetchToken failed: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("unexpected token %q", token)
	}
	if gotScope != "repository:library/nginx:pull" {
		t.Errorf("expected pull scope computed from the reference, got %q", gotScope)
	}
	if gotService != "registry.docker.io" {
		t.Errorf("service not forwarded, got %q", gotService)
	}
}

func TestFetchTokenKeepsChallengeScope(t *testing.T) {
	var gotScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope = r.URL.Query().Get("scope")
		fmt.Fprint(w, `{"access_token":"tok-2"}`)
	}))
	defer srv.Close()

	c := NewClient(logger.Default())
	ref := Reference{Registry: "ghcr.io", Repository: "acme/svc", Tag: "stable"}
	challenge := fmt.Sprintf(`Bearer realm=%q,service="ghcr.io",scope="repository:acme/svc:pull,push"`, srv.URL+"/token")

	token, err := c.fetchToken(context.Background(), challenge, ref, Credentials{})
	if err != nil {
		t.Fatalf("fetchToken failed: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("unexpected token %q", token)
	}
	if gotScope != "repository:acme/svc:pull,push" {
		t.Errorf("expected challenge scope preserved, got %q", gotScope)
	}
}

func TestFetchTokenSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "deploy" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"token":"tok-3"}`)
	}))
	defer srv.Close()

	c := NewClient(logger.Default())
	ref := Reference{Registry: "registry.example.com", Repository: "team/app", Tag: "v1"}
	challenge := fmt.Sprintf(`Bearer realm=%q`, srv.URL+"/token")

	token, err := c.fetchToken(context.Background(), challenge, ref, Credentials{Username: "deploy", Password: "s3cret"})
	if err != nil {
		t.Fatalf("fetchToken failed: %v", err)
	}
	if token != "tok-3" {
		t.Errorf("unexpected token %q", token)
	}
}

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	oidc "github.com/coreos/go-oidc/v3/oidc"
)

// Authenticator implements §4.G's optional bearer-token verification: an
// OIDC-issued JWT when an issuer is configured, or a static shared secret
// otherwise. With neither configured, every request is anonymous — mirroring
// the source project's OIDC flow (_examples/intelligencedev-manifold's
// internal/auth/oidc.go) adapted from a browser login/cookie session to a
// stateless per-request bearer check, since the gateway has no browser-based
// login flow of its own.
type Authenticator struct {
	verifier     *oidc.IDTokenVerifier
	staticSecret string
	issuer       string
	audience     string
}

// NewAuthenticator builds an Authenticator. If issuer is non-empty it
// contacts the OIDC discovery document via go-oidc and verifies bearer
// tokens as ID tokens against audience. Otherwise, if staticSecret is
// non-empty, bearer tokens are compared against it in constant time. If
// neither is configured, Authenticate always succeeds anonymously.
func NewAuthenticator(ctx context.Context, issuer, audience, staticSecret string) (*Authenticator, error) {
	a := &Authenticator{staticSecret: staticSecret, issuer: issuer, audience: audience}
	if issuer == "" {
		return a, nil
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("gateway: oidc discovery against %q: %w", issuer, err)
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: audience, SkipClientIDCheck: audience == ""})
	return a, nil
}

// Mode reports which verification path is active, for logging/diagnostics.
func (a *Authenticator) Mode() string {
	switch {
	case a.verifier != nil:
		return "oidc"
	case a.staticSecret != "":
		return "static-bearer"
	default:
		return "anonymous"
	}
}

// Authenticate checks the bearer token carried by an Authorization header
// (already extracted by the caller). An empty token is accepted only in
// anonymous mode.
func (a *Authenticator) Authenticate(ctx context.Context, bearerToken string) error {
	switch {
	case a.verifier != nil:
		if bearerToken == "" {
			return fmt.Errorf("gateway: missing bearer token")
		}
		if _, err := a.verifier.Verify(ctx, bearerToken); err != nil {
			return fmt.Errorf("gateway: token verification failed: %w", err)
		}
		return nil
	case a.staticSecret != "":
		if bearerToken == "" {
			return fmt.Errorf("gateway: missing bearer token")
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken), []byte(a.staticSecret)) != 1 {
			return fmt.Errorf("gateway: invalid bearer token")
		}
		return nil
	default:
		return nil
	}
}

// Middleware wraps next with bearer-token enforcement, skipping the two
// well-known resource-metadata endpoints (which must be reachable without a
// token so a client can discover how to obtain one).
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/") {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerFromHeader(r.Header.Get("Authorization"))
		if err := a.Authenticate(r.Context(), token); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rlm-gateway"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// ResourceMetadataHandlers serves the two static OAuth 2.1 resource-metadata
// documents §6 requires when auth is configured. No library in the corpus
// owns this narrow, rarely-implemented surface (a handful of JSON fields per
// RFC 9728 / RFC 8414), so it is hand-built rather than borrowed.
func (a *Authenticator) ResourceMetadataHandlers(resourceURL, authServerURL string) (protectedResource, authorizationServer http.HandlerFunc) {
	protectedResource = func(w http.ResponseWriter, r *http.Request) {
		writeMetadataJSON(w, map[string]any{
			"resource":                 resourceURL,
			"authorization_servers":    []string{authServerURL},
			"bearer_methods_supported": []string{"header"},
		})
	}
	authorizationServer = func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer": a.issuer,
		}
		if a.issuer != "" {
			meta["authorization_endpoint"] = strings.TrimSuffix(a.issuer, "/") + "/protocol/openid-connect/auth"
			meta["token_endpoint"] = strings.TrimSuffix(a.issuer, "/") + "/protocol/openid-connect/token"
		}
		writeMetadataJSON(w, meta)
	}
	return protectedResource, authorizationServer
}

func writeMetadataJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

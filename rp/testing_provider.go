// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/oidcrp/rp/internal/strutils"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local OIDC provider for tests: it serves discovery,
// JWKS, authorization, token, userinfo and end-session endpoints over TLS
// and signs id_tokens with a disposable ES256 key.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks                *jose.JSONWebKeySet
	allowedRedirectURIs []string
	replySubject        string
	replyUserinfo       map[string]interface{}

	mu                   sync.Mutex
	clientID             string
	clientSecret         string
	expectedAuthCode     string
	expectedAuthNonce    string
	expectedCodeVerifier string
	customClaims         map[string]interface{}
	customAudience       string
	omitIDToken          bool
	omitAccessToken      bool
	disableUserInfo      bool
	userInfoAsJWT        bool
	tokenExpiresIn       time.Duration

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider. The server is
// stopped via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:            t,
		replySubject: "alice@example.com",
		replyUserinfo: map[string]interface{}{
			"sub":   "alice@example.com",
			"name":  "Alice Example",
			"email": "alice@example.com",
		},
		tokenExpiresIn: 5 * time.Second,
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr is the provider's issuer URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert is the PEM-encoded CA certificate the provider's TLS listener
// presents, suitable for WithProviderCA.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKeys returns the test provider's PEM-encoded signing key pair.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// SetClientCreds configures the client credentials the token endpoint
// requires.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the code returned from the authorization
// endpoint and accepted by the token endpoint.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedAuthNonce configures the nonce the provider echoes back as an
// id_token claim.
func (p *TestProvider) SetExpectedAuthNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthNonce = nonce
}

// SetExpectedCodeVerifier makes the token endpoint require the given PKCE
// code_verifier.
func (p *TestProvider) SetExpectedCodeVerifier(verifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedCodeVerifier = verifier
}

// SetAllowedRedirectURIs configures the redirect URIs the token endpoint
// accepts. Empty means any.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetCustomClaims configures additional claims for issued id_tokens, sid
// among them.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetCustomAudience overrides the id_token audience, which defaults to the
// configured client id.
func (p *TestProvider) SetCustomAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = aud
}

// SetUserInfoReply configures the claims the userinfo endpoint serves.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// SetUserInfoAsJWT makes the userinfo endpoint answer with a signed JWT
// instead of plain JSON.
func (p *TestProvider) SetUserInfoAsJWT(asJWT bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoAsJWT = asJWT
}

// OmitIDTokens makes the token endpoint answer without an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitAccessTokens makes the token endpoint answer without an
// access_token.
func (p *TestProvider) OmitAccessTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = true
}

// DisableUserInfo removes the userinfo endpoint from discovery and serves
// 404 for it.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// SetTokenExpiresIn configures the expires_in the token endpoint reports.
func (p *TestProvider) SetTokenExpiresIn(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenExpiresIn = d
}

// TestSignIDToken issues an id_token signed with the provider's key,
// carrying the provider's issuer and subject plus the given claims. Useful
// for driving the front-channel (hybrid/implicit) paths directly.
func (p *TestProvider) TestSignIDToken(t *testing.T, privateClaims map[string]interface{}) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	return TestSignJWT(t, p.ecdsaPrivateKey, p.stdClaims(), privateClaims)
}

func (p *TestProvider) stdClaims() jwt.Claims {
	now := time.Now()
	claims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(time.Minute)),
		Audience:  jwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		claims.Audience = jwt.Audience{p.customAudience}
	}
	return claims
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	p.t.Helper()
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	p.t.Helper()
	qv := req.URL.Query()
	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)
	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}
	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	p.t.Helper()
	body := struct {
		Code    string `json:"error"`
		Message string `json:"error_description,omitempty"`
	}{
		Code:    errorCode,
		Message: errorMessage,
	}
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer             string `json:"issuer"`
			AuthEndpoint       string `json:"authorization_endpoint"`
			TokenEndpoint      string `json:"token_endpoint"`
			JWKSURI            string `json:"jwks_uri"`
			UserinfoEndpoint   string `json:"userinfo_endpoint,omitempty"`
			EndSessionEndpoint string `json:"end_session_endpoint"`
		}{
			Issuer:             p.Addr(),
			AuthEndpoint:       p.Addr() + "/auth",
			TokenEndpoint:      p.Addr() + "/token",
			JWKSURI:            p.Addr() + "/certs",
			UserinfoEndpoint:   p.Addr() + "/userinfo",
			EndSessionEndpoint: p.Addr() + "/end-session",
		}
		if p.disableUserInfo {
			reply.UserinfoEndpoint = ""
		}
		w.Header().Set("Content-Type", "application/json")
		_ = p.writeJSON(w, &reply)

	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		if !strutils.StrListContains(splitScopes(qv.Get("scope")), "openid") {
			p.writeAuthErrorResponse(w, req, "invalid_scope", "")
			return
		}
		if p.expectedAuthCode == "" {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}
		if p.expectedAuthNonce != "" && p.expectedAuthNonce != qv.Get("nonce") {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}
		state := qv.Get("state")
		if state == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		}
		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing redirect_uri parameter")
			return
		}
		redirectURI += "?state=" + url.QueryEscape(state) +
			"&code=" + url.QueryEscape(p.expectedAuthCode)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch {
		case req.FormValue("grant_type") != "authorization_code":
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		case len(p.allowedRedirectURIs) > 0 && !strutils.StrListContains(p.allowedRedirectURIs, req.FormValue("redirect_uri")):
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
			return
		case req.FormValue("code") != p.expectedAuthCode:
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
			return
		case p.expectedCodeVerifier != "" && req.FormValue("code_verifier") != p.expectedCodeVerifier:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected code_verifier")
			return
		}

		privateClaims := map[string]interface{}{}
		if p.expectedAuthNonce != "" {
			privateClaims["nonce"] = p.expectedAuthNonce
		}
		for k, v := range p.customClaims {
			privateClaims[k] = v
		}
		idToken := TestSignJWT(p.t, p.ecdsaPrivateKey, p.stdClaims(), privateClaims)

		reply := struct {
			AccessToken string `json:"access_token,omitempty"`
			IDToken     string `json:"id_token,omitempty"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
		}{
			AccessToken: "test-access-token",
			IDToken:     idToken,
			TokenType:   "Bearer",
			ExpiresIn:   int(p.tokenExpiresIn.Seconds()),
		}
		if p.omitIDToken {
			reply.IDToken = ""
		}
		if p.omitAccessToken {
			reply.AccessToken = ""
		}
		w.Header().Set("Content-Type", "application/json")
		_ = p.writeJSON(w, &reply)

	case "/userinfo":
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if p.userInfoAsJWT {
			signed := TestSignJWT(p.t, p.ecdsaPrivateKey, jwt.Claims{Issuer: p.Addr()}, p.replyUserinfo)
			w.Header().Set("Content-Type", "application/jwt")
			_, _ = w.Write([]byte(signed))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = p.writeJSON(w, p.replyUserinfo)

	case "/end-session":
		qv := req.URL.Query()
		redirectURI := qv.Get("post_logout_redirect_uri")
		if redirectURI == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if state := qv.Get("state"); state != "" {
			redirectURI += "?state=" + url.QueryEscape(state)
		}
		http.Redirect(w, req, redirectURI, http.StatusFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yhat/scrape"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func TestEngine_Challenge(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tp.SetClientCreds("test-rp", "fido")

	e := testEngine(t, tp, &Config{
		ClientId:     "test-rp",
		ClientSecret: "fido",
		Scheme:       "oidc",
		Scopes:       []string{"profile", "openid"},
		Resource:     "https://api.example.com",
		AdditionalAuthorizationParameters: []Param{
			{Name: "prompt", Value: "login"},
		},
	})

	art := testChallenge(t, e)
	q := art.location.Query()

	assert.Equal(t, tp.Addr()+"/auth", art.location.Scheme+"://"+art.location.Host+art.location.Path)
	assert.Equal(t, "test-rp", q.Get(ParamClientId))
	assert.Equal(t, "openid profile", q.Get(ParamScope))
	assert.Equal(t, "code", q.Get(ParamResponseType))
	assert.Empty(t, q.Get(ParamResponseMode))
	assert.Equal(t, "https://rp.example.com"+DefaultCallbackPath, q.Get(ParamRedirectUri))
	assert.Equal(t, "https://api.example.com", q.Get(ParamResource))
	assert.Equal(t, "login", q.Get("prompt"))
	assert.NotEmpty(t, art.nonce)
	require.NotEmpty(t, art.state)

	// the state round-trips to the properties armed at challenge time
	props, err := UnprotectState(e.protector, art.state)
	require.NoError(t, err)
	assert.Equal(t, "https://rp.example.com/protected", props.RedirectUri)
	corr, ok := props.Item(ItemCorrelationId)
	require.True(t, ok)
	assert.NotEmpty(t, corr)
	redirect, ok := props.Item(ItemCodeRedirectUri)
	require.True(t, ok)
	assert.Equal(t, "https://rp.example.com"+DefaultCallbackPath, redirect)

	// both anti-forgery cookies were written
	var nonceCookies, corrCookies int
	for _, c := range art.cookies {
		switch {
		case strings.HasPrefix(c.Name, noncePrefix):
			nonceCookies++
		case strings.HasPrefix(c.Name, correlationPrefix):
			corrCookies++
			assert.Equal(t, correlationPrefix+corr, c.Name)
		}
	}
	assert.Equal(t, 1, nonceCookies)
	assert.Equal(t, 1, corrCookies)
}

func TestEngine_Challenge_PKCE(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tp.SetClientCreds("test-rp", "fido")

	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc", UsePKCE: true})
	art := testChallenge(t, e)
	q := art.location.Query()

	assert.Equal(t, "S256", q.Get(ParamChallengeMethod))
	require.NotEmpty(t, q.Get(ParamCodeChallenge))

	props, err := UnprotectState(e.protector, art.state)
	require.NoError(t, err)
	verifier, ok := props.Item(ItemCodeVerifier)
	require.True(t, ok)
	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get(ParamCodeChallenge))
}

func TestEngine_Challenge_DisableNonce(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc", DisableNonce: true})
	art := testChallenge(t, e)
	assert.Empty(t, art.nonce)
	for _, c := range art.cookies {
		assert.False(t, strings.HasPrefix(c.Name, noncePrefix))
	}
}

func TestEngine_Challenge_ResponseMode(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	e := testEngine(t, tp, &Config{
		ClientId:     "test-rp",
		Scheme:       "oidc",
		ResponseMode: "form_post",
	})
	art := testChallenge(t, e)
	assert.Equal(t, "form_post", art.location.Query().Get(ParamResponseMode))
}

func TestEngine_Challenge_ForwardedParams(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc"})

	props := NewProperties()
	props.SetItem(ParamMaxAge, "300")
	props.SetItem(ParamLoginHint, "alice@example.com")
	props.SetItem("shape", "round")

	req := httptest.NewRequest(http.MethodGet, "https://rp.example.com/protected", nil)
	w := httptest.NewRecorder()
	res, err := e.Challenge(w, req, props)
	require.NoError(t, err)
	require.Equal(t, StatusHandled, res.Status)

	loc, err := w.Result().Location()
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "300", q.Get(ParamMaxAge))
	assert.Equal(t, "alice@example.com", q.Get(ParamLoginHint))
	assert.Empty(t, q.Get("shape"))

	// forwarded items move onto the request instead of riding the state
	unprotected, err := UnprotectState(e.protector, q.Get(ParamState))
	require.NoError(t, err)
	_, ok := unprotected.Item(ParamMaxAge)
	assert.False(t, ok)
	v, ok := unprotected.Item("shape")
	require.True(t, ok)
	assert.Equal(t, "round", v)
}

func TestEngine_Challenge_RedirectHook(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	var hookRan bool
	events := &Events{
		RedirectToProvider: func(_ context.Context, w http.ResponseWriter, _ *http.Request, ev *RedirectEvent) (Status, error) {
			hookRan = true
			ev.Message.Set("login_hint", "alice")
			return StatusContinue, nil
		},
	}
	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc"}, WithEvents(events))
	art := testChallenge(t, e)
	assert.True(t, hookRan)
	assert.Equal(t, "alice", art.location.Query().Get("login_hint"))
}

func TestEngine_Challenge_UserState(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	events := &Events{
		RedirectToProvider: func(_ context.Context, _ http.ResponseWriter, _ *http.Request, ev *RedirectEvent) (Status, error) {
			ev.Message.Set(ParamState, "app-state-42")
			return StatusContinue, nil
		},
	}
	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc"}, WithEvents(events))
	art := testChallenge(t, e)

	// the outgoing state is the protected payload, not the hook's value
	require.NotEqual(t, "app-state-42", art.state)

	props, err := UnprotectState(e.protector, art.state)
	require.NoError(t, err)
	v, ok := props.Item(ItemUserState)
	require.True(t, ok)
	assert.Equal(t, "app-state-42", v)
}

func TestEngine_Challenge_FormPost(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	e := testEngine(t, tp, &Config{
		ClientId:             "test-rp",
		Scheme:               "oidc",
		AuthenticationMethod: MethodFormPost,
	})

	req := httptest.NewRequest(http.MethodGet, "https://rp.example.com/protected", nil)
	w := httptest.NewRecorder()
	res, err := e.Challenge(w, req, nil)
	require.NoError(t, err)
	require.Equal(t, StatusHandled, res.Status)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	root, err := html.Parse(resp.Body)
	require.NoError(t, err)

	form, ok := scrape.Find(root, scrape.ByTag(atom.Form))
	require.True(t, ok)
	assert.Equal(t, tp.Addr()+"/auth", scrape.Attr(form, "action"))

	fields := map[string]string{}
	for _, input := range scrape.FindAll(root, scrape.ByTag(atom.Input)) {
		if scrape.Attr(input, "type") != "hidden" {
			continue
		}
		fields[scrape.Attr(input, "name")] = scrape.Attr(input, "value")
	}
	assert.Equal(t, "test-rp", fields[ParamClientId])
	assert.Equal(t, "code", fields[ParamResponseType])
	assert.NotEmpty(t, fields[ParamState])
	assert.NotEmpty(t, fields[ParamNonce])
}

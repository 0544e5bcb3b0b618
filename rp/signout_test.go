// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_SignOut(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tp := StartTestProvider(t)
	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc"})

	ticket := &Ticket{
		Principal:  &Principal{},
		Properties: NewProperties(),
		Scheme:     "oidc",
	}
	ticket.Properties.StoreToken(TokenNameIdToken, "the-id-token")

	props := NewProperties()
	props.RedirectUri = "https://rp.example.com/after-signout"

	req := httptest.NewRequest(http.MethodGet, "https://rp.example.com/account", nil)
	w := httptest.NewRecorder()
	res, err := e.SignOut(w, req, props, ticket)
	require.NoError(err)
	require.Equal(StatusHandled, res.Status)

	resp := w.Result()
	require.Equal(http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	q := loc.Query()

	assert.Equal(t, tp.Addr()+"/end-session", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "https://rp.example.com"+DefaultSignedOutCallbackPath, q.Get(ParamPostLogoutUri))
	assert.Equal(t, "the-id-token", q.Get(ParamIdTokenHint))
	state := q.Get(ParamState)
	require.NotEmpty(state)

	// the state carries the post-sign-out destination
	got, err := UnprotectState(e.protector, state)
	require.NoError(err)
	assert.Equal(t, "https://rp.example.com/after-signout", got.RedirectUri)

	t.Run("callback-redirects-to-destination", func(t *testing.T) {
		cb := httptest.NewRequest(http.MethodGet,
			"https://rp.example.com"+DefaultSignedOutCallbackPath+"?state="+url.QueryEscape(state), nil)
		cw := httptest.NewRecorder()
		res := e.Process(cw, cb, nil)
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, http.StatusFound, cw.Result().StatusCode)
		assert.Equal(t, "https://rp.example.com/after-signout", cw.Result().Header.Get("Location"))
	})

	t.Run("callback-without-state-is-consumed", func(t *testing.T) {
		cb := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultSignedOutCallbackPath, nil)
		cw := httptest.NewRecorder()
		res := e.ProcessSignOutCallback(cw, cb)
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, http.StatusOK, cw.Result().StatusCode)
	})

	t.Run("callback-with-bad-state-is-consumed", func(t *testing.T) {
		cb := httptest.NewRequest(http.MethodGet,
			"https://rp.example.com"+DefaultSignedOutCallbackPath+"?state=garbage", nil)
		cw := httptest.NewRecorder()
		res := e.ProcessSignOutCallback(cw, cb)
		assert.Equal(t, StatusHandled, res.Status)
		assert.Empty(t, cw.Result().Header.Get("Location"))
	})
}

func TestEngine_SignOut_DefaultDestination(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tp := StartTestProvider(t)
	e := testEngine(t, tp, &Config{
		ClientId:              "test-rp",
		Scheme:                "oidc",
		PostLogoutRedirectUri: "https://rp.example.com/goodbye",
	})

	req := httptest.NewRequest(http.MethodGet, "https://rp.example.com/account", nil)
	w := httptest.NewRecorder()
	res, err := e.SignOut(w, req, nil, nil)
	require.NoError(err)
	require.Equal(StatusHandled, res.Status)

	loc, err := url.Parse(w.Result().Header.Get("Location"))
	require.NoError(err)
	got, err := UnprotectState(e.protector, loc.Query().Get(ParamState))
	require.NoError(err)
	assert.Equal(t, "https://rp.example.com/goodbye", got.RedirectUri)
}

func TestEngine_SignOut_NoEndSessionEndpoint(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	e := testEngine(t, tp, &Config{ClientId: "test-rp", Scheme: "oidc"})
	e.metadata.(*StaticProvider).Config.EndSessionEndpoint = ""

	req := httptest.NewRequest(http.MethodGet, "https://rp.example.com/account", nil)
	_, err := e.SignOut(httptest.NewRecorder(), req, nil, nil)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestEngine_ProcessRemoteSignOut(t *testing.T) {
	t.Parallel()

	newEngine := func(t *testing.T, scheme string) (*Engine, *[]string) {
		t.Helper()
		tp := StartTestProvider(t)
		var signedOut []string
		e := testEngine(t, tp,
			&Config{ClientId: "test-rp", Scheme: "oidc", SignOutScheme: scheme},
			WithSignOutFunc(func(_ http.ResponseWriter, _ *http.Request, scheme string) error {
				signedOut = append(signedOut, scheme)
				return nil
			}))
		return e, &signedOut
	}

	currentWithSid := func(sid string) *Ticket {
		p := &Principal{}
		p.AddClaims(Claim{Type: "sub", Value: "alice@example.com"})
		if sid != "" {
			p.AddClaims(Claim{Type: ParamSid, Value: sid})
		}
		return &Ticket{Principal: p, Scheme: "oidc"}
	}

	t.Run("no-sids-anywhere-signs-out", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultRemoteSignOutPath, nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, currentWithSid(""))
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, []string{"oidc"}, *signedOut)
	})

	t.Run("missing-sid-for-sid-session-does-not-sign-out", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultRemoteSignOutPath, nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, currentWithSid("session-1"))
		assert.Equal(t, StatusHandled, res.Status)
		assert.Empty(t, *signedOut)
	})

	t.Run("matching-sid-signs-out", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultRemoteSignOutPath+"?sid=session-1", nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, currentWithSid("session-1"))
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, []string{"oidc"}, *signedOut)
	})

	t.Run("mismatched-sid-does-not-sign-out", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultRemoteSignOutPath+"?sid=session-2", nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, currentWithSid("session-1"))
		assert.Equal(t, StatusHandled, res.Status)
		assert.Empty(t, *signedOut)
	})

	t.Run("session-without-sid-signs-out", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultRemoteSignOutPath+"?sid=session-1", nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, currentWithSid(""))
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, []string{"oidc"}, *signedOut)
	})

	t.Run("sign-out-scheme-override", func(t *testing.T) {
		e, signedOut := newEngine(t, "cookies")
		req := httptest.NewRequest(http.MethodGet, "https://rp.example.com"+DefaultRemoteSignOutPath, nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, nil)
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, []string{"cookies"}, *signedOut)
	})

	t.Run("form-post-notification", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodPost, "https://rp.example.com"+DefaultRemoteSignOutPath,
			strings.NewReader("sid=session-1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, currentWithSid("session-1"))
		assert.Equal(t, StatusHandled, res.Status)
		assert.Equal(t, []string{"oidc"}, *signedOut)
	})

	t.Run("non-message-is-skipped", func(t *testing.T) {
		e, signedOut := newEngine(t, "")
		req := httptest.NewRequest(http.MethodPut, "https://rp.example.com"+DefaultRemoteSignOutPath, nil)
		res := e.ProcessRemoteSignOut(httptest.NewRecorder(), req, nil)
		assert.Equal(t, StatusSkipped, res.Status)
		assert.Empty(t, *signedOut)
	})
}

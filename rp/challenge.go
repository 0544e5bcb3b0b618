// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/oidcrp/rp/internal/strutils"
)

// Challenge starts a login flow for an unauthenticated request: it builds
// the authorization request, arms the anti-forgery state (correlation id
// and nonce), runs the redirect-to-provider hook and delivers the message.
//
// props may be nil. An explicit props.RedirectUri wins; otherwise the
// current request URL is stored as the post-login destination.
//
// The returned Result is StatusHandled once a response was written, or
// StatusSkipped if the hook declared the request not ours. A non-nil error
// indicates operator misconfiguration, not a normal authentication
// failure.
func (e *Engine) Challenge(w http.ResponseWriter, r *http.Request, props *Properties) (Result, error) {
	const op = "Engine.Challenge"
	ctx := r.Context()

	if props == nil {
		props = NewProperties()
	}
	if props.RedirectUri == "" {
		props.RedirectUri = currentURL(r)
	}
	props.IssuedAt = e.clock()

	cfg, err := e.configuration(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	redirectUri := absoluteURL(r, e.config.CallbackPath)
	props.SetItem(ItemCodeRedirectUri, redirectUri)

	msg := NewMessage()
	msg.IssuerAddress = cfg.AuthorizationEndpoint
	msg.Set(ParamClientId, e.config.ClientId)
	msg.Set(ParamScope, requestScopes(e.config.Scopes))
	msg.Set(ParamResponseType, e.config.ResponseType)
	if e.config.ResponseMode != "" && e.config.ResponseMode != responseModeDefaults[e.config.ResponseType] {
		msg.Set(ParamResponseMode, e.config.ResponseMode)
	}
	msg.Set(ParamRedirectUri, redirectUri)
	if e.config.Resource != "" {
		msg.Set(ParamResource, e.config.Resource)
	}
	for _, p := range e.config.AdditionalAuthorizationParameters {
		msg.Add(p.Name, p.Value)
	}
	for _, name := range forwardableParams {
		if v, ok := props.Item(name); ok && v != "" {
			msg.Set(name, v)
			props.DeleteItem(name)
		}
	}

	if !e.config.DisableNonce {
		nonce, err := NewID()
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
		msg.Set(ParamNonce, nonce)
		if err := e.WriteNonceCookie(w, r, nonce); err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	if e.config.UsePKCE {
		verifier, err := NewID()
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
		props.SetItem(ItemCodeVerifier, verifier)
		sum := sha256.Sum256([]byte(verifier))
		msg.Set(ParamCodeChallenge, base64.RawURLEncoding.EncodeToString(sum[:]))
		msg.Set(ParamChallengeMethod, "S256")
	}

	correlationId, err := NewID()
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	props.SetItem(ItemCorrelationId, correlationId)
	e.writeCorrelationCookie(w, r, correlationId)

	st, err := runHook(ctx, w, r, e.events.RedirectToProvider, &RedirectEvent{Message: msg, Properties: props})
	if err != nil {
		return Result{}, fmt.Errorf("%s: redirect hook failed: %w", op, err)
	}
	switch st {
	case StatusHandled:
		return resultHandled(), nil
	case StatusSkipped:
		return resultSkipped(), nil
	}

	// a hook-supplied state is app-level data, not the protected payload;
	// carry it as a property item so the callback can recover it
	if userState := msg.Get(ParamState); userState != "" {
		props.SetItem(ItemUserState, userState)
	}

	state, err := ProtectState(e.protector, props)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(state) > stateSizeWarning {
		e.logger.Warn("protected state is unusually large; user agents may truncate the request", "bytes", len(state))
	}
	msg.Set(ParamState, state)

	if msg.IssuerAddress == "" {
		return Result{}, fmt.Errorf("%s: provider has no authorization endpoint: %w", op, ErrConfiguration)
	}
	if err := e.deliver(w, r, msg); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	e.logger.Debug("challenge issued", "response_type", e.config.ResponseType, "endpoint", msg.IssuerAddress)
	return resultHandled(), nil
}

// forwardableParams are per-request authorization parameters a caller may
// carry as property items. They are moved onto the outgoing request rather
// than echoed back through the protected state.
var forwardableParams = []string{
	ParamMaxAge,
	ParamPrompt,
	ParamLoginHint,
	ParamUiLocales,
	ParamDomainHint,
}

// requestScopes joins the configured scopes with the mandatory "openid"
// scope, deduplicated, space separated.
func requestScopes(scopes []string) string {
	all := append([]string{"openid"}, scopes...)
	return strings.Join(strutils.RemoveDuplicatesStable(all, false), " ")
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"fmt"
	"net/http"
)

// SignOut starts an RP-initiated sign-out: it builds the end-session
// request, records where to land after the provider confirms, runs the
// sign-out redirect hook and delivers the message. ticket is the session
// being terminated; its stored id_token, if any, is passed along as a
// hint. props may be nil.
func (e *Engine) SignOut(w http.ResponseWriter, r *http.Request, props *Properties, ticket *Ticket) (Result, error) {
	const op = "Engine.SignOut"
	ctx := r.Context()

	if props == nil {
		props = NewProperties()
	}
	if props.RedirectUri == "" {
		props.RedirectUri = e.config.PostLogoutRedirectUri
	}
	if props.RedirectUri == "" {
		props.RedirectUri = currentURL(r)
	}
	props.IssuedAt = e.clock()

	cfg, err := e.configuration(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	msg := NewMessage()
	msg.IssuerAddress = cfg.EndSessionEndpoint
	msg.Set(ParamPostLogoutUri, absoluteURL(r, e.config.SignedOutCallbackPath))
	if ticket != nil && ticket.Properties != nil {
		if hint, ok := ticket.Properties.Token(TokenNameIdToken); ok {
			msg.Set(ParamIdTokenHint, hint)
		}
	}

	st, err := runHook(ctx, w, r, e.events.RedirectForSignOut, &RedirectEvent{Message: msg, Properties: props})
	if err != nil {
		return Result{}, fmt.Errorf("%s: sign-out redirect hook failed: %w", op, err)
	}
	switch st {
	case StatusHandled:
		return resultHandled(), nil
	case StatusSkipped:
		return resultSkipped(), nil
	}

	state, err := ProtectState(e.protector, props)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	msg.Set(ParamState, state)

	if msg.IssuerAddress == "" {
		return Result{}, fmt.Errorf("%s: provider has no end-session endpoint: %w", op, ErrConfiguration)
	}
	if err := e.deliver(w, r, msg); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	e.logger.Debug("sign-out issued", "endpoint", msg.IssuerAddress)
	return resultHandled(), nil
}

// ProcessSignOutCallback completes an RP-initiated sign-out after the
// provider redirects back: it recovers the state armed by SignOut and
// sends the user agent to the recorded destination. The request is always
// consumed; a bad or absent state simply means no redirect is written and
// the caller renders its own signed-out page.
func (e *Engine) ProcessSignOutCallback(w http.ResponseWriter, r *http.Request) Result {
	msg, err := ParseRequest(r)
	if err != nil || msg == nil {
		return resultHandled()
	}
	state := msg.State()
	if state == "" {
		return resultHandled()
	}
	props, err := UnprotectState(e.protector, state)
	if err != nil {
		e.logger.Warn("sign-out callback carried an unreadable state", "err", err)
		return resultHandled()
	}
	if props.RedirectUri != "" {
		http.Redirect(w, r, props.RedirectUri, http.StatusFound)
	}
	return resultHandled()
}

// ProcessRemoteSignOut handles a provider-initiated front-channel sign-out
// notification. A session without a recorded sid accepts any well-formed
// notification; a session with one only accepts a notification naming it.
// Accepted notifications remove the local session via the configured
// sign-out func; others are consumed without signing anything out.
func (e *Engine) ProcessRemoteSignOut(w http.ResponseWriter, r *http.Request, current *Ticket) Result {
	const op = "Engine.ProcessRemoteSignOut"
	ctx := r.Context()

	msg, err := ParseRequest(r)
	if err != nil || msg == nil {
		return resultSkipped()
	}

	st, err := runHook(ctx, w, r, e.events.RemoteSignOut, &RemoteSignOutEvent{Message: msg})
	if err != nil {
		return resultFailed(fmt.Errorf("%s: remote sign-out hook failed: %w", op, err))
	}
	switch st {
	case StatusHandled:
		return resultHandled()
	case StatusSkipped:
		return resultSkipped()
	}

	// a session that recorded its provider session id only honors
	// notifications naming that exact id
	if localSid := sessionSid(current); localSid != "" {
		if sid := msg.Get(ParamSid); sid != localSid {
			e.logger.Debug("remote sign-out does not target this session", "sid", sid)
			return resultHandled()
		}
	}

	if e.signOutFunc != nil {
		scheme := e.config.SignOutScheme
		if scheme == "" {
			scheme = e.config.Scheme
		}
		if err := e.signOutFunc(w, r, scheme); err != nil {
			return resultFailed(fmt.Errorf("%s: removing local session: %w", op, err))
		}
	}
	e.logger.Debug("remote sign-out completed")
	return resultHandled()
}

// sessionSid extracts the provider session id from the current ticket.
func sessionSid(current *Ticket) string {
	if current == nil || current.Principal == nil {
		return ""
	}
	if v, ok := current.Principal.Claim(ParamSid); ok {
		return v
	}
	return ""
}

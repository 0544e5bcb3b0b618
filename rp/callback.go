// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ProcessCallback processes the provider's authentication response: it
// recovers and verifies the anti-forgery state, validates any id_token,
// redeems any authorization code, optionally augments the identity from
// the userinfo endpoint, and produces the terminal Result.
//
// The whole sequence runs under a single failure path: any error triggers
// a configuration refresh when it stems from a missing signing key, always
// runs the authentication-failed hook, and only then surfaces the failure.
func (e *Engine) ProcessCallback(w http.ResponseWriter, r *http.Request) Result {
	const op = "Engine.ProcessCallback"
	ctx := r.Context()

	msg, err := ParseRequest(r)
	if err != nil {
		msg = nil
	}
	if msg == nil {
		res, err := e.skipOrError(fmt.Errorf("%s: %w", op, ErrUnrecognizedRequest))
		if err == nil {
			return res
		}
		return e.failAuthentication(ctx, w, r, nil, err)
	}

	result, err := e.handleCallback(ctx, w, r, msg)
	if err != nil {
		return e.failAuthentication(ctx, w, r, msg, err)
	}
	return result
}

// failAuthentication is the single top-level catch for the callback flow.
func (e *Engine) failAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *Message, err error) Result {
	// a missing signing key usually means the provider rolled its keys;
	// refresh so the next attempt picks up the new set
	if errors.Is(err, ErrSigningKeyNotFound) {
		e.refreshConfiguration()
	}
	st, hookErr := runHook(ctx, w, r, e.events.AuthenticationFailed, &AuthenticationFailedEvent{Message: msg, Err: err})
	if hookErr != nil {
		e.logger.Error("authentication-failed hook returned an error", "err", hookErr)
	}
	switch st {
	case StatusHandled:
		return resultHandled()
	case StatusSkipped:
		return resultSkipped()
	}
	e.logger.Error("authentication failed", "err", err)
	return resultFailed(err)
}

// skipOrError resolves the tolerate-unrecognized setting: a request the
// engine does not recognize is skipped when tolerated, failed otherwise.
func (e *Engine) skipOrError(err error) (Result, error) {
	if e.config.SkipUnrecognizedRequests {
		return resultSkipped(), nil
	}
	return Result{}, err
}

func (e *Engine) handleCallback(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *Message) (Result, error) {
	const op = "Engine.handleCallback"

	if msg.State() == "" && msg.Code() == "" && msg.IdToken() == "" && msg.Error() == "" {
		return e.skipOrError(fmt.Errorf("%s: %w", op, ErrUnrecognizedRequest))
	}

	st, err := runHook(ctx, w, r, e.events.MessageReceived, &MessageReceivedEvent{Message: msg})
	if err != nil {
		return Result{}, fmt.Errorf("%s: message-received hook failed: %w", op, err)
	}
	switch st {
	case StatusHandled:
		return resultHandled(), nil
	case StatusSkipped:
		return resultSkipped(), nil
	}

	// tokens on a GET query leak via referrer headers and browser history
	if r.Method == http.MethodGet && (msg.IdToken() != "" || msg.AccessToken() != "") {
		return Result{}, fmt.Errorf("%s: %w", op, ErrUnexpectedResponseType)
	}

	// state is the sole correlation carrier
	state := msg.State()
	if state == "" {
		return e.skipOrError(fmt.Errorf("%s: %w", op, ErrStateMissing))
	}
	props, err := UnprotectState(e.protector, state)
	if err != nil {
		return e.skipOrError(fmt.Errorf("%s: %w", op, err))
	}

	correlationId, ok := props.Item(ItemCorrelationId)
	if !ok || !e.consumeCorrelationCookie(w, r, correlationId) {
		return Result{}, fmt.Errorf("%s: %w", op, ErrCorrelationFailed)
	}
	props.DeleteItem(ItemCorrelationId)

	if perr := msg.ProviderError(); perr != nil {
		return Result{}, fmt.Errorf("%s: %w", op, perr)
	}

	cfg, err := e.configuration(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	if ss := msg.Get(ParamSessionState); ss != "" {
		props.SetItem(ItemSessionState, ss)
	}

	var (
		ticket         *Ticket
		ticketToken    *ValidatedToken
		frontToken     *ValidatedToken
		confirmedNonce string
	)

	// hybrid/implicit: the authorization response itself carries an
	// id_token, which must be fully signature-checked
	if raw := msg.IdToken(); raw != "" {
		t, vt, err := e.validateToken(ctx, cfg, raw, true)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
		frontToken, ticketToken = vt, vt
		confirmedNonce = e.ReadNonceCookie(w, r, vt.Nonce)

		t.Properties = props
		ticket = t
		ev := &TokenValidatedEvent{Message: msg, Ticket: ticket}
		st, err := runHook(ctx, w, r, e.events.TokenValidated, ev)
		if err != nil {
			return Result{}, fmt.Errorf("%s: token-validated hook failed: %w", op, err)
		}
		switch st {
		case StatusHandled:
			return resultHandled(), nil
		case StatusSkipped:
			return resultSkipped(), nil
		}
		ticket = ev.Ticket

		if err := e.validateProtocolResponse(cfg, frontToken, msg.Code(), confirmedNonce); err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	var tokenResponse *Message
	if code := msg.Code(); code != "" {
		redirectUri, _ := props.Item(ItemCodeRedirectUri)
		ev := &CodeReceivedEvent{Message: msg, Properties: props, Code: code, RedirectUri: redirectUri}
		st, err := runHook(ctx, w, r, e.events.CodeReceived, ev)
		if err != nil {
			return Result{}, fmt.Errorf("%s: code-received hook failed: %w", op, err)
		}
		switch st {
		case StatusHandled:
			return resultHandled(), nil
		case StatusSkipped:
			return resultSkipped(), nil
		}

		// a hook may have redeemed the code itself
		tokenResponse = ev.TokenResponse
		if tokenResponse == nil {
			verifier, _ := props.Item(ItemCodeVerifier)
			tokenResponse, err = e.redeemer.redeem(ctx, cfg.TokenEndpoint, redemption{
				clientId:     e.config.ClientId,
				clientSecret: string(e.config.ClientSecret),
				code:         code,
				redirectUri:  redirectUri,
				codeVerifier: verifier,
			})
			if err != nil {
				return Result{}, fmt.Errorf("%s: %w", op, err)
			}
		}

		trEv := &TokenResponseReceivedEvent{Message: msg, TokenResponse: tokenResponse}
		st, err = runHook(ctx, w, r, e.events.TokenResponseReceived, trEv)
		if err != nil {
			return Result{}, fmt.Errorf("%s: token-response hook failed: %w", op, err)
		}
		switch st {
		case StatusHandled:
			return resultHandled(), nil
		case StatusSkipped:
			return resultSkipped(), nil
		}
		tokenResponse = trEv.TokenResponse

		backRaw := tokenResponse.IdToken()
		if backRaw == "" {
			return Result{}, fmt.Errorf("%s: token response carries no id_token: %w", op, ErrMissingIdToken)
		}
		// the code was exchanged over TLS directly with the provider, so
		// the signature requirement is relaxed for this token
		bt, bvt, err := e.validateToken(ctx, cfg, backRaw, false)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
		if frontToken != nil && frontToken.Subject != bvt.Subject {
			return Result{}, fmt.Errorf("%s: %w", op, ErrSubjectMismatch)
		}

		if ticket == nil {
			confirmedNonce = e.ReadNonceCookie(w, r, bvt.Nonce)
			ticketToken = bvt
			bt.Properties = props
			ticket = bt
			ev := &TokenValidatedEvent{Message: msg, Ticket: ticket}
			st, err := runHook(ctx, w, r, e.events.TokenValidated, ev)
			if err != nil {
				return Result{}, fmt.Errorf("%s: token-validated hook failed: %w", op, err)
			}
			switch st {
			case StatusHandled:
				return resultHandled(), nil
			case StatusSkipped:
				return resultSkipped(), nil
			}
			ticket = ev.Ticket
		}

		if err := e.validateTokenResponse(cfg, tokenResponse, bvt, confirmedNonce); err != nil {
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	if ticket == nil {
		return Result{}, fmt.Errorf("%s: response carried neither id_token nor code: %w", op, ErrMissingIdToken)
	}
	// a hook may have replaced the ticket wholesale; tokens and lifetime
	// belong on the properties the returned ticket actually carries
	if ticket.Properties == nil {
		ticket.Properties = props
	}

	if e.config.SaveTokens {
		source := tokenResponse
		if source == nil {
			source = msg
		}
		e.persistTokens(ticket.Properties, source)
	}
	e.applyTokenLifetime(ticket.Properties, ticketToken)

	if e.config.UseUserInfo {
		source := tokenResponse
		if source == nil {
			source = msg
		}
		return e.fetchUserInfo(ctx, w, r, cfg, ticket, source, ticketToken)
	}
	e.logger.Debug("authentication succeeded", "subject", ticket.Principal.Subject())
	return resultSuccess(ticket), nil
}

// validateTokenResponse checks the token endpoint's response: it must
// carry an access token, and its id_token must satisfy the same
// issuer/audience/nonce consistency as a front-channel token (no c_hash:
// that binding only applies to the authorization response).
func (e *Engine) validateTokenResponse(cfg *Configuration, tr *Message, vt *ValidatedToken, confirmedNonce string) error {
	const op = "Engine.validateTokenResponse"
	var result *multierror.Error
	if tr.AccessToken() == "" {
		result = multierror.Append(result, fmt.Errorf("token response carries no access_token: %w", ErrTokenResponseInvalid))
	}
	if err := e.validateProtocolResponse(cfg, vt, "", confirmedNonce); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// persistTokens copies the response's tokens into the properties' token
// list, converting expires_in into an absolute UTC timestamp.
func (e *Engine) persistTokens(props *Properties, msg *Message) {
	for _, name := range []string{TokenNameAccessToken, TokenNameIdToken, TokenNameRefreshToken, TokenNameTokenType} {
		if v := msg.Get(name); v != "" {
			props.StoreToken(name, v)
		}
	}
	if v := msg.Get(ParamExpiresIn); v != "" {
		seconds, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.logger.Warn("expires_in is not a number, not persisting an expiry", "expires_in", v)
			return
		}
		expiresAt := e.clock().UTC().Add(time.Duration(seconds) * time.Second)
		props.StoreToken(TokenNameExpiresAt, expiresAt.Format(time.RFC3339))
	}
}

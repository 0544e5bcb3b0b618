// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"

	"gopkg.in/square/go-jose.v2/jwt"
)

// fetchUserInfo augments the ticket's principal with claims from the
// provider's userinfo endpoint. The stage is best-effort by configuration
// shape: without an endpoint or an access token there is nothing to fetch
// and the ticket succeeds as-is. An endpoint that answers badly is a hard
// failure, since the caller asked for the extra claims.
func (e *Engine) fetchUserInfo(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg *Configuration, ticket *Ticket, source *Message, vt *ValidatedToken) (Result, error) {
	const op = "Engine.fetchUserInfo"

	accessToken := source.AccessToken()
	if cfg.UserInfoEndpoint == "" || accessToken == "" {
		e.logger.Debug("no userinfo endpoint or access token, skipping userinfo")
		return resultSuccess(ticket), nil
	}

	claims, err := e.requestUserInfo(ctx, cfg.UserInfoEndpoint, accessToken)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	// the userinfo response must describe the same end-user as the token
	if sub, ok := claims["sub"].(string); !ok || sub != ticket.Principal.Subject() {
		return Result{}, fmt.Errorf("%s: userinfo subject does not match the token's: %w", op, ErrSubjectMismatch)
	}

	ev := &UserInfoReceivedEvent{Ticket: ticket, Claims: claims}
	st, err := runHook(ctx, w, r, e.events.UserInfoReceived, ev)
	if err != nil {
		return Result{}, fmt.Errorf("%s: userinfo hook failed: %w", op, err)
	}
	switch st {
	case StatusHandled:
		return resultHandled(), nil
	case StatusSkipped:
		return resultSkipped(), nil
	}
	ticket = ev.Ticket

	issuer := cfg.Issuer
	if vt != nil && vt.Issuer != "" {
		issuer = vt.Issuer
	}
	mergeClaims(ticket.Principal, ev.Claims, issuer)

	e.logger.Debug("authentication succeeded", "subject", ticket.Principal.Subject())
	return resultSuccess(ticket), nil
}

func (e *Engine) requestUserInfo(ctx context.Context, endpoint, accessToken string) (map[string]interface{}, error) {
	const op = "Engine.requestUserInfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := e.backchannel.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: userinfo request failed: %w (%w)", op, ErrUserInfoFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: reading userinfo response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: userinfo endpoint answered %d: %w", op, resp.StatusCode, ErrUserInfoFailed)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	switch contentType {
	case "application/json":
		var claims map[string]interface{}
		if err := json.Unmarshal(body, &claims); err != nil {
			return nil, fmt.Errorf("%s: unmarshaling userinfo claims: %w (%w)", op, ErrUserInfoFailed, err)
		}
		return claims, nil
	case "application/jwt":
		// the payload arrived over our own TLS connection to the
		// provider, so it is used without a second signature check
		parsed, err := jwt.ParseSigned(string(body))
		if err != nil {
			return nil, fmt.Errorf("%s: parsing userinfo JWT: %w (%w)", op, ErrUserInfoFailed, err)
		}
		var claims map[string]interface{}
		if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
			return nil, fmt.Errorf("%s: reading userinfo JWT claims: %w (%w)", op, ErrUserInfoFailed, err)
		}
		return claims, nil
	default:
		return nil, fmt.Errorf("%s: unsupported userinfo content type %q: %w", op, contentType, ErrUserInfoFailed)
	}
}

// mergeClaims folds userinfo claims into the principal. A claim whose type
// and string rendering already exist is left alone so re-reported values
// don't pile up; everything else is appended attributed to the issuer.
func mergeClaims(p *Principal, claims map[string]interface{}, issuer string) {
	types := make([]string, 0, len(claims))
	for t := range claims {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for _, v := range claimValues(claims[t]) {
			if hasClaimValue(p, t, v) {
				continue
			}
			p.AddClaims(Claim{Type: t, Value: v, Issuer: issuer})
		}
	}
}

func claimValues(v interface{}) []string {
	if arr, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			out = append(out, claimString(item))
		}
		return out
	}
	return []string{claimString(v)}
}

func hasClaimValue(p *Principal, claimType, value string) bool {
	for _, c := range p.Claims() {
		if c.Type == claimType && c.Value == value {
			return true
		}
	}
	return false
}

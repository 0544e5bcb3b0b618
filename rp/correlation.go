// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Cookie name prefixes for the anti-forgery cookies the engine round-trips
// through the browser. The cookie value is a fixed marker; the payload
// lives in the name suffix.
const (
	correlationPrefix = ".oidcrp.correlation."
	noncePrefix       = ".oidcrp.nonce."
	cookieMarker      = "N"
)

// writeCorrelationCookie pins the correlation id generated at challenge
// time to the browser so the callback can verify the response belongs to a
// challenge this engine issued.
func (e *Engine) writeCorrelationCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     correlationPrefix + id,
		Value:    cookieMarker,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		Expires:  e.clock().Add(e.config.NonceLifetime),
	})
}

// consumeCorrelationCookie verifies byte-for-byte that the browser carries
// the correlation cookie for id, deleting it on a match.
func (e *Engine) consumeCorrelationCookie(w http.ResponseWriter, r *http.Request, id string) bool {
	if id == "" {
		return false
	}
	for _, c := range r.Cookies() {
		if !strings.HasPrefix(c.Name, correlationPrefix) {
			continue
		}
		suffix := strings.TrimPrefix(c.Name, correlationPrefix)
		if subtle.ConstantTimeCompare([]byte(suffix), []byte(id)) == 1 {
			e.expireCookie(w, r, c.Name)
			return true
		}
	}
	return false
}

// WriteNonceCookie stores a nonce for later confirmation. The nonce is
// protected and carried in the cookie name; the value is a fixed marker.
func (e *Engine) WriteNonceCookie(w http.ResponseWriter, r *http.Request, nonce string) error {
	const op = "Engine.WriteNonceCookie"
	sealed, err := e.protector.Protect([]byte(nonce))
	if err != nil {
		return fmt.Errorf("%s: unable to protect nonce: %w", op, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     noncePrefix + base64.RawURLEncoding.EncodeToString(sealed),
		Value:    cookieMarker,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		Expires:  e.clock().Add(e.config.NonceLifetime),
	})
	return nil
}

// ReadNonceCookie scans the request's nonce cookies for one matching the
// nonce claim extracted from a validated token. The first match is deleted
// (a nonce is single use) and the nonce returned; "" means no cookie
// confirmed the nonce. Cookies that fail to unprotect are logged and
// skipped: a corrupted or foreign cookie must not abort validation of an
// otherwise valid login.
//
// The scan is O(active nonce cookies), which stays small in practice.
func (e *Engine) ReadNonceCookie(w http.ResponseWriter, r *http.Request, nonce string) string {
	if nonce == "" {
		return ""
	}
	for _, c := range r.Cookies() {
		if !strings.HasPrefix(c.Name, noncePrefix) {
			continue
		}
		sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(c.Name, noncePrefix))
		if err != nil {
			e.logger.Warn("nonce cookie name is not base64, skipping", "err", err)
			continue
		}
		plain, err := e.protector.Unprotect(sealed)
		if err != nil {
			e.logger.Warn("unable to unprotect nonce cookie, skipping", "err", err)
			continue
		}
		if subtle.ConstantTimeCompare(plain, []byte(nonce)) == 1 {
			e.expireCookie(w, r, c.Name)
			return nonce
		}
	}
	return ""
}

// expireCookie deletes a cookie from the browser.
func (e *Engine) expireCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		MaxAge:   -1,
	})
}

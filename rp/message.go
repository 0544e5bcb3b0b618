// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// maxMessageBytes bounds the form body read when parsing a POSTed message.
const maxMessageBytes = 1 << 20

// Well-known OIDC parameter names carried by a Message.
const (
	ParamClientId         = "client_id"
	ParamClientSecret     = "client_secret"
	ParamResponseType     = "response_type"
	ParamResponseMode     = "response_mode"
	ParamScope            = "scope"
	ParamRedirectUri      = "redirect_uri"
	ParamState            = "state"
	ParamNonce            = "nonce"
	ParamCode             = "code"
	ParamGrantType        = "grant_type"
	ParamIdToken          = "id_token"
	ParamIdTokenHint      = "id_token_hint"
	ParamAccessToken      = "access_token"
	ParamRefreshToken     = "refresh_token"
	ParamTokenType        = "token_type"
	ParamExpiresIn        = "expires_in"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
	ParamErrorUri         = "error_uri"
	ParamSessionState     = "session_state"
	ParamSid              = "sid"
	ParamResource         = "resource"
	ParamPostLogoutUri    = "post_logout_redirect_uri"
	ParamMaxAge           = "max_age"
	ParamPrompt           = "prompt"
	ParamLoginHint        = "login_hint"
	ParamUiLocales        = "ui_locales"
	ParamDomainHint       = "domain_hint"
	ParamCodeChallenge    = "code_challenge"
	ParamChallengeMethod  = "code_challenge_method"
	ParamCodeVerifier     = "code_verifier"
)

// Message is an ordered, multi-valued OIDC parameter bag representing a
// request or response. IssuerAddress is the endpoint the message will be
// delivered to; it is not itself a wire parameter. A Message is mutable and
// passed by reference through the event pipeline so hooks can rewrite it.
type Message struct {
	// IssuerAddress is the endpoint URL the message is addressed to.
	IssuerAddress string

	keys   []string
	values map[string][]string
}

// NewMessage creates an empty Message.
func NewMessage() *Message {
	return &Message{values: map[string][]string{}}
}

// Get returns the first value for name, or "" if the parameter is absent.
func (m *Message) Get(name string) string {
	if m == nil || len(m.values[name]) == 0 {
		return ""
	}
	return m.values[name][0]
}

// Values returns all values for name in the order they were added.
func (m *Message) Values(name string) []string {
	if m == nil {
		return nil
	}
	return m.values[name]
}

// Set replaces the values for name with a single value. An existing
// parameter keeps its position; a new one is appended.
func (m *Message) Set(name, value string) {
	if _, ok := m.values[name]; !ok {
		m.keys = append(m.keys, name)
	}
	m.values[name] = []string{value}
}

// Add appends a value for name, preserving any existing values.
func (m *Message) Add(name, value string) {
	if _, ok := m.values[name]; !ok {
		m.keys = append(m.keys, name)
	}
	m.values[name] = append(m.values[name], value)
}

// Del removes all values for name.
func (m *Message) Del(name string) {
	if _, ok := m.values[name]; !ok {
		return
	}
	delete(m.values, name)
	for i, k := range m.keys {
		if k == name {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the parameter names in first-appearance order.
func (m *Message) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Encode returns the parameters as a URL-encoded query string, preserving
// parameter order.
func (m *Message) Encode() string {
	var b strings.Builder
	for _, k := range m.keys {
		for _, v := range m.values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// RedirectURL builds the full URL delivering the message to its
// IssuerAddress via query parameters.
func (m *Message) RedirectURL() (string, error) {
	const op = "Message.RedirectURL"
	if m.IssuerAddress == "" {
		return "", fmt.Errorf("%s: message has no endpoint address: %w", op, ErrConfiguration)
	}
	sep := "?"
	if strings.Contains(m.IssuerAddress, "?") {
		sep = "&"
	}
	return m.IssuerAddress + sep + m.Encode(), nil
}

// State returns the state parameter.
func (m *Message) State() string { return m.Get(ParamState) }

// Code returns the authorization code parameter.
func (m *Message) Code() string { return m.Get(ParamCode) }

// IdToken returns the id_token parameter.
func (m *Message) IdToken() string { return m.Get(ParamIdToken) }

// AccessToken returns the access_token parameter.
func (m *Message) AccessToken() string { return m.Get(ParamAccessToken) }

// Error returns the error parameter.
func (m *Message) Error() string { return m.Get(ParamError) }

// ProviderError converts the message's error parameters into a
// *ProviderError, or nil when the message carries no error.
func (m *Message) ProviderError() *ProviderError {
	if m.Error() == "" {
		return nil
	}
	return &ProviderError{
		Code:        m.Get(ParamError),
		Description: m.Get(ParamErrorDescription),
		Uri:         m.Get(ParamErrorUri),
	}
}

// ParseRequest extracts an OIDC message from an inbound request: the query
// string of a GET, or the body of an application/x-www-form-urlencoded
// POST. Any other request shape is not an OIDC message and yields (nil,
// nil).
func ParseRequest(r *http.Request) (*Message, error) {
	const op = "rp.ParseRequest"
	if r == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	switch r.Method {
	case http.MethodGet:
		return parseEncoded(r.URL.RawQuery)
	case http.MethodPost:
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/x-www-form-urlencoded" {
			return nil, nil
		}
		// read the raw body rather than using ParseForm, which would fold
		// the parameters into an unordered map
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read form body: %w", op, err)
		}
		return parseEncoded(strings.TrimSpace(string(body)))
	default:
		return nil, nil
	}
}

// parseEncoded parses a URL-encoded string into a Message, preserving the
// first-appearance order of parameter names and the order of values per
// name.
func parseEncoded(encoded string) (*Message, error) {
	const op = "rp.parseEncoded"
	m := NewMessage()
	for _, pair := range strings.Split(encoded, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(name)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed parameter name: %w", op, err)
		}
		value, err = url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed parameter value: %w", op, err)
		}
		m.Add(name, value)
	}
	return m, nil
}

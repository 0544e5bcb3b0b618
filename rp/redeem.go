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
	"net/url"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// codeRedeemer exchanges an authorization code for tokens over the
// backchannel. The http client is shared and long lived; responses are
// read through a bounded buffer.
type codeRedeemer struct {
	client   *http.Client
	logger   hclog.Logger
	maxBytes int64
}

// redemption carries one exchange's inputs. redirectUri must be the exact
// redirect URI used during the challenge.
type redemption struct {
	clientId     string
	clientSecret string
	code         string
	redirectUri  string
	codeVerifier string
}

// redeem posts the code to the token endpoint and parses the response body
// as JSON into a Message. Providers are inconsistent about the declared
// content type, so an absent or non-JSON content type is logged and the
// body parsed anyway; a body that fails to parse is fatal. A non-2xx
// status with a parseable body is translated into a *ProviderError
// carrying the provider's error fields and the HTTP status.
func (c *codeRedeemer) redeem(ctx context.Context, tokenEndpoint string, in redemption) (*Message, error) {
	const op = "codeRedeemer.redeem"
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("%s: provider has no token endpoint: %w", op, ErrConfiguration)
	}
	if in.code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}

	form := url.Values{}
	form.Set(ParamClientId, in.clientId)
	if in.clientSecret != "" {
		form.Set(ParamClientSecret, in.clientSecret)
	}
	form.Set(ParamCode, in.code)
	form.Set(ParamGrantType, "authorization_code")
	form.Set(ParamRedirectUri, in.redirectUri)
	if in.codeVerifier != "" {
		form.Set(ParamCodeVerifier, in.codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: token request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read token response: %w", op, err)
	}

	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		c.logger.Warn("token endpoint responded with unexpected content type, attempting JSON parse anyway",
			"content_type", resp.Header.Get("Content-Type"), "status", resp.StatusCode)
	}

	msg, err := messageFromJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := msg.ProviderError()
		if perr == nil {
			perr = &ProviderError{Code: "invalid_response"}
		}
		perr.StatusCode = resp.StatusCode
		return nil, fmt.Errorf("%s: %w", op, perr)
	}
	return msg, nil
}

// messageFromJSON converts a JSON object body into a Message. Non-string
// scalar values (expires_in arrives as a number from most providers) are
// rendered through their JSON form.
func messageFromJSON(body []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := NewMessage()
	for _, k := range keys {
		var s string
		if err := json.Unmarshal(raw[k], &s); err == nil {
			m.Set(k, s)
			continue
		}
		m.Set(k, strings.TrimSpace(string(raw[k])))
	}
	return m, nil
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrNilParameter           = errors.New("nil parameter")
	ErrConfiguration          = errors.New("configuration error")
	ErrInvalidCACert          = errors.New("invalid CA certificate")
	ErrUnrecognizedRequest    = errors.New("request is not an oidc message")
	ErrStateMissing           = errors.New("state parameter is missing")
	ErrStateInvalid           = errors.New("state parameter could not be unprotected")
	ErrCorrelationFailed      = errors.New("correlation failed")
	ErrProviderError          = errors.New("provider returned an error")
	ErrUnexpectedResponseType = errors.New("id_token or access_token in a GET query response")
	ErrMissingIdToken         = errors.New("id_token is missing")
	ErrInvalidTokenShape      = errors.New("token is not a signed JWT")
	ErrSigningKeyNotFound     = errors.New("no known signing key validated the token signature")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInvalidIssuer          = errors.New("invalid issuer")
	ErrInvalidAudience        = errors.New("invalid audience")
	ErrInvalidNonce           = errors.New("invalid nonce")
	ErrInvalidCHash           = errors.New("invalid c_hash")
	ErrExpiredToken           = errors.New("token is expired")
	ErrSubjectMismatch        = errors.New("subject claims do not match across endpoints")
	ErrTokenResponseInvalid   = errors.New("token endpoint response is invalid")
	ErrUserInfoFailed         = errors.New("user info request failed")
	ErrIdGeneratorFailed      = errors.New("id generation failed")
)

// ProviderError represents an error the provider reported via the standard
// error, error_description and error_uri parameters. StatusCode is non-zero
// when the error arrived on a backchannel HTTP response.
type ProviderError struct {
	Code        string
	Description string
	Uri         string
	StatusCode  int
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider error %q", e.Code)
	if e.Description != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Description)
	}
	if e.Uri != "" {
		msg = fmt.Sprintf("%s (see %s)", msg, e.Uri)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http status %d)", msg, e.StatusCode)
	}
	return msg
}

// Unwrap supports errors.Is(err, ErrProviderError).
func (e *ProviderError) Unwrap() error { return ErrProviderError }

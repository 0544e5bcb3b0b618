// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// NewID generates a cryptographically random, URL-safe value suitable for a
// correlation id, nonce or PKCE verifier.
func NewID() (string, error) {
	const op = "rp.NewID"
	b, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIdGeneratorFailed)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

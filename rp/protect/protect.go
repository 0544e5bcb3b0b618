// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package protect provides the default rp.Protector, an AEAD built on a
// Tink keyset. Ciphertexts are bound to a purpose string via the AEAD's
// associated data, so a blob protected for one purpose cannot be replayed
// into another.
package protect

import (
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// ErrInvalidParameter is returned for invalid constructor inputs.
var ErrInvalidParameter = errors.New("invalid parameter")

// AEAD is an rp.Protector backed by a Tink AEAD primitive.
type AEAD struct {
	primitive tink.AEAD
	purpose   []byte
}

// Option configures an AEAD.
type Option func(*options)

type options struct {
	withPurpose string
}

func getOpts(opt ...Option) options {
	opts := options{
		withPurpose: "oidcrp",
	}
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithPurpose binds ciphertexts to the given purpose string. Two AEADs
// sharing a keyset but differing in purpose cannot read each other's
// output. The default purpose is "oidcrp".
func WithPurpose(purpose string) Option {
	return func(o *options) {
		o.withPurpose = purpose
	}
}

// NewAEAD builds a Protector from an existing Tink keyset handle, which
// lets callers manage key rotation and storage with Tink's own tooling.
func NewAEAD(handle *keyset.Handle, opt ...Option) (*AEAD, error) {
	const op = "protect.NewAEAD"
	if handle == nil {
		return nil, fmt.Errorf("%s: keyset handle is nil: %w", op, ErrInvalidParameter)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to build AEAD primitive: %w", op, err)
	}
	opts := getOpts(opt...)
	return &AEAD{
		primitive: primitive,
		purpose:   []byte(opts.withPurpose),
	}, nil
}

// NewEphemeralAEAD builds a Protector over a freshly generated AES-256-GCM
// keyset. State protected by it does not survive a process restart, which
// suits tests and single-instance development setups.
func NewEphemeralAEAD(opt ...Option) (*AEAD, error) {
	const op = "protect.NewEphemeralAEAD"
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate keyset: %w", op, err)
	}
	return NewAEAD(handle, opt...)
}

// Protect encrypts and authenticates plaintext.
func (a *AEAD) Protect(plaintext []byte) ([]byte, error) {
	const op = "protect.(AEAD).Protect"
	ct, err := a.primitive.Encrypt(plaintext, a.purpose)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ct, nil
}

// Unprotect authenticates and decrypts a blob produced by Protect.
func (a *AEAD) Unprotect(ciphertext []byte) ([]byte, error) {
	const op = "protect.(AEAD).Unprotect"
	pt, err := a.primitive.Decrypt(ciphertext, a.purpose)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pt, nil
}

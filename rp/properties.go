// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Item keys the engine stores in Properties during a flow.
const (
	ItemCorrelationId   = ".correlation"
	ItemUserState       = ".userstate"
	ItemSessionState    = ".session_state"
	ItemCodeRedirectUri = ".code_redirect_uri"
	ItemCodeVerifier    = ".code_verifier"
)

// Token names stored in Properties when token persistence is enabled.
const (
	TokenNameAccessToken  = "access_token"
	TokenNameIdToken      = "id_token"
	TokenNameRefreshToken = "refresh_token"
	TokenNameTokenType    = "token_type"
	TokenNameExpiresAt    = "expires_at"
)

// NamedToken is a name/value pair held in a Properties token list.
type NamedToken struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Properties is the property bag attached to the eventual Ticket. It is
// created at challenge time, protected into the outgoing "state" parameter,
// recovered on callback and mutated throughout callback processing.
// Ownership transfers into the final Ticket.
type Properties struct {
	// RedirectUri is where the application should navigate after the flow
	// completes.
	RedirectUri string

	// IssuedAt and ExpiresAt bound the eventual session.
	IssuedAt  time.Time
	ExpiresAt time.Time

	itemKeys []string
	items    map[string]string
	tokens   []NamedToken
}

// NewProperties creates an empty Properties.
func NewProperties() *Properties {
	return &Properties{items: map[string]string{}}
}

// Item returns the value stored under key.
func (p *Properties) Item(key string) (string, bool) {
	v, ok := p.items[key]
	return v, ok
}

// SetItem stores a value under key, preserving first-set ordering.
func (p *Properties) SetItem(key, value string) {
	if p.items == nil {
		p.items = map[string]string{}
	}
	if _, ok := p.items[key]; !ok {
		p.itemKeys = append(p.itemKeys, key)
	}
	p.items[key] = value
}

// DeleteItem removes key from the items map.
func (p *Properties) DeleteItem(key string) {
	if _, ok := p.items[key]; !ok {
		return
	}
	delete(p.items, key)
	for i, k := range p.itemKeys {
		if k == key {
			p.itemKeys = append(p.itemKeys[:i], p.itemKeys[i+1:]...)
			break
		}
	}
}

// ItemKeys returns the item keys in first-set order.
func (p *Properties) ItemKeys() []string {
	out := make([]string, len(p.itemKeys))
	copy(out, p.itemKeys)
	return out
}

// StoreToken adds or replaces a named token in the token list.
func (p *Properties) StoreToken(name, value string) {
	for i := range p.tokens {
		if p.tokens[i].Name == name {
			p.tokens[i].Value = value
			return
		}
	}
	p.tokens = append(p.tokens, NamedToken{Name: name, Value: value})
}

// Token returns the value of a named token from the token list.
func (p *Properties) Token(name string) (string, bool) {
	for _, t := range p.tokens {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// Tokens returns a copy of the token list.
func (p *Properties) Tokens() []NamedToken {
	out := make([]NamedToken, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// propertiesJSON is the serialized form of Properties. Items are encoded as
// an ordered pair list so the round trip preserves insertion order.
type propertiesJSON struct {
	RedirectUri string       `json:"redirect_uri,omitempty"`
	IssuedAt    *time.Time   `json:"issued,omitempty"`
	ExpiresAt   *time.Time   `json:"expires,omitempty"`
	Items       []NamedToken `json:"items,omitempty"`
	Tokens      []NamedToken `json:"tokens,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Properties) MarshalJSON() ([]byte, error) {
	out := propertiesJSON{
		RedirectUri: p.RedirectUri,
		Tokens:      p.tokens,
	}
	if !p.IssuedAt.IsZero() {
		t := p.IssuedAt
		out.IssuedAt = &t
	}
	if !p.ExpiresAt.IsZero() {
		t := p.ExpiresAt
		out.ExpiresAt = &t
	}
	for _, k := range p.itemKeys {
		out.Items = append(out.Items, NamedToken{Name: k, Value: p.items[k]})
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Properties) UnmarshalJSON(data []byte) error {
	var in propertiesJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = Properties{
		RedirectUri: in.RedirectUri,
		items:       map[string]string{},
		tokens:      in.Tokens,
	}
	if in.IssuedAt != nil {
		p.IssuedAt = *in.IssuedAt
	}
	if in.ExpiresAt != nil {
		p.ExpiresAt = *in.ExpiresAt
	}
	for _, item := range in.Items {
		p.SetItem(item.Name, item.Value)
	}
	return nil
}

// Protector encrypts and authenticates opaque blobs the engine round-trips
/// through the browser: the "state" parameter and nonce cookie names. See
// the protect package for the default implementation.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(ciphertext []byte) ([]byte, error)
}

// ProtectState serializes and protects props into a value suitable for the
// outgoing "state" parameter.
func ProtectState(prot Protector, props *Properties) (string, error) {
	const op = "rp.ProtectState"
	if prot == nil {
		return "", fmt.Errorf("%s: protector is nil: %w", op, ErrNilParameter)
	}
	if props == nil {
		return "", fmt.Errorf("%s: properties are nil: %w", op, ErrNilParameter)
	}
	plain, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("%s: unable to serialize properties: %w", op, err)
	}
	sealed, err := prot.Protect(plain)
	if err != nil {
		return "", fmt.Errorf("%s: unable to protect properties: %w", op, err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// UnprotectState reverses ProtectState, recovering the Properties carried
// by an inbound "state" parameter.
func UnprotectState(prot Protector, state string) (*Properties, error) {
	const op = "rp.UnprotectState"
	if prot == nil {
		return nil, fmt.Errorf("%s: protector is nil: %w", op, ErrNilParameter)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, fmt.Errorf("%s: state is not base64: %w", op, ErrStateInvalid)
	}
	plain, err := prot.Unprotect(sealed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrStateInvalid)
	}
	var props Properties
	if err := json.Unmarshal(plain, &props); err != nil {
		return nil, fmt.Errorf("%s: unable to deserialize properties: %w", op, ErrStateInvalid)
	}
	return &props, nil
}

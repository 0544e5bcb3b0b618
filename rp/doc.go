// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package rp implements an OpenID Connect Relying-Party protocol engine.
//
// Primary types provided by the package:
//
// * Message: an ordered, multi-valued OIDC parameter bag representing a
// request or response on the wire.
//
// * Properties: the property bag carried through a login attempt. It is
// protected (encrypted and authenticated) into the outgoing "state"
// parameter at challenge time and recovered on callback.
//
// * Ticket: the validated principal (claims), Properties and scheme name
// produced by a successful callback.
//
// * Engine: the orchestrator. Challenge starts a login, ProcessCallback
// validates the provider's response and redeems authorization codes,
// SignOut and ProcessRemoteSignOut drive RP-initiated and front-channel
// sign-out. Every stage runs an optional extension hook (see Events) whose
// disposition can short-circuit the flow.
//
// Collaborators the engine consumes: a ConfigurationProvider for provider
// metadata, a Protector for opaque state encryption, and a TokenValidator
// for id_token verification. Defaults are provided for all three
// (DiscoveryProvider, protect.AEAD, KeysetValidator).
package rp

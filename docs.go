// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidcrp provides an OpenID Connect Relying-Party protocol engine: it drives
// the authorization code, hybrid and implicit login flows, validates provider
// responses, exchanges authorization codes for tokens, and produces a
// verified identity (a Ticket) for the calling application. It also drives
// RP-initiated and provider-initiated (front-channel) sign-out.
//
// See the rp package.
package oidcrp

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"net/http"
)

// Status is the tagged outcome of an extension hook or a whole flow.
type Status int

const (
	// StatusContinue means the flow proceeds normally, possibly with a
	// mutated message, properties or ticket.
	StatusContinue Status = iota

	// StatusHandled means the HTTP response was fully produced; the
	// engine performs no further writes.
	StatusHandled

	// StatusSkipped means the request was declared "not ours"; the caller
	// should try its other handlers.
	StatusSkipped

	// StatusSuccess is a terminal flow outcome carrying a Ticket.
	StatusSuccess

	// StatusFailed is a terminal flow outcome carrying a failure reason.
	StatusFailed
)

// String returns a human readable status name.
func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "continue"
	case StatusHandled:
		return "handled"
	case StatusSkipped:
		return "skipped"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of one of the engine's flows. Exactly one
// of the outcome accessors is meaningful: Success carries a Ticket, Failed
// carries Err, Handled and Skipped carry nothing.
type Result struct {
	Status Status
	Ticket *Ticket
	Err    error
}

func resultHandled() Result          { return Result{Status: StatusHandled} }
func resultSkipped() Result          { return Result{Status: StatusSkipped} }
func resultSuccess(t *Ticket) Result { return Result{Status: StatusSuccess, Ticket: t} }
func resultFailed(err error) Result  { return Result{Status: StatusFailed, Err: err} }

// MessageReceivedEvent runs as soon as a callback message is parsed.
type MessageReceivedEvent struct {
	Message *Message
}

// TokenValidatedEvent runs after an id_token passed validation. A hook may
// replace the Ticket.
type TokenValidatedEvent struct {
	Message *Message
	Ticket  *Ticket
}

// CodeReceivedEvent runs when the callback carries an authorization code.
// A hook may set TokenResponse to short-circuit the code redemption.
type CodeReceivedEvent struct {
	Message       *Message
	Properties    *Properties
	Code          string
	RedirectUri   string
	TokenResponse *Message
}

// TokenResponseReceivedEvent runs after the token endpoint responded.
type TokenResponseReceivedEvent struct {
	Message       *Message
	TokenResponse *Message
}

// UserInfoReceivedEvent runs after the userinfo endpoint responded. A hook
// may rewrite Claims or replace the Ticket wholesale.
type UserInfoReceivedEvent struct {
	Ticket *Ticket
	Claims map[string]interface{}
}

// AuthenticationFailedEvent runs whenever callback processing fails, before
// the failure is surfaced to the caller.
type AuthenticationFailedEvent struct {
	Message *Message
	Err     error
}

// RedirectEvent runs before the engine delivers a challenge or sign-out
// message to the provider. A hook may rewrite the outgoing message.
type RedirectEvent struct {
	Message    *Message
	Properties *Properties
}

// RemoteSignOutEvent runs when a front-channel sign-out notification
// arrives.
type RemoteSignOutEvent struct {
	Message *Message
}

// Events are the engine's ordered extension hooks. Any hook may be nil, in
// which case the stage continues normally. A hook returning StatusHandled
// declares it fully produced the HTTP response; StatusSkipped declares the
// request "not ours". The two are mutually exclusive by construction: a
// hook returns exactly one Status.
type Events struct {
	MessageReceived       func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *MessageReceivedEvent) (Status, error)
	TokenValidated        func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *TokenValidatedEvent) (Status, error)
	CodeReceived          func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *CodeReceivedEvent) (Status, error)
	TokenResponseReceived func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *TokenResponseReceivedEvent) (Status, error)
	UserInfoReceived      func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *UserInfoReceivedEvent) (Status, error)
	AuthenticationFailed  func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *AuthenticationFailedEvent) (Status, error)
	RedirectToProvider    func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *RedirectEvent) (Status, error)
	RedirectForSignOut    func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *RedirectEvent) (Status, error)
	RemoteSignOut         func(ctx context.Context, w http.ResponseWriter, r *http.Request, e *RemoteSignOutEvent) (Status, error)
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// engineOptions is the set of available options for New
type engineOptions struct {
	withLogger      hclog.Logger
	withEvents      *Events
	withValidator   TokenValidator
	withHTTPClient  *http.Client
	withClock       func() time.Time
	withSignOutFunc SignOutFunc
}

// engineDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func engineDefaults() engineOptions {
	return engineOptions{
		withLogger: hclog.NewNullLogger(),
		withClock:  time.Now,
	}
}

// getEngineOpts gets the engine defaults and applies the opt overrides
// passed in.
func getEngineOpts(opt ...Option) engineOptions {
	opts := engineDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *engineOptions:
			if l != nil {
				v.withLogger = l
			}
		case *discoveryOptions:
			if l != nil {
				v.withLogger = l
			}
		}
	}
}

// WithEvents provides optional extension hooks which run at each stage of
// the engine's flows.
func WithEvents(e *Events) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withEvents = e
		}
	}
}

// WithTokenValidator provides an optional token validator which replaces the
// default KeysetValidator.
func WithTokenValidator(v TokenValidator) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withValidator = v
		}
	}
}

// WithHTTPClient provides an optional http client for the backchannel
// (token redemption and userinfo requests), replacing the default pooled
// client.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *engineOptions:
			v.withHTTPClient = c
		case *discoveryOptions:
			v.withHTTPClient = c
		}
	}
}

// WithClock provides an optional time source, used when computing token
// expiry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			if now != nil {
				o.withClock = now
			}
		}
	}
}

// WithSignOutFunc provides an optional callback that removes the local
// session for a scheme when a front-channel sign-out notification is
// accepted.
func WithSignOutFunc(fn SignOutFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok {
			o.withSignOutFunc = fn
		}
	}
}

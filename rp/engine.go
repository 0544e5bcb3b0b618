// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidcrp/rp/internal/strutils"
)

type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// AuthMethod selects how a message is delivered to the provider's browser
// endpoints.
type AuthMethod string

const (
	// MethodRedirect delivers the message as a 302 redirect with the
	// parameters URL-encoded into the query string.
	MethodRedirect AuthMethod = "redirect"

	// MethodFormPost delivers the message as an auto-submitting HTML form.
	MethodFormPost AuthMethod = "form_post"
)

// SignOutFunc removes the local session for the given scheme when a
// front-channel sign-out notification is accepted.
type SignOutFunc func(w http.ResponseWriter, r *http.Request, scheme string) error

// Param is an ordered name/value pair of additional authorization request
// parameters.
type Param struct {
	Name  string
	Value string
}

// Defaults applied by Config.applyDefaults.
const (
	DefaultResponseType          = "code"
	DefaultCallbackPath          = "/signin-oidc"
	DefaultSignedOutCallbackPath = "/signout-callback-oidc"
	DefaultRemoteSignOutPath     = "/signout-oidc"
	DefaultNonceLifetime         = 15 * time.Minute
	DefaultBackchannelTimeout    = 1 * time.Minute
	DefaultMaxResponseBytes      = 10 * 1024 * 1024
)

// stateSizeWarning is the protected state length above which a diagnostic
// warning is logged. Some user agents truncate URLs past this point.
const stateSizeWarning = 4096

// responseTypes the engine understands.
var supportedResponseTypes = []string{
	"code",
	"id_token",
	"id_token token",
	"code id_token",
	"code token",
	"code id_token token",
}

// responseModeDefaults maps a response_type to the response_mode the OIDC
// spec applies by default; the engine omits response_mode when it would be
// redundant.
var responseModeDefaults = map[string]string{
	"code":                "query",
	"id_token":            "fragment",
	"id_token token":      "fragment",
	"code id_token":       "fragment",
	"code token":          "fragment",
	"code id_token token": "fragment",
}

// Config describes a relying party registration with a provider and the
// engine's behavior switches.
type Config struct {
	// ClientId is the relying party id
	ClientId string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// Scheme is the authentication scheme name stamped on produced
	// Tickets.
	Scheme string

	// Scopes is a list of additional oidc scopes to request of the
	// provider. The required "openid" scope is requested by default.
	Scopes []string

	// ResponseType selects the flow: "code" (default), "id_token" and the
	// hybrid combinations.
	ResponseType string

	// ResponseMode is sent only when it differs from the spec default for
	// the chosen response type (e.g. "form_post").
	ResponseMode string

	// AuthenticationMethod selects redirect or auto-post form delivery for
	// challenge and sign-out messages. Defaults to MethodRedirect.
	AuthenticationMethod AuthMethod

	// CallbackPath is the path on this host the provider redirects back to
	// after login.
	CallbackPath string

	// SignedOutCallbackPath is the path the provider redirects back to
	// after RP-initiated sign-out.
	SignedOutCallbackPath string

	// RemoteSignOutPath is the path the provider notifies for
	// front-channel sign-out.
	RemoteSignOutPath string

	// PostLogoutRedirectUri is the default application URI to land on
	// after sign-out completes.
	PostLogoutRedirectUri string

	// SignOutScheme, when set, is the scheme signed out by a front-channel
	// notification instead of Scheme.
	SignOutScheme string

	// Resource is an optional resource indicator forwarded on the
	// authorization request.
	Resource string

	// AdditionalAuthorizationParameters are forwarded verbatim, in order,
	// on the authorization request.
	AdditionalAuthorizationParameters []Param

	// SaveTokens persists access/id/refresh tokens (and a computed
	// expires_at) into the ticket's Properties.
	SaveTokens bool

	// UseUserInfo augments the validated identity with claims from the
	// userinfo endpoint.
	UseUserInfo bool

	// UseTokenLifetime copies the validated token's lifetime onto the
	// ticket's issued/expires timestamps.
	UseTokenLifetime bool

	// UsePKCE sends an S256 code challenge with code flows.
	UsePKCE bool

	// DisableNonce turns off nonce generation and enforcement. Leave unset
	// for any flow that returns an id_token through the front channel.
	DisableNonce bool

	// SkipUnrecognizedRequests makes the engine skip, rather than fail,
	// callbacks whose shape it does not recognize.
	SkipUnrecognizedRequests bool

	// NonceLifetime bounds the nonce cookie. Defaults to
	// DefaultNonceLifetime.
	NonceLifetime time.Duration

	// BackchannelTimeout bounds token redemption and userinfo requests.
	BackchannelTimeout time.Duration

	// MaxResponseBytes bounds backchannel response bodies.
	MaxResponseBytes int64

	// Validation carries explicitly configured token validation
	// parameters. The engine merges the provider configuration's issuer
	// and signing keys into a copy of it before each validation.
	Validation ValidationParams
}

func (c *Config) applyDefaults() {
	if c.ResponseType == "" {
		c.ResponseType = DefaultResponseType
	}
	if c.AuthenticationMethod == "" {
		c.AuthenticationMethod = MethodRedirect
	}
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.SignedOutCallbackPath == "" {
		c.SignedOutCallbackPath = DefaultSignedOutCallbackPath
	}
	if c.RemoteSignOutPath == "" {
		c.RemoteSignOutPath = DefaultRemoteSignOutPath
	}
	if c.NonceLifetime <= 0 {
		c.NonceLifetime = DefaultNonceLifetime
	}
	if c.BackchannelTimeout <= 0 {
		c.BackchannelTimeout = DefaultBackchannelTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
}

// Validate the engine configuration.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.ClientId == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if !strutils.StrListContains(supportedResponseTypes, c.ResponseType) {
		return fmt.Errorf("%s: unsupported response type %q: %w", op, c.ResponseType, ErrInvalidParameter)
	}
	switch c.AuthenticationMethod {
	case MethodRedirect, MethodFormPost:
	default:
		return fmt.Errorf("%s: unsupported authentication method %q: %w", op, c.AuthenticationMethod, ErrConfiguration)
	}
	for _, p := range []string{c.CallbackPath, c.SignedOutCallbackPath, c.RemoteSignOutPath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s: path %q is not absolute: %w", op, p, ErrInvalidParameter)
		}
	}
	if c.UsePKCE && !strings.Contains(c.ResponseType, "code") {
		return fmt.Errorf("%s: pkce requires a code response type: %w", op, ErrInvalidParameter)
	}
	return nil
}

// Engine orchestrates the relying party side of OIDC login and sign-out.
// One Engine serves many concurrent requests; each request runs one
// independent, sequential flow.
type Engine struct {
	config    *Config
	metadata  ConfigurationProvider
	protector Protector
	validator TokenValidator
	events    *Events
	redeemer  *codeRedeemer

	backchannel *http.Client
	logger      hclog.Logger
	clock       func() time.Time
	signOutFunc SignOutFunc

	// current is the shared configuration snapshot, swapped wholesale on
	// refresh. Concurrent refreshes may race and fetch redundantly; the
	// fetch is idempotent so that is acceptable.
	current atomic.Pointer[Configuration]
}

// New creates an Engine from a Config and its collaborators.
// Supported options: WithLogger, WithEvents, WithTokenValidator,
// WithHTTPClient, WithClock, WithSignOutFunc
func New(c *Config, metadata ConfigurationProvider, protector Protector, opt ...Option) (*Engine, error) {
	const op = "rp.New"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%s: configuration provider is nil: %w", op, ErrNilParameter)
	}
	if protector == nil {
		return nil, fmt.Errorf("%s: protector is nil: %w", op, ErrNilParameter)
	}
	cfg := *c
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}

	opts := getEngineOpts(opt...)
	client := opts.withHTTPClient
	if client == nil {
		var err error
		client, err = newHTTPClient("")
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create backchannel client: %w", op, err)
		}
	}
	if client.Timeout == 0 {
		// the caller's client is left alone; the engine's copy gets the
		// configured bound
		c2 := *client
		c2.Timeout = cfg.BackchannelTimeout
		client = &c2
	}
	validator := opts.withValidator
	if validator == nil {
		validator = &KeysetValidator{Clock: opts.withClock}
	}
	events := opts.withEvents
	if events == nil {
		events = &Events{}
	}

	e := &Engine{
		config:      &cfg,
		metadata:    metadata,
		protector:   protector,
		validator:   validator,
		events:      events,
		backchannel: client,
		logger:      opts.withLogger,
		clock:       opts.withClock,
		signOutFunc: opts.withSignOutFunc,
	}
	e.redeemer = &codeRedeemer{
		client:   client,
		logger:   opts.withLogger,
		maxBytes: cfg.MaxResponseBytes,
	}
	return e, nil
}

// Config returns a copy of the engine's effective configuration.
func (e *Engine) Config() Config { return *e.config }

// Process dispatches an inbound request to the callback, sign-out callback
// or remote sign-out flow based on its path. Requests for any other path
// are skipped. current is the caller's current session ticket, if any; it
// is only consulted by the remote sign-out flow.
func (e *Engine) Process(w http.ResponseWriter, r *http.Request, current *Ticket) Result {
	switch r.URL.Path {
	case e.config.CallbackPath:
		return e.ProcessCallback(w, r)
	case e.config.SignedOutCallbackPath:
		return e.ProcessSignOutCallback(w, r)
	case e.config.RemoteSignOutPath:
		return e.ProcessRemoteSignOut(w, r, current)
	default:
		return resultSkipped()
	}
}

// configuration returns the shared snapshot, fetching it on first use.
func (e *Engine) configuration(ctx context.Context) (*Configuration, error) {
	const op = "Engine.configuration"
	if cfg := e.current.Load(); cfg != nil {
		return cfg, nil
	}
	cfg, err := e.metadata.Configuration(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to resolve provider configuration: %w", op, err)
	}
	e.current.Store(cfg)
	return cfg, nil
}

// refreshConfiguration marks the metadata stale so the next request
// re-fetches. Called when token validation fails with a missing signing
// key, which usually means the provider rolled its keys.
func (e *Engine) refreshConfiguration() {
	e.metadata.Refresh()
	e.current.Store(nil)
	e.logger.Debug("provider configuration marked stale for refresh")
}

// absoluteURL rebuilds an absolute URL for a path on the inbound request's
// host.
func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + path
}

// currentURL is the absolute URL of the inbound request.
func currentURL(r *http.Request) string {
	return absoluteURL(r, r.URL.RequestURI())
}

// runHook invokes an optional extension hook, treating a nil hook as
// StatusContinue.
func runHook[E any](ctx context.Context, w http.ResponseWriter, r *http.Request,
	hook func(context.Context, http.ResponseWriter, *http.Request, *E) (Status, error), event *E) (Status, error) {
	if hook == nil {
		return StatusContinue, nil
	}
	return hook(ctx, w, r, event)
}

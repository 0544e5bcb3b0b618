// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/square/go-jose.v2"
)

// Configuration is a snapshot of OIDC provider metadata. Snapshots are
// immutable once published; a refresh produces a new snapshot rather than
// mutating one in place.
type Configuration struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	EndSessionEndpoint    string
	JWKSUri               string

	// SigningKeys are the provider's current token signing keys. During key
	// rollover the set may include keys in flux.
	SigningKeys []jose.JSONWebKey
}

// ConfigurationProvider supplies provider metadata to the engine.
// Configuration may be called concurrently; implementations are expected to
// cache. Refresh is advisory: it marks the cached snapshot stale so the
// next Configuration call fetches anew.
type ConfigurationProvider interface {
	Configuration(ctx context.Context) (*Configuration, error)
	Refresh()
}

// StaticProvider is a ConfigurationProvider backed by a fixed snapshot.
type StaticProvider struct {
	Config *Configuration
}

// Configuration implements ConfigurationProvider.
func (s *StaticProvider) Configuration(context.Context) (*Configuration, error) {
	const op = "StaticProvider.Configuration"
	if s.Config == nil {
		return nil, fmt.Errorf("%s: no configuration set: %w", op, ErrConfiguration)
	}
	return s.Config, nil
}

// Refresh implements ConfigurationProvider. It is a no-op for a static
// snapshot.
func (s *StaticProvider) Refresh() {}

// DiscoveryProvider is a ConfigurationProvider that resolves metadata from
// the issuer's discovery document and JWKS endpoint.
type DiscoveryProvider struct {
	issuer string
	client *http.Client
	logger hclog.Logger

	mu     sync.Mutex
	cached *Configuration
}

// discoveryOptions is the set of available options for NewDiscoveryProvider
type discoveryOptions struct {
	withLogger     hclog.Logger
	withHTTPClient *http.Client
	withProviderCA string
}

func discoveryDefaults() discoveryOptions {
	return discoveryOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getDiscoveryOpts(opt ...Option) discoveryOptions {
	opts := discoveryDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithProviderCA provides an optional CA cert to trust when talking to the
// provider, replacing the system pool.
func WithProviderCA(caPEM string) Option {
	return func(o interface{}) {
		if o, ok := o.(*discoveryOptions); ok {
			o.withProviderCA = caPEM
		}
	}
}

// NewDiscoveryProvider creates a DiscoveryProvider for the given issuer.
// No request is made until the first Configuration call.
// Supported options: WithLogger, WithHTTPClient, WithProviderCA
func NewDiscoveryProvider(issuer string, opt ...Option) (*DiscoveryProvider, error) {
	const op = "rp.NewDiscoveryProvider"
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	opts := getDiscoveryOpts(opt...)
	client := opts.withHTTPClient
	if client == nil {
		var err error
		client, err = newHTTPClient(opts.withProviderCA)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}
	return &DiscoveryProvider{
		issuer: issuer,
		client: client,
		logger: opts.withLogger,
	}, nil
}

// Configuration implements ConfigurationProvider. The first call fetches
// the discovery document and JWKS; subsequent calls return the cached
// snapshot until Refresh is called.
func (d *DiscoveryProvider) Configuration(ctx context.Context) (*Configuration, error) {
	const op = "DiscoveryProvider.Configuration"
	d.mu.Lock()
	cached := d.cached
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, d.client), d.issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover provider: %w", op, err)
	}

	var doc struct {
		Issuer             string `json:"issuer"`
		UserInfoEndpoint   string `json:"userinfo_endpoint"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
		JWKSUri            string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("%s: unable to read discovery document: %w", op, err)
	}

	cfg := &Configuration{
		Issuer:                doc.Issuer,
		AuthorizationEndpoint: provider.Endpoint().AuthURL,
		TokenEndpoint:         provider.Endpoint().TokenURL,
		UserInfoEndpoint:      doc.UserInfoEndpoint,
		EndSessionEndpoint:    doc.EndSessionEndpoint,
		JWKSUri:               doc.JWKSUri,
	}
	if cfg.JWKSUri != "" {
		keys, err := d.fetchKeys(ctx, cfg.JWKSUri)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cfg.SigningKeys = keys
	}

	d.mu.Lock()
	d.cached = cfg
	d.mu.Unlock()
	d.logger.Debug("resolved provider configuration", "issuer", cfg.Issuer, "keys", len(cfg.SigningKeys))
	return cfg, nil
}

// Refresh implements ConfigurationProvider, dropping the cached snapshot.
func (d *DiscoveryProvider) Refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = nil
}

func (d *DiscoveryProvider) fetchKeys(ctx context.Context, jwksUri string) ([]jose.JSONWebKey, error) {
	const op = "DiscoveryProvider.fetchKeys"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksUri, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create jwks request: %w", op, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: jwks request failed: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: jwks request returned status %d: %w", op, resp.StatusCode, ErrConfiguration)
	}
	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("%s: unable to decode jwks: %w", op, err)
	}
	return keySet.Keys, nil
}

// newHTTPClient creates an http client backed by a pooled transport which
// trusts the optional CA certificate PEM if provided, otherwise the
// installed system CA chain.
func newHTTPClient(caPEM string) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()

	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, ErrInvalidCACert
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}

	return &http.Client{
		Transport: tr,
	}, nil
}

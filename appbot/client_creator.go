// Copyright 2024 Ridgelines, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appbot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v65/github"
	"github.com/gregjones/httpcache"
	"github.com/pkg/errors"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// ClientCreator creates authenticated GitHub clients. App clients
// authenticate as the application itself using a signed JWT, installation
// clients exchange that JWT for an installation-scoped token, and token
// clients use a static OAuth token. Both the v3 (REST) and v4 (GraphQL)
// APIs are supported.
type ClientCreator interface {
	// NewAppClient returns a client that authenticates as the app. App
	// clients can read app metadata and request tokens for installations,
	// but cannot act on repository contents.
	NewAppClient() (*github.Client, error)

	// NewAppV4Client returns an app-authenticated v4 API client, similar
	// to NewAppClient.
	NewAppV4Client() (*githubv4.Client, error)

	// NewInstallationClient returns a client scoped to a single
	// installation of the app. The underlying transport requests and
	// refreshes installation tokens as they expire.
	NewInstallationClient(installationID int64) (*github.Client, error)

	// NewInstallationV4Client returns an installation-scoped v4 API
	// client, similar to NewInstallationClient.
	NewInstallationV4Client(installationID int64) (*githubv4.Client, error)

	// NewTokenClient returns a client that uses the given OAuth token.
	NewTokenClient(token string) (*github.Client, error)

	// NewTokenV4Client returns a v4 API client that uses the given OAuth
	// token.
	NewTokenV4Client(token string) (*githubv4.Client, error)
}

// ClientMiddleware modifies the transport of a GitHub client to add common
// functionality, like logging or metrics collection.
type ClientMiddleware func(http.RoundTripper) http.RoundTripper

type ClientOption func(c *clientCreator)

// NewClientCreator returns a ClientCreator for the GitHub App with the
// given integration ID and PEM-encoded private key. URLs must be the v3 and
// v4 API endpoints, either for github.com or for a GitHub Enterprise
// instance.
func NewClientCreator(v3BaseURL, v4BaseURL string, integrationID int64, privKeyBytes []byte, opts ...ClientOption) ClientCreator {
	cc := &clientCreator{
		v3BaseURL:     v3BaseURL,
		v4BaseURL:     v4BaseURL,
		integrationID: integrationID,
		privKeyBytes:  privKeyBytes,
	}

	for _, opt := range opts {
		opt(cc)
	}

	if !strings.HasSuffix(cc.v3BaseURL, "/") {
		cc.v3BaseURL += "/"
	}

	// graphql URL should not end in trailing slash
	cc.v4BaseURL = strings.TrimSuffix(cc.v4BaseURL, "/")

	return cc
}

type clientCreator struct {
	v3BaseURL     string
	v4BaseURL     string
	integrationID int64
	privKeyBytes  []byte

	userAgent      string
	timeout        time.Duration
	cacheFunc      func() httpcache.Cache
	alwaysValidate bool
	middleware     []ClientMiddleware
}

var _ ClientCreator = &clientCreator{}

// WithClientUserAgent sets the base user agent for all created clients.
func WithClientUserAgent(agent string) ClientOption {
	return func(c *clientCreator) {
		c.userAgent = agent
	}
}

// WithClientTimeout sets a request timeout for all created clients.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *clientCreator) {
		c.timeout = timeout
	}
}

// WithClientCaching caches GitHub responses in each created client. Each
// client gets an isolated cache from the provided function. If
// alwaysValidate is true, the cache revalidates all responses with the API
// instead of trusting max-age headers.
func WithClientCaching(alwaysValidate bool, cache func() httpcache.Cache) ClientOption {
	return func(c *clientCreator) {
		c.cacheFunc = cache
		c.alwaysValidate = alwaysValidate
	}
}

// WithClientMiddleware adds middleware that is applied to all created
// clients.
func WithClientMiddleware(middleware ...ClientMiddleware) ClientOption {
	return func(c *clientCreator) {
		c.middleware = middleware
	}
}

func (c *clientCreator) NewAppClient() (*github.Client, error) {
	base := c.newHTTPClient()
	installation, transportError := newAppInstallation(c.integrationID, c.privKeyBytes, c.v3BaseURL)

	middleware := []ClientMiddleware{installation}
	if c.cacheFunc != nil {
		middleware = append(middleware, cache(c.cacheFunc), cacheControl(c.alwaysValidate))
	}

	client, err := c.newClient(base, middleware, "application", 0)
	if err != nil {
		return nil, err
	}
	if *transportError != nil {
		return nil, &AuthError{Cause: *transportError}
	}
	return client, nil
}

func (c *clientCreator) NewAppV4Client() (*githubv4.Client, error) {
	base := c.newHTTPClient()
	installation, transportError := newAppInstallation(c.integrationID, c.privKeyBytes, c.v3BaseURL)

	// The v4 API primarily uses POST requests, which are not cacheable
	middleware := []ClientMiddleware{installation}

	client, err := c.newV4Client(base, middleware, "application")
	if err != nil {
		return nil, err
	}
	if *transportError != nil {
		return nil, &AuthError{Cause: *transportError}
	}
	return client, nil
}

func (c *clientCreator) NewInstallationClient(installationID int64) (*github.Client, error) {
	base := c.newHTTPClient()
	installation, transportError := newInstallation(c.integrationID, installationID, c.privKeyBytes, c.v3BaseURL)

	middleware := []ClientMiddleware{installation}
	if c.cacheFunc != nil {
		middleware = append(middleware, cache(c.cacheFunc), cacheControl(c.alwaysValidate))
	}

	client, err := c.newClient(base, middleware, fmt.Sprintf("installation: %d", installationID), installationID)
	if err != nil {
		return nil, err
	}
	if *transportError != nil {
		return nil, &AuthError{InstallationID: installationID, Cause: *transportError}
	}
	return client, nil
}

func (c *clientCreator) NewInstallationV4Client(installationID int64) (*githubv4.Client, error) {
	base := c.newHTTPClient()
	installation, transportError := newInstallation(c.integrationID, installationID, c.privKeyBytes, c.v3BaseURL)

	middleware := []ClientMiddleware{installation}

	client, err := c.newV4Client(base, middleware, fmt.Sprintf("installation: %d", installationID))
	if err != nil {
		return nil, err
	}
	if *transportError != nil {
		return nil, &AuthError{InstallationID: installationID, Cause: *transportError}
	}
	return client, nil
}

func (c *clientCreator) NewTokenClient(token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = c.timeout
	return c.newClient(tc, nil, "oauth token", 0)
}

func (c *clientCreator) NewTokenV4Client(token string) (*githubv4.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = c.timeout
	return c.newV4Client(tc, nil, "oauth token")
}

func (c *clientCreator) newHTTPClient() *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   c.timeout,
	}
}

func (c *clientCreator) newClient(base *http.Client, middleware []ClientMiddleware, details string, installID int64) (*github.Client, error) {
	applyMiddleware(base, [][]ClientMiddleware{
		{setInstallationID(installID)},
		c.middleware,
		middleware,
	})

	baseURL, err := url.Parse(c.v3BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse base URL: %q", c.v3BaseURL)
	}

	client := github.NewClient(base)
	client.BaseURL = baseURL
	client.UserAgent = makeUserAgent(c.userAgent, details)

	return client, nil
}

func (c *clientCreator) newV4Client(base *http.Client, middleware []ClientMiddleware, details string) (*githubv4.Client, error) {
	ua := makeUserAgent(c.userAgent, details)

	applyMiddleware(base, [][]ClientMiddleware{
		{setUserAgentHeader(ua)},
		c.middleware,
		middleware,
	})

	v4BaseURL, err := url.Parse(c.v4BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse base URL: %q", c.v4BaseURL)
	}

	client := githubv4.NewEnterpriseClient(v4BaseURL.String(), base)
	return client, nil
}

// applyMiddleware behaves as if each of the middleware functions were
// applied in order, the first in the outermost position and the last in the
// innermost position.
func applyMiddleware(base *http.Client, middleware [][]ClientMiddleware) {
	for i := len(middleware) - 1; i >= 0; i-- {
		for j := len(middleware[i]) - 1; j >= 0; j-- {
			base.Transport = middleware[i][j](base.Transport)
		}
	}
}

// newAppInstallation returns transport middleware that authenticates as the
// app. Because creating the transport can fail, the returned error pointer
// is set after the middleware is applied and must be checked before using
// the client.
func newAppInstallation(integrationID int64, privKeyBytes []byte, v3BaseURL string) (ClientMiddleware, *error) {
	var transportError error
	middleware := func(next http.RoundTripper) http.RoundTripper {
		itr, err := ghinstallation.NewAppsTransport(next, integrationID, privKeyBytes)
		if err != nil {
			transportError = err
			return next
		}
		// leaving the v3 URL since it is used to refresh tokens, not make queries
		itr.BaseURL = strings.TrimSuffix(v3BaseURL, "/")
		return itr
	}
	return middleware, &transportError
}

func newInstallation(integrationID, installationID int64, privKeyBytes []byte, v3BaseURL string) (ClientMiddleware, *error) {
	var transportError error
	middleware := func(next http.RoundTripper) http.RoundTripper {
		itr, err := ghinstallation.New(next, integrationID, installationID, privKeyBytes)
		if err != nil {
			transportError = err
			return next
		}
		// leaving the v3 URL since it is used to refresh tokens, not make queries
		itr.BaseURL = strings.TrimSuffix(v3BaseURL, "/")
		return itr
	}
	return middleware, &transportError
}

func cache(cacheFunc func() httpcache.Cache) ClientMiddleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &httpcache.Transport{
			Transport:           next,
			Cache:               cacheFunc(),
			MarkCachedResponses: true,
		}
	}
}

func cacheControl(alwaysValidate bool) ClientMiddleware {
	return func(next http.RoundTripper) http.RoundTripper {
		if !alwaysValidate {
			return next
		}
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r.Header.Set("Cache-Control", "no-cache")
			return next.RoundTrip(r)
		})
	}
}

func makeUserAgent(base, details string) string {
	if base == "" {
		base = "go-appbot/undefined"
	}
	return fmt.Sprintf("%s (%s)", base, details)
}

func setUserAgentHeader(agent string) ClientMiddleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r.Header.Set("User-Agent", agent)
			return next.RoundTrip(r)
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

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
	"sort"
	"strings"
	"sync"

	"github.com/google/go-github/v65/github"
	"goji.io"
	"goji.io/pat"

	"github.com/ridgelines/go-appbot/repoconfig"
)

// Callback handles one delivery of an event it subscribed to. The Context
// is constructed for this callback alone; the payload behind it is shared
// with sibling callbacks of the same delivery.
type Callback func(ctx context.Context, c *Context) error

// AppOption configures properties of an App.
type AppOption func(*App)

// WithConfigLoader sets the loader used by Context.Config. If not set, the
// app uses a default loader with owner defaults enabled.
func WithConfigLoader(ld *repoconfig.Loader) AppOption {
	return func(a *App) {
		if ld != nil {
			a.configs = ld
		}
	}
}

// WithMux sets the mux that Route mounts endpoints on. If not set, the app
// creates its own.
func WithMux(mux *goji.Mux) AppOption {
	return func(a *App) {
		if mux != nil {
			a.mux = mux
		}
	}
}

// App subscribes callbacks to webhook events and dispatches deliveries to
// them. The registration table is written by On and read by Receive; the
// expected discipline is that all registration happens during startup,
// before the first delivery, though both methods are safe for concurrent
// use.
type App struct {
	clients ClientCreator
	configs *repoconfig.Loader

	mu        sync.RWMutex
	callbacks map[string][]Callback

	muxMu  sync.Mutex
	mux    *goji.Mux
	routes map[string]struct{}
}

// New creates an App that authenticates with the given ClientCreator.
func New(clients ClientCreator, opts ...AppOption) *App {
	a := &App{
		clients:   clients,
		callbacks: make(map[string][]Callback),
		routes:    make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.configs == nil {
		a.configs = repoconfig.NewLoader()
	}
	if a.mux == nil {
		a.mux = goji.NewMux()
	}

	return a
}

// On subscribes cb to an event. The key is either a bare event type
// ("issues") or an event type dotted with an action ("issues.opened").
// Multiple callbacks may subscribe to the same key; a delivery invokes them
// in registration order.
func (a *App) On(event string, cb Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks[event] = append(a.callbacks[event], cb)
}

// Subscriptions returns the sorted registration keys with at least one
// callback.
func (a *App) Subscriptions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make([]string, 0, len(a.callbacks))
	for k := range a.callbacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mux returns the mux that Route mounts endpoints on. Hosts serve this mux
// to expose the app's additional endpoints.
func (a *App) Mux() *goji.Mux {
	return a.mux
}

// Route returns a sub-mux mounted under the given path prefix on the app's
// mux. Mounting the same prefix twice is a *RouteConflictError.
func (a *App) Route(prefix string) (*goji.Mux, error) {
	prefix = "/" + strings.Trim(prefix, "/")

	a.muxMu.Lock()
	defer a.muxMu.Unlock()

	if _, ok := a.routes[prefix]; ok {
		return nil, &RouteConflictError{Prefix: prefix}
	}
	a.routes[prefix] = struct{}{}

	sub := goji.SubMux()
	a.mux.Handle(pat.New(prefix+"/*"), sub)
	return sub, nil
}

// Auth returns a client authenticated for the given installation, or for
// the app itself when no installation ID is supplied. Failures to construct
// credentials are reported as *AuthError.
func (a *App) Auth(installationID ...int64) (*github.Client, error) {
	if len(installationID) == 0 {
		return a.clients.NewAppClient()
	}
	return a.clients.NewInstallationClient(installationID[0])
}

// ClientCreator returns the app's client creator for callers that need
// token or v4 clients directly.
func (a *App) ClientCreator() ClientCreator {
	return a.clients
}

// Receive dispatches one delivery to every callback subscribed to the
// event's type or to its type.action key. Callbacks run concurrently, each
// with a fresh Context over the shared payload, and Receive returns only
// after all of them have finished. Callback failures are isolated: an error
// or panic in one callback never prevents the others from running. If any
// callbacks fail, Receive returns a *DispatchError naming each failure.
func (a *App) Receive(ctx context.Context, event Event) error {
	payload, err := parsePayload(event.Payload)
	if err != nil {
		return err
	}

	matched := a.match(event.Type, payload.Action)
	if len(matched) == 0 {
		return nil
	}

	failures := make([]CallbackError, len(matched))
	failed := make([]bool, len(matched))

	var wg sync.WaitGroup
	for i, m := range matched {
		wg.Add(1)
		go func(i int, m matchedCallback) {
			defer wg.Done()
			if err := a.invoke(ctx, m.cb, event, payload); err != nil {
				failures[i] = CallbackError{Key: m.key, Index: m.index, Err: err}
				failed[i] = true
			}
		}(i, m)
	}
	wg.Wait()

	var collected []CallbackError
	for i := range failures {
		if failed[i] {
			collected = append(collected, failures[i])
		}
	}
	if len(collected) > 0 {
		return &DispatchError{Failures: collected}
	}
	return nil
}

func (a *App) invoke(ctx context.Context, cb Callback, event Event, payload *eventPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = CallbackPanicError{value: r, stack: getStack(1)}
		}
	}()

	c := newContext(event, payload, a.clients, a.configs)
	return cb(ctx, c)
}

// subscribed reports whether any callback is registered for the event
// type, either under the bare type or narrowed by an action.
func (a *App) subscribed(event string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.callbacks[event]) > 0 {
		return true
	}
	for k := range a.callbacks {
		if strings.HasPrefix(k, event+".") && len(a.callbacks[k]) > 0 {
			return true
		}
	}
	return false
}

type matchedCallback struct {
	key   string
	index int
	cb    Callback
}

// match collects the callbacks for a delivery: first those registered under
// the bare event type, then those under the event.action key when the
// payload carries an action. Order within each key is registration order.
func (a *App) match(event, action string) []matchedCallback {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var matched []matchedCallback
	for i, cb := range a.callbacks[event] {
		matched = append(matched, matchedCallback{key: event, index: i, cb: cb})
	}
	if action != "" {
		key := event + "." + action
		for i, cb := range a.callbacks[key] {
			matched = append(matched, matchedCallback{key: key, index: i, cb: cb})
		}
	}
	return matched
}

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
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter records callback invocations safely across the concurrent
// callbacks of a delivery.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCounter() *counter {
	return &counter{calls: make(map[string]int)}
}

func (r *counter) callback(name string) Callback {
	return func(ctx context.Context, c *Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls[name]++
		return nil
	}
}

func (r *counter) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func issuesEvent(action string) Event {
	return Event{
		Type:       "issues",
		DeliveryID: "d-1",
		Payload: []byte(`{
			"action": "` + action + `",
			"repository": {"name": "example", "owner": {"login": "testorg"}},
			"issue": {"number": 1}
		}`),
	}
}

func TestReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("matchesEventAndActionKeys", func(t *testing.T) {
		app := New(&staticClientCreator{})
		calls := newCounter()

		app.On("issues", calls.callback("issues"))
		app.On("issues.opened", calls.callback("issues.opened"))
		app.On("issues.closed", calls.callback("issues.closed"))

		require.NoError(t, app.Receive(ctx, issuesEvent("opened")))

		assert.Equal(t, 1, calls.count("issues"), "bare event callback must run exactly once")
		assert.Equal(t, 1, calls.count("issues.opened"), "action callback must run exactly once")
		assert.Equal(t, 0, calls.count("issues.closed"), "other action callbacks must not run")
	})

	t.Run("multipleCallbacksPerKey", func(t *testing.T) {
		app := New(&staticClientCreator{})
		calls := newCounter()

		app.On("issues", calls.callback("first"))
		app.On("issues", calls.callback("second"))

		require.NoError(t, app.Receive(ctx, issuesEvent("opened")))

		assert.Equal(t, 1, calls.count("first"))
		assert.Equal(t, 1, calls.count("second"))
	})

	t.Run("noSubscriptions", func(t *testing.T) {
		app := New(&staticClientCreator{})
		assert.NoError(t, app.Receive(ctx, issuesEvent("opened")))
	})

	t.Run("freshContextPerCallback", func(t *testing.T) {
		app := New(&staticClientCreator{})

		var mu sync.Mutex
		var seen []*Context
		record := func(ctx context.Context, c *Context) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, c)
			return nil
		}

		app.On("issues", record)
		app.On("issues.opened", record)

		require.NoError(t, app.Receive(ctx, issuesEvent("opened")))

		require.Len(t, seen, 2)
		assert.NotSame(t, seen[0], seen[1], "each callback must get its own Context")
		assert.Same(t, seen[0].payload, seen[1].payload, "contexts of one delivery share the parsed payload")
	})

	t.Run("isolatesFailures", func(t *testing.T) {
		app := New(&staticClientCreator{})
		calls := newCounter()

		app.On("issues", func(ctx context.Context, c *Context) error {
			return errors.New("callback exploded")
		})
		app.On("issues", calls.callback("survivor"))
		app.On("issues.opened", calls.callback("action-survivor"))

		err := app.Receive(ctx, issuesEvent("opened"))
		require.Error(t, err)

		derr, ok := err.(*DispatchError)
		require.True(t, ok, "error must be a *DispatchError, got %T", err)
		require.Len(t, derr.Failures, 1)
		assert.Equal(t, "issues", derr.Failures[0].Key)
		assert.Equal(t, 0, derr.Failures[0].Index)

		assert.Equal(t, 1, calls.count("survivor"), "a failing callback must not suppress its siblings")
		assert.Equal(t, 1, calls.count("action-survivor"))
	})

	t.Run("recoversPanics", func(t *testing.T) {
		app := New(&staticClientCreator{})
		calls := newCounter()

		app.On("issues", func(ctx context.Context, c *Context) error {
			panic("boom")
		})
		app.On("issues", calls.callback("survivor"))

		err := app.Receive(ctx, issuesEvent("opened"))
		require.Error(t, err)

		derr, ok := err.(*DispatchError)
		require.True(t, ok)
		require.Len(t, derr.Failures, 1)

		perr, ok := derr.Failures[0].Err.(CallbackPanicError)
		require.True(t, ok, "failure must be a CallbackPanicError, got %T", derr.Failures[0].Err)
		assert.Equal(t, "boom", perr.Value())

		assert.Equal(t, 1, calls.count("survivor"), "a panicking callback must not suppress its siblings")
	})

	t.Run("invalidPayload", func(t *testing.T) {
		app := New(&staticClientCreator{})
		app.On("issues", newCounter().callback("x"))

		err := app.Receive(ctx, Event{Type: "issues", Payload: []byte("{")})
		assert.Error(t, err)
	})
}

func TestSubscriptions(t *testing.T) {
	app := New(&staticClientCreator{})
	app.On("issues.opened", newCounter().callback("a"))
	app.On("push", newCounter().callback("b"))
	app.On("issues", newCounter().callback("c"))

	assert.Equal(t, []string{"issues", "issues.opened", "push"}, app.Subscriptions())
}

func TestSubscribed(t *testing.T) {
	app := New(&staticClientCreator{})
	app.On("issues.opened", newCounter().callback("a"))

	assert.True(t, app.subscribed("issues"), "action-narrowed subscription must mark the event as handled")
	assert.False(t, app.subscribed("push"))
}

func TestRoute(t *testing.T) {
	app := New(&staticClientCreator{})

	sub, err := app.Route("/api/widgets")
	require.NoError(t, err)
	assert.NotNil(t, sub)

	_, err = app.Route("/api/widgets")
	require.Error(t, err)

	rerr, ok := err.(*RouteConflictError)
	require.True(t, ok, "error must be a *RouteConflictError, got %T", err)
	assert.Equal(t, "/api/widgets", rerr.Prefix)

	t.Run("normalizesPrefix", func(t *testing.T) {
		_, err := app.Route("api/widgets/")
		require.Error(t, err, "prefixes must be normalized before conflict checks")
	})
}

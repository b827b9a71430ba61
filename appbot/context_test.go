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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v65/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgelines/go-appbot/repoconfig"
)

func newTestContext(t *testing.T, payload string, clients ClientCreator) *Context {
	t.Helper()

	p, err := parsePayload([]byte(payload))
	require.NoError(t, err, "payload must parse")

	if clients == nil {
		clients = &staticClientCreator{}
	}
	return newContext(Event{Type: "issues", DeliveryID: "d-1", Payload: []byte(payload)}, p, clients, repoconfig.NewLoader(repoconfig.WithOwnerDefaults("")))
}

// staticClientCreator returns fixed clients for all authentication modes.
type staticClientCreator struct {
	client *github.Client
}

func (c *staticClientCreator) NewAppClient() (*github.Client, error)         { return c.client, nil }
func (c *staticClientCreator) NewAppV4Client() (*githubv4.Client, error)     { return nil, nil }
func (c *staticClientCreator) NewTokenClient(string) (*github.Client, error) { return c.client, nil }
func (c *staticClientCreator) NewTokenV4Client(string) (*githubv4.Client, error) {
	return nil, nil
}

func (c *staticClientCreator) NewInstallationClient(int64) (*github.Client, error) {
	return c.client, nil
}

func (c *staticClientCreator) NewInstallationV4Client(int64) (*githubv4.Client, error) {
	return nil, nil
}

const issuePayload = `{
	"action": "opened",
	"repository": {
		"name": "example",
		"owner": {"login": "testorg"},
		"default_branch": "develop"
	},
	"issue": {"number": 42},
	"sender": {"login": "octocat", "type": "User"},
	"installation": {"id": 1234}
}`

func TestRepo(t *testing.T) {
	t.Run("derivesIdentity", func(t *testing.T) {
		c := newTestContext(t, issuePayload, nil)

		fields, err := c.Repo(nil)
		require.NoError(t, err)

		assert.Equal(t, map[string]interface{}{
			"owner": "testorg",
			"repo":  "example",
		}, fields)
	})

	t.Run("mergesExtraFields", func(t *testing.T) {
		c := newTestContext(t, issuePayload, nil)

		fields, err := c.Repo(map[string]interface{}{"path": ".github/config.yml"})
		require.NoError(t, err)

		assert.Equal(t, map[string]interface{}{
			"owner": "testorg",
			"repo":  "example",
			"path":  ".github/config.yml",
		}, fields)
	})

	t.Run("explicitKeysOverride", func(t *testing.T) {
		c := newTestContext(t, issuePayload, nil)

		fields, err := c.Repo(map[string]interface{}{"owner": "otherorg"})
		require.NoError(t, err)

		assert.Equal(t, "otherorg", fields["owner"], "explicit extra key must override the derived owner")
		assert.Equal(t, "example", fields["repo"], "repo must remain derived")
	})

	t.Run("missingRepository", func(t *testing.T) {
		c := newTestContext(t, `{"action": "opened"}`, nil)

		_, err := c.Repo(nil)
		assert.Equal(t, ErrMissingRepository, err)
	})
}

func TestIssue(t *testing.T) {
	t.Run("numberFromIssue", func(t *testing.T) {
		c := newTestContext(t, issuePayload, nil)

		fields, err := c.Issue(nil)
		require.NoError(t, err)

		assert.Equal(t, map[string]interface{}{
			"owner":  "testorg",
			"repo":   "example",
			"number": 42,
		}, fields)
	})

	t.Run("numberFromPullRequest", func(t *testing.T) {
		c := newTestContext(t, `{
			"repository": {"name": "example", "owner": {"login": "testorg"}},
			"pull_request": {"number": 7}
		}`, nil)

		fields, err := c.Issue(nil)
		require.NoError(t, err)
		assert.Equal(t, 7, fields["number"])
	})

	t.Run("numberFromTopLevelField", func(t *testing.T) {
		c := newTestContext(t, `{
			"repository": {"name": "example", "owner": {"login": "testorg"}},
			"number": 9
		}`, nil)

		fields, err := c.Issue(nil)
		require.NoError(t, err)
		assert.Equal(t, 9, fields["number"])
	})

	t.Run("explicitKeysOverride", func(t *testing.T) {
		c := newTestContext(t, issuePayload, nil)

		fields, err := c.Issue(map[string]interface{}{"number": 100, "body": "hello"})
		require.NoError(t, err)

		assert.Equal(t, 100, fields["number"])
		assert.Equal(t, "hello", fields["body"])
	})

	t.Run("missingNumber", func(t *testing.T) {
		c := newTestContext(t, `{
			"repository": {"name": "example", "owner": {"login": "testorg"}}
		}`, nil)

		_, err := c.Issue(nil)
		assert.Equal(t, ErrMissingIssueNumber, err)
	})

	t.Run("missingRepository", func(t *testing.T) {
		c := newTestContext(t, `{"issue": {"number": 42}}`, nil)

		_, err := c.Issue(nil)
		assert.Equal(t, ErrMissingRepository, err)
	})
}

func TestIsBot(t *testing.T) {
	tests := []struct {
		Sender string
		IsBot  bool
	}{
		{`{"login": "dependabot[bot]", "type": "Bot"}`, true},
		{`{"login": "renovate[bot]", "type": "User"}`, true},
		{`{"login": "ghost", "type": "Bot"}`, true},
		{`{"login": "octocat", "type": "User"}`, false},
		{`{"login": "robot-fan", "type": "User"}`, false},
	}

	for _, test := range tests {
		c := newTestContext(t, fmt.Sprintf(`{"sender": %s}`, test.Sender), nil)
		assert.Equal(t, test.IsBot, c.IsBot(), "unexpected result for sender %s", test.Sender)
	}

	t.Run("missingSender", func(t *testing.T) {
		c := newTestContext(t, `{}`, nil)
		assert.False(t, c.IsBot())
	})
}

// newContentsServer fakes the GitHub contents API for the files in the
// map, returning 404 for anything else.
func newContentsServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for path, content := range files {
			if r.URL.Path == path {
				body, _ := json.Marshal(map[string]string{
					"type":     "file",
					"encoding": "base64",
					"content":  base64.StdEncoding.EncodeToString([]byte(content)),
				})
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(body)
				return
			}
		}
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *github.Client {
	t.Helper()

	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)

	client := github.NewClient(nil)
	client.BaseURL = u
	return client
}

func TestConfig(t *testing.T) {
	ctx := context.Background()

	defaults := map[string]interface{}{
		"greeting": "Hello!",
		"enabled":  true,
	}

	t.Run("missingFileResolvesDefaults", func(t *testing.T) {
		srv := newContentsServer(t, nil)
		defer srv.Close()

		c := newTestContext(t, issuePayload, &staticClientCreator{client: newTestClient(t, srv)})

		values, err := c.Config(ctx, "welcome.yml", defaults)
		require.NoError(t, err)

		assert.Equal(t, defaults, values, "missing file must resolve to exactly the defaults")
	})

	t.Run("fileValuesWin", func(t *testing.T) {
		srv := newContentsServer(t, map[string]string{
			"/repos/testorg/example/contents/.github/welcome.yml": "greeting: Welcome aboard!\n",
		})
		defer srv.Close()

		c := newTestContext(t, issuePayload, &staticClientCreator{client: newTestClient(t, srv)})

		values, err := c.Config(ctx, "welcome.yml", defaults)
		require.NoError(t, err)

		assert.Equal(t, "Welcome aboard!", values["greeting"], "file value must override the default")
		assert.Equal(t, true, values["enabled"], "keys absent from the file must keep their defaults")
	})

	t.Run("parseFailure", func(t *testing.T) {
		srv := newContentsServer(t, map[string]string{
			"/repos/testorg/example/contents/.github/welcome.yml": "greeting: [unclosed\n",
		})
		defer srv.Close()

		c := newTestContext(t, issuePayload, &staticClientCreator{client: newTestClient(t, srv)})

		_, err := c.Config(ctx, "welcome.yml", defaults)
		require.Error(t, err)

		cerr, ok := err.(*ConfigError)
		require.True(t, ok, "error must be a *ConfigError, got %T", err)
		assert.Equal(t, "parse", cerr.Op)
	})

	t.Run("fetchFailure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "boom"}`, http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := newTestContext(t, issuePayload, &staticClientCreator{client: newTestClient(t, srv)})

		_, err := c.Config(ctx, "welcome.yml", defaults)
		require.Error(t, err)

		cerr, ok := err.(*ConfigError)
		require.True(t, ok, "error must be a *ConfigError, got %T", err)
		assert.Equal(t, "fetch", cerr.Op)
	})

	t.Run("missingRepository", func(t *testing.T) {
		c := newTestContext(t, `{"action": "opened"}`, nil)

		_, err := c.Config(ctx, "welcome.yml", defaults)
		assert.Equal(t, ErrMissingRepository, err)
	})
}

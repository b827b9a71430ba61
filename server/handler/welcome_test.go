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

package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-github/v65/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgelines/go-appbot/appbot"
)

const issuesOpenedPayload = `{
	"action": "opened",
	"repository": {
		"name": "example",
		"full_name": "testorg/example",
		"default_branch": "main",
		"owner": {
			"login": "testorg"
		}
	},
	"issue": {
		"number": 42,
		"user": {
			"login": "octocat"
		}
	},
	"sender": {
		"login": "octocat",
		"type": "User"
	},
	"installation": {
		"id": 1234
	}
}`

// fakeGitHub serves the parts of the GitHub API the welcome handler touches:
// repository contents for config loading and issue comment creation.
type fakeGitHub struct {
	files    map[string]string
	comments []string
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/contents/"):
			parts := strings.SplitN(r.URL.Path, "/contents/", 2)
			content, ok := f.files[parts[1]]
			if !ok {
				http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":     "file",
				"encoding": "base64",
				"name":     parts[1],
				"path":     parts[1],
				"content":  base64.StdEncoding.EncodeToString([]byte(content)),
			})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/comments"):
			b, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			var comment github.IssueComment
			require.NoError(t, json.Unmarshal(b, &comment))
			f.comments = append(f.comments, comment.GetBody())

			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 1}`)

		case r.Method == http.MethodGet:
			// repository lookups during owner default resolution
			http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "unexpected request", http.StatusInternalServerError)
		}
	})
}

type singleClientCreator struct {
	client *github.Client
}

func (c *singleClientCreator) NewAppClient() (*github.Client, error)     { return c.client, nil }
func (c *singleClientCreator) NewAppV4Client() (*githubv4.Client, error) { return nil, nil }
func (c *singleClientCreator) NewInstallationClient(int64) (*github.Client, error) {
	return c.client, nil
}
func (c *singleClientCreator) NewInstallationV4Client(int64) (*githubv4.Client, error) {
	return nil, nil
}
func (c *singleClientCreator) NewTokenClient(string) (*github.Client, error) {
	return c.client, nil
}
func (c *singleClientCreator) NewTokenV4Client(string) (*githubv4.Client, error) {
	return nil, nil
}

func newWelcomeApp(t *testing.T, gh *fakeGitHub, config WelcomeConfig) *appbot.App {
	srv := httptest.NewServer(gh.handler(t))
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = u

	app := appbot.New(&singleClientCreator{client: client})

	welcome := &Welcome{Config: config}
	welcome.Register(app)

	return app
}

func receiveIssuesOpened(t *testing.T, app *appbot.App, payload string) error {
	t.Helper()
	return app.Receive(context.Background(), appbot.Event{
		Type:       "issues",
		DeliveryID: "test-delivery",
		Payload:    []byte(payload),
	})
}

func TestWelcome(t *testing.T) {
	t.Run("postsDefaultMessage", func(t *testing.T) {
		gh := &fakeGitHub{}
		app := newWelcomeApp(t, gh, WelcomeConfig{})

		require.NoError(t, receiveIssuesOpened(t, app, issuesOpenedPayload))

		require.Len(t, gh.comments, 1)
		assert.Equal(t, "Thanks for opening this issue, @octocat!", gh.comments[0])
	})

	t.Run("repositoryConfigOverridesMessage", func(t *testing.T) {
		gh := &fakeGitHub{
			files: map[string]string{
				".github/welcome.yml": "message: \"Welcome aboard, {{author}}\"\n",
			},
		}
		app := newWelcomeApp(t, gh, WelcomeConfig{})

		require.NoError(t, receiveIssuesOpened(t, app, issuesOpenedPayload))

		require.Len(t, gh.comments, 1)
		assert.Equal(t, "Welcome aboard, octocat", gh.comments[0])
	})

	t.Run("repositoryConfigDisables", func(t *testing.T) {
		gh := &fakeGitHub{
			files: map[string]string{
				".github/welcome.yml": "disabled: true\n",
			},
		}
		app := newWelcomeApp(t, gh, WelcomeConfig{})

		require.NoError(t, receiveIssuesOpened(t, app, issuesOpenedPayload))
		assert.Empty(t, gh.comments)
	})

	t.Run("serverConfigSetsDefaults", func(t *testing.T) {
		gh := &fakeGitHub{}
		app := newWelcomeApp(t, gh, WelcomeConfig{
			Message: "hello from the server config",
		})

		require.NoError(t, receiveIssuesOpened(t, app, issuesOpenedPayload))

		require.Len(t, gh.comments, 1)
		assert.Equal(t, "hello from the server config", gh.comments[0])
	})

	t.Run("skipsBotSenders", func(t *testing.T) {
		payload := strings.ReplaceAll(issuesOpenedPayload, `"octocat"`, `"dependabot[bot]"`)

		gh := &fakeGitHub{}
		app := newWelcomeApp(t, gh, WelcomeConfig{})

		require.NoError(t, receiveIssuesOpened(t, app, payload))
		assert.Empty(t, gh.comments)
	})

	t.Run("ignoresOtherActions", func(t *testing.T) {
		payload := strings.Replace(issuesOpenedPayload, `"opened"`, `"closed"`, 1)

		gh := &fakeGitHub{}
		app := newWelcomeApp(t, gh, WelcomeConfig{})

		require.NoError(t, receiveIssuesOpened(t, app, payload))
		assert.Empty(t, gh.comments)
	})
}

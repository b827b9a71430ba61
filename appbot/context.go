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
	"path"
	"strings"

	"github.com/google/go-github/v65/github"
	"github.com/rs/zerolog"

	"github.com/ridgelines/go-appbot/repoconfig"
)

const (
	LogKeyEventType       string = "github_event_type"
	LogKeyDeliveryID      string = "github_delivery_id"
	LogKeyRepositoryName  string = "github_repository_name"
	LogKeyRepositoryOwner string = "github_repository_owner"
	LogKeyIssueNum        string = "github_issue_num"
	LogKeyInstallationID  string = "github_installation_id"
)

// ConfigDirectory is the repository directory that Context.Config reads
// configuration files from.
const ConfigDirectory = ".github"

// Context wraps one delivered event with the clients and helpers a callback
// needs to act on it. Every matched callback receives its own Context; the
// payload behind them is shared and must be treated as read-only.
type Context struct {
	event   Event
	payload *eventPayload
	clients ClientCreator
	configs *repoconfig.Loader
}

func newContext(event Event, payload *eventPayload, clients ClientCreator, configs *repoconfig.Loader) *Context {
	return &Context{
		event:   event,
		payload: payload,
		clients: clients,
		configs: configs,
	}
}

// EventType returns the webhook event type, like "issues" or "push".
func (c *Context) EventType() string { return c.event.Type }

// DeliveryID returns the unique ID of the delivery.
func (c *Context) DeliveryID() string { return c.event.DeliveryID }

// Action returns the payload's action sub-field, if any.
func (c *Context) Action() string { return c.payload.Action }

// RawPayload returns the delivery's unparsed JSON payload. Callbacks that
// need event-specific fields can unmarshal it into the matching go-github
// event type.
func (c *Context) RawPayload() []byte { return c.event.Payload }

// Repo returns the owner and name of the payload's repository as an
// "owner"/"repo" parameter mapping, merged with extra. Keys in extra win on
// collision, so callers that pass "owner" or "repo" explicitly replace the
// derived identity. It returns ErrMissingRepository when the payload has no
// repository.
func (c *Context) Repo(extra map[string]interface{}) (map[string]interface{}, error) {
	owner, repo, err := c.repoIdentity()
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"owner": owner,
		"repo":  repo,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields, nil
}

// Issue returns the owner, name, and issue number of the payload as an
// "owner"/"repo"/"number" parameter mapping, merged with extra under the
// same override rule as Repo. The number comes from the payload's issue,
// pull request, or top-level number field, whichever is present. It returns
// ErrMissingIssueNumber when none are.
func (c *Context) Issue(extra map[string]interface{}) (map[string]interface{}, error) {
	fields, err := c.Repo(nil)
	if err != nil {
		return nil, err
	}

	number := c.issueNumber()
	if number == 0 {
		return nil, ErrMissingIssueNumber
	}

	fields["number"] = number
	for k, v := range extra {
		fields[k] = v
	}
	return fields, nil
}

// IsBot reports whether the actor that triggered the event is a bot
// account, either by the "[bot]" login suffix GitHub appends to app
// identities or by the account type.
func (c *Context) IsBot() bool {
	sender := c.payload.Sender
	if sender == nil {
		return false
	}
	return strings.HasSuffix(sender.GetLogin(), "[bot]") || sender.GetType() == "Bot"
}

// InstallationID returns the installation the delivery belongs to, or zero
// when the payload has no installation.
func (c *Context) InstallationID() int64 {
	return c.payload.Installation.GetID()
}

// InstallationClient returns a client authenticated for the delivery's
// installation.
func (c *Context) InstallationClient() (*github.Client, error) {
	return c.clients.NewInstallationClient(c.InstallationID())
}

// Config fetches the named configuration file from the .github directory of
// the payload's repository at its default branch, parses it as YAML, and
// returns its values shallow-merged over defaults, with file values
// winning. When the file does not exist, the defaults are returned alone;
// any other failure to fetch or parse is reported as a *ConfigError.
func (c *Context) Config(ctx context.Context, fileName string, defaults map[string]interface{}) (map[string]interface{}, error) {
	owner, repo, err := c.repoIdentity()
	if err != nil {
		return nil, err
	}

	client, err := c.InstallationClient()
	if err != nil {
		return nil, err
	}

	filePath := path.Join(ConfigDirectory, fileName)
	ref := c.payload.Repository.GetDefaultBranch()

	fc, err := c.configs.Load(ctx, client, owner, repo, ref, filePath)
	if err != nil {
		return nil, &ConfigError{Op: "fetch", Source: fc.Source, Path: fc.Path, Cause: err}
	}
	if !fc.Exists {
		return repoconfig.Merge(defaults, nil), nil
	}

	values, err := repoconfig.Unmarshal(fc.Content)
	if err != nil {
		return nil, &ConfigError{Op: "parse", Source: fc.Source, Path: fc.Path, Cause: err}
	}

	return repoconfig.Merge(defaults, values), nil
}

// PrepareContext attaches the delivery's identifying fields to the logger
// in ctx and returns the modified context and logger.
func (c *Context) PrepareContext(ctx context.Context) (context.Context, zerolog.Logger) {
	logctx := zerolog.Ctx(ctx).With().
		Str(LogKeyEventType, c.event.Type).
		Str(LogKeyDeliveryID, c.event.DeliveryID)

	if r := c.payload.Repository; r != nil {
		logctx = logctx.
			Str(LogKeyRepositoryOwner, r.GetOwner().GetLogin()).
			Str(LogKeyRepositoryName, r.GetName())
	}
	if number := c.issueNumber(); number > 0 {
		logctx = logctx.Int(LogKeyIssueNum, number)
	}
	if id := c.InstallationID(); id > 0 {
		logctx = logctx.Int64(LogKeyInstallationID, id)
	}

	logger := logctx.Logger()
	return logger.WithContext(ctx), logger
}

func (c *Context) repoIdentity() (owner, repo string, err error) {
	r := c.payload.Repository
	if r == nil {
		return "", "", ErrMissingRepository
	}

	owner = r.GetOwner().GetLogin()
	repo = r.GetName()
	if owner == "" || repo == "" {
		return "", "", ErrMissingRepository
	}
	return owner, repo, nil
}

func (c *Context) issueNumber() int {
	switch {
	case c.payload.Issue != nil:
		return c.payload.Issue.GetNumber()
	case c.payload.PullRequest != nil:
		return c.payload.PullRequest.GetNumber()
	}
	return c.payload.Number
}

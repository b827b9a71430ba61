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
	"encoding/json"
	"strings"

	"github.com/google/go-github/v65/github"
	"github.com/pkg/errors"

	"github.com/ridgelines/go-appbot/appbot"
)

const DefaultWelcomeMessage = "Thanks for opening this issue, @{{author}}!"

// WelcomeConfig sets the server-wide defaults for the welcome greeter.
// Repositories override these values in .github/welcome.yml.
type WelcomeConfig struct {
	Disabled bool   `yaml:"disabled"`
	Message  string `yaml:"message"`
}

// Welcome comments on newly opened issues. The comment template supports a
// single {{author}} placeholder for the issue author's login.
type Welcome struct {
	Config WelcomeConfig
}

func (h *Welcome) Register(app *appbot.App) {
	app.On("issues.opened", h.Handle)
}

// Handle issues.opened
// See https://developer.github.com/v3/activity/events/types/#issuesevent
func (h *Welcome) Handle(ctx context.Context, c *appbot.Context) error {
	ctx, logger := c.PrepareContext(ctx)

	if c.IsBot() {
		logger.Debug().Msg("Skipping welcome comment for bot actor")
		return nil
	}

	config, err := c.Config(ctx, "welcome.yml", h.defaults())
	if err != nil {
		return err
	}

	if disabled, _ := config["disabled"].(bool); disabled {
		logger.Debug().Msg("Welcome comments are disabled for this repository")
		return nil
	}

	issue, err := c.Issue(nil)
	if err != nil {
		return err
	}

	owner, _ := issue["owner"].(string)
	repo, _ := issue["repo"].(string)
	number, _ := issue["number"].(int)

	client, err := c.InstallationClient()
	if err != nil {
		return err
	}

	body := renderMessage(config, c.RawPayload())

	logger.Info().Msgf("Posting welcome comment on %s/%s#%d", owner, repo, number)
	_, _, err = client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: &body,
	})
	return errors.Wrapf(err, "failed to comment on %s/%s#%d", owner, repo, number)
}

func (h *Welcome) defaults() map[string]interface{} {
	message := h.Config.Message
	if message == "" {
		message = DefaultWelcomeMessage
	}
	return map[string]interface{}{
		"disabled": h.Config.Disabled,
		"message":  message,
	}
}

func renderMessage(config map[string]interface{}, payload []byte) string {
	message, _ := config["message"].(string)
	if message == "" {
		message = DefaultWelcomeMessage
	}

	var event github.IssuesEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return message
	}

	author := event.GetIssue().GetUser().GetLogin()
	return strings.ReplaceAll(message, "{{author}}", author)
}
